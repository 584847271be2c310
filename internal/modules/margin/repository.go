// Package margin implements the pre-trade margin calculator, its versioned
// rule store, and scenario stress testing.
package margin

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/openquant/tradecore/internal/domain"
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// Repository handles margin requirement rule persistence.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new margin repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "margin").Logger(),
	}
}

// Insert stores a margin requirement rule.
func (r *Repository) Insert(q Querier, m *domain.MarginRequirement) error {
	var effectiveTo interface{}
	if m.EffectiveTo != nil {
		effectiveTo = m.EffectiveTo.Unix()
	}

	res, err := q.Exec(`
		INSERT INTO margin_requirements
		(broker_id, instrument_type, margin_kind, percent, effective_from, effective_to)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.BrokerID,
		string(m.InstrumentType),
		string(m.MarginKind),
		m.Percent.String(),
		m.EffectiveFrom.Unix(),
		effectiveTo,
	)
	if err != nil {
		return fmt.Errorf("failed to insert margin requirement: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		m.ID = id
	}
	return nil
}

// PercentAt returns the rule percentage active for the key at the given
// instant, or zero when no rule exists. On overlap the latest effective_from
// wins, matching the fee rule tie-break.
func (r *Repository) PercentAt(q Querier, brokerID string, it domain.InstrumentType, kind domain.MarginType, at time.Time) (decimal.Decimal, error) {
	rows, err := q.Query(`
		SELECT percent FROM margin_requirements
		WHERE broker_id = ? AND instrument_type = ? AND margin_kind = ?
		  AND effective_from <= ?
		  AND (effective_to IS NULL OR effective_to >= ?)
		ORDER BY effective_from DESC
		LIMIT 2`,
		brokerID, string(it), string(kind), at.Unix(), at.Unix(),
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query margin requirements: %w", err)
	}
	defer rows.Close()

	var percents []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan margin requirement: %w", err)
		}
		percents = append(percents, p)
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, err
	}

	if len(percents) == 0 {
		return decimal.Zero, nil
	}
	if len(percents) > 1 {
		r.log.Warn().
			Str("broker_id", brokerID).
			Str("instrument_type", string(it)).
			Str("margin_kind", string(kind)).
			Msg("Overlapping active margin requirements, selecting latest effective_from")
	}

	d, err := decimal.NewFromString(percents[0])
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid margin percent %q: %w", percents[0], err)
	}
	return d, nil
}
