// Package risk implements the hierarchical pre-trade risk gate, its limit
// store, VaR estimation and the intraday P&L tracker.
package risk

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openquant/tradecore/internal/domain"
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// Repository handles risk limit persistence.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new risk limit repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "risk").Logger(),
	}
}

// Upsert stores a risk limit, replacing any existing limit with the same
// scope, scope_ref and type.
func (r *Repository) Upsert(q Querier, l *domain.RiskLimit) error {
	l.UpdatedAt = time.Now()

	res, err := q.Exec(`
		UPDATE risk_limits SET limit_value = ?, current_value = ?, is_active = ?, updated_at = ?
		WHERE scope = ? AND scope_ref = ? AND limit_type = ?`,
		int64(l.LimitValue), int64(l.CurrentValue), boolToInt(l.Active), l.UpdatedAt.Unix(),
		string(l.Scope), l.ScopeRef, string(l.Type),
	)
	if err != nil {
		return fmt.Errorf("failed to update risk limit: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	ins, err := q.Exec(`
		INSERT INTO risk_limits (scope, scope_ref, limit_type, limit_value, current_value, is_active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(l.Scope), l.ScopeRef, string(l.Type),
		int64(l.LimitValue), int64(l.CurrentValue), boolToInt(l.Active), l.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert risk limit: %w", err)
	}
	if id, err := ins.LastInsertId(); err == nil {
		l.ID = id
	}
	return nil
}

// Applicable collects the active limits that bind an order: portfolio-wide
// limits, limits scoped to the strategy, and limits scoped to the instrument.
func (r *Repository) Applicable(q Querier, strategyID, instrumentKey string) ([]domain.RiskLimit, error) {
	rows, err := q.Query(`
		SELECT id, scope, scope_ref, limit_type, limit_value, current_value, is_active, updated_at
		FROM risk_limits
		WHERE is_active = 1
		  AND (scope = 'portfolio'
		       OR (scope = 'strategy' AND scope_ref = ?)
		       OR (scope = 'instrument' AND scope_ref = ?))`,
		strategyID, instrumentKey,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query risk limits: %w", err)
	}
	defer rows.Close()

	var out []domain.RiskLimit
	for rows.Next() {
		var l domain.RiskLimit
		var scope, limitType string
		var limitValue, currentValue, updatedAt int64
		var active int
		if err := rows.Scan(&l.ID, &scope, &l.ScopeRef, &limitType, &limitValue, &currentValue, &active, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan risk limit: %w", err)
		}
		l.Scope = domain.LimitScope(scope)
		l.Type = domain.LimitType(limitType)
		l.LimitValue = domain.Money(limitValue)
		l.CurrentValue = domain.Money(currentValue)
		l.Active = active == 1
		l.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, l)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
