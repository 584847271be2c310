// Package instruments stores exchange master data and refreshes it from the
// broker's instrument dump.
package instruments

import (
	"database/sql"
	"fmt"
	"strings"
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

const instrumentColumns = `exchange, symbol, name, instrument_type, segment,
	lot_size, tick_size, expiry, strike, option_type, tradable, updated_at`

// Repository handles instrument persistence.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new instrument repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "instruments").Logger(),
	}
}

// Upsert inserts or refreshes an instrument row keyed by (exchange, symbol).
func (r *Repository) Upsert(q Querier, inst *domain.Instrument) error {
	inst.Exchange = strings.ToUpper(inst.Exchange)
	inst.Symbol = strings.ToUpper(inst.Symbol)
	inst.UpdatedAt = time.Now()

	var expiry interface{}
	if inst.Expiry != nil {
		expiry = inst.Expiry.Unix()
	}

	_, err := q.Exec(`
		INSERT INTO instruments (exchange, symbol, name, instrument_type, segment,
			lot_size, tick_size, expiry, strike, option_type, tradable, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (exchange, symbol) DO UPDATE SET
			name = excluded.name,
			instrument_type = excluded.instrument_type,
			segment = excluded.segment,
			lot_size = excluded.lot_size,
			tick_size = excluded.tick_size,
			expiry = excluded.expiry,
			strike = excluded.strike,
			option_type = excluded.option_type,
			tradable = excluded.tradable,
			updated_at = excluded.updated_at`,
		inst.Exchange, inst.Symbol, inst.Name, string(inst.Type), inst.Segment,
		inst.EffectiveLotSize(), int64(inst.TickSize), expiry,
		int64(inst.Strike), string(inst.OptionType), boolToInt(inst.Tradable), inst.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert instrument %s: %w", inst.Key(), err)
	}
	return nil
}

// Get returns the instrument for (exchange, symbol), or a NOT_FOUND error.
func (r *Repository) Get(q Querier, exchange, symbol string) (*domain.Instrument, error) {
	row := q.QueryRow(`
		SELECT `+instrumentColumns+` FROM instruments
		WHERE exchange = ? AND symbol = ?`,
		strings.ToUpper(exchange), strings.ToUpper(symbol),
	)
	inst, err := scanInstrument(row)
	if err == sql.ErrNoRows {
		return nil, domain.NewError(domain.ErrNotFound, "instrument %s:%s not found",
			strings.ToUpper(exchange), strings.ToUpper(symbol))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instrument: %w", err)
	}
	return inst, nil
}

// ListTradable returns all tradable instruments on an exchange.
func (r *Repository) ListTradable(q Querier, exchange string) ([]*domain.Instrument, error) {
	rows, err := q.Query(`
		SELECT `+instrumentColumns+` FROM instruments
		WHERE exchange = ? AND tradable = 1
		ORDER BY symbol`,
		strings.ToUpper(exchange),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list instruments: %w", err)
	}
	defer rows.Close()

	var out []*domain.Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instrument: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstrument(row rowScanner) (*domain.Instrument, error) {
	var inst domain.Instrument
	var instrumentType, optionType string
	var tickSize, strike, updatedAt int64
	var expiry sql.NullInt64
	var tradable int
	err := row.Scan(&inst.Exchange, &inst.Symbol, &inst.Name, &instrumentType, &inst.Segment,
		&inst.LotSize, &tickSize, &expiry, &strike, &optionType, &tradable, &updatedAt)
	if err != nil {
		return nil, err
	}
	inst.Type = domain.InstrumentType(instrumentType)
	inst.TickSize = domain.Money(tickSize)
	if expiry.Valid {
		t := time.Unix(expiry.Int64, 0)
		inst.Expiry = &t
	}
	inst.Strike = domain.Money(strike)
	inst.OptionType = domain.OptionKind(optionType)
	inst.Tradable = tradable == 1
	inst.UpdatedAt = time.Unix(updatedAt, 0)
	return &inst, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
