// Package fees implements the deterministic fee calculator and its versioned
// rule store.
package fees

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

// Repository handles fee configuration and fee calculation persistence.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new fee repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "fees").Logger(),
	}
}

// Insert stores a fee configuration rule.
func (r *Repository) Insert(q Querier, c *domain.FeeConfiguration) error {
	var effectiveTo interface{}
	if c.EffectiveTo != nil {
		effectiveTo = c.EffectiveTo.Unix()
	}

	res, err := q.Exec(`
		INSERT INTO fee_configurations
		(broker_id, asset_class, segment, brokerage_flat, brokerage_pct, brokerage_cap,
		 brokerage_min, stt_pct, ctt_pct, exchange_tx_pct, gst_pct, sebi_pct,
		 stamp_duty_pct, effective_from, effective_to)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.BrokerID,
		string(c.AssetClass),
		c.Segment,
		int64(c.BrokerageFlat),
		c.BrokeragePct.String(),
		int64(c.BrokerageCap),
		int64(c.BrokerageMin),
		c.STTPct.String(),
		c.CTTPct.String(),
		c.ExchangeTxPct.String(),
		c.GSTPct.String(),
		c.SEBIPct.String(),
		c.StampDutyPct.String(),
		c.EffectiveFrom.Unix(),
		effectiveTo,
	)
	if err != nil {
		return fmt.Errorf("failed to insert fee configuration: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		c.ID = id
	}
	return nil
}

// ActiveAt returns the fee configuration active for the key at the given
// instant. Overlapping active rules are a configuration bug: the one with the
// latest effective_from wins and a warning is recorded.
func (r *Repository) ActiveAt(q Querier, brokerID string, class domain.AssetClass, segment string, at time.Time) (*domain.FeeConfiguration, error) {
	rows, err := q.Query(`
		SELECT id, broker_id, asset_class, segment, brokerage_flat, brokerage_pct,
		       brokerage_cap, brokerage_min, stt_pct, ctt_pct, exchange_tx_pct,
		       gst_pct, sebi_pct, stamp_duty_pct, effective_from, effective_to
		FROM fee_configurations
		WHERE broker_id = ? AND asset_class = ? AND segment = ?
		  AND effective_from <= ?
		  AND (effective_to IS NULL OR effective_to >= ?)
		ORDER BY effective_from DESC`,
		brokerID, string(class), segment, at.Unix(), at.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query fee configurations: %w", err)
	}
	defer rows.Close()

	var matches []domain.FeeConfiguration
	for rows.Next() {
		c, err := scanFeeConfig(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(matches) == 0 {
		return nil, domain.NewError(domain.ErrNotFound,
			"no fee configuration for %s/%s/%s at %s", brokerID, class, segment, at.Format(time.RFC3339))
	}
	if len(matches) > 1 {
		r.log.Warn().
			Str("broker_id", brokerID).
			Str("asset_class", string(class)).
			Str("segment", segment).
			Int("overlapping", len(matches)).
			Int64("selected_id", matches[0].ID).
			Msg("Overlapping active fee configurations, selecting latest effective_from")
	}
	return &matches[0], nil
}

// WriteCalculation persists an immutable post-trade fee record.
func (r *Repository) WriteCalculation(q Querier, fc *domain.FeeCalculation) error {
	if fc.CalculatedAt.IsZero() {
		fc.CalculatedAt = time.Now()
	}
	b := fc.Breakdown
	res, err := q.Exec(`
		INSERT INTO fee_calculations
		(order_id, config_id, order_value, brokerage, stt, ctt, exchange_tx, gst,
		 sebi, stamp_duty, total_fees, calculated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fc.OrderID, fc.ConfigID,
		int64(b.OrderValue), int64(b.Brokerage), int64(b.STT), int64(b.CTT),
		int64(b.ExchangeTx), int64(b.GST), int64(b.SEBI), int64(b.StampDuty),
		int64(b.Total), fc.CalculatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to write fee calculation for order %s: %w", fc.OrderID, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		fc.ID = id
	}
	return nil
}

// CalculationForOrder returns the recorded fee calculation for an order, or
// nil when none exists.
func (r *Repository) CalculationForOrder(q Querier, orderID string) (*domain.FeeCalculation, error) {
	row := q.QueryRow(`
		SELECT id, order_id, config_id, order_value, brokerage, stt, ctt, exchange_tx,
		       gst, sebi, stamp_duty, total_fees, calculated_at
		FROM fee_calculations WHERE order_id = ? ORDER BY id DESC LIMIT 1`, orderID)

	var fc domain.FeeCalculation
	var orderValue, brokerage, stt, ctt, exchangeTx, gst, sebi, stampDuty, total int64
	var calculatedAt int64
	err := row.Scan(&fc.ID, &fc.OrderID, &fc.ConfigID, &orderValue, &brokerage, &stt,
		&ctt, &exchangeTx, &gst, &sebi, &stampDuty, &total, &calculatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan fee calculation: %w", err)
	}
	fc.Breakdown = domain.FeeBreakdown{
		OrderValue: domain.Money(orderValue),
		Brokerage:  domain.Money(brokerage),
		STT:        domain.Money(stt),
		CTT:        domain.Money(ctt),
		ExchangeTx: domain.Money(exchangeTx),
		GST:        domain.Money(gst),
		SEBI:       domain.Money(sebi),
		StampDuty:  domain.Money(stampDuty),
		Total:      domain.Money(total),
	}
	fc.CalculatedAt = time.Unix(calculatedAt, 0)
	return &fc, nil
}

func scanFeeConfig(rows *sql.Rows) (*domain.FeeConfiguration, error) {
	var c domain.FeeConfiguration
	var brokerageFlat, brokerageCap, brokerageMin int64
	var brokeragePct, sttPct, cttPct, exchangeTxPct, gstPct, sebiPct, stampDutyPct string
	var effectiveFrom int64
	var effectiveTo sql.NullInt64

	err := rows.Scan(&c.ID, &c.BrokerID, (*string)(&c.AssetClass), &c.Segment,
		&brokerageFlat, &brokeragePct, &brokerageCap, &brokerageMin,
		&sttPct, &cttPct, &exchangeTxPct, &gstPct, &sebiPct, &stampDutyPct,
		&effectiveFrom, &effectiveTo)
	if err != nil {
		return nil, fmt.Errorf("failed to scan fee configuration: %w", err)
	}

	c.BrokerageFlat = domain.Money(brokerageFlat)
	c.BrokerageCap = domain.Money(brokerageCap)
	c.BrokerageMin = domain.Money(brokerageMin)

	for _, p := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&c.BrokeragePct, brokeragePct},
		{&c.STTPct, sttPct},
		{&c.CTTPct, cttPct},
		{&c.ExchangeTxPct, exchangeTxPct},
		{&c.GSTPct, gstPct},
		{&c.SEBIPct, sebiPct},
		{&c.StampDutyPct, stampDutyPct},
	} {
		d, err := decimal.NewFromString(p.src)
		if err != nil {
			return nil, fmt.Errorf("invalid percent %q in fee configuration %d: %w", p.src, c.ID, err)
		}
		*p.dst = d
	}

	c.EffectiveFrom = time.Unix(effectiveFrom, 0)
	if effectiveTo.Valid {
		t := time.Unix(effectiveTo.Int64, 0)
		c.EffectiveTo = &t
	}
	return &c, nil
}
