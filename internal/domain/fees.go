package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AssetClass groups instruments for fee and margin rule lookup.
type AssetClass string

const (
	AssetEquity     AssetClass = "EQUITY"
	AssetDerivative AssetClass = "DERIVATIVE"
	AssetCurrency   AssetClass = "CURRENCY"
)

// FeeConfiguration is a versioned fee rule set keyed by
// (broker, asset class, segment) with an effective window.
// At most one record is active per key at any instant; overlaps are a
// configuration bug resolved by latest EffectiveFrom.
type FeeConfiguration struct {
	ID            int64
	BrokerID      string
	AssetClass    AssetClass
	Segment       string // e.g. "EQ_DELIVERY", "EQ_INTRADAY", "FO_FUT", "FO_OPT"
	BrokerageFlat Money  // Flat brokerage per order; zero when percent applies
	BrokeragePct  decimal.Decimal
	BrokerageCap  Money // Upper bound on brokerage; zero means uncapped
	BrokerageMin  Money // Lower bound on brokerage
	STTPct        decimal.Decimal
	CTTPct        decimal.Decimal
	ExchangeTxPct decimal.Decimal
	GSTPct        decimal.Decimal
	SEBIPct       decimal.Decimal
	StampDutyPct  decimal.Decimal // Buy side only
	EffectiveFrom time.Time
	EffectiveTo   *time.Time // Nil means open-ended
}

// ActiveAt reports whether the rule applies at the given instant.
func (c *FeeConfiguration) ActiveAt(t time.Time) bool {
	if t.Before(c.EffectiveFrom) {
		return false
	}
	return c.EffectiveTo == nil || !t.After(*c.EffectiveTo)
}

// FeeBreakdown is the deterministic per-component fee result.
// Each component is rounded half-up to two decimals; Total is the sum of the
// rounded components.
type FeeBreakdown struct {
	OrderValue Money
	Brokerage  Money
	STT        Money
	CTT        Money
	ExchangeTx Money
	GST        Money
	SEBI       Money
	StampDuty  Money
	Total      Money
}

// FeeCalculation is the immutable post-trade record linking an order to the
// fee breakdown computed from the active configuration.
type FeeCalculation struct {
	ID           int64
	OrderID      string
	ConfigID     int64
	Breakdown    FeeBreakdown
	CalculatedAt time.Time
}
