package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarginType distinguishes the rule rows of the margin schedule.
type MarginType string

const (
	MarginSpan     MarginType = "SPAN"
	MarginExposure MarginType = "EXPOSURE"
	MarginDelivery MarginType = "DELIVERY"
)

// MarginRequirement is a versioned margin rule per
// (broker, instrument type, margin type) with an effective window.
type MarginRequirement struct {
	ID             int64
	BrokerID       string
	InstrumentType InstrumentType
	MarginKind     MarginType
	Percent        decimal.Decimal // Percentage of order value
	EffectiveFrom  time.Time
	EffectiveTo    *time.Time
}

// ActiveAt reports whether the rule applies at the given instant.
func (m *MarginRequirement) ActiveAt(t time.Time) bool {
	if t.Before(m.EffectiveFrom) {
		return false
	}
	return m.EffectiveTo == nil || !t.After(*m.EffectiveTo)
}

// MarginBreakdown is the pre-trade margin requirement for an order.
// Total is always the sum of the other components.
type MarginBreakdown struct {
	Span          Money
	Exposure      Money
	OptionPremium Money // price x qty x lot size for long options, else zero
	Delivery      Money // delivery_percent x order value for CNC equity
	Total         Money
}

// MarginCheck is the result of validating required margin against available.
type MarginCheck struct {
	OK        bool
	Available Money
	Required  Money
	Shortfall Money // Zero when OK
}

// StressScenario applies multiplicative shocks to SPAN + exposure margin.
type StressScenario struct {
	Name        string
	PriceChange decimal.Decimal // Percent, e.g. -10 for a 10% drop
	VolChange   decimal.Decimal // Percent volatility shock
}

// StressResult is the stressed margin total for one scenario.
type StressResult struct {
	Scenario      StressScenario
	BaseTotal     Money
	StressedTotal Money
	IncreasePct   decimal.Decimal // Zero when the base total is zero
}
