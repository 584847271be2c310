package domain

import "time"

// LimitType is the kind of constraint a risk limit enforces.
type LimitType string

const (
	LimitPositionSize  LimitType = "position_size"
	LimitNotional      LimitType = "notional"
	LimitDrawdown      LimitType = "drawdown"
	LimitDailyLoss     LimitType = "daily_loss"
	LimitVaR           LimitType = "var"
	LimitConcentration LimitType = "concentration"
)

// LimitScope is the level a risk limit applies at. Narrower scopes override
// wider ones for the same limit type.
type LimitScope string

const (
	ScopePortfolio  LimitScope = "portfolio"
	ScopeStrategy   LimitScope = "strategy"
	ScopeInstrument LimitScope = "instrument"
)

// scopeRank orders scopes from widest to narrowest.
func (s LimitScope) Rank() int {
	switch s {
	case ScopeInstrument:
		return 2
	case ScopeStrategy:
		return 1
	default:
		return 0
	}
}

// RiskLimit is a scoped pre-trade constraint.
// ScopeRef identifies the strategy or instrument the limit binds to; empty for
// portfolio scope.
type RiskLimit struct {
	ID           int64
	Scope        LimitScope
	ScopeRef     string
	Type         LimitType
	LimitValue   Money
	CurrentValue Money
	Active       bool
	UpdatedAt    time.Time
}

// RiskViolation describes one failed check in a risk gate evaluation.
type RiskViolation struct {
	Metric   LimitType  `json:"metric"`
	Scope    LimitScope `json:"scope"`
	Limit    Money      `json:"limit"`
	Observed Money      `json:"observed"`
}

// RiskResult is the outcome of the pre-trade risk gate. The gate is pure over
// its inputs and never mutates state.
type RiskResult struct {
	Approved   bool
	Violations []RiskViolation
}
