package risk

import (
	"github.com/rs/zerolog"

	"github.com/openquant/tradecore/internal/domain"
)

// Exposure is the projected post-trade view the gate evaluates against.
// The coordinator assembles it from positions, market data and the P&L
// tracker; the gate itself is pure and mutates nothing.
type Exposure struct {
	// ProjectedPositionQty is |net quantity| of the instrument after the trade.
	ProjectedPositionQty int64
	// ProjectedNotional is total portfolio notional after the trade.
	ProjectedNotional domain.Money
	// ProjectedInstrumentNotional is the instrument's notional after the trade.
	ProjectedInstrumentNotional domain.Money
	// RealizedPnLToday is today's accumulated realized P&L (negative = loss).
	RealizedPnLToday domain.Money
	// Equity and PeakEquity drive the drawdown check.
	Equity     domain.Money
	PeakEquity domain.Money
	// Returns is the periodic portfolio return series for VaR estimation.
	Returns []float64
}

// Gate runs the layered pre-trade risk checks.
type Gate struct {
	repo   *Repository
	varCfg VaRConfig
	log    zerolog.Logger
}

// NewGate creates a new risk gate
func NewGate(repo *Repository, varCfg VaRConfig, log zerolog.Logger) *Gate {
	return &Gate{
		repo:   repo,
		varCfg: varCfg,
		log:    log.With().Str("service", "risk").Logger(),
	}
}

// Check evaluates all applicable limits against the projected exposure.
// All checks run even after a failure so the result lists every violation.
func (g *Gate) Check(q Querier, strategyID, instrumentKey string, exp Exposure) (*domain.RiskResult, error) {
	limits, err := g.repo.Applicable(q, strategyID, instrumentKey)
	if err != nil {
		return nil, err
	}

	resolved := resolveByScope(limits)
	result := &domain.RiskResult{Approved: true}

	for _, limit := range resolved {
		if violation := g.evaluate(limit, exp); violation != nil {
			result.Approved = false
			result.Violations = append(result.Violations, *violation)
		}
	}

	if !result.Approved {
		g.log.Info().
			Str("strategy_id", strategyID).
			Str("instrument", instrumentKey).
			Int("violations", len(result.Violations)).
			Msg("Risk gate rejected order")
	}
	return result, nil
}

// resolveByScope keeps one limit per type: instrument scope beats strategy
// scope beats portfolio scope.
func resolveByScope(limits []domain.RiskLimit) map[domain.LimitType]domain.RiskLimit {
	resolved := make(map[domain.LimitType]domain.RiskLimit)
	for _, l := range limits {
		existing, ok := resolved[l.Type]
		if !ok || l.Scope.Rank() > existing.Scope.Rank() {
			resolved[l.Type] = l
		}
	}
	return resolved
}

// evaluate runs one limit against the exposure, returning a violation or nil.
func (g *Gate) evaluate(limit domain.RiskLimit, exp Exposure) *domain.RiskViolation {
	switch limit.Type {
	case domain.LimitPositionSize:
		// Quantity limits are stored in whole units at money scale.
		observed := domain.MoneyFromRupees(exp.ProjectedPositionQty)
		if observed > limit.LimitValue {
			return violation(limit, observed)
		}

	case domain.LimitNotional:
		if exp.ProjectedNotional > limit.LimitValue {
			return violation(limit, exp.ProjectedNotional)
		}

	case domain.LimitConcentration:
		// Limit value is a percentage at money scale (e.g. 25.00).
		if exp.ProjectedNotional <= 0 {
			return nil
		}
		pct := domain.MoneyFromDecimal(
			exp.ProjectedInstrumentNotional.Decimal().
				Div(exp.ProjectedNotional.Decimal()).
				Mul(hundredDecimal))
		if pct > limit.LimitValue {
			return violation(limit, pct)
		}

	case domain.LimitDailyLoss:
		if exp.RealizedPnLToday <= -limit.LimitValue {
			return violation(limit, -exp.RealizedPnLToday)
		}

	case domain.LimitDrawdown:
		drawdown := exp.PeakEquity - exp.Equity
		if drawdown >= limit.LimitValue && limit.LimitValue > 0 {
			return violation(limit, drawdown)
		}

	case domain.LimitVaR:
		varFraction, err := EstimateVaR(exp.Returns, g.varCfg)
		if err != nil {
			g.log.Error().Err(err).Msg("VaR estimation failed, treating as violation")
			return violation(limit, limit.LimitValue)
		}
		projectedVaR := domain.MoneyFromDecimal(
			exp.ProjectedNotional.Decimal().Mul(decimalFromFloat(varFraction)))
		if projectedVaR > limit.LimitValue {
			return violation(limit, projectedVaR)
		}
	}
	return nil
}

func violation(limit domain.RiskLimit, observed domain.Money) *domain.RiskViolation {
	return &domain.RiskViolation{
		Metric:   limit.Type,
		Scope:    limit.Scope,
		Limit:    limit.LimitValue,
		Observed: observed,
	}
}

// ViolationError builds the typed terminal rejection for a failed gate.
func ViolationError(result *domain.RiskResult) error {
	return domain.NewError(domain.ErrRiskViolation,
		"risk gate rejected order with %d violation(s)", len(result.Violations)).
		WithDetail("violations", result.Violations)
}
