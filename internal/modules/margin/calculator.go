package margin

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/openquant/tradecore/internal/domain"
)

// Calculator computes SPAN + exposure + premium margin requirements from the
// versioned rule store and validates availability.
type Calculator struct {
	repo *Repository
	log  zerolog.Logger
}

// NewCalculator creates a new margin calculator
func NewCalculator(repo *Repository, log zerolog.Logger) *Calculator {
	return &Calculator{
		repo: repo,
		log:  log.With().Str("service", "margin").Logger(),
	}
}

// Required computes the margin breakdown for an order at the given time.
//
// Rules:
//   - Long options block the full premium (price x qty x lot size); SPAN and
//     exposure do not apply on top.
//   - Futures and short options take SPAN + exposure percentages of order value.
//   - Delivery equity takes the delivery percentage of order value.
//   - Intraday equity takes SPAN + exposure when rules exist (leveraged
//     product), otherwise zero rules mean full value is handled upstream.
func (c *Calculator) Required(q Querier, order *domain.Order, instrument *domain.Instrument, at time.Time) (*domain.MarginBreakdown, error) {
	orderValue := order.Price.MulQty(order.Quantity * instrument.EffectiveLotSize())
	b := &domain.MarginBreakdown{}

	if instrument.Type == domain.InstrumentOption && order.Side == domain.SideBuy {
		b.OptionPremium = orderValue
		b.Total = b.OptionPremium
		return b, nil
	}

	if order.Product == domain.ProductDelivery {
		pctDelivery, err := c.repo.PercentAt(q, order.BrokerID, instrument.Type, domain.MarginDelivery, at)
		if err != nil {
			return nil, err
		}
		b.Delivery = domain.PercentOf(orderValue, pctDelivery)
		b.Total = b.Delivery
		return b, nil
	}

	pctSpan, err := c.repo.PercentAt(q, order.BrokerID, instrument.Type, domain.MarginSpan, at)
	if err != nil {
		return nil, err
	}
	pctExposure, err := c.repo.PercentAt(q, order.BrokerID, instrument.Type, domain.MarginExposure, at)
	if err != nil {
		return nil, err
	}

	b.Span = domain.PercentOf(orderValue, pctSpan)
	b.Exposure = domain.PercentOf(orderValue, pctExposure)
	b.Total = b.Span + b.Exposure
	return b, nil
}

// Validate checks required margin against available funds.
// Returns a MarginCheck carrying the shortfall when insufficient.
func (c *Calculator) Validate(available domain.Money, required *domain.MarginBreakdown) domain.MarginCheck {
	check := domain.MarginCheck{
		Available: available,
		Required:  required.Total,
	}
	if available >= required.Total {
		check.OK = true
		return check
	}
	check.Shortfall = required.Total - available
	return check
}

// ShortfallError builds the typed terminal rejection for a failed check.
func ShortfallError(check domain.MarginCheck) error {
	return domain.NewError(domain.ErrMarginShortfall,
		"margin shortfall: required %s, available %s", check.Required, check.Available).
		WithDetail("required", check.Required.String()).
		WithDetail("available", check.Available.String()).
		WithDetail("shortfall", check.Shortfall.String())
}

// StressTest applies multiplicative shocks to the SPAN + exposure component of
// a base breakdown and returns the stressed total per scenario.
//
// When the base total is zero the increase percentage is reported as zero and
// a warning is logged; this is the documented resolution of the divide-by-zero
// ambiguity in the margin stress contract.
func (c *Calculator) StressTest(base *domain.MarginBreakdown, scenarios []domain.StressScenario) []domain.StressResult {
	results := make([]domain.StressResult, 0, len(scenarios))
	hundred := decimal.NewFromInt(100)

	for _, sc := range scenarios {
		// Shock factor: price moves scale margin linearly, volatility shocks
		// compound on top.
		priceFactor := decimal.NewFromInt(1).Add(sc.PriceChange.Abs().Div(hundred))
		volFactor := decimal.NewFromInt(1).Add(sc.VolChange.Div(hundred))
		factor := priceFactor.Mul(volFactor)

		shockable := base.Span + base.Exposure
		stressedShockable := domain.MoneyFromDecimal(shockable.Decimal().Mul(factor))
		stressedTotal := stressedShockable + base.OptionPremium + base.Delivery

		result := domain.StressResult{
			Scenario:      sc,
			BaseTotal:     base.Total,
			StressedTotal: stressedTotal,
		}

		if base.Total > 0 {
			result.IncreasePct = stressedTotal.Decimal().
				Sub(base.Total.Decimal()).
				Div(base.Total.Decimal()).
				Mul(hundred)
		} else {
			c.log.Warn().
				Str("scenario", sc.Name).
				Msg("Stress test base margin is zero, reporting increase_pct=0")
		}

		results = append(results, result)
	}
	return results
}
