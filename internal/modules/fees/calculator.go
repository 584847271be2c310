package fees

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/openquant/tradecore/internal/domain"
)

// Calculator computes deterministic fee breakdowns from the versioned rule
// store. Component order and rounding are fixed: each component is rounded
// half-up to two decimals and the total is the sum of the rounded components,
// so the persisted breakdown always reconciles with its own total.
type Calculator struct {
	repo *Repository
	log  zerolog.Logger
}

// NewCalculator creates a new fee calculator
func NewCalculator(repo *Repository, log zerolog.Logger) *Calculator {
	return &Calculator{
		repo: repo,
		log:  log.With().Str("service", "fees").Logger(),
	}
}

// Input carries everything fee computation depends on.
type Input struct {
	BrokerID   string
	AssetClass domain.AssetClass
	Segment    string
	Side       domain.Side
	Price      domain.Money
	Quantity   int64
	LotSize    int64
	TradeTime  time.Time
}

// Calculate looks up the rule active at trade time and computes the breakdown.
func (c *Calculator) Calculate(q Querier, in Input) (*domain.FeeBreakdown, *domain.FeeConfiguration, error) {
	cfg, err := c.repo.ActiveAt(q, in.BrokerID, in.AssetClass, in.Segment, in.TradeTime)
	if err != nil {
		return nil, nil, err
	}
	breakdown := Compute(cfg, in)
	return breakdown, cfg, nil
}

// Compute applies a fee configuration to an input. Pure; exposed for tests and
// for pre-trade fee estimates that already hold a configuration.
func Compute(cfg *domain.FeeConfiguration, in Input) *domain.FeeBreakdown {
	lotSize := in.LotSize
	if lotSize < 1 {
		lotSize = 1
	}
	orderValue := in.Price.MulQty(in.Quantity * lotSize)

	brokerage := computeBrokerage(cfg, orderValue).RoundHalfUp2()

	// Statutory components are percentages of order value. STT and CTT are
	// mutually exclusive per segment; the rule set carries the applicable one.
	stt := domain.PercentOf(orderValue, cfg.STTPct).RoundHalfUp2()
	ctt := domain.PercentOf(orderValue, cfg.CTTPct).RoundHalfUp2()
	exchangeTx := domain.PercentOf(orderValue, cfg.ExchangeTxPct).RoundHalfUp2()
	sebi := domain.PercentOf(orderValue, cfg.SEBIPct).RoundHalfUp2()

	// Stamp duty applies on the buy side only.
	var stampDuty domain.Money
	if in.Side == domain.SideBuy {
		stampDuty = domain.PercentOf(orderValue, cfg.StampDutyPct).RoundHalfUp2()
	}

	// GST is levied on brokerage + exchange transaction + SEBI charges.
	gstBase := brokerage + exchangeTx + sebi
	gst := domain.PercentOf(gstBase, cfg.GSTPct).RoundHalfUp2()

	return &domain.FeeBreakdown{
		OrderValue: orderValue,
		Brokerage:  brokerage,
		STT:        stt,
		CTT:        ctt,
		ExchangeTx: exchangeTx,
		GST:        gst,
		SEBI:       sebi,
		StampDuty:  stampDuty,
		Total:      brokerage + stt + ctt + exchangeTx + gst + sebi + stampDuty,
	}
}

// computeBrokerage evaluates percent-or-flat brokerage with cap and floor.
func computeBrokerage(cfg *domain.FeeConfiguration, orderValue domain.Money) domain.Money {
	var brokerage domain.Money
	if cfg.BrokeragePct.IsPositive() {
		brokerage = domain.PercentOf(orderValue, cfg.BrokeragePct)
	} else {
		brokerage = cfg.BrokerageFlat
	}
	if cfg.BrokerageCap > 0 && brokerage > cfg.BrokerageCap {
		brokerage = cfg.BrokerageCap
	}
	if cfg.BrokerageMin > 0 && brokerage < cfg.BrokerageMin {
		brokerage = cfg.BrokerageMin
	}
	return brokerage
}

// Record computes fees for a terminally filled order and persists the
// immutable calculation row in the caller's transaction.
func (c *Calculator) Record(q Querier, order *domain.Order, in Input) (*domain.FeeCalculation, error) {
	breakdown, cfg, err := c.Calculate(q, in)
	if err != nil {
		return nil, err
	}
	fc := &domain.FeeCalculation{
		OrderID:   order.ID,
		ConfigID:  cfg.ID,
		Breakdown: *breakdown,
	}
	if err := c.repo.WriteCalculation(q, fc); err != nil {
		return nil, err
	}

	c.log.Info().
		Str("order_id", order.ID).
		Str("total_fees", breakdown.Total.String()).
		Msg("Fee calculation recorded")
	return fc, nil
}
