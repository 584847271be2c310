// Package coordinator orchestrates the order lifecycle: intake, the gate
// pipeline (idempotency, validation, margin, risk), routing and expansion,
// asynchronous broker dispatch, and the broker event loop that folds
// executions back into orders, fees and the portfolio.
//
// Concurrency model: Submit runs the gate pipeline synchronously inside one
// trading-db transaction and hands the queued order to a dispatch goroutine.
// Broker event streams are fanned into a fixed set of workers keyed by a hash
// of the broker order id, so all events for one order are processed in
// arrival order by a single goroutine.
package coordinator

import (
	"context"
	"database/sql"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openquant/tradecore/internal/database"
	"github.com/openquant/tradecore/internal/domain"
	"github.com/openquant/tradecore/internal/events"
	"github.com/openquant/tradecore/internal/marketdata"
	"github.com/openquant/tradecore/internal/modules/fees"
	"github.com/openquant/tradecore/internal/modules/instruments"
	"github.com/openquant/tradecore/internal/modules/margin"
	"github.com/openquant/tradecore/internal/modules/orders"
	"github.com/openquant/tradecore/internal/modules/portfolio"
	"github.com/openquant/tradecore/internal/modules/risk"
	"github.com/openquant/tradecore/internal/modules/routing"
)

// Deps are the collaborators the coordinator drives. All are required except
// Market, which degrades exposure assembly to average-price valuation.
type Deps struct {
	TradingDB   *sql.DB
	PortfolioDB *sql.DB
	Orders      *orders.Repository
	Idempotency *orders.IdempotencyStore
	Fees        *fees.Calculator
	Margin      *margin.Calculator
	Risk        *risk.Gate
	PnL         *risk.PnLTracker
	Router      *routing.Router
	Instruments *instruments.Service
	Portfolio   *portfolio.Reducer
	Positions   *portfolio.Repository
	Market      *marketdata.Cache
	Events      *events.Manager
	Adapters    map[string]domain.BrokerAdapter
}

// Config tunes intake capacity, dispatch deadlines and the event workers.
type Config struct {
	// QueueCapacity bounds concurrent submissions; overflow is rejected
	// synchronously with CAPACITY_EXCEEDED.
	QueueCapacity int
	// RPCDeadline bounds each place/cancel broker call.
	RPCDeadline time.Duration
	// Workers is the number of event-loop goroutines.
	Workers int
	// AvailableFunds reports the margin available to new orders.
	AvailableFunds func() domain.Money
	// Returns optionally feeds the portfolio return series to the VaR check.
	Returns func() []float64
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.QueueCapacity <= 0 {
		out.QueueCapacity = 1024
	}
	if out.RPCDeadline <= 0 {
		out.RPCDeadline = 10 * time.Second
	}
	if out.Workers <= 0 {
		out.Workers = 8
	}
	if out.AvailableFunds == nil {
		out.AvailableFunds = func() domain.Money { return 0 }
	}
	return out
}

// Coordinator is the single writer of order rows.
type Coordinator struct {
	deps Deps
	cfg  Config
	log  zerolog.Logger

	slots      chan struct{}
	inboxes    []chan domain.BrokerEvent
	dispatchWG sync.WaitGroup
	workerWG   sync.WaitGroup
	fanWG      sync.WaitGroup
}

// New creates a coordinator. Call Start to attach the broker event streams.
func New(deps Deps, cfg Config, log zerolog.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		deps:  deps,
		cfg:   cfg,
		log:   log.With().Str("service", "coordinator").Logger(),
		slots: make(chan struct{}, cfg.QueueCapacity),
	}
}

// Start subscribes to every adapter's event stream and launches the workers.
// The loops stop when ctx is cancelled; Wait blocks until they drain.
func (c *Coordinator) Start(ctx context.Context) error {
	c.inboxes = make([]chan domain.BrokerEvent, c.cfg.Workers)
	for i := range c.inboxes {
		inbox := make(chan domain.BrokerEvent, 64)
		c.inboxes[i] = inbox
		c.workerWG.Add(1)
		go func() {
			defer c.workerWG.Done()
			for ev := range inbox {
				c.handleEvent(ev)
			}
		}()
	}

	for _, adapter := range c.deps.Adapters {
		stream, err := adapter.SubscribeEvents(ctx)
		if err != nil {
			return err
		}
		c.fanWG.Add(1)
		go func(stream <-chan domain.BrokerEvent) {
			defer c.fanWG.Done()
			for ev := range stream {
				c.inboxes[c.shard(ev.BrokerOrderID)] <- ev
			}
		}(stream)
	}

	go func() {
		c.fanWG.Wait()
		for _, inbox := range c.inboxes {
			close(inbox)
		}
	}()
	return nil
}

// Wait blocks until all event workers and in-flight dispatches finish.
// Meaningful only after the Start context is cancelled and streams close.
func (c *Coordinator) Wait() {
	c.dispatchWG.Wait()
	c.workerWG.Wait()
}

// Flush blocks until in-flight broker dispatches complete.
func (c *Coordinator) Flush() {
	c.dispatchWG.Wait()
}

func (c *Coordinator) shard(brokerOrderID string) int {
	h := fnv.New32a()
	h.Write([]byte(brokerOrderID))
	return int(h.Sum32() % uint32(c.cfg.Workers))
}

// Submit runs the gate pipeline and, on success, queues the order and
// dispatches it to its broker asynchronously. A duplicate idempotency key
// returns the prior order with no further effects. Rejections (validation,
// margin, risk) persist the REJECTED order and return it alongside the typed
// error so callers see both the record and the reason.
func (c *Coordinator) Submit(ctx context.Context, intent *domain.OrderIntent) (*domain.Order, error) {
	select {
	case c.slots <- struct{}{}:
		defer func() { <-c.slots }()
	default:
		return nil, domain.NewError(domain.ErrCapacityExceeded,
			"submission queue full (%d in flight)", c.cfg.QueueCapacity)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Shape errors are rejected before anything touches the database: a
	// non-positive quantity cannot even be persisted as a REJECTED row.
	if err := validateShape(intent); err != nil {
		return nil, err
	}

	instrument, err := c.deps.Instruments.Lookup(intent.Exchange, intent.Symbol)
	if err != nil && domain.KindOf(err) != domain.ErrNotFound {
		return nil, err
	}

	var (
		out        *domain.Order
		submitErr  error
		dispatches []*domain.Order
	)
	txErr := database.WithTransaction(c.deps.TradingDB, func(tx *sql.Tx) error {
		existing, err := c.deps.Idempotency.Reserve(tx, intent.IdempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			out = existing
			return nil
		}

		order := orderFromIntent(intent)
		out = order

		if instrument == nil {
			submitErr = domain.NewError(domain.ErrValidation,
				"unknown instrument %s:%s", intent.Exchange, intent.Symbol)
			return c.persistRejected(tx, order, submitErr)
		}
		if verr := validateIntent(intent, instrument); verr != nil {
			submitErr = verr
			return c.persistRejected(tx, order, verr)
		}

		// Routing resolves before the gates: margin rules are versioned
		// per broker.
		brokerID, err := c.deps.Router.Route(intent, instrument)
		if err != nil {
			submitErr = err
			return c.persistRejected(tx, order, err)
		}
		order.BrokerID = brokerID

		required, err := c.deps.Margin.Required(tx, order, instrument, time.Now())
		if err != nil {
			return err
		}
		check := c.deps.Margin.Validate(c.cfg.AvailableFunds(), required)
		if !check.OK {
			submitErr = margin.ShortfallError(check)
			return c.persistRejected(tx, order, submitErr)
		}

		exposure, err := c.assembleExposure(order, instrument)
		if err != nil {
			return err
		}
		result, err := c.deps.Risk.Check(tx, order.StrategyID, instrument.Key(), exposure)
		if err != nil {
			return err
		}
		if !result.Approved {
			submitErr = risk.ViolationError(result)
			return c.persistRejected(tx, order, submitErr)
		}

		queued, err := c.persistExpanded(tx, order, intent)
		if err != nil {
			winner, rerr := c.deps.Idempotency.ResolveConflict(tx, intent.IdempotencyKey, err)
			if winner != nil {
				out = winner
				return nil
			}
			return rerr
		}
		dispatches = queued
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	if submitErr != nil {
		c.deps.Events.Emit(events.OrderRejected, "coordinator", map[string]interface{}{
			"order_id": out.ID,
			"reason":   out.StatusReason,
		})
		return out, submitErr
	}

	for _, o := range dispatches {
		c.deps.Events.Emit(events.OrderAccepted, "coordinator", map[string]interface{}{
			"order_id":  o.ID,
			"broker_id": o.BrokerID,
		})
		c.dispatchWG.Add(1)
		go c.dispatch(o)
	}
	return out, nil
}

// persistExpanded writes the order (and any iceberg children or bracket
// exits) and returns the set to dispatch now.
func (c *Coordinator) persistExpanded(tx *sql.Tx, order *domain.Order, intent *domain.OrderIntent) ([]*domain.Order, error) {
	switch {
	case intent.VisibleQuantity > 0:
		children, err := c.deps.Router.SplitIceberg(order, intent.VisibleQuantity)
		if err != nil {
			return nil, err
		}
		if err := c.deps.Orders.Create(tx, order); err != nil {
			return nil, err
		}
		if err := c.deps.Orders.Transition(tx, order, domain.StateQueued, "iceberg parent accepted"); err != nil {
			return nil, err
		}
		for _, child := range children {
			if err := c.deps.Orders.Create(tx, child); err != nil {
				return nil, err
			}
		}
		// Only the first slice goes out; the rest are released on fills.
		first := children[0]
		if err := c.deps.Orders.Transition(tx, first, domain.StateQueued, "iceberg slice released"); err != nil {
			return nil, err
		}
		return []*domain.Order{first}, nil

	case intent.TargetPrice > 0 && intent.StopPrice > 0:
		bracket, err := c.deps.Router.ExpandBracket(order, intent.TargetPrice, intent.StopPrice)
		if err != nil {
			return nil, err
		}
		if err := c.deps.Orders.Create(tx, order); err != nil {
			return nil, err
		}
		if err := c.deps.Orders.Transition(tx, order, domain.StateQueued, "accepted"); err != nil {
			return nil, err
		}
		// Exits stay PENDING until the entry fills.
		for _, exit := range []*domain.Order{bracket.Target, bracket.Stop} {
			if err := c.deps.Orders.Create(tx, exit); err != nil {
				return nil, err
			}
		}
		return []*domain.Order{order}, nil

	default:
		if err := c.deps.Orders.Create(tx, order); err != nil {
			return nil, err
		}
		if err := c.deps.Orders.Transition(tx, order, domain.StateQueued, "accepted"); err != nil {
			return nil, err
		}
		return []*domain.Order{order}, nil
	}
}

// persistRejected commits the order straight to REJECTED so the audit trail
// records the attempt and its reason.
func (c *Coordinator) persistRejected(tx *sql.Tx, order *domain.Order, cause error) error {
	if err := c.deps.Orders.Create(tx, order); err != nil {
		winner, rerr := c.deps.Idempotency.ResolveConflict(tx, order.IdempotencyKey, err)
		if winner != nil {
			*order = *winner
			return nil
		}
		return rerr
	}
	return c.deps.Orders.Transition(tx, order, domain.StateRejected, cause.Error())
}

// dispatch places one queued order at its broker. A broker rejection is
// terminal; a transient failure leaves the order QUEUED for reconciliation.
func (c *Coordinator) dispatch(order *domain.Order) {
	defer c.dispatchWG.Done()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RPCDeadline)
	defer cancel()

	adapter, ok := c.deps.Adapters[order.BrokerID]
	if !ok {
		c.failDispatch(order, domain.NewError(domain.ErrBrokerReject,
			"no adapter registered for broker %s", order.BrokerID))
		return
	}

	placed, err := adapter.Place(ctx, order)
	switch {
	case err == nil:
		var cancelledMeanwhile bool
		txErr := database.WithTransaction(c.deps.TradingDB, func(tx *sql.Tx) error {
			// Re-read the persisted state: a cancel can commit while the
			// placement is in flight. The broker order id is backfilled
			// either way so the order stays addressable at the broker.
			current, err := c.deps.Orders.Get(tx, order.ID)
			if err != nil {
				return err
			}
			if err := c.deps.Orders.SetBrokerOrderID(tx, current, placed.BrokerOrderID); err != nil {
				return err
			}
			if current.State == domain.StateCancelled {
				cancelledMeanwhile = true
				return nil
			}
			return c.deps.Orders.Transition(tx, current, domain.StateSubmitted, "broker accepted")
		})
		if txErr != nil {
			c.log.Error().Err(txErr).Str("order_id", order.ID).Msg("Failed to persist broker ack")
			return
		}
		if cancelledMeanwhile {
			c.issueCancel(cancelRequest{brokerID: order.BrokerID, brokerOrderID: placed.BrokerOrderID})
		}

	case domain.KindOf(err) == domain.ErrBrokerReject || domain.KindOf(err) == domain.ErrValidation:
		c.failDispatch(order, err)

	default:
		// Transient or unreachable: the order stays QUEUED and the next
		// reconciliation run settles whether the broker saw it.
		c.log.Warn().Err(err).
			Str("order_id", order.ID).
			Str("broker_id", order.BrokerID).
			Msg("Dispatch failed transiently, leaving order queued")
		c.deps.Events.EmitError("coordinator", err, map[string]interface{}{"order_id": order.ID})
	}
}

func (c *Coordinator) failDispatch(order *domain.Order, cause error) {
	txErr := database.WithTransaction(c.deps.TradingDB, func(tx *sql.Tx) error {
		return c.deps.Orders.Transition(tx, order, domain.StateRejected, cause.Error())
	})
	if txErr != nil {
		c.log.Error().Err(txErr).Str("order_id", order.ID).Msg("Failed to persist broker rejection")
		return
	}
	c.deps.Events.Emit(events.OrderRejected, "coordinator", map[string]interface{}{
		"order_id": order.ID,
		"reason":   cause.Error(),
	})
}

// Cancel requests cancellation of a live order. Orders already at the broker
// keep their state until the broker confirms on the event stream; orders not
// yet dispatched cancel locally. The state check and the local cancel commit
// in one transaction so they serialize against a concurrent dispatch: either
// this cancel sees the broker order id, or the dispatch ack sees the
// CANCELLED row and undoes the placement at the broker.
func (c *Coordinator) Cancel(ctx context.Context, orderID string) error {
	var brokerID, brokerOrderID string
	txErr := database.WithTransaction(c.deps.TradingDB, func(tx *sql.Tx) error {
		order, err := c.deps.Orders.Get(tx, orderID)
		if err != nil {
			return err
		}
		if order.State.IsTerminal() {
			return domain.NewError(domain.ErrInvalidTransition,
				"order %s is already %s", order.ID, order.State)
		}
		if order.BrokerOrderID == "" {
			return c.deps.Orders.Transition(tx, order, domain.StateCancelled, "cancelled before dispatch")
		}
		brokerID = order.BrokerID
		brokerOrderID = order.BrokerOrderID
		return nil
	})
	if txErr != nil {
		return txErr
	}
	if brokerOrderID == "" {
		return nil
	}

	adapter, ok := c.deps.Adapters[brokerID]
	if !ok {
		return domain.NewError(domain.ErrBrokerUnreachable,
			"no adapter registered for broker %s", brokerID)
	}
	rpcCtx, cancel := context.WithTimeout(ctx, c.cfg.RPCDeadline)
	defer cancel()
	return adapter.Cancel(rpcCtx, brokerOrderID)
}

// assembleExposure builds the projected post-trade view the risk gate
// evaluates. Positions are valued at the cached last price, falling back to
// their own average price when no quote is cached.
func (c *Coordinator) assembleExposure(order *domain.Order, instrument *domain.Instrument) (risk.Exposure, error) {
	positions, err := c.deps.Positions.ListAllPositions(c.deps.PortfolioDB)
	if err != nil {
		return risk.Exposure{}, err
	}

	var total, instrumentNotional domain.Money
	var instrumentNet int64
	for _, p := range positions {
		if p.NetQuantity == 0 {
			continue
		}
		price := c.markPrice(p)
		notional := price.MulQty(absQty(p.NetQuantity))
		total += notional
		if p.Exchange == order.Exchange && p.Symbol == order.Symbol {
			instrumentNotional += notional
			instrumentNet += p.NetQuantity
		}
	}

	orderPrice := order.Price
	if orderPrice <= 0 && c.deps.Market != nil {
		if last, err := c.deps.Market.LastPrice(order.Exchange, order.Symbol); err == nil && last > 0 {
			orderPrice = last
		}
	}
	orderNotional := orderPrice.MulQty(order.Quantity * instrument.EffectiveLotSize())
	total += orderNotional
	instrumentNotional += orderNotional

	signed := order.Quantity
	if order.Side == domain.SideSell {
		signed = -signed
	}

	exp := risk.Exposure{
		ProjectedPositionQty:        absQty(instrumentNet + signed),
		ProjectedNotional:           total,
		ProjectedInstrumentNotional: instrumentNotional,
	}
	if c.deps.PnL != nil {
		exp.RealizedPnLToday, exp.Equity, exp.PeakEquity = c.deps.PnL.Snapshot()
	}
	if c.cfg.Returns != nil {
		exp.Returns = c.cfg.Returns()
	}
	return exp, nil
}

func (c *Coordinator) markPrice(p *domain.Position) domain.Money {
	if c.deps.Market != nil {
		if last, err := c.deps.Market.LastPrice(p.Exchange, p.Symbol); err == nil && last > 0 {
			return last
		}
	}
	if p.NetQuantity > 0 {
		return p.BuyAvgPrice
	}
	return p.SellAvgPrice
}

func orderFromIntent(intent *domain.OrderIntent) *domain.Order {
	return &domain.Order{
		ID:             uuid.NewString(),
		IdempotencyKey: intent.IdempotencyKey,
		StrategyID:     intent.StrategyID,
		Exchange:       intent.Exchange,
		Symbol:         intent.Symbol,
		Side:           intent.Side,
		Type:           intent.Type,
		Validity:       intent.Validity,
		Product:        intent.Product,
		Quantity:       intent.Quantity,
		Price:          intent.Price,
		TriggerPrice:   intent.TriggerPrice,
		State:          domain.StatePending,
	}
}

// validateShape rejects intents that cannot form a persistable order row:
// bad enums or a non-positive quantity.
func validateShape(intent *domain.OrderIntent) error {
	if !intent.Side.Valid() || !intent.Type.Valid() || !intent.Validity.Valid() || !intent.Product.Valid() {
		return domain.NewError(domain.ErrValidation, "invalid enum on order intent")
	}
	if intent.Quantity <= 0 {
		return domain.NewError(domain.ErrValidation, "quantity must be positive, got %d", intent.Quantity)
	}
	return nil
}

// validateIntent enforces the normalization rules against the instrument
// master: lot-size multiples, positive tick-aligned prices for price-carrying
// types, and a trigger for stop types.
func validateIntent(intent *domain.OrderIntent, instrument *domain.Instrument) error {
	if lot := instrument.EffectiveLotSize(); intent.Quantity%lot != 0 {
		return domain.NewError(domain.ErrValidation,
			"quantity %d is not a multiple of lot size %d", intent.Quantity, lot)
	}
	if intent.Type == domain.OrderTypeLimit || intent.Type == domain.OrderTypeStopLoss {
		if intent.Price <= 0 {
			return domain.NewError(domain.ErrValidation, "%s order requires a positive price", intent.Type)
		}
		if instrument.TickSize > 0 && !intent.Price.IsMultipleOf(instrument.TickSize) {
			return domain.NewError(domain.ErrValidation,
				"price %s is not aligned to tick size %s", intent.Price, instrument.TickSize)
		}
	}
	if intent.Type.RequiresTrigger() {
		if intent.TriggerPrice <= 0 {
			return domain.NewError(domain.ErrValidation, "%s order requires a trigger price", intent.Type)
		}
		if instrument.TickSize > 0 && !intent.TriggerPrice.IsMultipleOf(instrument.TickSize) {
			return domain.NewError(domain.ErrValidation,
				"trigger price %s is not aligned to tick size %s", intent.TriggerPrice, instrument.TickSize)
		}
	}
	if intent.VisibleQuantity > 0 && (intent.TargetPrice > 0 || intent.StopPrice > 0) {
		return domain.NewError(domain.ErrValidation, "iceberg and bracket expansion are mutually exclusive")
	}
	if (intent.TargetPrice > 0) != (intent.StopPrice > 0) {
		return domain.NewError(domain.ErrValidation, "bracket requires both target and stop prices")
	}
	return nil
}

func absQty(q int64) int64 {
	if q < 0 {
		return -q
	}
	return q
}
