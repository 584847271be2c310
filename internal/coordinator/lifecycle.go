package coordinator

import (
	"context"
	"database/sql"
	"time"

	"github.com/openquant/tradecore/internal/database"
	"github.com/openquant/tradecore/internal/domain"
	"github.com/openquant/tradecore/internal/events"
	"github.com/openquant/tradecore/internal/modules/fees"
)

// An adapter can emit the ack, or even an immediate fill, before Place
// returns to the dispatch goroutine, so an event may arrive before the
// transaction persisting the broker order id commits. Unknown broker order
// ids are therefore retried for a bounded window before the event is handed
// off to reconciliation.
const (
	unknownOrderRetries    = 100
	unknownOrderRetryDelay = 20 * time.Millisecond
)

// fillEffect carries the portfolio-side work out of the trading transaction.
// The portfolio database is separate, so its write happens after the order
// commit; reconciliation settles any crash window between the two.
type fillEffect struct {
	order    *domain.Order
	fill     domain.Fill
	terminal bool
}

// handleEvent folds one broker event into local state. An event whose broker
// order id has no committed order yet is retried on a short backoff: it has
// almost certainly outrun its dispatch transaction. Only after the retry
// window closes is the event treated as a genuine orphan.
func (c *Coordinator) handleEvent(ev domain.BrokerEvent) {
	for attempt := 0; ; attempt++ {
		err := c.applyEvent(ev)
		if err == nil {
			return
		}
		if domain.KindOf(err) == domain.ErrNotFound {
			if attempt < unknownOrderRetries {
				time.Sleep(unknownOrderRetryDelay)
				continue
			}
			c.log.Warn().
				Str("broker_order_id", ev.BrokerOrderID).
				Str("type", string(ev.Type)).
				Msg("Event for unknown broker order, leaving to reconciliation")
			return
		}
		c.log.Error().Err(err).
			Str("broker_order_id", ev.BrokerOrderID).
			Str("type", string(ev.Type)).
			Msg("Failed to apply broker event")
		c.deps.Events.EmitError("coordinator", err, map[string]interface{}{
			"broker_order_id": ev.BrokerOrderID,
		})
		return
	}
}

// applyEvent runs one event's trading-db transaction and, on commit, its
// portfolio and group side effects. An ErrNotFound return means the broker
// order id is not persisted locally.
func (c *Coordinator) applyEvent(ev domain.BrokerEvent) error {
	var (
		effect     *fillEffect
		dispatches []*domain.Order
		cancels    []cancelRequest
	)

	txErr := database.WithTransaction(c.deps.TradingDB, func(tx *sql.Tx) error {
		order, err := c.deps.Orders.GetByBrokerOrderID(tx, ev.BrokerOrderID)
		if err != nil {
			return err
		}

		switch ev.Type {
		case domain.EventAck:
			// A stale ack after a cancel resolved against the order.
			if order.State.IsTerminal() {
				return nil
			}
			return c.deps.Orders.Transition(tx, order, domain.StateSubmitted, "broker accepted")

		case domain.EventPartialFill, domain.EventFill:
			return c.applyFill(tx, order, ev, &effect, &dispatches, &cancels)

		case domain.EventReject:
			return c.deps.Orders.Transition(tx, order, domain.StateRejected, ev.Reason)

		case domain.EventCancelled:
			reason := ev.Reason
			if reason == "" {
				reason = "cancelled at broker"
			}
			return c.deps.Orders.Transition(tx, order, domain.StateCancelled, reason)

		case domain.EventExpired:
			return c.deps.Orders.Transition(tx, order, domain.StateExpired, "validity expired")

		default:
			c.log.Warn().Str("type", string(ev.Type)).Msg("Ignoring unknown broker event type")
			return nil
		}
	})
	if txErr != nil {
		return txErr
	}

	c.deps.Events.Emit(events.OrderTransitioned, "coordinator", map[string]interface{}{
		"broker_order_id": ev.BrokerOrderID,
		"event":           string(ev.Type),
	})

	if effect != nil {
		c.applyPortfolio(effect)
	}
	for _, o := range dispatches {
		c.dispatchWG.Add(1)
		go c.dispatch(o)
	}
	for _, cr := range cancels {
		c.issueCancel(cr)
	}
	return nil
}

// applyFill folds an execution into the order, appends the fill row, records
// fees on the terminal fill and works out the group follow-ups: OCO sibling
// cancellation, bracket exit promotion and iceberg slice release.
func (c *Coordinator) applyFill(tx *sql.Tx, order *domain.Order, ev domain.BrokerEvent,
	effect **fillEffect, dispatches *[]*domain.Order, cancels *[]cancelRequest) error {

	// A fill can outrun the ack on a fresh stream.
	if order.State == domain.StateQueued {
		if err := c.deps.Orders.Transition(tx, order, domain.StateSubmitted, "fill before ack"); err != nil {
			return err
		}
	}
	firstFill := order.FilledQuantity == 0

	if err := order.ApplyFill(ev.FillQuantity, ev.FillPrice); err != nil {
		return domain.NewError(domain.ErrValidation, "broker fill does not fit order %s", order.ID).WithCause(err)
	}
	if err := c.deps.Orders.UpdateFillAggregates(tx, order); err != nil {
		return err
	}

	fill := domain.Fill{
		OrderID:      order.ID,
		BrokerFillID: ev.BrokerFillID,
		Quantity:     ev.FillQuantity,
		Price:        ev.FillPrice,
		Product:      order.Product,
		Side:         order.Side,
		ExecutedAt:   ev.At,
		Sequence:     ev.Sequence,
	}
	if err := c.deps.Orders.AppendFill(tx, &fill); err != nil {
		return err
	}

	target := domain.StatePartiallyFilled
	if ev.Type == domain.EventFill || order.FilledQuantity == order.Quantity {
		target = domain.StateFilled
	}
	if err := c.deps.Orders.Transition(tx, order, target, "broker fill"); err != nil {
		return err
	}
	terminal := target == domain.StateFilled

	if terminal {
		if err := c.recordFees(tx, order, ev); err != nil {
			// Fee attribution must not lose the fill; surface and move on.
			c.log.Error().Err(err).Str("order_id", order.ID).Msg("Failed to record fees for filled order")
		}
	}

	*effect = &fillEffect{order: order, fill: fill, terminal: terminal}

	switch {
	case order.GroupID != "" && order.ParentID != "":
		// An OCO exit filled: cancel the surviving siblings.
		if err := c.cancelSiblings(tx, order, cancels); err != nil {
			return err
		}
	case order.GroupID != "" && terminal:
		// Bracket entry filled: release the exits.
		if err := c.promoteExits(tx, order, dispatches); err != nil {
			return err
		}
	case order.ParentID != "":
		if err := c.advanceIceberg(tx, order, ev, firstFill, dispatches); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) recordFees(tx *sql.Tx, order *domain.Order, ev domain.BrokerEvent) error {
	instrument, err := c.deps.Instruments.Lookup(order.Exchange, order.Symbol)
	if err != nil {
		return err
	}
	_, err = c.deps.Fees.Record(tx, order, fees.Input{
		BrokerID:   order.BrokerID,
		AssetClass: instrument.AssetClass(),
		Segment:    instrument.Segment,
		Side:       order.Side,
		Price:      order.AvgFillPrice,
		Quantity:   order.FilledQuantity,
		LotSize:    instrument.LotSize,
		TradeTime:  ev.At,
	})
	if err != nil {
		return err
	}
	c.deps.Events.Emit(events.FeesRecorded, "coordinator", map[string]interface{}{
		"order_id": order.ID,
	})
	return nil
}

// cancelRequest defers a broker cancel RPC to after the transaction commits.
type cancelRequest struct {
	brokerID      string
	brokerOrderID string
}

// cancelSiblings enforces OCO: when one exit of a group fills, the others are
// cancelled. Siblings already at the broker get a cancel RPC and keep their
// state until the broker confirms; local-only siblings cancel immediately.
func (c *Coordinator) cancelSiblings(tx *sql.Tx, filled *domain.Order, cancels *[]cancelRequest) error {
	group, err := c.deps.Orders.ListByGroup(tx, filled.GroupID)
	if err != nil {
		return err
	}
	for i := range group {
		sibling := &group[i]
		if sibling.ID == filled.ID || sibling.ID == filled.ParentID || sibling.State.IsTerminal() {
			continue
		}
		if sibling.BrokerOrderID != "" {
			*cancels = append(*cancels, cancelRequest{
				brokerID:      sibling.BrokerID,
				brokerOrderID: sibling.BrokerOrderID,
			})
			continue
		}
		if sibling.State == domain.StatePending {
			if err := c.deps.Orders.Transition(tx, sibling, domain.StateQueued, "group sibling filled"); err != nil {
				return err
			}
		}
		if err := c.deps.Orders.Transition(tx, sibling, domain.StateCancelled, "group sibling filled"); err != nil {
			return err
		}
	}
	return nil
}

// promoteExits moves a filled bracket entry's pending exits to QUEUED for
// dispatch.
func (c *Coordinator) promoteExits(tx *sql.Tx, entry *domain.Order, dispatches *[]*domain.Order) error {
	exits, err := c.deps.Orders.ListByParent(tx, entry.ID)
	if err != nil {
		return err
	}
	for i := range exits {
		exit := &exits[i]
		if exit.State != domain.StatePending {
			continue
		}
		if err := c.deps.Orders.Transition(tx, exit, domain.StateQueued, "bracket entry filled"); err != nil {
			return err
		}
		*dispatches = append(*dispatches, exit)
	}
	return nil
}

// advanceIceberg mirrors a child's fill onto the parent aggregate and, on the
// child's first fill, releases the next pending slice.
func (c *Coordinator) advanceIceberg(tx *sql.Tx, child *domain.Order, ev domain.BrokerEvent,
	firstFill bool, dispatches *[]*domain.Order) error {

	parent, err := c.deps.Orders.Get(tx, child.ParentID)
	if err != nil {
		return err
	}
	if parent.State == domain.StateQueued {
		if err := c.deps.Orders.Transition(tx, parent, domain.StateSubmitted, "slices working"); err != nil {
			return err
		}
	}
	if err := parent.ApplyFill(ev.FillQuantity, ev.FillPrice); err != nil {
		return domain.NewError(domain.ErrValidation,
			"child fill does not fit iceberg parent %s", parent.ID).WithCause(err)
	}
	if err := c.deps.Orders.UpdateFillAggregates(tx, parent); err != nil {
		return err
	}
	parentTarget := domain.StatePartiallyFilled
	if parent.FilledQuantity == parent.Quantity {
		parentTarget = domain.StateFilled
	}
	if err := c.deps.Orders.Transition(tx, parent, parentTarget, "child fill"); err != nil {
		return err
	}

	if !firstFill {
		return nil
	}
	siblings, err := c.deps.Orders.ListByParent(tx, parent.ID)
	if err != nil {
		return err
	}
	for i := range siblings {
		next := &siblings[i]
		if next.State != domain.StatePending {
			continue
		}
		if err := c.deps.Orders.Transition(tx, next, domain.StateQueued, "iceberg slice released"); err != nil {
			return err
		}
		*dispatches = append(*dispatches, next)
		break
	}
	return nil
}

// applyPortfolio folds the committed fill into the position book and the
// day's P&L, then emits the portfolio events.
func (c *Coordinator) applyPortfolio(e *fillEffect) {
	position, realized, err := c.deps.Portfolio.ApplyFill(
		c.deps.PortfolioDB, e.order.BrokerID, e.order.Exchange, e.order.Symbol, e.fill)
	if err != nil {
		c.log.Error().Err(err).
			Str("order_id", e.order.ID).
			Msg("Failed to apply fill to portfolio")
		c.deps.Events.EmitError("coordinator", err, map[string]interface{}{
			"order_id": e.order.ID,
		})
		return
	}
	if c.deps.PnL != nil && realized != 0 {
		c.deps.PnL.RecordRealized(realized)
	}

	c.deps.Events.Emit(events.PositionUpdated, "coordinator", map[string]interface{}{
		"symbol":       position.Symbol,
		"net_quantity": position.NetQuantity,
		"realized_pnl": position.RealizedPnL.String(),
	})
	if e.terminal {
		c.deps.Events.Emit(events.OrderFilled, "coordinator", map[string]interface{}{
			"order_id":       e.order.ID,
			"avg_fill_price": e.order.AvgFillPrice.String(),
		})
	}
}

// issueCancel sends a deferred broker cancel (OCO sibling, or an order
// cancelled while its placement was in flight); the order transitions when
// the broker confirms on the stream.
func (c *Coordinator) issueCancel(cr cancelRequest) {
	adapter, ok := c.deps.Adapters[cr.brokerID]
	if !ok {
		c.log.Error().Str("broker_id", cr.brokerID).Msg("No adapter for group cancel")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RPCDeadline)
	defer cancel()
	if err := adapter.Cancel(ctx, cr.brokerOrderID); err != nil {
		c.log.Error().Err(err).
			Str("broker_order_id", cr.brokerOrderID).
			Msg("Group cancel failed, leaving to reconciliation")
	}
}
