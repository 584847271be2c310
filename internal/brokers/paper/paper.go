// Package paper implements an in-process broker simulator. It acknowledges
// placements immediately and lets tests and dry runs script the fill
// behavior that a real venue would produce.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openquant/tradecore/internal/domain"
)

// FillMode controls what the simulator does after acknowledging an order.
type FillMode string

const (
	// FillNone leaves orders live until filled or cancelled by hand.
	FillNone FillMode = "none"
	// FillImmediate fully fills at the order's limit price right after ack.
	FillImmediate FillMode = "immediate"
)

var _ domain.BrokerAdapter = (*Adapter)(nil)

// Adapter is the paper broker.
type Adapter struct {
	id       string
	fillMode FillMode
	log      zerolog.Logger

	mu     sync.Mutex
	seq    int64
	nextID int64
	orders map[string]*domain.Order // Live orders by broker order ID
	events chan domain.BrokerEvent
	closed bool
}

// New creates a paper broker adapter.
func New(id string, fillMode FillMode, log zerolog.Logger) *Adapter {
	if id == "" {
		id = "paper"
	}
	return &Adapter{
		id:       id,
		fillMode: fillMode,
		log:      log.With().Str("broker", id).Logger(),
		orders:   make(map[string]*domain.Order),
		events:   make(chan domain.BrokerEvent, 256),
	}
}

// ID returns the broker identifier this adapter serves.
func (a *Adapter) ID() string { return a.id }

// Place acknowledges the order and, in immediate mode, fills it at its
// limit price.
func (a *Adapter) Place(_ context.Context, order *domain.Order) (*domain.PlacedOrder, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, domain.NewError(domain.ErrBrokerUnreachable, "paper broker closed")
	}

	a.nextID++
	brokerOrderID := fmt.Sprintf("%s-%d", a.id, a.nextID)

	clone := *order
	clone.BrokerOrderID = brokerOrderID
	a.orders[brokerOrderID] = &clone

	a.emitLocked(domain.BrokerEvent{
		Type:          domain.EventAck,
		BrokerOrderID: brokerOrderID,
	})

	if a.fillMode == FillImmediate {
		a.fillLocked(brokerOrderID, clone.Quantity, clone.Price)
	}

	a.log.Debug().
		Str("broker_order_id", brokerOrderID).
		Str("symbol", order.Symbol).
		Msg("Paper order placed")
	return &domain.PlacedOrder{BrokerOrderID: brokerOrderID}, nil
}

// Modify changes price/quantity of a live order.
func (a *Adapter) Modify(_ context.Context, brokerOrderID string, price domain.Money, quantity int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	o, ok := a.orders[brokerOrderID]
	if !ok {
		return domain.NewError(domain.ErrBrokerReject, "unknown broker order %s", brokerOrderID)
	}
	if price > 0 {
		o.Price = price
	}
	if quantity > 0 {
		o.Quantity = quantity
	}
	return nil
}

// Cancel confirms the cancellation on the event stream, mirroring how real
// brokers acknowledge asynchronously.
func (a *Adapter) Cancel(_ context.Context, brokerOrderID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.orders[brokerOrderID]; !ok {
		return domain.NewError(domain.ErrBrokerReject, "unknown broker order %s", brokerOrderID)
	}
	delete(a.orders, brokerOrderID)
	a.emitLocked(domain.BrokerEvent{
		Type:          domain.EventCancelled,
		BrokerOrderID: brokerOrderID,
		Reason:        "cancelled",
	})
	return nil
}

// Fill scripts an execution against a live order. Tests drive partial and
// full fills through this; the simulator emits partial_fill until the order
// quantity is exhausted, then fill.
func (a *Adapter) Fill(brokerOrderID string, qty int64, price domain.Money) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.orders[brokerOrderID]; !ok {
		return fmt.Errorf("unknown broker order %s", brokerOrderID)
	}
	a.fillLocked(brokerOrderID, qty, price)
	return nil
}

// Reject scripts a broker rejection of a live order.
func (a *Adapter) Reject(brokerOrderID, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.orders[brokerOrderID]; !ok {
		return fmt.Errorf("unknown broker order %s", brokerOrderID)
	}
	delete(a.orders, brokerOrderID)
	a.emitLocked(domain.BrokerEvent{
		Type:          domain.EventReject,
		BrokerOrderID: brokerOrderID,
		Reason:        reason,
	})
	return nil
}

// fillLocked emits the fill event and retires the order when complete.
// Caller holds the lock.
func (a *Adapter) fillLocked(brokerOrderID string, qty int64, price domain.Money) {
	o := a.orders[brokerOrderID]
	if o == nil {
		return
	}
	remaining := o.Quantity - o.FilledQuantity
	if qty > remaining {
		qty = remaining
	}
	o.FilledQuantity += qty

	eventType := domain.EventPartialFill
	if o.FilledQuantity >= o.Quantity {
		eventType = domain.EventFill
		delete(a.orders, brokerOrderID)
	}

	a.seq++
	a.emitLocked(domain.BrokerEvent{
		Type:          eventType,
		BrokerOrderID: brokerOrderID,
		FillQuantity:  qty,
		FillPrice:     price,
		BrokerFillID:  fmt.Sprintf("%s-f%d", brokerOrderID, a.seq),
	})
}

// emitLocked stamps and queues an event. Caller holds the lock.
func (a *Adapter) emitLocked(ev domain.BrokerEvent) {
	if a.closed {
		return
	}
	a.seq++
	ev.BrokerID = a.id
	ev.Sequence = a.seq
	ev.At = time.Now()
	select {
	case a.events <- ev:
	default:
		a.log.Error().
			Str("broker_order_id", ev.BrokerOrderID).
			Msg("Paper event buffer full, dropping event")
	}
}

// FetchOpenOrders returns the simulator's live order book.
func (a *Adapter) FetchOpenOrders(context.Context) ([]domain.BrokerOrderSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]domain.BrokerOrderSnapshot, 0, len(a.orders))
	for id, o := range a.orders {
		state := domain.StateSubmitted
		if o.FilledQuantity > 0 {
			state = domain.StatePartiallyFilled
		}
		out = append(out, domain.BrokerOrderSnapshot{
			BrokerOrderID:  id,
			Exchange:       o.Exchange,
			Symbol:         o.Symbol,
			Side:           o.Side,
			Type:           o.Type,
			State:          state,
			Quantity:       o.Quantity,
			FilledQuantity: o.FilledQuantity,
			Price:          o.Price,
			UpdatedAt:      time.Now(),
		})
	}
	return out, nil
}

// FetchPositions returns nothing; the paper broker carries no book of its own.
func (a *Adapter) FetchPositions(context.Context) ([]domain.BrokerPositionSnapshot, error) {
	return nil, nil
}

// FetchHoldings returns nothing.
func (a *Adapter) FetchHoldings(context.Context) ([]domain.BrokerHoldingSnapshot, error) {
	return nil, nil
}

// FetchInstruments returns nothing; seed the instrument master separately.
func (a *Adapter) FetchInstruments(context.Context) ([]domain.BrokerInstrument, error) {
	return nil, nil
}

// SubscribeEvents returns the simulator's event stream. The channel closes
// when ctx is cancelled or the adapter is closed.
func (a *Adapter) SubscribeEvents(ctx context.Context) (<-chan domain.BrokerEvent, error) {
	out := make(chan domain.BrokerEvent, 256)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-a.events:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close releases adapter resources.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	return nil
}
