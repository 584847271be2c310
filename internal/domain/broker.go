package domain

import (
	"context"
	"time"
)

// Broker-agnostic types for the broker adapter port. Adapters normalize
// broker-specific enums and payloads into these before they enter the engine.

// BrokerEventType is the normalized lifecycle event vocabulary.
type BrokerEventType string

const (
	EventAck         BrokerEventType = "ack"
	EventPartialFill BrokerEventType = "partial_fill"
	EventFill        BrokerEventType = "fill"
	EventReject      BrokerEventType = "reject"
	EventCancelled   BrokerEventType = "cancelled"
	EventExpired     BrokerEventType = "expired"
)

// BrokerEvent is one message on a broker's event stream. Events for a single
// broker order arrive with monotonically increasing sequence numbers.
type BrokerEvent struct {
	Type          BrokerEventType
	BrokerID      string
	BrokerOrderID string
	Sequence      int64
	FillQuantity  int64 // For partial_fill / fill
	FillPrice     Money
	BrokerFillID  string
	Reason        string // For reject / cancelled
	At            time.Time
}

// BrokerOrderSnapshot is the broker's view of an order, used by order fetches
// and reconciliation.
type BrokerOrderSnapshot struct {
	BrokerOrderID  string
	Exchange       string
	Symbol         string
	Side           Side
	Type           OrderType
	State          OrderState
	Quantity       int64
	FilledQuantity int64
	AvgFillPrice   Money
	Price          Money
	UpdatedAt      time.Time
}

// BrokerPositionSnapshot is the broker's view of a position.
type BrokerPositionSnapshot struct {
	Exchange     string
	Symbol       string
	Product      ProductType
	NetQuantity  int64
	BuyQuantity  int64
	BuyAvgPrice  Money
	SellQuantity int64
	SellAvgPrice Money
}

// BrokerHoldingSnapshot is the broker's view of a demat holding.
type BrokerHoldingSnapshot struct {
	Exchange        string
	Symbol          string
	Quantity        int64
	AvgCost         Money
	LastTradedPrice Money
}

// BrokerInstrument is one row of a broker's instrument master dump.
type BrokerInstrument struct {
	Exchange   string
	Symbol     string
	Name       string
	Type       InstrumentType
	Segment    string
	LotSize    int64
	TickSize   Money
	Expiry     *time.Time
	Strike     Money
	OptionType OptionKind
	Tradable   bool
}

// PlacedOrder is the broker acknowledgement of a placement request.
type PlacedOrder struct {
	BrokerOrderID string
}

// BrokerAdapter is the uniform place/modify/cancel/fetch contract every broker
// integration implements. Adapters own authentication renewal, per-broker rate
// limiting, retry of idempotent reads and enum normalization; transient
// failures surface as ErrBrokerTransient (or ErrBrokerUnreachable once retries
// are exhausted), rejections as ErrBrokerReject.
type BrokerAdapter interface {
	// ID returns the broker identifier this adapter serves.
	ID() string

	// Place submits a new order. Not retried internally: placement is not
	// idempotent at the broker.
	Place(ctx context.Context, order *Order) (*PlacedOrder, error)

	// Modify changes price/quantity of a live order.
	Modify(ctx context.Context, brokerOrderID string, price Money, quantity int64) error

	// Cancel requests cancellation of a live order. Confirmation arrives on
	// the event stream, not in the reply.
	Cancel(ctx context.Context, brokerOrderID string) error

	// Idempotent reads; retried with backoff inside the adapter.
	FetchOpenOrders(ctx context.Context) ([]BrokerOrderSnapshot, error)
	FetchPositions(ctx context.Context) ([]BrokerPositionSnapshot, error)
	FetchHoldings(ctx context.Context) ([]BrokerHoldingSnapshot, error)
	FetchInstruments(ctx context.Context) ([]BrokerInstrument, error)

	// SubscribeEvents returns the normalized lifecycle event stream. The
	// channel closes when ctx is cancelled or the connection is lost.
	SubscribeEvents(ctx context.Context) (<-chan BrokerEvent, error)

	// Close releases adapter resources.
	Close() error
}
