// Package domain provides the core records, enums and ports of the order
// lifecycle engine. The package is pure: no infrastructure dependencies.
package domain

import (
	"fmt"
	"time"
)

// Side represents order direction
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether the side is one of the canonical values.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the other side. Used when expanding bracket exits.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType represents the execution type of an order
type OrderType string

const (
	OrderTypeLimit          OrderType = "LIMIT"
	OrderTypeMarket         OrderType = "MARKET"
	OrderTypeStopLoss       OrderType = "STOP_LOSS"
	OrderTypeStopLossMarket OrderType = "STOP_LOSS_MARKET"
)

// Valid reports whether the order type is canonical.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeLimit, OrderTypeMarket, OrderTypeStopLoss, OrderTypeStopLossMarket:
		return true
	}
	return false
}

// RequiresTrigger reports whether the type needs a trigger price.
func (t OrderType) RequiresTrigger() bool {
	return t == OrderTypeStopLoss || t == OrderTypeStopLossMarket
}

// Validity represents how long an order stays live at the broker
type Validity string

const (
	ValidityDay Validity = "DAY"
	ValidityIOC Validity = "IOC"
)

// Valid reports whether the validity is canonical.
func (v Validity) Valid() bool {
	return v == ValidityDay || v == ValidityIOC
}

// ProductType distinguishes intraday, carry-forward and delivery products.
type ProductType string

const (
	// ProductIntraday - positions squared off the same day (MIS)
	ProductIntraday ProductType = "INTRADAY"
	// ProductDelivery - equity delivered to the demat account (CNC)
	ProductDelivery ProductType = "DELIVERY"
	// ProductNormal - overnight derivative positions (NRML)
	ProductNormal ProductType = "NORMAL"
)

// Valid reports whether the product type is canonical.
func (p ProductType) Valid() bool {
	return p == ProductIntraday || p == ProductDelivery || p == ProductNormal
}

// OrderState is a node in the order lifecycle state machine.
type OrderState string

const (
	StatePending         OrderState = "PENDING"
	StateQueued          OrderState = "QUEUED"
	StateSubmitted       OrderState = "SUBMITTED"
	StatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	StateFilled          OrderState = "FILLED"
	StateCancelled       OrderState = "CANCELLED"
	StateRejected        OrderState = "REJECTED"
	StateExpired         OrderState = "EXPIRED"
	StateModifyRequested OrderState = "MODIFY_REQUESTED"
)

// IsTerminal reports whether no further transitions are legal from the state
// (reconciliation-driven broker-id backfill excepted).
func (s OrderState) IsTerminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateExpired:
		return true
	}
	return false
}

// OrderIntent is a client submission before it becomes an Order.
// IdempotencyKey may be empty, in which case no deduplication applies.
type OrderIntent struct {
	IdempotencyKey string
	StrategyID     string
	BrokerID       string // Optional explicit routing override
	Exchange       string
	Symbol         string
	Side           Side
	Type           OrderType
	Validity       Validity
	Product        ProductType
	Quantity       int64
	Price          Money
	TriggerPrice   Money
	// Iceberg: when > 0 the intent is split into children of at most this size
	VisibleQuantity int64
	// Bracket: when both are set the intent expands into entry + OCO exits
	TargetPrice Money
	StopPrice   Money
}

// Order is the persisted record of a trading order.
type Order struct {
	ID             string
	IdempotencyKey string // Empty means no key; unique when present
	StrategyID     string
	BrokerID       string
	Exchange       string
	Symbol         string
	Side           Side
	Type           OrderType
	Validity       Validity
	Product        ProductType
	Quantity       int64
	Price          Money
	TriggerPrice   Money
	GroupID        string // OCO/bracket group
	ParentID       string // Iceberg children and bracket exits
	BrokerOrderID  string // Assigned after submission
	State          OrderState
	FilledQuantity int64
	AvgFillPrice   Money
	StatusReason   string // Rejection / cancellation detail
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RemainingQuantity returns the unfilled part of the order.
func (o *Order) RemainingQuantity() int64 {
	return o.Quantity - o.FilledQuantity
}

// ApplyFill folds an execution into the order's fill aggregates using
// volume-weighted averaging. It does not change the state.
func (o *Order) ApplyFill(qty int64, price Money) error {
	if qty <= 0 {
		return fmt.Errorf("fill quantity must be positive, got %d", qty)
	}
	if o.FilledQuantity+qty > o.Quantity {
		return fmt.Errorf("fill of %d exceeds remaining quantity %d on order %s",
			qty, o.RemainingQuantity(), o.ID)
	}
	total := int64(o.AvgFillPrice)*o.FilledQuantity + int64(price)*qty
	o.FilledQuantity += qty
	o.AvgFillPrice = Money(total / o.FilledQuantity)
	return nil
}

// Fill is a single execution reported by the broker for an order.
type Fill struct {
	ID           int64
	OrderID      string
	BrokerFillID string
	Quantity     int64
	Price        Money
	Product      ProductType
	Side         Side
	ExecutedAt   time.Time
	Sequence     int64 // Broker stream sequence, monotonic per order
}

// Transition is one audit-log entry of an order state change.
type Transition struct {
	ID      int64
	OrderID string
	From    OrderState
	To      OrderState
	Reason  string
	At      time.Time
}
