package domain

import "time"

// Position is the intraday/derivative position for
// (broker, instrument, product type). Average prices are volume-weighted over
// all contributing fills; NetQuantity is always BuyQuantity - SellQuantity.
type Position struct {
	ID            int64
	BrokerID      string
	Exchange      string
	Symbol        string
	Product       ProductType
	BuyQuantity   int64
	BuyAvgPrice   Money
	SellQuantity  int64
	SellAvgPrice  Money
	NetQuantity   int64
	RealizedPnL   Money
	UnrealizedPnL Money // Derived from market data, not authoritative
	UpdatedAt     time.Time
}

// IsFlat reports whether the position has no open quantity.
func (p *Position) IsFlat() bool {
	return p.NetQuantity == 0
}

// Holding is delivered equity in the demat account for (broker, instrument).
// Quantity never goes negative; updated on settlement of delivery fills.
type Holding struct {
	ID              int64
	BrokerID        string
	Exchange        string
	Symbol          string
	Quantity        int64
	AvgCost         Money
	LastTradedPrice Money
	UpdatedAt       time.Time
}

// CurrentValue returns quantity x last traded price.
func (h *Holding) CurrentValue() Money {
	return h.LastTradedPrice.MulQty(h.Quantity)
}
