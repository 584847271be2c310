package rest

import (
	"fmt"
	"time"

	"github.com/openquant/tradecore/internal/domain"
)

// Snapshot wire types for the broker's read endpoints.

type orderSnapshotWire struct {
	BrokerOrderID  string `json:"broker_order_id"`
	Exchange       string `json:"exchange"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Type           string `json:"type"`
	State          string `json:"state"`
	Quantity       int64  `json:"quantity"`
	FilledQuantity int64  `json:"filled_quantity"`
	AvgFillPrice   string `json:"avg_fill_price"`
	Price          string `json:"price"`
	UpdatedAt      int64  `json:"updated_at"`
}

func (w *orderSnapshotWire) toDomain() (domain.BrokerOrderSnapshot, error) {
	avg, err := moneyField(w.AvgFillPrice, "avg_fill_price")
	if err != nil {
		return domain.BrokerOrderSnapshot{}, err
	}
	price, err := moneyField(w.Price, "price")
	if err != nil {
		return domain.BrokerOrderSnapshot{}, err
	}
	return domain.BrokerOrderSnapshot{
		BrokerOrderID:  w.BrokerOrderID,
		Exchange:       w.Exchange,
		Symbol:         w.Symbol,
		Side:           domain.Side(w.Side),
		Type:           domain.OrderType(w.Type),
		State:          domain.OrderState(w.State),
		Quantity:       w.Quantity,
		FilledQuantity: w.FilledQuantity,
		AvgFillPrice:   avg,
		Price:          price,
		UpdatedAt:      time.Unix(w.UpdatedAt, 0),
	}, nil
}

type positionSnapshotWire struct {
	Exchange     string `json:"exchange"`
	Symbol       string `json:"symbol"`
	Product      string `json:"product"`
	NetQuantity  int64  `json:"net_quantity"`
	BuyQuantity  int64  `json:"buy_quantity"`
	BuyAvgPrice  string `json:"buy_avg_price"`
	SellQuantity int64  `json:"sell_quantity"`
	SellAvgPrice string `json:"sell_avg_price"`
}

func (w *positionSnapshotWire) toDomain() (domain.BrokerPositionSnapshot, error) {
	buyAvg, err := moneyField(w.BuyAvgPrice, "buy_avg_price")
	if err != nil {
		return domain.BrokerPositionSnapshot{}, err
	}
	sellAvg, err := moneyField(w.SellAvgPrice, "sell_avg_price")
	if err != nil {
		return domain.BrokerPositionSnapshot{}, err
	}
	return domain.BrokerPositionSnapshot{
		Exchange:     w.Exchange,
		Symbol:       w.Symbol,
		Product:      domain.ProductType(w.Product),
		NetQuantity:  w.NetQuantity,
		BuyQuantity:  w.BuyQuantity,
		BuyAvgPrice:  buyAvg,
		SellQuantity: w.SellQuantity,
		SellAvgPrice: sellAvg,
	}, nil
}

type holdingSnapshotWire struct {
	Exchange        string `json:"exchange"`
	Symbol          string `json:"symbol"`
	Quantity        int64  `json:"quantity"`
	AvgCost         string `json:"avg_cost"`
	LastTradedPrice string `json:"last_traded_price"`
}

func (w *holdingSnapshotWire) toDomain() (domain.BrokerHoldingSnapshot, error) {
	avgCost, err := moneyField(w.AvgCost, "avg_cost")
	if err != nil {
		return domain.BrokerHoldingSnapshot{}, err
	}
	ltp, err := moneyField(w.LastTradedPrice, "last_traded_price")
	if err != nil {
		return domain.BrokerHoldingSnapshot{}, err
	}
	return domain.BrokerHoldingSnapshot{
		Exchange:        w.Exchange,
		Symbol:          w.Symbol,
		Quantity:        w.Quantity,
		AvgCost:         avgCost,
		LastTradedPrice: ltp,
	}, nil
}

type instrumentWire struct {
	Exchange   string `json:"exchange"`
	Symbol     string `json:"symbol"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	Segment    string `json:"segment"`
	LotSize    int64  `json:"lot_size"`
	TickSize   string `json:"tick_size"`
	Expiry     int64  `json:"expiry,omitempty"`
	Strike     string `json:"strike,omitempty"`
	OptionType string `json:"option_type,omitempty"`
	Tradable   bool   `json:"tradable"`
}

func (w *instrumentWire) toDomain() (domain.BrokerInstrument, error) {
	tick, err := moneyField(w.TickSize, "tick_size")
	if err != nil {
		return domain.BrokerInstrument{}, err
	}
	strike, err := moneyField(w.Strike, "strike")
	if err != nil {
		return domain.BrokerInstrument{}, err
	}
	inst := domain.BrokerInstrument{
		Exchange:   w.Exchange,
		Symbol:     w.Symbol,
		Name:       w.Name,
		Type:       domain.InstrumentType(w.Type),
		Segment:    w.Segment,
		LotSize:    w.LotSize,
		TickSize:   tick,
		Strike:     strike,
		OptionType: domain.OptionKind(w.OptionType),
		Tradable:   w.Tradable,
	}
	if w.Expiry > 0 {
		t := time.Unix(w.Expiry, 0)
		inst.Expiry = &t
	}
	return inst, nil
}

// moneyField parses a decimal-string money field; empty means zero.
func moneyField(s, name string) (domain.Money, error) {
	if s == "" {
		return 0, nil
	}
	m, err := domain.MoneyFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	return m, nil
}
