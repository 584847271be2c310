package portfolio

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openquant/tradecore/internal/domain"
)

// Reducer folds execution fills into positions and settles delivery
// positions into holdings. It is the only writer of portfolio rows.
type Reducer struct {
	repo *Repository
	log  zerolog.Logger
}

// NewReducer creates a new portfolio reducer
func NewReducer(repo *Repository, log zerolog.Logger) *Reducer {
	return &Reducer{
		repo: repo,
		log:  log.With().Str("service", "portfolio").Logger(),
	}
}

// ApplyFill folds one fill into the matching position and persists it.
// It returns the updated position and the realized P&L delta the fill
// produced (zero unless the fill reduced the net quantity magnitude).
func (r *Reducer) ApplyFill(q Querier, brokerID, exchange, symbol string, fill domain.Fill) (*domain.Position, domain.Money, error) {
	pos, err := r.repo.GetPosition(q, brokerID, exchange, symbol, fill.Product)
	if err != nil {
		return nil, 0, err
	}
	if pos == nil {
		pos = &domain.Position{
			BrokerID: brokerID,
			Exchange: exchange,
			Symbol:   symbol,
			Product:  fill.Product,
		}
	}

	realized, err := Fold(pos, fill.Side, fill.Quantity, fill.Price)
	if err != nil {
		return nil, 0, err
	}
	if err := r.repo.SavePosition(q, pos); err != nil {
		return nil, 0, err
	}

	r.log.Debug().
		Str("broker_id", brokerID).
		Str("symbol", symbol).
		Int64("net_quantity", pos.NetQuantity).
		Str("realized_delta", realized.String()).
		Msg("Applied fill to position")
	return pos, realized, nil
}

// Fold applies one execution to a position using volume-weighted averaging.
// Realized P&L is recognized on the portion of the fill that reduces the
// net quantity magnitude, priced against the opposite side's average.
func Fold(p *domain.Position, side domain.Side, qty int64, price domain.Money) (domain.Money, error) {
	if qty <= 0 {
		return 0, fmt.Errorf("fill quantity must be positive, got %d", qty)
	}
	if price <= 0 {
		return 0, fmt.Errorf("fill price must be positive, got %s", price)
	}

	var realized domain.Money
	net := p.NetQuantity

	switch side {
	case domain.SideBuy:
		// A buy against a short position closes out at the short's average.
		if net < 0 {
			reduce := qty
			if -net < reduce {
				reduce = -net
			}
			realized = (p.SellAvgPrice - price).MulQty(reduce)
		}
		total := int64(p.BuyAvgPrice)*p.BuyQuantity + int64(price)*qty
		p.BuyQuantity += qty
		p.BuyAvgPrice = domain.Money(total / p.BuyQuantity)

	case domain.SideSell:
		if net > 0 {
			reduce := qty
			if net < reduce {
				reduce = net
			}
			realized = (price - p.BuyAvgPrice).MulQty(reduce)
		}
		total := int64(p.SellAvgPrice)*p.SellQuantity + int64(price)*qty
		p.SellQuantity += qty
		p.SellAvgPrice = domain.Money(total / p.SellQuantity)

	default:
		return 0, fmt.Errorf("unknown side %q", side)
	}

	p.NetQuantity = p.BuyQuantity - p.SellQuantity
	p.RealizedPnL += realized
	return realized, nil
}

// UnrealizedAt derives the open P&L of a position at the given market price.
// It is computed on demand and never treated as stored truth.
func UnrealizedAt(p *domain.Position, marketPrice domain.Money) domain.Money {
	switch {
	case p.NetQuantity > 0:
		return (marketPrice - p.BuyAvgPrice).MulQty(p.NetQuantity)
	case p.NetQuantity < 0:
		return (p.SellAvgPrice - marketPrice).MulQty(-p.NetQuantity)
	}
	return 0
}

// Settle moves a delivery position's net quantity and cost basis into the
// holding for the same instrument and flattens the position. A net long adds
// to the holding at the buy average; a net short draws the holding down.
// Realized P&L accumulated on the position survives settlement.
func (r *Reducer) Settle(q Querier, brokerID, exchange, symbol string) error {
	pos, err := r.repo.GetPosition(q, brokerID, exchange, symbol, domain.ProductDelivery)
	if err != nil {
		return err
	}
	if pos == nil || pos.NetQuantity == 0 {
		return nil
	}

	holding, err := r.repo.GetHolding(q, brokerID, exchange, symbol)
	if err != nil {
		return err
	}
	if holding == nil {
		holding = &domain.Holding{
			BrokerID: brokerID,
			Exchange: exchange,
			Symbol:   symbol,
		}
	}

	if pos.NetQuantity > 0 {
		total := int64(holding.AvgCost)*holding.Quantity + int64(pos.BuyAvgPrice)*pos.NetQuantity
		holding.Quantity += pos.NetQuantity
		holding.AvgCost = domain.Money(total / holding.Quantity)
	} else {
		draw := -pos.NetQuantity
		if draw > holding.Quantity {
			return fmt.Errorf("settlement would draw %d from holding of %d for %s:%s",
				draw, holding.Quantity, exchange, symbol)
		}
		holding.Quantity -= draw
		if holding.Quantity == 0 {
			holding.AvgCost = 0
		}
	}

	if err := r.repo.SaveHolding(q, holding); err != nil {
		return err
	}

	pos.BuyQuantity = 0
	pos.BuyAvgPrice = 0
	pos.SellQuantity = 0
	pos.SellAvgPrice = 0
	pos.NetQuantity = 0
	if err := r.repo.SavePosition(q, pos); err != nil {
		return err
	}

	r.log.Info().
		Str("broker_id", brokerID).
		Str("symbol", symbol).
		Int64("holding_quantity", holding.Quantity).
		Msg("Settled delivery position into holding")
	return nil
}
