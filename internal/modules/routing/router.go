// Package routing implements the smart order router: broker selection by
// rule precedence, iceberg splitting and bracket expansion.
package routing

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openquant/tradecore/internal/domain"
)

// Rules is the operator-maintained routing table, loaded from YAML.
type Rules struct {
	// DefaultBroker receives everything no rule claims.
	DefaultBroker string `yaml:"default_broker"`
	// ByInstrumentType maps an instrument type (EQUITY, FUTURE, ...) to a broker.
	ByInstrumentType map[domain.InstrumentType]string `yaml:"by_instrument_type"`
}

// Router selects the target broker for an order and expands composite
// intents (iceberg, bracket) into their constituent orders.
type Router struct {
	rules Rules
	log   zerolog.Logger
}

// NewRouter creates a new smart order router
func NewRouter(rules Rules, log zerolog.Logger) *Router {
	return &Router{
		rules: rules,
		log:   log.With().Str("service", "routing").Logger(),
	}
}

// Route picks the broker for an intent by precedence: an explicit broker on
// the intent, then a routing rule for the instrument type, then the default.
func (r *Router) Route(intent *domain.OrderIntent, instrument *domain.Instrument) (string, error) {
	if intent.BrokerID != "" {
		return intent.BrokerID, nil
	}
	if instrument != nil {
		if broker, ok := r.rules.ByInstrumentType[instrument.Type]; ok && broker != "" {
			return broker, nil
		}
	}
	if r.rules.DefaultBroker == "" {
		return "", domain.NewError(domain.ErrValidation,
			"no routing rule matches and no default broker is configured").
			WithDetail("exchange", intent.Exchange).
			WithDetail("symbol", intent.Symbol)
	}
	return r.rules.DefaultBroker, nil
}

// SplitIceberg slices a parent order into LIMIT children of at most
// visibleQty units each, summing exactly to the parent quantity. Children
// share the parent's side, price and product and carry the parent's ID;
// they start PENDING and are released sequentially by the coordinator.
func (r *Router) SplitIceberg(parent *domain.Order, visibleQty int64) ([]*domain.Order, error) {
	if visibleQty <= 0 {
		return nil, domain.NewError(domain.ErrValidation,
			"iceberg visible quantity must be positive, got %d", visibleQty)
	}
	if visibleQty >= parent.Quantity {
		return nil, domain.NewError(domain.ErrValidation,
			"iceberg visible quantity %d must be smaller than parent quantity %d",
			visibleQty, parent.Quantity)
	}

	var children []*domain.Order
	for remaining := parent.Quantity; remaining > 0; remaining -= visibleQty {
		qty := visibleQty
		if remaining < visibleQty {
			qty = remaining
		}
		// Slice ids derive from the parent so release order stays stable
		// under identical creation timestamps.
		children = append(children, &domain.Order{
			ID:         fmt.Sprintf("%s-%d", parent.ID, len(children)+1),
			StrategyID: parent.StrategyID,
			BrokerID:   parent.BrokerID,
			Exchange:   parent.Exchange,
			Symbol:     parent.Symbol,
			Side:       parent.Side,
			Type:       domain.OrderTypeLimit,
			Validity:   parent.Validity,
			Product:    parent.Product,
			Quantity:   qty,
			Price:      parent.Price,
			ParentID:   parent.ID,
			State:      domain.StatePending,
		})
	}

	r.log.Debug().
		Str("parent_id", parent.ID).
		Int("children", len(children)).
		Int64("visible_qty", visibleQty).
		Msg("Split iceberg order")
	return children, nil
}

// Bracket is an entry order with its OCO-linked exit pair.
type Bracket struct {
	Entry  *domain.Order
	Target *domain.Order
	Stop   *domain.Order
}

// ExpandBracket builds the exit pair for a filled-entry bracket: a LIMIT
// target and a STOP_LOSS stop on the opposite side, sharing a group ID so a
// fill on one cancels the other.
func (r *Router) ExpandBracket(entry *domain.Order, targetPrice, stopPrice domain.Money) (*Bracket, error) {
	if targetPrice <= 0 || stopPrice <= 0 {
		return nil, domain.NewError(domain.ErrValidation,
			"bracket requires positive target and stop prices").
			WithDetail("target_price", targetPrice.String()).
			WithDetail("stop_price", stopPrice.String())
	}

	exitSide := domain.SideSell
	if entry.Side == domain.SideSell {
		exitSide = domain.SideBuy
	}

	groupID := entry.GroupID
	if groupID == "" {
		groupID = uuid.NewString()
		entry.GroupID = groupID
	}

	target := &domain.Order{
		ID:         uuid.NewString(),
		StrategyID: entry.StrategyID,
		BrokerID:   entry.BrokerID,
		Exchange:   entry.Exchange,
		Symbol:     entry.Symbol,
		Side:       exitSide,
		Type:       domain.OrderTypeLimit,
		Validity:   entry.Validity,
		Product:    entry.Product,
		Quantity:   entry.Quantity,
		Price:      targetPrice,
		GroupID:    groupID,
		ParentID:   entry.ID,
		State:      domain.StatePending,
	}
	stop := &domain.Order{
		ID:           uuid.NewString(),
		StrategyID:   entry.StrategyID,
		BrokerID:     entry.BrokerID,
		Exchange:     entry.Exchange,
		Symbol:       entry.Symbol,
		Side:         exitSide,
		Type:         domain.OrderTypeStopLoss,
		Validity:     entry.Validity,
		Product:      entry.Product,
		Quantity:     entry.Quantity,
		Price:        stopPrice,
		TriggerPrice: stopPrice,
		GroupID:      groupID,
		ParentID:     entry.ID,
		State:        domain.StatePending,
	}

	r.log.Debug().
		Str("entry_id", entry.ID).
		Str("group_id", groupID).
		Msg("Expanded bracket order")
	return &Bracket{Entry: entry, Target: target, Stop: stop}, nil
}
