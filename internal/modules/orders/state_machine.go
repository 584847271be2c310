// Package orders owns the order records: lifecycle state machine, persistence
// with transition audit log, and the idempotency store.
package orders

import (
	"github.com/openquant/tradecore/internal/domain"
)

// legalTransitions is the order lifecycle graph. A state missing from the map
// is terminal; self-transitions are always permitted as no-ops for
// broker-event idempotency.
var legalTransitions = map[domain.OrderState][]domain.OrderState{
	domain.StatePending: {
		domain.StateQueued,
		domain.StateRejected,
	},
	domain.StateQueued: {
		domain.StateSubmitted,
		domain.StateRejected,
		domain.StateCancelled,
	},
	domain.StateSubmitted: {
		domain.StatePartiallyFilled,
		domain.StateFilled,
		domain.StateCancelled,
		domain.StateRejected,
		domain.StateExpired,
		domain.StateModifyRequested,
	},
	domain.StatePartiallyFilled: {
		domain.StateFilled,
		domain.StateCancelled,
		domain.StateModifyRequested,
	},
	domain.StateModifyRequested: {
		domain.StateSubmitted,
		domain.StateRejected,
	},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
// Self-transitions are legal no-ops.
func CanTransition(from, to domain.OrderState) bool {
	if from == to {
		return true
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a typed INVALID_TRANSITION error when the edge is
// illegal. Callers treat that error as a hard programming error: it is never
// silently absorbed.
func ValidateTransition(orderID string, from, to domain.OrderState) error {
	if CanTransition(from, to) {
		return nil
	}
	return domain.NewError(domain.ErrInvalidTransition,
		"order %s: illegal transition %s -> %s", orderID, from, to).
		WithDetail("order_id", orderID).
		WithDetail("from", string(from)).
		WithDetail("to", string(to))
}

// TerminalStates returns the terminal lifecycle states.
func TerminalStates() []domain.OrderState {
	return []domain.OrderState{
		domain.StateFilled,
		domain.StateCancelled,
		domain.StateRejected,
		domain.StateExpired,
	}
}
