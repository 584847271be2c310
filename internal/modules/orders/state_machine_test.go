package orders

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openquant/tradecore/internal/domain"
)

func TestCanTransition_LegalEdges(t *testing.T) {
	legal := []struct {
		from, to domain.OrderState
	}{
		{domain.StatePending, domain.StateQueued},
		{domain.StatePending, domain.StateRejected},
		{domain.StateQueued, domain.StateSubmitted},
		{domain.StateQueued, domain.StateRejected},
		{domain.StateQueued, domain.StateCancelled},
		{domain.StateSubmitted, domain.StatePartiallyFilled},
		{domain.StateSubmitted, domain.StateFilled},
		{domain.StateSubmitted, domain.StateCancelled},
		{domain.StateSubmitted, domain.StateRejected},
		{domain.StateSubmitted, domain.StateExpired},
		{domain.StateSubmitted, domain.StateModifyRequested},
		{domain.StatePartiallyFilled, domain.StateFilled},
		{domain.StatePartiallyFilled, domain.StateCancelled},
		{domain.StatePartiallyFilled, domain.StateModifyRequested},
		{domain.StateModifyRequested, domain.StateSubmitted},
		{domain.StateModifyRequested, domain.StateRejected},
	}

	for _, tc := range legal {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be legal", tc.from, tc.to)
	}
}

func TestCanTransition_IllegalEdges(t *testing.T) {
	illegal := []struct {
		from, to domain.OrderState
	}{
		{domain.StatePending, domain.StateSubmitted},
		{domain.StatePending, domain.StateFilled},
		{domain.StateQueued, domain.StateFilled},
		{domain.StateQueued, domain.StatePartiallyFilled},
		{domain.StateFilled, domain.StateCancelled},
		{domain.StateCancelled, domain.StateSubmitted},
		{domain.StateRejected, domain.StateQueued},
		{domain.StateExpired, domain.StateSubmitted},
		{domain.StatePartiallyFilled, domain.StateRejected},
		{domain.StateModifyRequested, domain.StateFilled},
	}

	for _, tc := range illegal {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be illegal", tc.from, tc.to)
	}
}

func TestCanTransition_SelfTransitionIsNoOp(t *testing.T) {
	states := []domain.OrderState{
		domain.StatePending, domain.StateQueued, domain.StateSubmitted,
		domain.StatePartiallyFilled, domain.StateFilled, domain.StateCancelled,
		domain.StateRejected, domain.StateExpired, domain.StateModifyRequested,
	}
	for _, s := range states {
		assert.True(t, CanTransition(s, s), "%s -> %s must be permitted for event idempotency", s, s)
	}
}

func TestValidateTransition_CarriesTypedError(t *testing.T) {
	err := ValidateTransition("o-1", domain.StateFilled, domain.StateSubmitted)
	assert.Error(t, err)
	assert.Equal(t, domain.ErrInvalidTransition, domain.KindOf(err))
}

func TestTerminalStates(t *testing.T) {
	for _, s := range TerminalStates() {
		assert.True(t, s.IsTerminal())
		assert.Empty(t, legalTransitions[s], "terminal state %s must have no outgoing edges", s)
	}
}
