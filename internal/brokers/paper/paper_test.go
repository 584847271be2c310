package paper

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openquant/tradecore/internal/domain"
)

func testOrder(qty int64, price domain.Money) *domain.Order {
	return &domain.Order{
		ID:       "o1",
		Exchange: "NSE",
		Symbol:   "RELIANCE",
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeLimit,
		Quantity: qty,
		Price:    price,
	}
}

func recvEvent(t *testing.T, ch <-chan domain.BrokerEvent) domain.BrokerEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event stream closed unexpectedly")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broker event")
		return domain.BrokerEvent{}
	}
}

func TestPlace_AcksWithBrokerOrderID(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter := New("paper", FillNone, zerolog.Nop())
	defer adapter.Close()
	events, err := adapter.SubscribeEvents(ctx)
	require.NoError(t, err)

	placed, err := adapter.Place(ctx, testOrder(10, domain.MoneyFromRupees(100)))
	require.NoError(t, err)
	assert.NotEmpty(t, placed.BrokerOrderID)

	ev := recvEvent(t, events)
	assert.Equal(t, domain.EventAck, ev.Type)
	assert.Equal(t, placed.BrokerOrderID, ev.BrokerOrderID)
}

func TestFillImmediate_AckThenFill(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter := New("paper", FillImmediate, zerolog.Nop())
	defer adapter.Close()
	events, err := adapter.SubscribeEvents(ctx)
	require.NoError(t, err)

	_, err = adapter.Place(ctx, testOrder(10, domain.MoneyFromRupees(100)))
	require.NoError(t, err)

	ack := recvEvent(t, events)
	assert.Equal(t, domain.EventAck, ack.Type)

	fill := recvEvent(t, events)
	assert.Equal(t, domain.EventFill, fill.Type)
	assert.Equal(t, int64(10), fill.FillQuantity)
	assert.Equal(t, domain.MoneyFromRupees(100), fill.FillPrice)
	assert.Greater(t, fill.Sequence, ack.Sequence, "sequence is monotonic")
}

func TestScriptedPartialThenFullFill(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter := New("paper", FillNone, zerolog.Nop())
	defer adapter.Close()
	events, err := adapter.SubscribeEvents(ctx)
	require.NoError(t, err)

	placed, err := adapter.Place(ctx, testOrder(100, domain.MoneyFromRupees(500)))
	require.NoError(t, err)
	recvEvent(t, events) // ack

	require.NoError(t, adapter.Fill(placed.BrokerOrderID, 40, domain.MoneyFromRupees(500)))
	partial := recvEvent(t, events)
	assert.Equal(t, domain.EventPartialFill, partial.Type)
	assert.Equal(t, int64(40), partial.FillQuantity)

	require.NoError(t, adapter.Fill(placed.BrokerOrderID, 60, domain.MoneyFromRupees(501)))
	full := recvEvent(t, events)
	assert.Equal(t, domain.EventFill, full.Type)
	assert.Equal(t, int64(60), full.FillQuantity)

	// Order is retired after the full fill.
	assert.Error(t, adapter.Fill(placed.BrokerOrderID, 1, domain.MoneyFromRupees(500)))
}

func TestCancel_ConfirmsOnStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter := New("paper", FillNone, zerolog.Nop())
	defer adapter.Close()
	events, err := adapter.SubscribeEvents(ctx)
	require.NoError(t, err)

	placed, err := adapter.Place(ctx, testOrder(10, domain.MoneyFromRupees(100)))
	require.NoError(t, err)
	recvEvent(t, events) // ack

	require.NoError(t, adapter.Cancel(ctx, placed.BrokerOrderID))
	ev := recvEvent(t, events)
	assert.Equal(t, domain.EventCancelled, ev.Type)
	assert.Equal(t, placed.BrokerOrderID, ev.BrokerOrderID)
}

func TestCancel_UnknownOrderRejected(t *testing.T) {
	adapter := New("paper", FillNone, zerolog.Nop())
	defer adapter.Close()

	err := adapter.Cancel(context.Background(), "paper-999")
	require.Error(t, err)
	assert.Equal(t, domain.ErrBrokerReject, domain.KindOf(err))
}

func TestReject_EmitsRejectEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter := New("paper", FillNone, zerolog.Nop())
	defer adapter.Close()
	events, err := adapter.SubscribeEvents(ctx)
	require.NoError(t, err)

	placed, err := adapter.Place(ctx, testOrder(10, domain.MoneyFromRupees(100)))
	require.NoError(t, err)
	recvEvent(t, events) // ack

	require.NoError(t, adapter.Reject(placed.BrokerOrderID, "rms block"))
	ev := recvEvent(t, events)
	assert.Equal(t, domain.EventReject, ev.Type)
	assert.Equal(t, "rms block", ev.Reason)
}

func TestFetchOpenOrders_ReflectsLiveBook(t *testing.T) {
	ctx := context.Background()
	adapter := New("paper", FillNone, zerolog.Nop())
	defer adapter.Close()

	placed, err := adapter.Place(ctx, testOrder(100, domain.MoneyFromRupees(500)))
	require.NoError(t, err)
	require.NoError(t, adapter.Fill(placed.BrokerOrderID, 30, domain.MoneyFromRupees(500)))

	open, err := adapter.FetchOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, domain.StatePartiallyFilled, open[0].State)
	assert.Equal(t, int64(30), open[0].FilledQuantity)
}

func TestPlaceAfterCloseFails(t *testing.T) {
	adapter := New("paper", FillNone, zerolog.Nop())
	require.NoError(t, adapter.Close())

	_, err := adapter.Place(context.Background(), testOrder(10, domain.MoneyFromRupees(100)))
	require.Error(t, err)
	assert.Equal(t, domain.ErrBrokerUnreachable, domain.KindOf(err))
}

func TestSubscribeEvents_ClosesOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	adapter := New("paper", FillNone, zerolog.Nop())
	defer adapter.Close()

	events, err := adapter.SubscribeEvents(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("stream did not close on context cancel")
	}
}
