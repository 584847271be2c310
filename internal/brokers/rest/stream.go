package rest

import (
	"context"
	"encoding/json"
	"time"

	"nhooyr.io/websocket"

	"github.com/openquant/tradecore/internal/domain"
)

const dialTimeout = 30 * time.Second

// eventWire is one message on the broker's websocket event stream.
type eventWire struct {
	Type          string `json:"type"`
	BrokerOrderID string `json:"broker_order_id"`
	Sequence      int64  `json:"sequence"`
	FillQuantity  int64  `json:"fill_quantity,omitempty"`
	FillPrice     string `json:"fill_price,omitempty"`
	BrokerFillID  string `json:"broker_fill_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
	At            int64  `json:"at"`
}

// SubscribeEvents dials the broker's websocket stream and returns the
// normalized event channel. The channel closes when ctx is cancelled or the
// connection is lost; the caller owns reconnection policy.
func (a *Adapter) SubscribeEvents(ctx context.Context) (<-chan domain.BrokerEvent, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	opts := &websocket.DialOptions{}
	if a.cfg.APIKey != "" {
		opts.HTTPHeader = map[string][]string{
			"X-Api-Key":    {a.cfg.APIKey},
			"X-Api-Secret": {a.cfg.APISecret},
		}
	}

	conn, _, err := websocket.Dial(dialCtx, a.cfg.WSURL, opts)
	if err != nil {
		return nil, domain.NewError(domain.ErrBrokerUnreachable,
			"failed to connect to %s event stream", a.cfg.BrokerID).WithCause(err)
	}
	// Lifecycle bursts after a market open can be large.
	conn.SetReadLimit(1 << 20)

	out := make(chan domain.BrokerEvent, 256)
	go a.readLoop(ctx, conn, out)
	return out, nil
}

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- domain.BrokerEvent) {
	defer close(out)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				a.log.Warn().Err(err).Msg("Broker event stream closed")
			}
			return
		}

		var wire eventWire
		if err := json.Unmarshal(payload, &wire); err != nil {
			a.log.Warn().Err(err).Msg("Skipping malformed broker event")
			continue
		}
		ev, err := wire.toDomain(a.cfg.BrokerID)
		if err != nil {
			a.log.Warn().Err(err).Str("broker_order_id", wire.BrokerOrderID).Msg("Skipping unmappable broker event")
			continue
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (w *eventWire) toDomain(brokerID string) (domain.BrokerEvent, error) {
	eventType := domain.BrokerEventType(w.Type)
	switch eventType {
	case domain.EventAck, domain.EventPartialFill, domain.EventFill,
		domain.EventReject, domain.EventCancelled, domain.EventExpired:
	default:
		return domain.BrokerEvent{}, domain.NewError(domain.ErrValidation, "unknown event type %q", w.Type)
	}

	price, err := moneyField(w.FillPrice, "fill_price")
	if err != nil {
		return domain.BrokerEvent{}, err
	}
	at := time.Now()
	if w.At > 0 {
		at = time.Unix(w.At, 0)
	}
	return domain.BrokerEvent{
		Type:          eventType,
		BrokerID:      brokerID,
		BrokerOrderID: w.BrokerOrderID,
		Sequence:      w.Sequence,
		FillQuantity:  w.FillQuantity,
		FillPrice:     price,
		BrokerFillID:  w.BrokerFillID,
		Reason:        w.Reason,
		At:            at,
	}, nil
}
