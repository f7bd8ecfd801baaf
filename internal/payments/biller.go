package payments

import (
	"context"
	"log/slog"
	"sync"

	"github.com/example/ridehail/internal/events"
)

// Gateway is the payment-provider surface the biller needs.
type Gateway interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// Biller reacts to ride lifecycle events: hold on acceptance, capture
// after completion, release on cancellation. It runs strictly behind
// the event channel; a billing failure is logged and never touches
// ride state.
type Biller struct {
	gw       Gateway
	log      *slog.Logger
	amount   int64 // flat hold amount in minor units; pricing is upstream's problem
	currency string

	mu    sync.Mutex
	holds map[string]string // ride id -> payment intent id
}

func NewBiller(gw Gateway, log *slog.Logger, amount int64, currency string) *Biller {
	return &Biller{gw: gw, log: log, amount: amount, currency: currency, holds: make(map[string]string)}
}

// Run consumes the subscription until ctx is cancelled. Subscribe with
// ride.accepted, ride.completed and ride.cancelled.
func (b *Biller) Run(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			b.handle(ctx, e)
		}
	}
}

func (b *Biller) handle(ctx context.Context, e events.Event) {
	switch e.Topic {
	case events.TopicRideAccepted:
		id, err := b.gw.Hold(ctx, b.amount, b.currency, e.RiderID)
		if err != nil {
			b.log.Warn("payment hold failed", "ride_id", e.RideID, "error", err)
			return
		}
		b.mu.Lock()
		b.holds[e.RideID] = id
		b.mu.Unlock()
	case events.TopicRideCompleted:
		if id, ok := b.takeHold(e.RideID); ok {
			if err := b.gw.Capture(ctx, id); err != nil {
				b.log.Warn("payment capture failed", "ride_id", e.RideID, "payment_intent", id, "error", err)
			}
		}
	case events.TopicRideCancelled:
		if id, ok := b.takeHold(e.RideID); ok {
			if err := b.gw.Cancel(ctx, id); err != nil {
				b.log.Warn("payment release failed", "ride_id", e.RideID, "payment_intent", id, "error", err)
			}
		}
	}
}

func (b *Biller) takeHold(rideID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.holds[rideID]
	if ok {
		delete(b.holds, rideID)
	}
	return id, ok
}

var _ Gateway = (*StripeClient)(nil)
