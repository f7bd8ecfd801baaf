package dispatch

import (
	"context"
	"log/slog"

	"github.com/example/ridehail/internal/events"
)

// Gateway consumes ride lifecycle events and pushes user-facing
// notifications: live session first, push fallback. Delivery failures
// are logged and dropped; they never feed back into ride state.
type Gateway struct {
	Live *WSRegistry
	Push Deliverer // nil disables the push fallback
	Log  *slog.Logger
}

// Run consumes the subscription until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			g.handle(e)
		}
	}
}

func (g *Gateway) handle(e events.Event) {
	for _, n := range notificationsFor(e) {
		g.deliver(n.to, n.payload)
	}
}

func (g *Gateway) deliver(recipientID string, p Payload) {
	if recipientID == "" {
		return
	}
	if err := g.Live.Deliver(recipientID, p); err == nil {
		return
	}
	if g.Push == nil {
		return
	}
	if err := g.Push.Deliver(recipientID, p); err != nil {
		g.Log.Warn("notification delivery failed", "recipient", recipientID, "type", p.Type, "error", err)
	}
}

type notification struct {
	to      string
	payload Payload
}

func notificationsFor(e events.Event) []notification {
	data := map[string]any{"ride_id": e.RideID, "driver_id": e.DriverID, "status": e.NewStatus}
	switch e.Topic {
	case events.TopicRideAccepted:
		return []notification{{e.RiderID, Payload{
			Type: "ride_accepted", Title: "Driver accepted your ride",
			Body: "Your driver is on the way!", Data: data,
		}}}
	case events.TopicRideEnRoute:
		return []notification{{e.RiderID, Payload{
			Type: "ride_en_route", Title: "Driver en route",
			Body: "Your driver is heading to the pickup point", Data: data,
		}}}
	case events.TopicRideStarted:
		return []notification{{e.RiderID, Payload{
			Type: "ride_started", Title: "Trip started", Data: data,
		}}}
	case events.TopicRideCompleted:
		return []notification{{e.RiderID, Payload{
			Type: "ride_completed", Title: "Trip completed",
			Body: "Thanks for riding with us", Data: data,
		}}}
	case events.TopicRideCancelled:
		// both sides hear about a cancellation; the actor who
		// cancelled just sees a confirmation
		out := []notification{{e.RiderID, Payload{
			Type: "ride_cancelled", Title: "Ride cancelled", Data: data,
		}}}
		if e.DriverID != "" {
			out = append(out, notification{e.DriverID, Payload{
				Type: "ride_cancelled", Title: "Ride cancelled", Data: data,
			}})
		}
		return out
	case events.TopicNoDriverAvailable:
		return []notification{{e.RiderID, Payload{
			Type: "no_driver_available", Title: "No drivers available",
			Body: "We couldn't find a driver nearby. Please try again.", Data: data,
		}}}
	}
	return nil
}

var (
	_ Deliverer = (*WSRegistry)(nil)
	_ Deliverer = (*FCMDispatcher)(nil)
)
