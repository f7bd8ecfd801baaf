package ride

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ridehail/internal/events"
	"github.com/example/ridehail/internal/models"
	"github.com/example/ridehail/internal/observability"
	"github.com/example/ridehail/internal/storage"
)

// Service owns the ride lifecycle. It is the only writer of ride
// status: every transition validates the state-machine guard and the
// acting identity, appends one history entry in the same atomic step
// as the status update, and publishes a lifecycle event.
type Service struct {
	store storage.RideStore
	bus   events.Bus
	log   *slog.Logger
	now   func() time.Time
	newID func() string
}

func NewService(store storage.RideStore, bus events.Bus, log *slog.Logger) *Service {
	return &Service{
		store: store,
		bus:   bus,
		log:   log,
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
}

// Request creates a ride in the requested state. Only riders create
// rides; matching is the coordinator's job, not ours.
func (s *Service) Request(ctx context.Context, actor models.Actor, pickup, dropoff models.Coord, scheduled *time.Time) (*models.Ride, error) {
	if actor.Role != models.RoleRider {
		return nil, fmt.Errorf("%w: only riders can request rides", ErrUnauthorized)
	}
	if !pickup.Valid() || !dropoff.Valid() {
		return nil, fmt.Errorf("%w: pickup and dropoff coordinates are required", ErrValidation)
	}
	now := s.now()
	r := &models.Ride{
		ID:            s.newID(),
		RiderID:       actor.ID,
		Pickup:        pickup,
		Dropoff:       dropoff,
		Status:        models.StatusRequested,
		ScheduledTime: scheduled,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	h := &models.HistoryEntry{
		RideID:    r.ID,
		Status:    models.StatusRequested,
		Location:  &pickup,
		Notes:     "ride requested by rider",
		Timestamp: now,
	}
	if err := s.store.CreateRide(ctx, r, h); err != nil {
		return nil, err
	}
	s.bus.Publish(events.Event{
		Topic:     events.TopicRideRequested,
		Key:       r.ID,
		RideID:    r.ID,
		RiderID:   r.RiderID,
		NewStatus: models.StatusRequested,
		Actor:     &actor,
		Location:  &pickup,
		At:        now,
	})
	observability.RidesRequested.Inc()
	return r, nil
}

// Get returns a ride visible to the actor: the bound rider, the bound
// driver, or an admin.
func (s *Service) Get(ctx context.Context, actor models.Actor, id string) (*models.Ride, error) {
	r, err := s.store.GetRide(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if !canView(actor, r) {
		return nil, ErrUnauthorized
	}
	return r, nil
}

// History returns the ride's append-only audit trail, with the same
// visibility rule as Get.
func (s *Service) History(ctx context.Context, actor models.Actor, id string) ([]models.HistoryEntry, error) {
	r, err := s.store.GetRide(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if !canView(actor, r) {
		return nil, ErrUnauthorized
	}
	h, err := s.store.History(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return h, nil
}

func canView(actor models.Actor, r *models.Ride) bool {
	switch actor.Role {
	case models.RoleAdmin:
		return true
	case models.RoleRider:
		return r.RiderID == actor.ID
	case models.RoleDriver:
		return r.DriverID == actor.ID
	}
	return false
}

// AssignDriver binds a driver to a requested ride. The guard is a
// compare-and-set on (status, driver_id): it succeeds only while the
// ride is still requested with no driver. A race lost to another
// acceptance (ride now accepted) returns ErrConflict; any other
// departure from requested — cancellation included, even when a
// cancelled ride still carries its driver binding — returns
// ErrInvalidTransition.
func (s *Service) AssignDriver(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if driverID == "" {
		return nil, fmt.Errorf("%w: driver id is required", ErrValidation)
	}
	// Eligibility: a driver already bound to an active ride cannot take
	// another. Checked outside the ride lock; the per-ride CAS below is
	// the safety guarantee, this is filtering.
	if active, err := s.store.ActiveRideForDriver(ctx, driverID); err != nil {
		return nil, err
	} else if active != nil && active.ID != rideID {
		return nil, fmt.Errorf("%w: driver already on ride %s", ErrConflict, active.ID)
	}
	actor := models.Actor{ID: driverID, Role: models.RoleDriver}
	return s.transition(ctx, rideID, func(r *models.Ride) (models.RideStatus, string, error) {
		switch {
		case r.Status == models.StatusAccepted:
			return "", "", ErrConflict
		case r.Status != models.StatusRequested:
			return "", "", fmt.Errorf("%w: cannot assign driver in state %s", ErrInvalidTransition, r.Status)
		case r.DriverID != "":
			return "", "", ErrConflict
		}
		r.DriverID = driverID
		return models.StatusAccepted, "driver accepted the ride", nil
	}, actor, events.TopicRideAccepted)
}

// DriverEnRoute marks the bound driver as heading to pickup.
func (s *Service) DriverEnRoute(ctx context.Context, actor models.Actor, rideID string) (*models.Ride, error) {
	return s.driverStep(ctx, actor, rideID, models.StatusAccepted, models.StatusEnRoute,
		"driver en route to pickup", events.TopicRideEnRoute)
}

// StartTrip marks pickup complete and the trip underway.
func (s *Service) StartTrip(ctx context.Context, actor models.Actor, rideID string) (*models.Ride, error) {
	return s.driverStep(ctx, actor, rideID, models.StatusEnRoute, models.StatusInProgress,
		"trip started", events.TopicRideStarted)
}

// CompleteTrip finishes the ride. Billing reacts to the published
// event; completion never waits on it.
func (s *Service) CompleteTrip(ctx context.Context, actor models.Actor, rideID string) (*models.Ride, error) {
	r, err := s.driverStep(ctx, actor, rideID, models.StatusInProgress, models.StatusCompleted,
		"trip completed", events.TopicRideCompleted)
	if err == nil {
		observability.RidesCompleted.Inc()
	}
	return r, err
}

func (s *Service) driverStep(ctx context.Context, actor models.Actor, rideID string, from, to models.RideStatus, notes, topic string) (*models.Ride, error) {
	return s.transition(ctx, rideID, func(r *models.Ride) (models.RideStatus, string, error) {
		if actor.Role != models.RoleDriver || r.DriverID != actor.ID {
			return "", "", fmt.Errorf("%w: only the bound driver may report %s", ErrUnauthorized, to)
		}
		if r.Status != from {
			return "", "", fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
		}
		return to, notes, nil
	}, actor, topic)
}

// Cancel moves a ride to cancelled from requested, accepted or
// en_route. The bound rider may always cancel; a driver only once
// bound; admins always.
func (s *Service) Cancel(ctx context.Context, actor models.Actor, rideID, reason string) (*models.Ride, error) {
	if reason == "" {
		reason = "cancelled by " + string(actor.Role)
	}
	return s.transition(ctx, rideID, func(r *models.Ride) (models.RideStatus, string, error) {
		switch actor.Role {
		case models.RoleAdmin:
		case models.RoleRider:
			if r.RiderID != actor.ID {
				return "", "", fmt.Errorf("%w: ride belongs to another rider", ErrUnauthorized)
			}
		case models.RoleDriver:
			if r.DriverID != actor.ID {
				return "", "", fmt.Errorf("%w: driver is not bound to this ride", ErrUnauthorized)
			}
		default:
			return "", "", ErrUnauthorized
		}
		switch r.Status {
		case models.StatusRequested, models.StatusAccepted, models.StatusEnRoute:
		default:
			return "", "", fmt.Errorf("%w: cannot cancel a %s ride", ErrInvalidTransition, r.Status)
		}
		r.CancellationReason = reason
		r.CancelledBy = actor.ID
		return models.StatusCancelled, fmt.Sprintf("cancelled by %s: %s", actor.Role, reason), nil
	}, actor, events.TopicRideCancelled)
}

// errRideLeftRequested aborts a no-driver report that raced a real
// transition; not an error worth surfacing.
var errRideLeftRequested = errors.New("ride left requested")

// ReportNoDriver records the no-driver outcome for a ride that
// exhausted matching. The ride stays requested; only the history and
// event record the outcome.
func (s *Service) ReportNoDriver(ctx context.Context, rideID string) {
	_, err := s.store.MutateRide(ctx, rideID, func(r *models.Ride) (*models.HistoryEntry, error) {
		if r.Status != models.StatusRequested {
			return nil, errRideLeftRequested
		}
		now := s.now()
		s.bus.Publish(events.Event{
			Topic:     events.TopicNoDriverAvailable,
			Key:       r.ID,
			RideID:    r.ID,
			RiderID:   r.RiderID,
			NewStatus: r.Status,
			At:        now,
		})
		return &models.HistoryEntry{
			RideID:    r.ID,
			Status:    r.Status,
			Notes:     "no driver available",
			Timestamp: now,
		}, nil
	})
	if errors.Is(err, errRideLeftRequested) {
		return
	}
	if err != nil {
		s.log.Warn("no-driver report failed", "ride_id", rideID, "error", err)
		return
	}
	observability.MatchesExhausted.Inc()
}

// transitionFunc applies guards and mutates the ride, returning the
// target status and the history note.
type transitionFunc func(r *models.Ride) (models.RideStatus, string, error)

// transition runs fn under the ride's per-id serialization. The status
// update, history append and event publish all happen inside that
// critical section, which is what keeps per-ride history and event
// order aligned with transition order.
func (s *Service) transition(ctx context.Context, rideID string, fn transitionFunc, actor models.Actor, topic string) (*models.Ride, error) {
	out, err := s.store.MutateRide(ctx, rideID, func(r *models.Ride) (*models.HistoryEntry, error) {
		old := r.Status
		to, notes, err := fn(r)
		if err != nil {
			return nil, err
		}
		now := s.now()
		r.Status = to
		s.bus.Publish(events.Event{
			Topic:     topic,
			Key:       r.ID,
			RideID:    r.ID,
			RiderID:   r.RiderID,
			DriverID:  r.DriverID,
			OldStatus: old,
			NewStatus: to,
			Actor:     &actor,
			At:        now,
		})
		return &models.HistoryEntry{
			RideID:    r.ID,
			Status:    to,
			Notes:     notes,
			Timestamp: now,
		}, nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	s.log.Info("ride transition",
		"ride_id", rideID, "status", out.Status, "actor_id", actor.ID, "actor_role", actor.Role)
	return out, nil
}

func mapStoreErr(err error) error {
	if errors.Is(err, storage.ErrRideNotFound) {
		return ErrNotFound
	}
	return err
}
