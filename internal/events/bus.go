package events

import (
	"sync"
	"time"

	"github.com/example/ridehail/internal/models"
)

// Topic names carried on the bus. External consumers (billing,
// notifications, history) key off these.
const (
	TopicRideRequested     = "ride.requested"
	TopicRideAccepted      = "ride.accepted"
	TopicRideEnRoute       = "ride.driver_en_route"
	TopicRideStarted       = "ride.started"
	TopicRideCompleted     = "ride.completed"
	TopicRideCancelled     = "ride.cancelled"
	TopicNoDriverAvailable = "ride.no_driver_available"
	TopicDriverLocation    = "driver.location_updated"
)

// Event is one lifecycle or location record. Key is the ride id for
// ride.* topics and the driver id for driver.* topics; delivery order
// is preserved per key per subscriber.
type Event struct {
	Topic     string            `json:"topic"`
	Key       string            `json:"key"`
	RideID    string            `json:"ride_id,omitempty"`
	DriverID  string            `json:"driver_id,omitempty"`
	RiderID   string            `json:"rider_id,omitempty"`
	OldStatus models.RideStatus `json:"old_status,omitempty"`
	NewStatus models.RideStatus `json:"new_status,omitempty"`
	Actor     *models.Actor     `json:"actor,omitempty"`
	Location  *models.Coord     `json:"location,omitempty"`
	At        time.Time         `json:"at"`
}

// Bus is the publish side of the event channel. Publish never blocks
// on subscriber processing.
type Bus interface {
	Publish(e Event)
}

// Subscription receives events for the topics it was created with, in
// publish order. C is closed when the bus shuts down or the
// subscription is cancelled.
type Subscription struct {
	C      chan Event
	topics map[string]bool

	mu     sync.Mutex
	queue  []Event
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func (s *Subscription) wants(topic string) bool {
	return len(s.topics) == 0 || s.topics[topic]
}

func (s *Subscription) enqueue(e Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump drains the queue into C one event at a time, preserving publish
// order. The queue is unbounded so the publisher never waits on a slow
// subscriber.
func (s *Subscription) pump() {
	defer close(s.C)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 {
			if s.closed {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			select {
			case <-s.wake:
			case <-s.done:
			}
			s.mu.Lock()
		}
		e := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		select {
		case s.C <- e:
		case <-s.done:
			return
		}
	}
}

// Close cancels the subscription. Queued events are dropped.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	close(s.done)
}

// InProcBus fans events out to all matching subscriptions.
type InProcBus struct {
	mu   sync.RWMutex
	subs []*Subscription
}

func NewInProcBus() *InProcBus { return &InProcBus{} }

// Subscribe registers interest in the given topics. With no topics the
// subscription receives everything.
func (b *InProcBus) Subscribe(topics ...string) *Subscription {
	s := &Subscription{
		C:      make(chan Event),
		topics: make(map[string]bool, len(topics)),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, t := range topics {
		s.topics[t] = true
	}
	go s.pump()
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s
}

func (b *InProcBus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()
	for _, s := range subs {
		if s.wants(e.Topic) {
			s.enqueue(e)
		}
	}
}
