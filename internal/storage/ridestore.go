package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ridehail/internal/models"
)

// ErrRideNotFound is returned for an unknown ride id.
var ErrRideNotFound = errors.New("ride not found")

// MutateFunc inspects and updates a ride under that ride's lock. It
// returns the history entry to append in the same atomic step, or an
// error to abandon the mutation with nothing written.
type MutateFunc func(r *models.Ride) (*models.HistoryEntry, error)

// RideStore defines persistence for rides and their append-only
// history. Implementations must serialize MutateRide per ride id;
// mutations on different rides may proceed concurrently.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride, h *models.HistoryEntry) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	MutateRide(ctx context.Context, id string, fn MutateFunc) (*models.Ride, error)
	History(ctx context.Context, rideID string) ([]models.HistoryEntry, error)
	// ActiveRideForDriver returns the ride currently binding the
	// driver (status accepted, en_route or in_progress), or nil.
	ActiveRideForDriver(ctx context.Context, driverID string) (*models.Ride, error)
	// DueScheduled returns requested rides whose scheduled time falls
	// at or before the given instant.
	DueScheduled(ctx context.Context, before time.Time) ([]*models.Ride, error)
}

func activeStatus(s models.RideStatus) bool {
	return s == models.StatusAccepted || s == models.StatusEnRoute || s == models.StatusInProgress
}

// MemoryStore keeps rides in process memory. Each ride carries its own
// lock so read-modify-write cycles on one ride serialize without a
// global lock.
type MemoryStore struct {
	mu      sync.RWMutex
	rides   map[string]*rideSlot
	history map[string][]models.HistoryEntry
}

type rideSlot struct {
	mu sync.Mutex
	r  models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:   make(map[string]*rideSlot),
		history: make(map[string][]models.HistoryEntry),
	}
}

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride, h *models.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return errors.New("ride already exists")
	}
	m.rides[r.ID] = &rideSlot{r: *r}
	if h != nil {
		m.history[r.ID] = append(m.history[r.ID], *h)
	}
	return nil
}

func (m *MemoryStore) slot(id string) (*rideSlot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.rides[id]
	return s, ok
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	s, ok := m.slot(id)
	if !ok {
		return nil, ErrRideNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.r
	return &r, nil
}

func (m *MemoryStore) MutateRide(ctx context.Context, id string, fn MutateFunc) (*models.Ride, error) {
	s, ok := m.slot(id)
	if !ok {
		return nil, ErrRideNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.r
	h, err := fn(&next)
	if err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now()
	s.r = next
	if h != nil {
		m.mu.Lock()
		m.history[id] = append(m.history[id], *h)
		m.mu.Unlock()
	}
	out := next
	return &out, nil
}

func (m *MemoryStore) History(ctx context.Context, rideID string) ([]models.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.rides[rideID]; !ok {
		return nil, ErrRideNotFound
	}
	out := make([]models.HistoryEntry, len(m.history[rideID]))
	copy(out, m.history[rideID])
	return out, nil
}

func (m *MemoryStore) ActiveRideForDriver(ctx context.Context, driverID string) (*models.Ride, error) {
	m.mu.RLock()
	slots := make([]*rideSlot, 0, len(m.rides))
	for _, s := range m.rides {
		slots = append(slots, s)
	}
	m.mu.RUnlock()
	for _, s := range slots {
		s.mu.Lock()
		if s.r.DriverID == driverID && activeStatus(s.r.Status) {
			r := s.r
			s.mu.Unlock()
			return &r, nil
		}
		s.mu.Unlock()
	}
	return nil, nil
}

func (m *MemoryStore) DueScheduled(ctx context.Context, before time.Time) ([]*models.Ride, error) {
	m.mu.RLock()
	slots := make([]*rideSlot, 0, len(m.rides))
	for _, s := range m.rides {
		slots = append(slots, s)
	}
	m.mu.RUnlock()
	var out []*models.Ride
	for _, s := range slots {
		s.mu.Lock()
		if s.r.Status == models.StatusRequested && s.r.ScheduledTime != nil && !s.r.ScheduledTime.After(before) {
			r := s.r
			out = append(out, &r)
		}
		s.mu.Unlock()
	}
	return out, nil
}
