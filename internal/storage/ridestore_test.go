package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ridehail/internal/models"
)

func newTestRide(id string) *models.Ride {
	now := time.Now()
	return &models.Ride{
		ID:        id,
		RiderID:   "rider-1",
		Pickup:    models.Coord{Lat: 12.97, Lon: 77.59},
		Dropoff:   models.Coord{Lat: 12.90, Lon: 77.60},
		Status:    models.StatusRequested,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateAndGetRide(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	r := newTestRide("r1")
	if err := m.CreateRide(ctx, r, &models.HistoryEntry{RideID: "r1", Status: r.Status, Timestamp: r.CreatedAt}); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := m.GetRide(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != "r1" || got.Status != models.StatusRequested {
		t.Fatalf("got %+v", got)
	}
	// returned ride is a copy, not a handle into the store
	got.Status = models.StatusCompleted
	again, _ := m.GetRide(ctx, "r1")
	if again.Status != models.StatusRequested {
		t.Fatal("mutating the returned ride leaked into the store")
	}
}

func TestCreateDuplicateRide(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	if err := m.CreateRide(ctx, newTestRide("r1"), nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.CreateRide(ctx, newTestRide("r1"), nil); err == nil {
		t.Fatal("duplicate create should fail")
	}
}

func TestGetUnknownRide(t *testing.T) {
	m := NewMemoryStore()
	if _, err := m.GetRide(context.Background(), "nope"); !errors.Is(err, ErrRideNotFound) {
		t.Fatalf("err = %v, want ErrRideNotFound", err)
	}
}

func TestMutateFailureLeavesRideUntouched(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	if err := m.CreateRide(ctx, newTestRide("r1"), nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	boom := errors.New("boom")
	_, err := m.MutateRide(ctx, "r1", func(r *models.Ride) (*models.HistoryEntry, error) {
		r.Status = models.StatusCancelled
		return &models.HistoryEntry{RideID: "r1", Status: r.Status, Timestamp: time.Now()}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	got, _ := m.GetRide(ctx, "r1")
	if got.Status != models.StatusRequested {
		t.Fatalf("status = %q, failed mutation must not stick", got.Status)
	}
	if hist, _ := m.History(ctx, "r1"); len(hist) != 0 {
		t.Fatalf("history = %v, failed mutation must not append", hist)
	}
}

func TestHistoryAppendsInMutationOrder(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	r := newTestRide("r1")
	if err := m.CreateRide(ctx, r, &models.HistoryEntry{RideID: "r1", Status: r.Status, Timestamp: r.CreatedAt}); err != nil {
		t.Fatalf("create: %v", err)
	}
	steps := []models.RideStatus{models.StatusAccepted, models.StatusEnRoute, models.StatusInProgress, models.StatusCompleted}
	for _, next := range steps {
		if _, err := m.MutateRide(ctx, "r1", func(r *models.Ride) (*models.HistoryEntry, error) {
			r.Status = next
			return &models.HistoryEntry{RideID: "r1", Status: next, Timestamp: time.Now()}, nil
		}); err != nil {
			t.Fatalf("mutate to %s: %v", next, err)
		}
	}
	hist, err := m.History(ctx, "r1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	want := append([]models.RideStatus{models.StatusRequested}, steps...)
	if len(hist) != len(want) {
		t.Fatalf("history len = %d, want %d", len(hist), len(want))
	}
	for i, h := range hist {
		if h.Status != want[i] {
			t.Fatalf("history[%d] = %s, want %s", i, h.Status, want[i])
		}
	}
}

func TestMutateSerializesPerRide(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	if err := m.CreateRide(ctx, newTestRide("r1"), nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.MutateRide(ctx, "r1", func(r *models.Ride) (*models.HistoryEntry, error) {
				return &models.HistoryEntry{RideID: "r1", Status: r.Status, Timestamp: time.Now()}, nil
			})
		}()
	}
	wg.Wait()
	hist, _ := m.History(ctx, "r1")
	if len(hist) != 32 {
		t.Fatalf("history len = %d, want 32", len(hist))
	}
}

func TestActiveRideForDriver(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	r := newTestRide("r1")
	r.DriverID = "d1"
	r.Status = models.StatusEnRoute
	if err := m.CreateRide(ctx, r, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	done := newTestRide("r2")
	done.DriverID = "d2"
	done.Status = models.StatusCompleted
	if err := m.CreateRide(ctx, done, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := m.ActiveRideForDriver(ctx, "d1")
	if err != nil || got == nil || got.ID != "r1" {
		t.Fatalf("active for d1 = %v, %v; want r1", got, err)
	}
	if got, _ := m.ActiveRideForDriver(ctx, "d2"); got != nil {
		t.Fatalf("active for d2 = %+v, completed ride must not bind", got)
	}
	if got, _ := m.ActiveRideForDriver(ctx, "d3"); got != nil {
		t.Fatalf("active for d3 = %+v, want nil", got)
	}
}

func TestDueScheduled(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	due := newTestRide("due")
	at := now.Add(-time.Minute)
	due.ScheduledTime = &at
	later := newTestRide("later")
	lt := now.Add(time.Hour)
	later.ScheduledTime = &lt
	immediate := newTestRide("immediate")
	for _, r := range []*models.Ride{due, later, immediate} {
		if err := m.CreateRide(ctx, r, nil); err != nil {
			t.Fatalf("create %s: %v", r.ID, err)
		}
	}

	got, err := m.DueScheduled(ctx, now)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(got) != 1 || got[0].ID != "due" {
		t.Fatalf("due = %v, want just the overdue ride", got)
	}
}
