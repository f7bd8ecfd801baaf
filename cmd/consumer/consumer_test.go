package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ridehail/internal/models"
)

// fakeStore implements PresenceStore for tests
type fakeStore struct {
	observed    time.Time
	hasObserved bool
	failGeo     int // number of times to fail GeoAdd before succeeding
	failMeta    int // number of times to fail SetMeta before succeeding
	geoCalls    int
	metaCalls   int
	removed     []string
}

func (f *fakeStore) ObservedAt(ctx context.Context, driverID string) (time.Time, bool) {
	return f.observed, f.hasObserved
}

func (f *fakeStore) GeoAdd(ctx context.Context, loc *redis.GeoLocation) error {
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	return nil
}

func (f *fakeStore) SetMeta(ctx context.Context, driverID string, values map[string]interface{}) error {
	f.metaCalls++
	if f.metaCalls <= f.failMeta {
		return errors.New("hset fail")
	}
	return nil
}

func (f *fakeStore) RemoveDriver(ctx context.Context, driverID string) error {
	f.removed = append(f.removed, driverID)
	return nil
}

func presence(id string, at time.Time, online bool) *models.DriverPresence {
	return &models.DriverPresence{
		DriverID:   id,
		Loc:        models.Coord{Lat: 1, Lon: 2},
		Online:     online,
		ObservedAt: at,
	}
}

func TestStorePresence_SucceedsAfterRetries(t *testing.T) {
	f := &fakeStore{failGeo: 1, failMeta: 1}
	ctx := context.Background()
	start := time.Now()
	stored, err := storePresenceWithRetry(ctx, f, presence("d1", time.Now(), true), 3, 10*time.Millisecond)
	if err != nil || !stored {
		t.Fatalf("expected stored, got stored=%v err=%v", stored, err)
	}
	if f.geoCalls < 2 || f.metaCalls < 2 {
		t.Fatalf("expected retries, got geo=%d meta=%d", f.geoCalls, f.metaCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestStorePresence_FailsWhenExhausted(t *testing.T) {
	f := &fakeStore{failGeo: 5}
	if stored, err := storePresenceWithRetry(context.Background(), f, presence("d1", time.Now(), true), 3, 5*time.Millisecond); err == nil || stored {
		t.Fatalf("expected error after retries, got stored=%v err=%v", stored, err)
	}
}

func TestStorePresence_DropsOutOfOrderReport(t *testing.T) {
	now := time.Now()
	f := &fakeStore{observed: now, hasObserved: true}
	stored, err := storePresenceWithRetry(context.Background(), f, presence("d1", now.Add(-time.Minute), true), 3, time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored {
		t.Fatal("stale report should not be stored")
	}
	if f.geoCalls != 0 {
		t.Fatalf("geo should not be touched for stale report, calls=%d", f.geoCalls)
	}
}

func TestStorePresence_OfflineRemovesDriver(t *testing.T) {
	f := &fakeStore{}
	stored, err := storePresenceWithRetry(context.Background(), f, presence("d1", time.Now(), false), 3, time.Millisecond)
	if err != nil || !stored {
		t.Fatalf("expected removal, got stored=%v err=%v", stored, err)
	}
	if len(f.removed) != 1 || f.removed[0] != "d1" {
		t.Fatalf("removed = %v, want [d1]", f.removed)
	}
	if f.geoCalls != 0 {
		t.Fatalf("offline report should not GeoAdd, calls=%d", f.geoCalls)
	}
}
