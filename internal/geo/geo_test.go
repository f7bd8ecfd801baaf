package geo

import (
	"testing"
	"time"

	"github.com/example/ridehail/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func presence(id string, lat, lon float64, at time.Time) models.DriverPresence {
	return models.DriverPresence{DriverID: id, Loc: models.Coord{Lat: lat, Lon: lon}, Online: true, ObservedAt: at}
}

func TestNearbyOrdersByDistanceThenID(t *testing.T) {
	g := NewIndex(DefaultFreshness)
	now := time.Now()
	g.Upsert(presence("far", 12.97, 77.63, now))  // ~4.3 km east
	g.Upsert(presence("b", 12.979, 77.59, now))   // ~1 km north
	g.Upsert(presence("a", 12.961, 77.59, now))   // ~1 km south, same distance as b
	out := g.Nearby(models.Coord{Lat: 12.97, Lon: 77.59}, 15, 0)
	if len(out) != 3 {
		t.Fatalf("expected 3 drivers, got %d", len(out))
	}
	if out[0].DriverID != "a" || out[1].DriverID != "b" || out[2].DriverID != "far" {
		t.Fatalf("unexpected order: %s %s %s", out[0].DriverID, out[1].DriverID, out[2].DriverID)
	}
}

func TestNearbyRespectsRadius(t *testing.T) {
	g := NewIndex(DefaultFreshness)
	now := time.Now()
	g.Upsert(presence("near", 12.979, 77.59, now)) // ~1 km
	g.Upsert(presence("far", 12.97, 77.63, now))   // ~4.3 km
	out := g.Nearby(models.Coord{Lat: 12.97, Lon: 77.59}, 3, 0)
	if len(out) != 1 || out[0].DriverID != "near" {
		t.Fatalf("expected only the near driver, got %v", out)
	}
}

func TestNearbyExcludesStaleAndOffline(t *testing.T) {
	g := NewIndex(DefaultFreshness)
	now := time.Now()
	g.Upsert(presence("fresh", 0.001, 0, now))
	g.Upsert(presence("stale", 0.002, 0, now.Add(-31*time.Minute)))
	off := presence("off", 0.003, 0, now)
	off.Online = false
	g.Upsert(off)
	out := g.Nearby(models.Coord{}, 5, 0)
	if len(out) != 1 || out[0].DriverID != "fresh" {
		t.Fatalf("expected only fresh driver, got %v", out)
	}
}

func TestUpsertDropsOutOfOrderReports(t *testing.T) {
	g := NewIndex(DefaultFreshness)
	now := time.Now()
	if !g.Upsert(presence("d1", 1, 1, now)) {
		t.Fatal("first upsert should apply")
	}
	if g.Upsert(presence("d1", 9, 9, now.Add(-time.Minute))) {
		t.Fatal("older report should be dropped")
	}
	out := g.Nearby(models.Coord{Lat: 1, Lon: 1}, 1, 0)
	if len(out) != 1 || out[0].Loc.Lat != 1 {
		t.Fatalf("position changed by stale report: %v", out)
	}
}

func TestRemove(t *testing.T) {
	g := NewIndex(DefaultFreshness)
	g.Upsert(presence("d1", 0, 0, time.Now()))
	g.Remove("d1")
	if out := g.Nearby(models.Coord{}, 5, 0); len(out) != 0 {
		t.Fatalf("expected empty result after remove, got %v", out)
	}
}

func TestSweepReclaimsExpired(t *testing.T) {
	g := NewIndex(DefaultFreshness)
	g.Upsert(presence("old", 0, 0, time.Now().Add(-time.Hour)))
	g.sweep()
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.drivers) != 0 {
		t.Fatalf("expected sweep to evict expired entry")
	}
}
