package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ridehail/internal/models"
)

// DefaultFreshness is how old a location report may be before the
// entry is treated as absent.
const DefaultFreshness = 30 * time.Minute

// Geo is the minimal interface required by the matcher and handlers.
type Geo interface {
	Nearby(center models.Coord, radiusKm float64, limit int) []models.DriverPresence
	Upsert(p models.DriverPresence) bool
	Remove(id string)
}

type entry struct {
	p    models.DriverPresence
	dist float64
}

// Index is an in-memory geo index over driver presences. Writes are
// last-writer-wins by ObservedAt, not by arrival order.
type Index struct {
	mu        sync.RWMutex
	drivers   map[string]models.DriverPresence
	freshness time.Duration
	now       func() time.Time
}

func NewIndex(freshness time.Duration) *Index {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &Index{
		drivers:   make(map[string]models.DriverPresence),
		freshness: freshness,
		now:       time.Now,
	}
}

// Upsert records a presence report. A report older than the stored one
// for the same driver is dropped; the return value reports whether the
// index changed.
func (g *Index) Upsert(p models.DriverPresence) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.drivers[p.DriverID]; ok && p.ObservedAt.Before(cur.ObservedAt) {
		return false
	}
	g.drivers[p.DriverID] = p
	return true
}

// Remove drops a driver immediately; used for explicit go-offline.
func (g *Index) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, id)
}

// Nearby returns online drivers within radiusKm of center whose last
// report is still fresh, ordered by ascending great-circle distance
// with ties broken by driver id. No match is an empty slice, never an
// error.
func (g *Index) Nearby(center models.Coord, radiusKm float64, limit int) []models.DriverPresence {
	g.mu.RLock()
	defer g.mu.RUnlock()
	cutoff := g.now().Add(-g.freshness)
	radiusM := radiusKm * 1000
	arr := make([]entry, 0, len(g.drivers))
	for _, p := range g.drivers {
		if !p.Online || p.ObservedAt.Before(cutoff) {
			continue
		}
		dist := Haversine(center.Lat, center.Lon, p.Loc.Lat, p.Loc.Lon)
		if dist > radiusM {
			continue
		}
		arr = append(arr, entry{p, dist})
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist != arr[j].dist {
			return arr[i].dist < arr[j].dist
		}
		return arr[i].p.DriverID < arr[j].p.DriverID
	})
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]models.DriverPresence, 0, len(arr))
	for _, e := range arr {
		out = append(out, e.p)
	}
	return out
}

// Snapshot returns a copy of every stored presence.
func (g *Index) Snapshot() []models.DriverPresence {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.DriverPresence, 0, len(g.drivers))
	for _, p := range g.drivers {
		out = append(out, p)
	}
	return out
}

// StartSweeper reclaims expired entries in the background. Queries
// already exclude stale entries; the sweep only bounds memory.
func (g *Index) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				g.sweep()
			}
		}
	}()
}

func (g *Index) sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.now().Add(-g.freshness)
	for id, p := range g.drivers {
		if p.ObservedAt.Before(cutoff) {
			delete(g.drivers, id)
		}
	}
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
