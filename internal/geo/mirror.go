package geo

import (
	"log/slog"

	"github.com/example/ridehail/internal/models"
)

// Snapshotter can dump every stored presence, used to warm a cold
// index on startup.
type Snapshotter interface {
	Geo
	Snapshot() []models.DriverPresence
}

// Mirrored keeps the in-process Index authoritative for matching and
// mirrors every write to a durable backend. On construction the index
// is seeded from the mirror's snapshot so a restarted process matches
// against the fleet it knew before, not an empty map.
type Mirrored struct {
	mem    *Index
	mirror Snapshotter
	log    *slog.Logger
}

func NewMirrored(mem *Index, mirror Snapshotter, log *slog.Logger) *Mirrored {
	seeded := 0
	for _, p := range mirror.Snapshot() {
		if mem.Upsert(p) {
			seeded++
		}
	}
	log.Info("driver index seeded from mirror", "drivers", seeded)
	return &Mirrored{mem: mem, mirror: mirror, log: log}
}

// Upsert writes memory first; the mirror write is best effort and its
// own LWW guard makes replay safe.
func (m *Mirrored) Upsert(p models.DriverPresence) bool {
	ok := m.mem.Upsert(p)
	if ok {
		m.mirror.Upsert(p)
	}
	return ok
}

func (m *Mirrored) Remove(id string) {
	m.mem.Remove(id)
	m.mirror.Remove(id)
}

// Nearby reads only from memory.
func (m *Mirrored) Nearby(center models.Coord, radiusKm float64, limit int) []models.DriverPresence {
	return m.mem.Nearby(center, radiusKm, limit)
}

var _ Geo = (*Mirrored)(nil)
