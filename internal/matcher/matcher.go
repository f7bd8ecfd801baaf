package matcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ridehail/internal/events"
	"github.com/example/ridehail/internal/models"
	"github.com/example/ridehail/internal/observability"
	"github.com/example/ridehail/internal/ride"
)

// Geo is the candidate query the coordinator needs from the location
// index.
type Geo interface {
	Nearby(center models.Coord, radiusKm float64, limit int) []models.DriverPresence
}

// Dispatcher delivers an offer to one driver. An error means the
// driver is unreachable and the coordinator moves on immediately.
type Dispatcher interface {
	Offer(driverID string, offer models.MatchOffer) error
}

// Rides is the slice of the state machine the coordinator drives.
type Rides interface {
	AssignDriver(ctx context.Context, rideID, driverID string) (*models.Ride, error)
	ReportNoDriver(ctx context.Context, rideID string)
}

// RideLookup is the read surface used for candidate filtering and the
// scheduled-ride sweep.
type RideLookup interface {
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	ActiveRideForDriver(ctx context.Context, driverID string) (*models.Ride, error)
	DueScheduled(ctx context.Context, before time.Time) ([]*models.Ride, error)
}

type Config struct {
	InitialRadiusKm float64
	MaxRadiusKm     float64
	RadiusGrowth    float64
	MinCandidates   int
	MaxCandidates   int
	OfferTTL        time.Duration
	ScheduledLead   time.Duration
}

func DefaultConfig() Config {
	return Config{
		InitialRadiusKm: 3,
		MaxRadiusKm:     15,
		RadiusGrowth:    2,
		MinCandidates:   1,
		MaxCandidates:   25,
		OfferTTL:        15 * time.Second,
		ScheduledLead:   10 * time.Minute,
	}
}

type answer struct {
	driverID string
	accepted bool
}

// outstanding is the one live offer of a matching round.
type outstanding struct {
	driverID string
	expires  time.Time
	resp     chan answer
}

type round struct {
	rideID string
	cancel context.CancelFunc

	mu    sync.Mutex
	offer *outstanding
}

// Coordinator turns a requested ride into a bound driver, or a
// definitive no-driver outcome. Offers go out one at a time, nearest
// candidate first; the state machine's compare-and-set on assignment
// is the safety property, sequencing is only fairness and efficiency.
type Coordinator struct {
	geo      Geo
	rides    Rides
	lookup   RideLookup
	dispatch Dispatcher
	log      *slog.Logger
	cfg      Config

	mu             sync.Mutex
	rounds         map[string]*round
	offersByDriver map[string]string // driver id -> ride id of live offer
	attempted      map[string]bool   // scheduled rides already submitted
}

func New(geo Geo, rides Rides, lookup RideLookup, dispatch Dispatcher, log *slog.Logger, cfg Config) *Coordinator {
	if cfg.InitialRadiusKm <= 0 {
		cfg = DefaultConfig()
	}
	return &Coordinator{
		geo:            geo,
		rides:          rides,
		lookup:         lookup,
		dispatch:       dispatch,
		log:            log,
		cfg:            cfg,
		rounds:         make(map[string]*round),
		offersByDriver: make(map[string]string),
		attempted:      make(map[string]bool),
	}
}

// Submit starts a matching round for the ride unless one is already
// running. Scheduled rides are ignored here; the sweep picks them up.
func (c *Coordinator) Submit(ctx context.Context, r *models.Ride) {
	if r.Status != models.StatusRequested {
		return
	}
	c.mu.Lock()
	if _, running := c.rounds[r.ID]; running {
		c.mu.Unlock()
		return
	}
	rctx, cancel := context.WithCancel(ctx)
	rd := &round{rideID: r.ID, cancel: cancel}
	c.rounds[r.ID] = rd
	c.mu.Unlock()

	go c.run(rctx, rd, r)
}

// Abort stops the matching round for a ride, invalidating any live
// offer. The state machine guard rejects stale acceptances regardless;
// this just stops the loop promptly.
func (c *Coordinator) Abort(rideID string) {
	c.mu.Lock()
	rd, ok := c.rounds[rideID]
	c.mu.Unlock()
	if ok {
		rd.cancel()
	}
}

// ConsumeCancellations aborts rounds as ride.cancelled events arrive.
func (c *Coordinator) ConsumeCancellations(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if e.Topic == events.TopicRideCancelled {
				c.Abort(e.RideID)
			}
		}
	}
}

// Respond routes a driver's answer to the live offer. Late or
// misdirected answers get ride.ErrConflict, which callers surface as
// "ride no longer available".
func (c *Coordinator) Respond(ctx context.Context, driverID, rideID string, accept bool) error {
	c.mu.Lock()
	rd, ok := c.rounds[rideID]
	c.mu.Unlock()
	if !ok {
		return ride.ErrConflict
	}

	rd.mu.Lock()
	o := rd.offer
	if o == nil || o.driverID != driverID || time.Now().After(o.expires) {
		rd.mu.Unlock()
		return ride.ErrConflict
	}
	rd.offer = nil
	rd.mu.Unlock()

	if !accept {
		o.resp <- answer{driverID: driverID, accepted: false}
		return nil
	}

	// CAS against the ride record is the real gate; everything above
	// was bookkeeping.
	_, err := c.rides.AssignDriver(ctx, rideID, driverID)
	o.resp <- answer{driverID: driverID, accepted: err == nil}
	return err
}

func (c *Coordinator) run(ctx context.Context, rd *round, r *models.Ride) {
	start := time.Now()
	defer func() {
		c.mu.Lock()
		delete(c.rounds, rd.rideID)
		c.mu.Unlock()
	}()

	tried := make(map[string]bool)
	radius := c.cfg.InitialRadiusKm
	for {
		if ctx.Err() != nil {
			return
		}
		// the ride may have been cancelled or assigned out of band
		if cur, err := c.lookup.GetRide(ctx, r.ID); err != nil || cur.Status != models.StatusRequested {
			return
		}
		cands := c.candidates(ctx, r, radius, tried)
		if len(cands) < c.cfg.MinCandidates && radius < c.cfg.MaxRadiusKm {
			radius = minf(radius*c.cfg.RadiusGrowth, c.cfg.MaxRadiusKm)
			continue
		}
		for _, cand := range cands {
			tried[cand.DriverID] = true
			accepted, done := c.offerTo(ctx, rd, r, cand.DriverID)
			if done {
				if accepted {
					observability.MatchesTotal.Inc()
					observability.MatchLatency.Observe(time.Since(start).Seconds())
					c.log.Info("ride matched", "ride_id", r.ID, "driver_id", cand.DriverID)
				}
				return
			}
		}
		if radius >= c.cfg.MaxRadiusKm {
			c.log.Info("matching exhausted", "ride_id", r.ID, "radius_km", radius, "tried", len(tried))
			c.rides.ReportNoDriver(ctx, r.ID)
			return
		}
		radius = minf(radius*c.cfg.RadiusGrowth, c.cfg.MaxRadiusKm)
	}
}

// candidates applies the eligibility filter: fresh and online comes
// from the index, then drop drivers already tried this round, already
// on an active ride, or holding a live offer for another ride.
func (c *Coordinator) candidates(ctx context.Context, r *models.Ride, radiusKm float64, tried map[string]bool) []models.DriverPresence {
	nearby := c.geo.Nearby(r.Pickup, radiusKm, c.cfg.MaxCandidates)
	out := nearby[:0]
	for _, p := range nearby {
		if tried[p.DriverID] {
			continue
		}
		c.mu.Lock()
		offerRide, busy := c.offersByDriver[p.DriverID]
		c.mu.Unlock()
		if busy && offerRide != r.ID {
			continue
		}
		if active, err := c.lookup.ActiveRideForDriver(ctx, p.DriverID); err != nil || active != nil {
			continue
		}
		out = append(out, p)
	}
	return out
}

// offerTo sends one offer and waits for the answer or expiry.
// done=true ends the round (acceptance or cancellation); done=false
// moves to the next candidate.
func (c *Coordinator) offerTo(ctx context.Context, rd *round, r *models.Ride, driverID string) (accepted, done bool) {
	now := time.Now()
	o := &outstanding{
		driverID: driverID,
		expires:  now.Add(c.cfg.OfferTTL),
		resp:     make(chan answer, 1),
	}
	offer := models.MatchOffer{
		RideID:    r.ID,
		DriverID:  driverID,
		Pickup:    r.Pickup,
		Dropoff:   r.Dropoff,
		OfferedAt: now,
		ExpiresAt: o.expires,
	}

	rd.mu.Lock()
	rd.offer = o
	rd.mu.Unlock()
	c.mu.Lock()
	c.offersByDriver[driverID] = r.ID
	c.mu.Unlock()
	defer func() {
		rd.mu.Lock()
		rd.offer = nil
		rd.mu.Unlock()
		c.mu.Lock()
		delete(c.offersByDriver, driverID)
		c.mu.Unlock()
	}()

	if err := c.dispatch.Offer(driverID, offer); err != nil {
		c.log.Debug("offer undeliverable", "ride_id", r.ID, "driver_id", driverID, "error", err)
		return false, false
	}
	observability.OffersSent.Inc()

	timer := time.NewTimer(c.cfg.OfferTTL)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, true
	case <-timer.C:
		observability.OffersExpired.Inc()
		return false, false
	case a := <-o.resp:
		if a.accepted {
			return true, true
		}
		return false, false
	}
}

// StartScheduledSweep periodically submits scheduled rides whose
// start time falls within the lead window. Each ride is submitted at
// most once; a no-driver outcome is not retried automatically.
func (c *Coordinator) StartScheduledSweep(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				c.sweepScheduled(ctx)
			}
		}
	}()
}

func (c *Coordinator) sweepScheduled(ctx context.Context) {
	due, err := c.lookup.DueScheduled(ctx, time.Now().Add(c.cfg.ScheduledLead))
	if err != nil {
		c.log.Warn("scheduled sweep query failed", "error", err)
		return
	}
	// a ride that fell out of the due set left requested (assigned or
	// cancelled); its dedupe entry is no longer needed
	dueIDs := make(map[string]bool, len(due))
	for _, r := range due {
		dueIDs[r.ID] = true
	}
	c.mu.Lock()
	for id := range c.attempted {
		if !dueIDs[id] {
			delete(c.attempted, id)
		}
	}
	c.mu.Unlock()
	for _, r := range due {
		c.mu.Lock()
		seen := c.attempted[r.ID]
		if !seen {
			c.attempted[r.ID] = true
		}
		c.mu.Unlock()
		if seen {
			continue
		}
		c.log.Info("scheduled ride due", "ride_id", r.ID, "scheduled_time", r.ScheduledTime)
		c.Submit(ctx, r)
	}
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
