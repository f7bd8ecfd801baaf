package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate is a plausible WGS84 position.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// DriverPresence is the live location record held by the geo index.
// The durable driver profile lives elsewhere; this is only what
// matching needs.
type DriverPresence struct {
	DriverID   string    `json:"driver_id"`
	Loc        Coord     `json:"loc"`
	Heading    float64   `json:"heading"`
	Speed      float64   `json:"speed"`
	Accuracy   float64   `json:"accuracy"`
	Online     bool      `json:"online"`
	ObservedAt time.Time `json:"observed_at"`
}

type RideStatus string

const (
	StatusRequested  RideStatus = "requested"
	StatusAccepted   RideStatus = "accepted"
	StatusEnRoute    RideStatus = "en_route"
	StatusInProgress RideStatus = "in_progress"
	StatusCompleted  RideStatus = "completed"
	StatusCancelled  RideStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Ride struct {
	ID                 string     `json:"id"`
	RiderID            string     `json:"rider_id"`
	DriverID           string     `json:"driver_id,omitempty"` // empty until accepted
	Pickup             Coord      `json:"pickup"`
	Dropoff            Coord      `json:"dropoff"`
	Status             RideStatus `json:"status"`
	ScheduledTime      *time.Time `json:"scheduled_time,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`
	CancelledBy        string     `json:"cancelled_by,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// HistoryEntry is one immutable line of a ride's audit trail.
type HistoryEntry struct {
	RideID    string     `json:"ride_id"`
	Status    RideStatus `json:"status"`
	Location  *Coord     `json:"location,omitempty"`
	Notes     string     `json:"notes,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// MatchOffer is a time-bounded proposal of a ride to one candidate
// driver. It lives only in the coordinator's working memory.
type MatchOffer struct {
	RideID    string    `json:"ride_id"`
	DriverID  string    `json:"driver_id"`
	Pickup    Coord     `json:"pickup"`
	Dropoff   Coord     `json:"dropoff"`
	OfferedAt time.Time `json:"offered_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
	RoleAdmin  Role = "admin"
)

// Actor is the authenticated identity attached to every state-changing
// call.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}
