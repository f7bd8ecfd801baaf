package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ridehail/internal/models"
)

// PostgresStore persists rides and ride history in Postgres. Per-ride
// serialization comes from SELECT ... FOR UPDATE; the history insert
// commits in the same transaction as the status update.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

const rideColumns = `id, rider_id, COALESCE(driver_id,''), pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
	status, scheduled_time, COALESCE(cancellation_reason,''), COALESCE(cancelled_by,''), created_at, updated_at`

func scanRide(row interface{ Scan(...any) error }) (*models.Ride, error) {
	var r models.Ride
	var scheduled sql.NullTime
	err := row.Scan(&r.ID, &r.RiderID, &r.DriverID, &r.Pickup.Lat, &r.Pickup.Lon,
		&r.Dropoff.Lat, &r.Dropoff.Lon, &r.Status, &scheduled,
		&r.CancellationReason, &r.CancelledBy, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if scheduled.Valid {
		t := scheduled.Time
		r.ScheduledTime = &t
	}
	return &r, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride, h *models.HistoryEntry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT INTO rides(id, rider_id, driver_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, status, scheduled_time, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		r.ID, r.RiderID, nullStr(r.DriverID), r.Pickup.Lat, r.Pickup.Lon, r.Dropoff.Lat, r.Dropoff.Lon,
		r.Status, nullTime(r.ScheduledTime), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return err
	}
	if h != nil {
		if err := insertHistory(ctx, tx, h); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertHistory(ctx context.Context, tx *sql.Tx, h *models.HistoryEntry) error {
	var lat, lon sql.NullFloat64
	if h.Location != nil {
		lat = sql.NullFloat64{Float64: h.Location.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: h.Location.Lon, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO ride_history(ride_id, status, location_lat, location_lon, notes, timestamp)
		VALUES($1,$2,$3,$4,$5,$6)`, h.RideID, h.Status, lat, lon, h.Notes, h.Timestamp)
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRideNotFound
	}
	return r, err
}

func (p *PostgresStore) MutateRide(ctx context.Context, id string, fn MutateFunc) (*models.Ride, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	row := tx.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1 FOR UPDATE`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRideNotFound
	}
	if err != nil {
		return nil, err
	}
	h, err := fn(r)
	if err != nil {
		return nil, err
	}
	r.UpdatedAt = time.Now()
	_, err = tx.ExecContext(ctx, `UPDATE rides SET driver_id=$1, status=$2, cancellation_reason=$3, cancelled_by=$4, updated_at=$5 WHERE id=$6`,
		nullStr(r.DriverID), r.Status, nullStr(r.CancellationReason), nullStr(r.CancelledBy), r.UpdatedAt, r.ID)
	if err != nil {
		return nil, err
	}
	if h != nil {
		if err := insertHistory(ctx, tx, h); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) History(ctx context.Context, rideID string) ([]models.HistoryEntry, error) {
	if _, err := p.GetRide(ctx, rideID); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `SELECT ride_id, status, location_lat, location_lon, COALESCE(notes,''), timestamp
		FROM ride_history WHERE ride_id=$1 ORDER BY timestamp ASC, id ASC`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.HistoryEntry
	for rows.Next() {
		var h models.HistoryEntry
		var lat, lon sql.NullFloat64
		if err := rows.Scan(&h.RideID, &h.Status, &lat, &lon, &h.Notes, &h.Timestamp); err != nil {
			return nil, err
		}
		if lat.Valid && lon.Valid {
			h.Location = &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ActiveRideForDriver(ctx context.Context, driverID string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE driver_id=$1 AND status IN ('accepted','en_route','in_progress') LIMIT 1`, driverID)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (p *PostgresStore) DueScheduled(ctx context.Context, before time.Time) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE status='requested' AND scheduled_time IS NOT NULL AND scheduled_time <= $1`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
