package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ridehail/internal/auth"
	"github.com/example/ridehail/internal/dispatch"
	"github.com/example/ridehail/internal/events"
	"github.com/example/ridehail/internal/geo"
	"github.com/example/ridehail/internal/matcher"
	"github.com/example/ridehail/internal/models"
	"github.com/example/ridehail/internal/ride"
	"github.com/example/ridehail/internal/storage"
)

type chanDispatch struct {
	offers chan models.MatchOffer
}

func (d *chanDispatch) Offer(driverID string, offer models.MatchOffer) error {
	d.offers <- offer
	return nil
}

type fixture struct {
	srv      *Server
	rides    *ride.Service
	store    *storage.MemoryStore
	index    *geo.Index
	coord    *matcher.Coordinator
	dispatch *chanDispatch
	tokens   *auth.Provider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewInProcBus()
	store := storage.NewMemoryStore()
	svc := ride.NewService(store, bus, log)
	index := geo.NewIndex(geo.DefaultFreshness)
	d := &chanDispatch{offers: make(chan models.MatchOffer, 8)}
	cfg := matcher.DefaultConfig()
	cfg.OfferTTL = 200 * time.Millisecond
	coord := matcher.New(index, svc, store, d, log, cfg)
	tokens := auth.NewProvider("test-secret", "ridehail")
	srv := NewServer(index, svc, coord, tokens, bus, nil, dispatch.NewWSRegistry(), log)
	return &fixture{srv: srv, rides: svc, store: store, index: index, coord: coord, dispatch: d, tokens: tokens}
}

func (f *fixture) token(t *testing.T, id string, role models.Role) string {
	t.Helper()
	tok, err := f.tokens.Issue(id, role, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func decodeRide(t *testing.T, rec *httptest.ResponseRecorder) models.Ride {
	t.Helper()
	var out struct {
		Ride models.Ride `json:"ride"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out.Ride
}

func TestMissingTokenRejected(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/location/drivers?lat=12.97&lon=77.59", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestGarbageTokenRejected(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/location/drivers?lat=12.97&lon=77.59", "not-a-jwt", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestLocationUpdateRequiresDriverRole(t *testing.T) {
	f := newFixture(t)
	rider := f.token(t, "rider-1", models.RoleRider)
	rec := f.do(t, http.MethodPut, "/api/v1/location", rider,
		map[string]any{"lat": 12.97, "lon": 77.59})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestLocationUpdateIndexesDriver(t *testing.T) {
	f := newFixture(t)
	driver := f.token(t, "driver-1", models.RoleDriver)
	rec := f.do(t, http.MethodPut, "/api/v1/location", driver,
		map[string]any{"lat": 12.97, "lon": 77.59, "heading": 90.0, "speed": 12.5})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	near := f.index.Nearby(models.Coord{Lat: 12.97, Lon: 77.59}, 1, 10)
	if len(near) != 1 || near[0].DriverID != "driver-1" {
		t.Fatalf("nearby = %+v, want driver-1", near)
	}
}

func TestLocationUpdateRejectsBadCoords(t *testing.T) {
	f := newFixture(t)
	driver := f.token(t, "driver-1", models.RoleDriver)
	rec := f.do(t, http.MethodPut, "/api/v1/location", driver,
		map[string]any{"lat": 123.0, "lon": 77.59})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGoOfflineRemovesDriver(t *testing.T) {
	f := newFixture(t)
	driver := f.token(t, "driver-1", models.RoleDriver)
	f.do(t, http.MethodPut, "/api/v1/location", driver,
		map[string]any{"lat": 12.97, "lon": 77.59})
	rec := f.do(t, http.MethodPut, "/api/v1/location", driver,
		map[string]any{"lat": 12.97, "lon": 77.59, "online": false})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if near := f.index.Nearby(models.Coord{Lat: 12.97, Lon: 77.59}, 1, 10); len(near) != 0 {
		t.Fatalf("nearby = %+v, want empty after going offline", near)
	}
}

func TestNearbyDriversListing(t *testing.T) {
	f := newFixture(t)
	f.index.Upsert(models.DriverPresence{
		DriverID: "driver-1", Loc: models.Coord{Lat: 12.971, Lon: 77.591},
		Online: true, ObservedAt: time.Now(),
	})
	rider := f.token(t, "rider-1", models.RoleRider)
	rec := f.do(t, http.MethodGet, "/api/v1/location/drivers?lat=12.97&lon=77.59", rider, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var out struct {
		Results int `json:"results"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Results != 1 {
		t.Fatalf("results = %d, want 1", out.Results)
	}
}

func TestRequestRideStartsMatching(t *testing.T) {
	f := newFixture(t)
	f.index.Upsert(models.DriverPresence{
		DriverID: "driver-1", Loc: models.Coord{Lat: 12.971, Lon: 77.591},
		Online: true, ObservedAt: time.Now(),
	})
	rider := f.token(t, "rider-1", models.RoleRider)
	rec := f.do(t, http.MethodPost, "/api/v1/rides", rider, map[string]any{
		"pickup":  map[string]float64{"lat": 12.97, "lon": 77.59},
		"dropoff": map[string]float64{"lat": 12.90, "lon": 77.60},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	created := decodeRide(t, rec)
	if created.Status != models.StatusRequested {
		t.Fatalf("status = %q, want requested", created.Status)
	}

	select {
	case offer := <-f.dispatch.offers:
		if offer.RideID != created.ID || offer.DriverID != "driver-1" {
			t.Fatalf("offer = %+v, want ride %s to driver-1", offer, created.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no offer dispatched")
	}
}

func TestRespondAcceptBindsDriver(t *testing.T) {
	f := newFixture(t)
	f.index.Upsert(models.DriverPresence{
		DriverID: "driver-1", Loc: models.Coord{Lat: 12.971, Lon: 77.591},
		Online: true, ObservedAt: time.Now(),
	})
	rider := f.token(t, "rider-1", models.RoleRider)
	created := decodeRide(t, f.do(t, http.MethodPost, "/api/v1/rides", rider, map[string]any{
		"pickup":  map[string]float64{"lat": 12.97, "lon": 77.59},
		"dropoff": map[string]float64{"lat": 12.90, "lon": 77.60},
	}))
	select {
	case <-f.dispatch.offers:
	case <-time.After(2 * time.Second):
		t.Fatal("no offer dispatched")
	}

	driver := f.token(t, "driver-1", models.RoleDriver)
	rec := f.do(t, http.MethodPost, "/api/v1/rides/"+created.ID+"/respond", driver,
		map[string]any{"accept": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	got, err := f.store.GetRide(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get ride: %v", err)
	}
	if got.Status != models.StatusAccepted || got.DriverID != "driver-1" {
		t.Fatalf("ride = %+v, want accepted by driver-1", got)
	}
}

func TestRespondWithoutOfferIsSoftConflict(t *testing.T) {
	f := newFixture(t)
	driver := f.token(t, "driver-1", models.RoleDriver)
	rec := f.do(t, http.MethodPost, "/api/v1/rides/ride-x/respond", driver,
		map[string]any{"accept": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var out struct {
		Outcome string `json:"outcome"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Outcome != "ride_no_longer_available" {
		t.Fatalf("outcome = %q, want ride_no_longer_available", out.Outcome)
	}
}

func TestGetRideHiddenFromStrangers(t *testing.T) {
	f := newFixture(t)
	rider := f.token(t, "rider-1", models.RoleRider)
	created := decodeRide(t, f.do(t, http.MethodPost, "/api/v1/rides", rider, map[string]any{
		"pickup":  map[string]float64{"lat": 12.97, "lon": 77.59},
		"dropoff": map[string]float64{"lat": 12.90, "lon": 77.60},
	}))

	other := f.token(t, "rider-2", models.RoleRider)
	if rec := f.do(t, http.MethodGet, "/api/v1/rides/"+created.ID, other, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("stranger status = %d, want 403", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/rides/"+created.ID, rider, nil); rec.Code != http.StatusOK {
		t.Fatalf("owner status = %d, want 200", rec.Code)
	}
}

func TestGetUnknownRide(t *testing.T) {
	f := newFixture(t)
	rider := f.token(t, "rider-1", models.RoleRider)
	if rec := f.do(t, http.MethodGet, "/api/v1/rides/nope", rider, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCancelRide(t *testing.T) {
	f := newFixture(t)
	rider := f.token(t, "rider-1", models.RoleRider)
	created := decodeRide(t, f.do(t, http.MethodPost, "/api/v1/rides", rider, map[string]any{
		"pickup":  map[string]float64{"lat": 12.97, "lon": 77.59},
		"dropoff": map[string]float64{"lat": 12.90, "lon": 77.60},
	}))

	rec := f.do(t, http.MethodPut, "/api/v1/rides/"+created.ID+"/cancel", rider,
		map[string]any{"reason": "changed plans"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	got := decodeRide(t, rec)
	if got.Status != models.StatusCancelled || got.CancellationReason != "changed plans" {
		t.Fatalf("ride = %+v, want cancelled with reason", got)
	}

	// a second cancel is an invalid transition
	rec = f.do(t, http.MethodPut, "/api/v1/rides/"+created.ID+"/cancel", rider, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want 409", rec.Code)
	}
}

func TestRideHistoryEndpoint(t *testing.T) {
	f := newFixture(t)
	rider := f.token(t, "rider-1", models.RoleRider)
	created := decodeRide(t, f.do(t, http.MethodPost, "/api/v1/rides", rider, map[string]any{
		"pickup":  map[string]float64{"lat": 12.97, "lon": 77.59},
		"dropoff": map[string]float64{"lat": 12.90, "lon": 77.60},
	}))
	f.do(t, http.MethodPut, "/api/v1/rides/"+created.ID+"/cancel", rider,
		map[string]any{"reason": "test"})

	rec := f.do(t, http.MethodGet, "/api/v1/rides/"+created.ID+"/history", rider, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var out struct {
		History []models.HistoryEntry `json:"history"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.History) != 2 {
		t.Fatalf("history entries = %d, want 2", len(out.History))
	}
	if out.History[0].Status != models.StatusRequested || out.History[1].Status != models.StatusCancelled {
		t.Fatalf("history = %+v, want requested then cancelled", out.History)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
