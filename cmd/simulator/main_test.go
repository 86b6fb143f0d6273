package main

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ukydev/fieldtrack/internal/geo"
	"github.com/ukydev/fieldtrack/internal/models"
)

func TestLoadSettings(t *testing.T) {
	t.Setenv("SIM_ENGINEERS", "12")
	t.Setenv("SIM_TICK_SECONDS", "not-a-number")
	t.Setenv("SIM_FRAUD_RATE", "0.5")
	t.Setenv("API_BASE_URL", "http://api:9000/api")

	cfg := loadSettings()
	assert.Equal(t, 12, cfg.engineers)
	assert.Equal(t, 5*time.Second, cfg.tick)
	assert.Equal(t, 0.5, cfg.fraudRate)
	assert.Equal(t, "http://api:9000/api", cfg.apiURL)
	assert.Equal(t, "demo", cfg.company)
}

// fakeAPI answers the endpoints the simulator calls and records them.
type fakeAPI struct {
	mu        sync.Mutex
	paths     []string
	locations []models.LocationReport
	keys      map[string]string
	flagTrip  bool
	tripID    primitive.ObjectID
	visitID   primitive.ObjectID
	claimID   primitive.ObjectID
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		keys:    map[string]string{},
		tripID:  primitive.NewObjectID(),
		visitID: primitive.NewObjectID(),
		claimID: primitive.NewObjectID(),
	}
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, r.URL.Path)
	if r.Header.Get("Authorization") != "Bearer sim-token" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		f.keys[r.URL.Path] = key
	}
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/api/locations":
		var rep models.LocationReport
		json.NewDecoder(r.Body).Decode(&rep)
		f.locations = append(f.locations, rep)
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(models.Engineer{ID: "sim-eng-1"})
	case r.URL.Path == "/api/trips/start":
		json.NewEncoder(w).Encode(models.Trip{ID: f.tripID, Status: models.TripInProgress})
	case strings.HasSuffix(r.URL.Path, "/end"):
		json.NewEncoder(w).Encode(models.Trip{ID: f.tripID, Status: models.TripCompleted, HasFraudFlag: f.flagTrip})
	case r.URL.Path == "/api/visits/checkin":
		json.NewEncoder(w).Encode(models.Visit{ID: f.visitID})
	case strings.HasSuffix(r.URL.Path, "/checkout"):
		json.NewEncoder(w).Encode(models.Visit{ID: f.visitID, IsValid: true})
	case r.URL.Path == "/api/claims":
		json.NewEncoder(w).Encode(models.PetrolClaim{ID: f.claimID, Status: models.ClaimDraft})
	case strings.HasSuffix(r.URL.Path, "/submit"):
		json.NewEncoder(w).Encode(models.PetrolClaim{ID: f.claimID, Status: models.ClaimSubmitted})
	default:
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "not_found", "detail": r.URL.Path})
	}
}

func newSim(t *testing.T, api *fakeAPI) *engineerSim {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	clock := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	return &engineerSim{
		id:       "sim-eng-1",
		api:      &apiClient{baseURL: srv.URL + "/api", token: "sim-token", http: srv.Client()},
		cfg:      settings{tick: 10 * time.Second, speedKmh: 36, legKm: 2, dwellTicks: 3},
		rng:      rand.New(rand.NewSource(1)),
		pos:      depots[0],
		odometer: 1000,
		now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
		sleep: func(context.Context, time.Duration) error { return nil },
	}
}

func TestDrive(t *testing.T) {
	api := newFakeAPI()
	sim := newSim(t, api)
	dest := geo.Offset(depots[0], 1, 0)

	covered, err := sim.drive(context.Background(), dest)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, covered, 0.01)
	assert.Equal(t, dest, sim.pos)
	// 100 m per tick
	assert.InDelta(t, 10, len(api.locations), 1)
	for i := 1; i < len(api.locations); i++ {
		assert.True(t, api.locations[i].Timestamp.After(api.locations[i-1].Timestamp))
	}
}

func TestTripClaimsCleanTrips(t *testing.T) {
	api := newFakeAPI()
	sim := newSim(t, api)

	require.NoError(t, sim.trip(context.Background(), "cust-1"))

	assert.Equal(t, "/api/trips/start", api.paths[0])
	assert.Contains(t, api.paths, "/api/visits/checkin")
	assert.Contains(t, api.paths, "/api/visits/"+api.visitID.Hex()+"/checkout")
	assert.Contains(t, api.paths, "/api/trips/"+api.tripID.Hex()+"/end")
	assert.Equal(t, "/api/claims/"+api.claimID.Hex()+"/submit", api.paths[len(api.paths)-1])
	assert.Equal(t, "sim-"+api.claimID.Hex(), api.keys["/api/claims/"+api.claimID.Hex()+"/submit"])
	assert.Greater(t, sim.odometer, 1000.0)
	assert.InDelta(t, depots[0].Lat, sim.pos.Lat, 1e-9)
}

func TestTripSkipsClaimWhenFlagged(t *testing.T) {
	api := newFakeAPI()
	api.flagTrip = true
	sim := newSim(t, api)

	require.NoError(t, sim.trip(context.Background(), "cust-1"))
	assert.NotContains(t, api.paths, "/api/claims")
}

func TestPostReturnsAPIError(t *testing.T) {
	api := newFakeAPI()
	sim := newSim(t, api)

	err := sim.api.post(context.Background(), "/nowhere", nil, nil)
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "not_found", apiErr.Code)

	sim.api.token = "wrong"
	err = sim.api.post(context.Background(), "/locations", nil, nil)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestSleepCtx(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleepCtx(context.Background(), time.Millisecond))
}
