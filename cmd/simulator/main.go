package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fieldtrack/internal/auth"
	"github.com/ukydev/fieldtrack/internal/geo"
	"github.com/ukydev/fieldtrack/internal/models"
)

// Depots engineers start their shifts from
var depots = []models.Location{
	{Lat: 51.5074, Lon: -0.1278}, // London
	{Lat: 53.4808, Lon: -2.2426}, // Manchester
	{Lat: 52.4862, Lon: -1.8904}, // Birmingham
	{Lat: 51.4816, Lon: -3.1791}, // Cardiff
	{Lat: 55.9533, Lon: -3.1883}, // Edinburgh
}

type settings struct {
	apiURL     string
	engineers  int
	company    string
	secret     string
	tick       time.Duration
	speedKmh   float64
	legKm      float64
	dwellTicks int
	fraudRate  float64
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envFloat(name string, def float64) float64 {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			return f
		}
	}
	return def
}

func envString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func loadSettings() settings {
	return settings{
		apiURL:     envString("API_BASE_URL", "http://localhost:8080/api"),
		engineers:  envInt("SIM_ENGINEERS", 5),
		company:    envString("SIM_COMPANY", "demo"),
		secret:     envString("JWT_SECRET", "default-secret-key-change-in-production"),
		tick:       time.Duration(envInt("SIM_TICK_SECONDS", 5)) * time.Second,
		speedKmh:   envFloat("SIM_SPEED_KMH", 45),
		legKm:      envFloat("SIM_LEG_KM", 8),
		dwellTicks: envInt("SIM_DWELL_TICKS", 40),
		fraudRate:  envFloat("SIM_FRAUD_RATE", 0.1),
	}
}

// apiError is a non-2xx answer from the API.
type apiError struct {
	Status int
	Code   string `json:"error"`
	Detail string `json:"detail"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Detail)
}

type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func (c *apiClient) post(ctx context.Context, path string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("failed to marshal %s body: %w", path, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if key, ok := ctx.Value(idempotencyKey{}).(string); ok {
		req.Header.Set("Idempotency-Key", key)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil {
			apiErr.Detail = string(data)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

type idempotencyKey struct{}

// engineerSim is one engineer working a shift: drive out, visit, drive back.
type engineerSim struct {
	id       string
	api      *apiClient
	cfg      settings
	rng      *rand.Rand
	pos      models.Location
	odometer float64
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// jitter moves loc by up to meters in each axis
func (s *engineerSim) jitter(loc models.Location, meters float64) models.Location {
	km := meters / 1000
	return geo.Offset(loc, (s.rng.Float64()*2-1)*km, (s.rng.Float64()*2-1)*km)
}

func (s *engineerSim) report(ctx context.Context) error {
	speed := s.cfg.speedKmh
	return s.api.post(ctx, "/locations", models.LocationReport{
		Timestamp: s.now(),
		Lat:       s.pos.Lat,
		Lon:       s.pos.Lon,
		Speed:     &speed,
	}, nil)
}

// drive moves towards dest one tick at a time, reporting each position, and
// returns the distance covered.
func (s *engineerSim) drive(ctx context.Context, dest models.Location) (float64, error) {
	covered := 0.0
	stepKm := s.cfg.speedKmh * s.cfg.tick.Hours()
	for {
		left := geo.HaversineKm(s.pos, dest)
		if left <= stepKm {
			covered += left
			s.pos = dest
			return covered, s.report(ctx)
		}
		s.pos = lerp(s.pos, dest, stepKm/left)
		covered += stepKm
		if err := s.report(ctx); err != nil {
			return covered, err
		}
		if err := s.sleep(ctx, s.cfg.tick); err != nil {
			return covered, err
		}
	}
}

func lerp(a, b models.Location, t float64) models.Location {
	return models.Location{Lat: a.Lat + (b.Lat-a.Lat)*t, Lon: a.Lon + (b.Lon-a.Lon)*t}
}

// trip runs one out-and-back trip with a single customer visit, then raises
// and submits a claim for it.
func (s *engineerSim) trip(ctx context.Context, customerID string) error {
	home := s.pos
	var trip models.Trip
	if err := s.api.post(ctx, "/trips/start", map[string]interface{}{"start_km": s.odometer}, &trip); err != nil {
		return fmt.Errorf("start trip: %w", err)
	}
	logger := log.WithFields(log.Fields{"engineer_id": s.id, "trip_id": trip.ID.Hex()})
	logger.Info("Trip started")

	site := geo.Offset(home, s.cfg.legKm*(s.rng.Float64()*2-1), s.cfg.legKm*(s.rng.Float64()*2-1))
	out, err := s.drive(ctx, site)
	if err != nil {
		return err
	}

	var visit models.Visit
	if err := s.api.post(ctx, "/visits/checkin", map[string]interface{}{"customer_id": customerID, "location": s.pos}, &visit); err != nil {
		return fmt.Errorf("check in: %w", err)
	}
	for i := 0; i < s.cfg.dwellTicks; i++ {
		if err := s.sleep(ctx, s.cfg.tick); err != nil {
			return err
		}
		s.pos = s.jitter(site, 5)
		if err := s.report(ctx); err != nil {
			return err
		}
	}
	if err := s.api.post(ctx, "/visits/"+visit.ID.Hex()+"/checkout", map[string]interface{}{"location": s.pos}, &visit); err != nil {
		return fmt.Errorf("check out: %w", err)
	}
	logger.WithField("valid", visit.IsValid).Info("Visit completed")

	back, err := s.drive(ctx, home)
	if err != nil {
		return err
	}

	driven := out + back
	declared := driven
	if s.rng.Float64() < s.cfg.fraudRate {
		declared = driven * (1.5 + s.rng.Float64())
	}
	s.odometer += declared
	if err := s.api.post(ctx, "/trips/"+trip.ID.Hex()+"/end", map[string]interface{}{"end_km": s.odometer}, &trip); err != nil {
		return fmt.Errorf("end trip: %w", err)
	}
	logger.WithFields(log.Fields{
		"declared_km": trip.DeclaredDistanceKm,
		"system_km":   trip.SystemDistanceKm,
		"flagged":     trip.HasFraudFlag,
	}).Info("Trip completed")
	if trip.HasFraudFlag {
		return nil
	}

	var claim models.PetrolClaim
	if err := s.api.post(ctx, "/claims", map[string]string{"trip_id": trip.ID.Hex()}, &claim); err != nil {
		return fmt.Errorf("create claim: %w", err)
	}
	keyed := context.WithValue(ctx, idempotencyKey{}, "sim-"+claim.ID.Hex())
	if err := s.api.post(keyed, "/claims/"+claim.ID.Hex()+"/submit", nil, &claim); err != nil {
		return fmt.Errorf("submit claim: %w", err)
	}
	logger.WithFields(log.Fields{"claim": claim.ClaimNumber, "amount": claim.ClaimedAmount}).Info("Claim submitted")
	return nil
}

func (s *engineerSim) run(ctx context.Context) {
	for n := 1; ctx.Err() == nil; n++ {
		if err := s.trip(ctx, fmt.Sprintf("%s-customer-%d", s.id, n)); err != nil && ctx.Err() == nil {
			log.WithError(err).WithField("engineer_id", s.id).Warn("Trip failed, retrying")
			if sleepCtx(ctx, 10*s.cfg.tick) != nil {
				return
			}
		}
	}
}

func main() {
	cfg := loadSettings()
	signer, err := auth.NewService(cfg.secret, 24*time.Hour)
	if err != nil {
		log.WithError(err).Fatal("Failed to create token signer")
	}

	log.WithFields(log.Fields{
		"engineers": cfg.engineers,
		"api_url":   cfg.apiURL,
		"interval":  cfg.tick,
	}).Info("Starting field simulation")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for i := 0; i < cfg.engineers; i++ {
		id := fmt.Sprintf("sim-eng-%d", i+1)
		token, err := signer.GenerateToken(models.Claims{UserID: id, CompanyID: cfg.company, Username: id, Role: models.RoleEngineer})
		if err != nil {
			log.WithError(err).Fatal("Failed to sign token")
		}
		rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(i)))
		sim := &engineerSim{
			id:       id,
			api:      &apiClient{baseURL: cfg.apiURL, token: token, http: &http.Client{Timeout: 10 * time.Second}},
			cfg:      cfg,
			rng:      rng,
			odometer: float64(10000 + rng.Intn(90000)),
			now:      time.Now,
			sleep:    sleepCtx,
		}
		sim.pos = sim.jitter(depots[i%len(depots)], 500)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sim.run(ctx)
		}()
	}
	wg.Wait()
	log.Info("Simulation stopped")
}
