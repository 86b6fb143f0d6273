package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ukydev/fieldtrack/internal/db"
	"github.com/ukydev/fieldtrack/internal/events"
	"github.com/ukydev/fieldtrack/internal/geo"
	"github.com/ukydev/fieldtrack/internal/models"
)

var (
	nine  = time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	depot = models.Location{Lat: 51.5074, Lon: -0.1278}
	eng1  = Scope{EngineerID: "eng-1", CompanyID: "acme"}
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type fixture struct {
	engine *Engine
	store  *db.MemoryStore
	events *events.Recorder
	clock  *clock
	hook   *test.Hook
}

func newFixture(t *testing.T, mutate ...func(*Policy)) *fixture {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	policy := DefaultPolicy()
	for _, m := range mutate {
		m(&policy)
	}
	f := &fixture{
		store:  db.NewMemoryStore(),
		events: &events.Recorder{},
		clock:  &clock{t: nine.Add(2 * time.Hour)},
		hook:   hook,
	}
	f.engine = New(f.store, f.events, policy, logger, WithClock(f.clock.Now))
	return f
}

func sample(engineerID string, at time.Time, loc models.Location) models.LocationSample {
	return models.LocationSample{EngineerID: engineerID, Timestamp: at, Location: loc}
}

// drive feeds samples northwards from depot, one per leg.
func (f *fixture) drive(t *testing.T, engineerID string, start time.Time, every time.Duration, legsKm ...float64) time.Time {
	t.Helper()
	north := 0.0
	at := start
	_, err := f.engine.Ingest(context.Background(), sample(engineerID, at, geo.Offset(depot, north, 0)))
	require.NoError(t, err)
	for _, leg := range legsKm {
		north += leg
		at = at.Add(every)
		_, err := f.engine.Ingest(context.Background(), sample(engineerID, at, geo.Offset(depot, north, 0)))
		require.NoError(t, err)
	}
	return at
}

func TestRoadTripScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	trip, err := f.engine.StartTrip(ctx, eng1, 1000, nine)
	require.NoError(t, err)
	assert.Equal(t, 1, trip.TripNumber)
	assert.Equal(t, models.TripInProgress, trip.Status)

	end := f.drive(t, "eng-1", nine, 10*time.Minute, 3, 3, 3, 3)
	assert.Equal(t, nine.Add(40*time.Minute), end)

	done, err := f.engine.EndTrip(ctx, eng1, trip.ID, 1012, end)
	require.NoError(t, err)
	assert.Equal(t, models.TripCompleted, done.Status)
	assert.InDelta(t, 12.0, done.SystemDistanceKm, 0.05)
	assert.InDelta(t, 12.0, done.DeclaredDistanceKm, 1e-9)
	assert.Equal(t, 5, done.SampleCount)
	assert.True(t, done.IsValid)
	assert.False(t, done.HasFraudFlag)
	assert.True(t, done.ClaimEligible())

	eng, ok := f.engine.Engineer("eng-1")
	require.True(t, ok)
	assert.Equal(t, models.StatusIdle, eng.Status)
	assert.Nil(t, eng.OpenTripID)

	assert.Equal(t, []events.Type{
		events.StatusChanged, events.TripStarted, events.StatusChanged, events.TripCompleted,
	}, f.events.Types())
}

func TestDistanceMismatchScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	trip, err := f.engine.StartTrip(ctx, eng1, 1000, nine)
	require.NoError(t, err)
	end := f.drive(t, "eng-1", nine, 10*time.Minute, 3, 3, 3, 3)

	done, err := f.engine.EndTrip(ctx, eng1, trip.ID, 1050, end)
	require.NoError(t, err)
	assert.True(t, done.HasFraudFlag)
	assert.False(t, done.IsValid)
	assert.True(t, models.HasReason(done.Findings, models.ReasonDistanceMismatch))
	assert.Contains(t, f.events.Types(), events.FraudFlagged)

	var warned bool
	for _, entry := range f.hook.AllEntries() {
		if entry.Level == log.WarnLevel && entry.Message == "trip completed with fraud flag" {
			warned = true
		}
	}
	assert.True(t, warned)

	stored, err := f.store.FindTripByID(ctx, trip.ID)
	require.NoError(t, err)
	assert.True(t, stored.HasFraudFlag)
}

func TestStartTrip_ConcurrentSameEngineer(t *testing.T) {
	f := newFixture(t)
	const n = 16

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.StartTrip(context.Background(), eng1, 1000, nine)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case CodeOf(err) == CodeTripAlreadyOpen:
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, conflicts)
	open, err := f.store.FindOpenTrips(context.Background())
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestStartTrip_EngineersInParallel(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	ids := []string{"eng-a", "eng-b", "eng-c", "eng-d"}
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.StartTrip(context.Background(), Scope{EngineerID: id, CompanyID: "acme"}, 10, nine)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	open, err := f.store.FindOpenTrips(context.Background())
	require.NoError(t, err)
	assert.Len(t, open, len(ids))
}

func TestIngest_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	_, err := f.engine.Ingest(ctx, sample("eng-1", now.Add(-time.Minute), depot))
	require.NoError(t, err)

	tests := []struct {
		name string
		s    models.LocationSample
	}{
		{"latitude out of range", sample("eng-1", now, models.Location{Lat: 91, Lon: 0})},
		{"longitude out of range", sample("eng-1", now, models.Location{Lat: 0, Lon: 181})},
		{"future beyond skew", sample("eng-1", now.Add(time.Minute), depot)},
		{"older than last accepted", sample("eng-1", now.Add(-2*time.Minute), depot)},
		{"duplicate timestamp", sample("eng-1", now.Add(-time.Minute), depot)},
		{"missing engineer", sample("", now, depot)},
		{"missing timestamp", sample("eng-1", time.Time{}, depot)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Ingest(ctx, tt.s)
			require.ErrorIs(t, err, ErrInvalidSample)
			assert.Equal(t, CodeInvalidSample, CodeOf(err))
		})
	}

	within := sample("eng-1", now.Add(10*time.Second), depot)
	_, err = f.engine.Ingest(ctx, within)
	assert.NoError(t, err, "timestamps inside the clock-skew tolerance are accepted")

	latest, err := f.store.LatestSamples(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, within.Timestamp, latest[0].Timestamp)
}

func TestIngest_RunningDistanceMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.StartTrip(ctx, eng1, 0, nine)
	require.NoError(t, err)

	legs := []float64{0.5, 0.004, 1.2, -0.003, 60, 0.8, 0.01, 2}
	north := 0.0
	at := nine
	prev := 0.0
	_, err = f.engine.Ingest(ctx, sample("eng-1", at, depot))
	require.NoError(t, err)
	for _, leg := range legs {
		north += leg
		at = at.Add(2 * time.Minute)
		_, err := f.engine.Ingest(ctx, sample("eng-1", at, geo.Offset(depot, north, 0)))
		require.NoError(t, err)

		open, ok := f.engine.OpenTrip("eng-1")
		require.True(t, ok)
		assert.GreaterOrEqual(t, open.SystemDistanceKm, prev)
		assert.GreaterOrEqual(t, open.SystemDistanceKm, 0.0)
		prev = open.SystemDistanceKm
	}
}

func TestEndTrip_Preconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	trip, err := f.engine.StartTrip(ctx, eng1, 1000, nine)
	require.NoError(t, err)

	_, err = f.engine.EndTrip(ctx, eng1, trip.ID, 990, nine.Add(time.Hour))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.engine.EndTrip(ctx, eng1, trip.ID, 1010, nine.Add(-time.Minute))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.engine.EndTrip(ctx, Scope{EngineerID: "eng-2"}, trip.ID, 1010, nine.Add(time.Hour))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.engine.CheckIn(ctx, eng1, "cust-1", nil, "", nine.Add(10*time.Minute))
	require.NoError(t, err)
	_, err = f.engine.EndTrip(ctx, eng1, trip.ID, 1010, nine.Add(time.Hour))
	assert.ErrorIs(t, err, ErrInvalidTransition, "trip cannot end while checked in")

	open, ok := f.engine.OpenTrip("eng-1")
	require.True(t, ok, "rejected transitions leave the trip open")
	assert.Equal(t, trip.ID, open.ID)
	eng, _ := f.engine.Engineer("eng-1")
	assert.Equal(t, models.StatusAtSiteIn, eng.Status)
}

func TestEndTrip_AlreadyCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	trip, err := f.engine.StartTrip(ctx, eng1, 1000, nine)
	require.NoError(t, err)
	_, err = f.engine.EndTrip(ctx, eng1, trip.ID, 1000, nine.Add(time.Minute))
	require.NoError(t, err)

	_, err = f.engine.EndTrip(ctx, eng1, trip.ID, 1000, nine.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.engine.CancelTrip(ctx, eng1, trip.ID, nine.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	trip, err := f.engine.StartTrip(ctx, eng1, 1000, nine)
	require.NoError(t, err)
	cancelled, err := f.engine.CancelTrip(ctx, eng1, trip.ID, nine.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.TripCancelled, cancelled.Status)
	assert.False(t, cancelled.ClaimEligible())

	second, err := f.engine.StartTrip(ctx, eng1, 1000, nine.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, second.TripNumber)
}

func TestVisit_DriveByScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ten := nine.Add(time.Hour)

	trip, err := f.engine.StartTrip(ctx, eng1, 1000, nine)
	require.NoError(t, err)

	v, err := f.engine.CheckIn(ctx, eng1, "cust-1", &depot, "", ten)
	require.NoError(t, err)
	require.NotNil(t, v.TripID)
	assert.Equal(t, trip.ID, *v.TripID)

	_, err = f.engine.CheckIn(ctx, eng1, "cust-2", &depot, "", ten)
	assert.ErrorIs(t, err, ErrInvalidTransition, "second open visit")

	closed, err := f.engine.CheckOut(ctx, eng1, v.ID, &depot, ten.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(60), closed.DurationSeconds)
	assert.False(t, closed.IsValid)
	assert.True(t, models.HasReason(closed.Findings, models.ReasonDwellTooShort))

	eng, _ := f.engine.Engineer("eng-1")
	assert.Equal(t, models.StatusAtSiteOut, eng.Status)

	_, err = f.engine.Ingest(ctx, sample("eng-1", ten.Add(2*time.Minute), depot))
	require.NoError(t, err)
	eng, _ = f.engine.Engineer("eng-1")
	assert.Equal(t, models.StatusTravelling, eng.Status)

	byTrip, err := f.engine.TripVisits(ctx, trip.ID)
	require.NoError(t, err)
	require.Len(t, byTrip, 1)
	assert.Equal(t, v.ID, byTrip[0].ID)
}

func TestVisit_IdleCheckInAndGeofence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	site := models.Location{Lat: 51.52, Lon: -0.1}
	require.NoError(t, f.store.UpsertCustomer(ctx, models.Customer{ID: "cust-1", Location: &site}))

	away := geo.Offset(site, 2, 0)
	_, err := f.engine.Ingest(ctx, sample("eng-1", nine, away))
	require.NoError(t, err)

	v, err := f.engine.CheckIn(ctx, eng1, "cust-1", nil, "", nine.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, v.TripID)
	require.NotNil(t, v.CheckInLocation, "falls back to the fresh last position")

	closed, err := f.engine.CheckOut(ctx, eng1, v.ID, &site, nine.Add(31*time.Minute))
	require.NoError(t, err)
	assert.True(t, closed.HasFraudFlag)
	assert.Equal(t, models.ReasonOutsideGeofence, closed.Findings[0].Reason)

	_, err = f.engine.Ingest(ctx, sample("eng-1", nine.Add(32*time.Minute), site))
	require.NoError(t, err)
	eng, _ := f.engine.Engineer("eng-1")
	assert.Equal(t, models.StatusIdle, eng.Status)
}

func TestVisit_IdleCheckInDisallowed(t *testing.T) {
	f := newFixture(t, func(p *Policy) { p.AllowIdleCheckIn = false })
	_, err := f.engine.CheckIn(context.Background(), eng1, "cust-1", nil, "", nine)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCheckOut_NotOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, err := f.engine.CheckIn(ctx, eng1, "cust-1", nil, "", nine)
	require.NoError(t, err)

	_, err = f.engine.CheckOut(ctx, Scope{EngineerID: "eng-2"}, v.ID, nil, nine.Add(time.Hour))
	assert.ErrorIs(t, err, ErrVisitNotOpen)

	_, err = f.engine.CheckOut(ctx, eng1, v.ID, nil, nine.Add(-time.Minute))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.engine.CheckOut(ctx, eng1, v.ID, nil, nine.Add(time.Hour))
	require.NoError(t, err)
	_, err = f.engine.CheckOut(ctx, eng1, v.ID, nil, nine.Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrVisitNotOpen)
}

func TestDuty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	eng, err := f.engine.GoOffDuty(ctx, eng1, nine)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffDuty, eng.Status)

	_, err = f.engine.StartTrip(ctx, eng1, 0, nine.Add(time.Minute))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.engine.GoOffDuty(ctx, eng1, nine.Add(time.Minute))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	eng, err = f.engine.GoOnDuty(ctx, eng1, nine.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.StatusIdle, eng.Status)

	_, err = f.engine.StartTrip(ctx, eng1, 0, nine.Add(2*time.Hour))
	require.NoError(t, err)
	_, err = f.engine.GoOffDuty(ctx, eng1, nine.Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEventTimesInTheFuture(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()
	late := now.Add(72 * time.Hour)

	_, err := f.engine.StartTrip(ctx, eng1, 1000, late)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.engine.GoOffDuty(ctx, eng1, late)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	trip, err := f.engine.StartTrip(ctx, eng1, 1000, now.Add(-time.Hour))
	require.NoError(t, err)
	_, err = f.engine.EndTrip(ctx, eng1, trip.ID, 1010, late)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.engine.CancelTrip(ctx, eng1, trip.ID, late)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.engine.CheckIn(ctx, eng1, "cust-1", &depot, "", late)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	v, err := f.engine.CheckIn(ctx, eng1, "cust-1", &depot, "", now.Add(-30*time.Minute))
	require.NoError(t, err)
	_, err = f.engine.CheckOut(ctx, eng1, v.ID, &depot, late)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	closed, err := f.engine.CheckOut(ctx, eng1, v.ID, &depot, now.Add(10*time.Second))
	require.NoError(t, err, "times inside the clock-skew tolerance are accepted")
	assert.Equal(t, now.Add(10*time.Second), *closed.CheckOutTime)

	open, ok := f.engine.OpenTrip("eng-1")
	require.True(t, ok)
	assert.Nil(t, open.EndTime)
}

func TestPolicyNext(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		from     models.EngineerStatus
		ev       lifecycleEvent
		tripOpen bool
		to       models.EngineerStatus
		ok       bool
	}{
		{models.StatusIdle, evStartTrip, false, models.StatusTravelling, true},
		{models.StatusAtSiteOut, evStartTrip, false, models.StatusTravelling, true},
		{models.StatusTravelling, evStartTrip, true, models.StatusTravelling, false},
		{models.StatusTravelling, evEndTrip, true, models.StatusIdle, true},
		{models.StatusAtSiteOut, evEndTrip, true, models.StatusIdle, true},
		{models.StatusAtSiteIn, evEndTrip, true, models.StatusAtSiteIn, false},
		{models.StatusIdle, evEndTrip, false, models.StatusIdle, false},
		{models.StatusTravelling, evCheckIn, true, models.StatusAtSiteIn, true},
		{models.StatusAtSiteOut, evCheckIn, true, models.StatusAtSiteIn, true},
		{models.StatusIdle, evCheckIn, false, models.StatusAtSiteIn, true},
		{models.StatusOffDuty, evCheckIn, false, models.StatusOffDuty, false},
		{models.StatusAtSiteIn, evCheckOut, true, models.StatusAtSiteOut, true},
		{models.StatusTravelling, evCheckOut, true, models.StatusTravelling, false},
		{models.StatusIdle, evOffDuty, false, models.StatusOffDuty, true},
		{models.StatusTravelling, evOffDuty, true, models.StatusTravelling, false},
		{models.StatusOffDuty, evOnDuty, false, models.StatusIdle, true},
		{models.StatusIdle, evOnDuty, false, models.StatusIdle, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.ev), func(t *testing.T) {
			to, ok := p.next(tt.from, tt.ev, tt.tripOpen)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.to, to)
		})
	}
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	_, err := f.engine.Ingest(ctx, models.LocationSample{EngineerID: "eng-1", CompanyID: "acme", Timestamp: now.Add(-30 * time.Second), Location: depot})
	require.NoError(t, err)
	_, err = f.engine.Ingest(ctx, models.LocationSample{EngineerID: "eng-2", CompanyID: "acme", Timestamp: now.Add(-5 * time.Minute), Location: depot})
	require.NoError(t, err)
	_, err = f.engine.Ingest(ctx, models.LocationSample{EngineerID: "eng-3", CompanyID: "globex", Timestamp: now, Location: depot})
	require.NoError(t, err)

	snap := f.engine.Snapshot("acme")
	require.Len(t, snap.Engineers, 2)
	assert.Equal(t, 1, snap.Online)
	assert.Equal(t, "eng-1", snap.Engineers[0].EngineerID)
	assert.True(t, snap.Engineers[0].Online)
	assert.False(t, snap.Engineers[1].Online)

	f.clock.Set(now.Add(3 * time.Minute))
	assert.Equal(t, 0, f.engine.Snapshot("acme").Online, "online is derived at read time")
	assert.Len(t, f.engine.Snapshot("").Engineers, 3)
}

type broadcast struct {
	mu    sync.Mutex
	sends map[string]*models.LiveSnapshot
}

func (b *broadcast) Broadcast(company string, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sends[company] = payload.(*models.LiveSnapshot)
}

func TestAggregator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()
	for i, company := range []string{"acme", "acme", "globex"} {
		id := []string{"a1", "a2", "g1"}[i]
		_, err := f.engine.Ingest(ctx, models.LocationSample{EngineerID: id, CompanyID: company, Timestamp: now, Location: depot})
		require.NoError(t, err)
	}

	out := &broadcast{sends: map[string]*models.LiveSnapshot{}}
	agg := NewAggregator(f.engine, time.Second, out, f.engine.logger)
	agg.Tick()

	require.Len(t, out.sends, 2)
	assert.Len(t, out.sends["acme"].Engineers, 2)
	assert.Len(t, out.sends["globex"].Engineers, 1)
	assert.Len(t, agg.Latest("acme").Engineers, 2)
	assert.Len(t, agg.Latest("").Engineers, 3)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		agg.Run(runCtx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("aggregator did not stop")
	}
}
