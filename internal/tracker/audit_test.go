package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ukydev/fieldtrack/internal/db"
	"github.com/ukydev/fieldtrack/internal/events"
	"github.com/ukydev/fieldtrack/internal/models"
)

func (f *fixture) completedTrip(t *testing.T, scope Scope, start time.Time, endKm float64) *models.Trip {
	t.Helper()
	ctx := context.Background()
	trip, err := f.engine.StartTrip(ctx, scope, 1000, start)
	require.NoError(t, err)
	end := f.drive(t, scope.EngineerID, start, 10*time.Minute, 3, 3, 3, 3)
	done, err := f.engine.EndTrip(ctx, scope, trip.ID, endKm, end)
	require.NoError(t, err)
	return done
}

func TestOverrideTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	clean := f.completedTrip(t, eng1, nine, 1012)
	_, err := f.engine.OverrideTrip(ctx, clean.ID, "mgr-1", "receipts checked")
	assert.ErrorIs(t, err, ErrInvalidTransition, "nothing to override on a clean trip")

	flagged := f.completedTrip(t, eng1, nine.Add(time.Hour), 1050)
	require.False(t, flagged.ClaimEligible())

	_, err = f.engine.OverrideTrip(ctx, flagged.ID, "mgr-1", "")
	assert.ErrorIs(t, err, ErrOverrideRequired)

	overridden, err := f.engine.OverrideTrip(ctx, flagged.ID, "mgr-1", "odometer photo verified")
	require.NoError(t, err)
	require.NotNil(t, overridden.Override)
	assert.Equal(t, "mgr-1", overridden.Override.Actor)
	assert.True(t, overridden.HasFraudFlag, "override does not clear the flag")
	assert.True(t, overridden.ClaimEligible())

	entries, err := f.engine.Audit().Entries(ctx, flagged.ID.Hex())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Override)
	assert.Equal(t, "odometer photo verified", entries[0].Reason)
	assert.Contains(t, f.events.Types(), events.TripOverridden)
}

func TestOverrideVisit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.engine.CheckIn(ctx, eng1, "cust-1", nil, "", nine)
	require.NoError(t, err)
	_, err = f.engine.OverrideVisit(ctx, v.ID, "mgr-1", "customer confirmed")
	assert.ErrorIs(t, err, ErrVisitNotOpen)

	_, err = f.engine.CheckOut(ctx, eng1, v.ID, nil, nine.Add(30*time.Second))
	require.NoError(t, err)
	overridden, err := f.engine.OverrideVisit(ctx, v.ID, "mgr-1", "customer confirmed")
	require.NoError(t, err)
	assert.NotNil(t, overridden.Override)
}

func TestReevaluate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	clean := f.completedTrip(t, eng1, nine, 1012)
	flagged := f.completedTrip(t, Scope{EngineerID: "eng-2", CompanyID: "acme"}, nine, 1050)

	// Simulate findings recorded under an older rule set.
	stale, err := f.store.FindTripByID(ctx, clean.ID)
	require.NoError(t, err)
	stale.Findings = []models.FraudFinding{{Reason: models.ReasonSpeedAnomaly, Detail: "old rule"}}
	stale.HasFraudFlag = true
	stale.IsValid = false
	require.NoError(t, f.store.UpdateTrip(ctx, stale))

	missed, err := f.store.FindTripByID(ctx, flagged.ID)
	require.NoError(t, err)
	missed.Findings = nil
	missed.HasFraudFlag = false
	missed.IsValid = true
	require.NoError(t, f.store.UpdateTrip(ctx, missed))

	claim := &models.PetrolClaim{TripID: flagged.ID, EngineerID: "eng-2", Status: models.ClaimSubmitted}
	require.NoError(t, f.store.InsertClaim(ctx, claim))

	result, err := f.engine.Reevaluate(ctx, db.Filter{}, "auditor", 4)
	require.NoError(t, err)
	assert.Equal(t, 2, result.TripsChecked)
	assert.Equal(t, []string{flagged.ID.Hex()}, result.Flagged)
	assert.Equal(t, []string{clean.ID.Hex()}, result.Cleared)

	got, err := f.store.FindTripByID(ctx, clean.ID)
	require.NoError(t, err)
	assert.False(t, got.HasFraudFlag)
	assert.True(t, got.IsValid)
	assert.InDelta(t, 12.0, got.SystemDistanceKm, 0.05, "measured distance is immutable")

	got, err = f.store.FindTripByID(ctx, flagged.ID)
	require.NoError(t, err)
	assert.True(t, got.HasFraudFlag)

	c, err := f.store.FindClaimByID(ctx, claim.ID)
	require.NoError(t, err)
	assert.True(t, c.HasFraudFlag, "open claim picks up the retroactive flag")

	entries, err := f.engine.Audit().Entries(ctx, clean.ID.Hex())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "reevaluated", entries[0].Action)

	again, err := f.engine.Reevaluate(ctx, db.Filter{}, "auditor", 2)
	require.NoError(t, err)
	assert.Empty(t, again.Flagged)
	assert.Empty(t, again.Cleared)
}

func TestRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	trip, err := f.engine.StartTrip(ctx, eng1, 1000, nine)
	require.NoError(t, err)
	end := f.drive(t, "eng-1", nine, 10*time.Minute, 3, 3)
	v, err := f.engine.CheckIn(ctx, Scope{EngineerID: "eng-2", CompanyID: "acme"}, "cust-1", nil, "", nine)
	require.NoError(t, err)

	restarted := New(f.store, f.events, f.engine.policy, f.engine.logger, WithClock(f.clock.Now))
	require.NoError(t, restarted.Restore(ctx, 24*time.Hour))

	open, ok := restarted.OpenTrip("eng-1")
	require.True(t, ok)
	assert.Equal(t, trip.ID, open.ID)
	assert.InDelta(t, 6.0, open.SystemDistanceKm, 0.05)

	_, err = restarted.Ingest(ctx, sample("eng-1", end, depot))
	assert.ErrorIs(t, err, ErrInvalidSample, "last accepted timestamp survives a restart")

	_, err = restarted.StartTrip(ctx, eng1, 1000, end)
	assert.ErrorIs(t, err, ErrTripAlreadyOpen)

	eng2, ok := restarted.Engineer("eng-2")
	require.True(t, ok)
	assert.Equal(t, models.StatusAtSiteIn, eng2.Status)
	_, err = restarted.CheckOut(ctx, Scope{EngineerID: "eng-2"}, v.ID, nil, nine.Add(20*time.Minute))
	require.NoError(t, err)
}

func TestRestoreTripOlderThanLookback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	trip, err := f.engine.StartTrip(ctx, eng1, 1000, nine)
	require.NoError(t, err)
	end := f.drive(t, "eng-1", nine, 10*time.Minute, 3, 3)

	f.clock.Set(end.Add(30 * time.Hour))
	restarted := New(f.store, f.events, f.engine.policy, f.engine.logger, WithClock(f.clock.Now))
	require.NoError(t, restarted.Restore(ctx, 24*time.Hour))

	_, err = restarted.Ingest(ctx, sample("eng-1", end.Add(-15*time.Minute), depot))
	assert.ErrorIs(t, err, ErrInvalidSample, "trip trace end anchors the next sample")

	trace, err := f.store.FindTripSamples(ctx, trip.ID)
	require.NoError(t, err)
	assert.Len(t, trace, 3)

	_, err = restarted.Ingest(ctx, sample("eng-1", end.Add(time.Minute), depot))
	assert.NoError(t, err)
}

func TestSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.completedTrip(t, eng1, nine, 1012)
	f.completedTrip(t, Scope{EngineerID: "eng-2", CompanyID: "acme"}, nine, 1050)
	v, err := f.engine.CheckIn(ctx, eng1, "cust-1", nil, "", nine.Add(time.Hour))
	require.NoError(t, err)
	_, err = f.engine.CheckOut(ctx, eng1, v.ID, nil, nine.Add(70*time.Minute))
	require.NoError(t, err)

	rows, err := f.engine.Summary(ctx, db.Filter{From: nine.Add(-time.Hour), To: nine.Add(3 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "eng-1", rows[0].EngineerID)
	assert.Equal(t, 1, rows[0].CompletedTrips)
	assert.Equal(t, 0, rows[0].FlaggedTrips)
	assert.Equal(t, 1, rows[0].Visits)
	assert.Equal(t, int64(600), rows[0].VisitSeconds)

	assert.Equal(t, "eng-2", rows[1].EngineerID)
	assert.Equal(t, 1, rows[1].FlaggedTrips)
	assert.InDelta(t, 50.0, rows[1].DeclaredKm, 1e-9)
}

func TestKeyedMutex(t *testing.T) {
	k := NewKeyedMutex()
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")

	acquired := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(20 * time.Millisecond):
	}
	unlockA()
	<-acquired
	unlockB()

	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Empty(t, k.locks)
}
