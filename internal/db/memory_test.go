package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/fieldtrack/internal/models"
)

func TestMemoryStore_OneOpenTripPerEngineer(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	first := &models.Trip{EngineerID: "eng-1", StartTime: now, Status: models.TripInProgress}
	require.NoError(t, store.InsertTrip(ctx, first))
	assert.False(t, first.ID.IsZero())

	err := store.InsertTrip(ctx, &models.Trip{EngineerID: "eng-1", StartTime: now, Status: models.TripInProgress})
	assert.ErrorIs(t, err, ErrDuplicate)

	require.NoError(t, store.InsertTrip(ctx, &models.Trip{EngineerID: "eng-2", StartTime: now, Status: models.TripInProgress}))

	first.Status = models.TripCompleted
	require.NoError(t, store.UpdateTrip(ctx, first))
	require.NoError(t, store.InsertTrip(ctx, &models.Trip{EngineerID: "eng-1", StartTime: now.Add(time.Hour), Status: models.TripInProgress}))

	open, err := store.FindOpenTrips(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	n, err := store.CountTripsSince(ctx, "eng-1", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMemoryStore_FindTripsNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		trip := &models.Trip{
			EngineerID:   []string{"eng-1", "eng-2"}[i%2],
			StartTime:    base.Add(time.Duration(i) * time.Hour),
			Status:       models.TripCompleted,
			HasFraudFlag: i == 3,
		}
		require.NoError(t, store.InsertTrip(ctx, trip))
	}

	tests := []struct {
		name   string
		filter Filter
		hours  []int
	}{
		{"all", Filter{}, []int{4, 3, 2, 1, 0}},
		{"engineer", Filter{EngineerID: "eng-1"}, []int{4, 2, 0}},
		{"range", Filter{From: base.Add(time.Hour), To: base.Add(3 * time.Hour)}, []int{3, 2, 1}},
		{"fraud only", Filter{FraudOnly: true}, []int{3}},
		{"limit", Filter{Limit: 2}, []int{4, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trips, err := store.FindTrips(ctx, tt.filter)
			require.NoError(t, err)
			var hours []int
			for _, tr := range trips {
				hours = append(hours, int(tr.StartTime.Sub(base).Hours()))
			}
			assert.Equal(t, tt.hours, hours)
		})
	}
}

func TestMemoryStore_TraceAndLatest(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

	trip := &models.Trip{EngineerID: "eng-1", StartTime: base, Status: models.TripInProgress}
	require.NoError(t, store.InsertTrip(ctx, trip))

	for i := 0; i < 4; i++ {
		s := &models.LocationSample{EngineerID: "eng-1", Timestamp: base.Add(time.Duration(i) * time.Minute)}
		if i > 0 {
			s.TripID = &trip.ID
		}
		require.NoError(t, store.InsertSample(ctx, s))
	}
	require.NoError(t, store.InsertSample(ctx, &models.LocationSample{EngineerID: "eng-2", Timestamp: base.Add(-2 * time.Hour)}))

	trace, err := store.FindTripSamples(ctx, trip.ID)
	require.NoError(t, err)
	assert.Len(t, trace, 3)

	latest, err := store.LatestSamples(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, base.Add(3*time.Minute), latest[0].Timestamp)
}

func TestMemoryStore_ActiveClaimAndVisits(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	trip := &models.Trip{EngineerID: "eng-1", Status: models.TripCompleted}
	require.NoError(t, store.InsertTrip(ctx, trip))

	_, err := store.FindActiveClaimForTrip(ctx, trip.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	rejected := &models.PetrolClaim{TripID: trip.ID, Status: models.ClaimRejected}
	require.NoError(t, store.InsertClaim(ctx, rejected))
	_, err = store.FindActiveClaimForTrip(ctx, trip.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	draft := &models.PetrolClaim{TripID: trip.ID, Status: models.ClaimDraft}
	require.NoError(t, store.InsertClaim(ctx, draft))
	active, err := store.FindActiveClaimForTrip(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, draft.ID, active.ID)

	open := &models.Visit{EngineerID: "eng-1", TripID: &trip.ID, Status: models.VisitOpen}
	require.NoError(t, store.InsertVisit(ctx, open))
	assert.ErrorIs(t, store.InsertVisit(ctx, &models.Visit{EngineerID: "eng-1", Status: models.VisitOpen}), ErrDuplicate)

	byTrip, err := store.FindVisitsByTrip(ctx, trip.ID)
	require.NoError(t, err)
	assert.Len(t, byTrip, 1)
}
