package tracker

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fieldtrack/internal/geo"
	"github.com/ukydev/fieldtrack/internal/models"
)

// Restore rebuilds in-memory engineer state from the store after a restart:
// open trips with their running distance, open visits and the last accepted
// sample of every engineer seen within lookback.
func (e *Engine) Restore(ctx context.Context, lookback time.Duration) error {
	latest, err := e.store.LatestSamples(ctx, e.now().Add(-lookback))
	if err != nil {
		return fmt.Errorf("restore samples: %w", err)
	}
	for _, s := range latest {
		st := e.reg.get(s.EngineerID)
		st.mu.Lock()
		last := s
		st.eng.LastPosition = &last
		st.lastAccepted = s.Timestamp
		if st.eng.CompanyID == "" {
			st.eng.CompanyID = s.CompanyID
		}
		st.mu.Unlock()
	}

	trips, err := e.store.FindOpenTrips(ctx)
	if err != nil {
		return fmt.Errorf("restore trips: %w", err)
	}
	for i := range trips {
		trip := trips[i]
		trace, err := e.store.FindTripSamples(ctx, trip.ID)
		if err != nil {
			return fmt.Errorf("restore trace %s: %w", trip.ID.Hex(), err)
		}
		acc := geo.NewAccumulator(e.policy.Filter)
		for _, s := range trace {
			acc.AddSample(s)
		}
		trip.SystemDistanceKm = acc.DistanceKm()
		trip.SampleCount = len(trace)

		st := e.reg.get(trip.EngineerID)
		st.mu.Lock()
		st.trip = &trip
		st.acc = acc
		id := trip.ID
		st.eng.OpenTripID = &id
		st.eng.CompanyID = trip.CompanyID
		st.eng.Status = models.StatusTravelling
		// The trace may end before the lookback window.
		if n := len(trace); n > 0 && trace[n-1].Timestamp.After(st.lastAccepted) {
			st.lastAccepted = trace[n-1].Timestamp
			if st.eng.LastPosition == nil {
				last := trace[n-1]
				st.eng.LastPosition = &last
			}
		}
		st.mu.Unlock()
	}

	visits, err := e.store.FindOpenVisits(ctx)
	if err != nil {
		return fmt.Errorf("restore visits: %w", err)
	}
	for i := range visits {
		v := visits[i]
		st := e.reg.get(v.EngineerID)
		st.mu.Lock()
		st.visit = &v
		id := v.ID
		st.eng.OpenVisitID = &id
		if st.eng.CompanyID == "" {
			st.eng.CompanyID = v.CompanyID
		}
		st.eng.Status = models.StatusAtSiteIn
		st.mu.Unlock()
	}

	e.logger.WithFields(log.Fields{
		"engineers":   len(latest),
		"open_trips":  len(trips),
		"open_visits": len(visits),
	}).Info("engine state restored")
	return nil
}
