package tracker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/sync/errgroup"

	"github.com/ukydev/fieldtrack/internal/db"
	"github.com/ukydev/fieldtrack/internal/events"
	"github.com/ukydev/fieldtrack/internal/fraud"
	"github.com/ukydev/fieldtrack/internal/geo"
	"github.com/ukydev/fieldtrack/internal/models"
)

// ReevaluationResult reports what a batch audit changed.
type ReevaluationResult struct {
	TripsChecked  int      `json:"trips_checked"`
	VisitsChecked int      `json:"visits_checked"`
	Flagged       []string `json:"flagged"`
	Cleared       []string `json:"cleared"`
}

// Reevaluate re-runs the fraud rules over completed trips and closed visits
// matching f, with at most concurrency entities in flight. Each entity is
// held under its own lock for the duration, so two audits of the same trip
// never interleave. Only fraud fields change; measured distances stay as
// recorded at completion.
func (e *Engine) Reevaluate(ctx context.Context, f db.Filter, actor string, concurrency int) (*ReevaluationResult, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	tf := f
	tf.Status = string(models.TripCompleted)
	trips, err := e.store.FindTrips(ctx, tf)
	if err != nil {
		return nil, fmt.Errorf("list trips: %w", err)
	}
	vf := f
	vf.Status = string(models.VisitClosed)
	visits, err := e.store.FindVisits(ctx, vf)
	if err != nil {
		return nil, fmt.Errorf("list visits: %w", err)
	}

	var (
		mu     sync.Mutex
		result = &ReevaluationResult{TripsChecked: len(trips), VisitsChecked: len(visits)}
	)
	record := func(id string, was, now bool) {
		if was == now {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if now {
			result.Flagged = append(result.Flagged, id)
		} else {
			result.Cleared = append(result.Cleared, id)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, t := range trips {
		id := t.ID
		g.Go(func() error {
			was, now, err := e.reevaluateTrip(gctx, id, actor)
			if err != nil {
				return err
			}
			record(id.Hex(), was, now)
			return nil
		})
	}
	for _, v := range visits {
		id := v.ID
		g.Go(func() error {
			was, now, err := e.reevaluateVisit(gctx, id, actor)
			if err != nil {
				return err
			}
			record(id.Hex(), was, now)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slices.Sort(result.Flagged)
	slices.Sort(result.Cleared)
	e.logger.WithFields(log.Fields{
		"actor":   actor,
		"trips":   result.TripsChecked,
		"visits":  result.VisitsChecked,
		"flagged": len(result.Flagged),
		"cleared": len(result.Cleared),
	}).Info("fraud re-evaluation finished")
	return result, nil
}

func sameFindings(a, b []models.FraudFinding) bool {
	return slices.Equal(fraud.Reasons(a), fraud.Reasons(b))
}

func (e *Engine) reevaluateTrip(ctx context.Context, id primitive.ObjectID, actor string) (bool, bool, error) {
	unlock := e.locks.Lock(TripKey(id.Hex()))
	defer unlock()

	trip, err := e.store.FindTripByID(ctx, id)
	if err != nil {
		return false, false, fmt.Errorf("load trip %s: %w", id.Hex(), err)
	}
	trace, err := e.store.FindTripSamples(ctx, id)
	if err != nil {
		return false, false, fmt.Errorf("load trace %s: %w", id.Hex(), err)
	}
	if trip.EndTime != nil {
		trace = clipTrace(trace, trip.StartTime, *trip.EndTime)
	}
	findings := fraud.EvaluateTrip(trip, geo.Analyze(trace, e.policy.Filter), e.policy.Fraud)

	was := trip.HasFraudFlag
	if sameFindings(trip.Findings, findings) {
		return was, was, nil
	}
	fraud.ApplyTrip(trip, findings)
	trip.UpdatedAt = e.now()
	if err := e.store.UpdateTrip(ctx, trip); err != nil {
		return false, false, fmt.Errorf("store trip %s: %w", id.Hex(), err)
	}
	if err := e.syncClaimFlag(ctx, trip); err != nil {
		return false, false, err
	}
	reason := fmt.Sprintf("findings now %v", fraud.Reasons(findings))
	if _, err := e.audit.Record(ctx, "trip", id.Hex(), "reevaluated", actor, reason, false); err != nil {
		return false, false, fmt.Errorf("audit trip %s: %w", id.Hex(), err)
	}
	e.publishFlagChange(ctx, trip.EngineerID, trip.CompanyID, id.Hex(), was, trip.HasFraudFlag, findings)
	return was, trip.HasFraudFlag, nil
}

// syncClaimFlag copies a retroactive flag change onto the trip's open claim.
// Settled claims keep the flag they were settled with.
func (e *Engine) syncClaimFlag(ctx context.Context, trip *models.Trip) error {
	claim, err := e.store.FindActiveClaimForTrip(ctx, trip.ID)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load claim for trip %s: %w", trip.ID.Hex(), err)
	}
	if claim.Status.IsTerminal() || claim.HasFraudFlag == trip.HasFraudFlag {
		return nil
	}
	claim.HasFraudFlag = trip.HasFraudFlag
	claim.UpdatedAt = e.now()
	return e.store.UpdateClaim(ctx, claim)
}

func (e *Engine) reevaluateVisit(ctx context.Context, id primitive.ObjectID, actor string) (bool, bool, error) {
	unlock := e.locks.Lock(VisitKey(id.Hex()))
	defer unlock()

	v, err := e.store.FindVisitByID(ctx, id)
	if err != nil {
		return false, false, fmt.Errorf("load visit %s: %w", id.Hex(), err)
	}
	findings := fraud.EvaluateVisit(v, e.customer(ctx, v.CustomerID), e.policy.Fraud)

	was := v.HasFraudFlag
	if sameFindings(v.Findings, findings) {
		return was, was, nil
	}
	fraud.ApplyVisit(v, findings)
	v.UpdatedAt = e.now()
	if err := e.store.UpdateVisit(ctx, v); err != nil {
		return false, false, fmt.Errorf("store visit %s: %w", id.Hex(), err)
	}
	reason := fmt.Sprintf("findings now %v", fraud.Reasons(findings))
	if _, err := e.audit.Record(ctx, "visit", id.Hex(), "reevaluated", actor, reason, false); err != nil {
		return false, false, fmt.Errorf("audit visit %s: %w", id.Hex(), err)
	}
	e.publishFlagChange(ctx, v.EngineerID, v.CompanyID, id.Hex(), was, v.HasFraudFlag, findings)
	return was, v.HasFraudFlag, nil
}

func (e *Engine) publishFlagChange(ctx context.Context, engineerID, companyID, entityID string, was, now bool, findings []models.FraudFinding) {
	switch {
	case now && !was:
		e.publish(ctx, events.New(events.FraudFlagged, engineerID, companyID, entityID, e.now(), findings))
	case was && !now:
		e.publish(ctx, events.New(events.FraudCleared, engineerID, companyID, entityID, e.now(), nil))
	}
}
