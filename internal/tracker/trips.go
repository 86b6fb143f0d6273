package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ukydev/fieldtrack/internal/db"
	"github.com/ukydev/fieldtrack/internal/events"
	"github.com/ukydev/fieldtrack/internal/fraud"
	"github.com/ukydev/fieldtrack/internal/geo"
	"github.com/ukydev/fieldtrack/internal/models"
)

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// StartTrip opens a trip at the given odometer reading.
func (e *Engine) StartTrip(ctx context.Context, scope Scope, startKm float64, at time.Time) (*models.Trip, error) {
	if startKm < 0 {
		return nil, Reject(ErrInvalidTransition, "start_km must not be negative")
	}
	st, err := e.state(scope)
	if err != nil {
		return nil, err
	}
	if at, err = e.eventTime(at); err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.trip != nil {
		return nil, Reject(ErrTripAlreadyOpen, "trip %s is already in progress", st.trip.ID.Hex())
	}
	to, err := e.transition(st, evStartTrip)
	if err != nil {
		return nil, err
	}

	n, err := e.store.CountTripsSince(ctx, scope.EngineerID, startOfDay(at))
	if err != nil {
		return nil, fmt.Errorf("count trips: %w", err)
	}
	now := e.now()
	trip := &models.Trip{
		TripNumber: int(n) + 1,
		EngineerID: scope.EngineerID,
		CompanyID:  st.eng.CompanyID,
		StartTime:  at,
		StartKm:    startKm,
		Status:     models.TripInProgress,
		IsValid:    true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.InsertTrip(ctx, trip); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return nil, Reject(ErrTripAlreadyOpen, "engineer %s already has an open trip", scope.EngineerID)
		}
		return nil, fmt.Errorf("store trip: %w", err)
	}

	st.trip = trip
	st.acc = geo.NewAccumulator(e.policy.Filter)
	id := trip.ID
	st.eng.OpenTripID = &id
	e.setStatus(ctx, st, to, at)

	e.logger.WithFields(log.Fields{
		"engineer_id": scope.EngineerID,
		"trip_id":     trip.ID.Hex(),
		"trip_number": trip.TripNumber,
	}).Info("trip started")
	e.publish(ctx, events.New(events.TripStarted, trip.EngineerID, trip.CompanyID, trip.ID.Hex(), at, *trip))

	out := *trip
	return &out, nil
}

// openTrip resolves tripID against the engineer's open trip. Must hold st.mu.
func (e *Engine) openTrip(ctx context.Context, st *engineerState, tripID primitive.ObjectID) (*models.Trip, error) {
	if st.trip != nil && st.trip.ID == tripID {
		return st.trip, nil
	}
	stored, err := e.store.FindTripByID(ctx, tripID)
	if errors.Is(err, db.ErrNotFound) || (err == nil && stored.EngineerID != st.eng.ID) {
		return nil, Reject(ErrNotFound, "trip %s not found", tripID.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("load trip: %w", err)
	}
	return nil, Reject(ErrInvalidTransition, "trip %s is %s", tripID.Hex(), stored.Status)
}

// EndTrip closes the open trip, measures the trace and runs the trip fraud
// rules. A flagged trip still completes.
func (e *Engine) EndTrip(ctx context.Context, scope Scope, tripID primitive.ObjectID, endKm float64, at time.Time) (*models.Trip, error) {
	st, err := e.state(scope)
	if err != nil {
		return nil, err
	}
	if at, err = e.eventTime(at); err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	trip, err := e.openTrip(ctx, st, tripID)
	if err != nil {
		return nil, err
	}
	switch {
	case at.Before(trip.StartTime):
		return nil, Reject(ErrInvalidTransition, "end time %s before start time %s", at.Format(time.RFC3339), trip.StartTime.Format(time.RFC3339))
	case endKm < trip.StartKm:
		return nil, Reject(ErrInvalidTransition, "end_km %.1f below start_km %.1f", endKm, trip.StartKm)
	}
	to, err := e.transition(st, evEndTrip)
	if err != nil {
		return nil, err
	}

	trace, err := e.store.FindTripSamples(ctx, trip.ID)
	if err != nil {
		return nil, fmt.Errorf("load trace: %w", err)
	}
	trace = clipTrace(trace, trip.StartTime, at)
	analysis := geo.Analyze(trace, e.policy.Filter)

	done := *trip
	end, km := at, endKm
	done.EndTime = &end
	done.EndKm = &km
	done.DeclaredDistanceKm = endKm - trip.StartKm
	done.SystemDistanceKm = analysis.DistanceKm
	done.SampleCount = len(trace)
	done.Status = models.TripCompleted
	done.UpdatedAt = e.now()
	fraud.ApplyTrip(&done, fraud.EvaluateTrip(&done, analysis, e.policy.Fraud))

	if err := e.store.UpdateTrip(ctx, &done); err != nil {
		return nil, fmt.Errorf("store trip: %w", err)
	}

	st.trip = nil
	st.acc = nil
	st.eng.OpenTripID = nil
	e.setStatus(ctx, st, to, at)

	fields := log.Fields{
		"engineer_id":  done.EngineerID,
		"trip_id":      done.ID.Hex(),
		"declared_km":  done.DeclaredDistanceKm,
		"system_km":    done.SystemDistanceKm,
		"samples":      done.SampleCount,
		"discarded":    analysis.Discarded,
		"fraud_reason": fraud.Reasons(done.Findings),
	}
	if done.HasFraudFlag {
		e.logger.WithFields(fields).Warn("trip completed with fraud flag")
		e.publish(ctx, events.New(events.FraudFlagged, done.EngineerID, done.CompanyID, done.ID.Hex(), at, done.Findings))
	} else {
		e.logger.WithFields(fields).Info("trip completed")
	}
	e.publish(ctx, events.New(events.TripCompleted, done.EngineerID, done.CompanyID, done.ID.Hex(), at, done))

	return &done, nil
}

// CancelTrip discards the open trip. A cancelled trip is never claimable.
func (e *Engine) CancelTrip(ctx context.Context, scope Scope, tripID primitive.ObjectID, at time.Time) (*models.Trip, error) {
	st, err := e.state(scope)
	if err != nil {
		return nil, err
	}
	if at, err = e.eventTime(at); err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	trip, err := e.openTrip(ctx, st, tripID)
	if err != nil {
		return nil, err
	}
	to, err := e.transition(st, evEndTrip)
	if err != nil {
		return nil, err
	}

	cancelled := *trip
	end := at
	cancelled.EndTime = &end
	cancelled.Status = models.TripCancelled
	cancelled.IsValid = false
	cancelled.UpdatedAt = e.now()
	if err := e.store.UpdateTrip(ctx, &cancelled); err != nil {
		return nil, fmt.Errorf("store trip: %w", err)
	}

	st.trip = nil
	st.acc = nil
	st.eng.OpenTripID = nil
	e.setStatus(ctx, st, to, at)

	e.logger.WithFields(log.Fields{"engineer_id": cancelled.EngineerID, "trip_id": cancelled.ID.Hex()}).Info("trip cancelled")
	e.publish(ctx, events.New(events.TripCancelled, cancelled.EngineerID, cancelled.CompanyID, cancelled.ID.Hex(), at, cancelled))
	return &cancelled, nil
}

// OverrideTrip attaches a manager override to a completed, flagged trip so a
// claim can be raised for it.
func (e *Engine) OverrideTrip(ctx context.Context, tripID primitive.ObjectID, actor, reason string) (*models.Trip, error) {
	if actor == "" || reason == "" {
		return nil, Reject(ErrOverrideRequired, "override needs an actor and a reason")
	}
	unlock := e.locks.Lock(TripKey(tripID.Hex()))
	defer unlock()

	trip, err := e.store.FindTripByID(ctx, tripID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, Reject(ErrNotFound, "trip %s not found", tripID.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("load trip: %w", err)
	}
	if trip.Status != models.TripCompleted {
		return nil, Reject(ErrInvalidTransition, "trip %s is %s", tripID.Hex(), trip.Status)
	}
	if !trip.HasFraudFlag && trip.IsValid {
		return nil, Reject(ErrInvalidTransition, "trip %s has nothing to override", tripID.Hex())
	}

	trip.Override = &models.Override{Actor: actor, Reason: reason, At: e.now()}
	trip.UpdatedAt = e.now()
	if err := e.store.UpdateTrip(ctx, trip); err != nil {
		return nil, fmt.Errorf("store trip: %w", err)
	}
	if _, err := e.audit.Record(ctx, "trip", tripID.Hex(), "override", actor, reason, true); err != nil {
		return nil, fmt.Errorf("audit override: %w", err)
	}
	e.publish(ctx, events.New(events.TripOverridden, trip.EngineerID, trip.CompanyID, tripID.Hex(), e.now(), trip.Override))
	return trip, nil
}

// TripTrace returns a trip with its stored trace in timestamp order.
func (e *Engine) TripTrace(ctx context.Context, tripID primitive.ObjectID) (*models.Trip, []models.LocationSample, error) {
	trip, err := e.store.FindTripByID(ctx, tripID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil, Reject(ErrNotFound, "trip %s not found", tripID.Hex())
	}
	if err != nil {
		return nil, nil, err
	}
	trace, err := e.store.FindTripSamples(ctx, tripID)
	if err != nil {
		return nil, nil, err
	}
	return trip, trace, nil
}

// TripVisits is the derived trip to visits index, rebuilt from stored
// visits on every call.
func (e *Engine) TripVisits(ctx context.Context, tripID primitive.ObjectID) ([]models.Visit, error) {
	return e.store.FindVisitsByTrip(ctx, tripID)
}

// clipTrace keeps the samples inside the trip's open interval.
func clipTrace(trace []models.LocationSample, from, to time.Time) []models.LocationSample {
	out := trace[:0:0]
	for _, s := range trace {
		if s.Timestamp.Before(from) || s.Timestamp.After(to) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// OpenTrip returns the engineer's in-progress trip with its running
// distance.
func (e *Engine) OpenTrip(engineerID string) (*models.Trip, bool) {
	st, ok := e.reg.lookup(engineerID)
	if !ok {
		return nil, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.trip == nil {
		return nil, false
	}
	t := *st.trip
	return &t, true
}
