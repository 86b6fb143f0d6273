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
	"github.com/ukydev/fieldtrack/internal/models"
)

// CheckIn opens a visit at a customer site, bound to the open trip if there
// is one. loc may be nil, in which case a fresh last position is used.
func (e *Engine) CheckIn(ctx context.Context, scope Scope, customerID string, loc *models.Location, notes string, at time.Time) (*models.Visit, error) {
	if customerID == "" {
		return nil, Reject(ErrInvalidTransition, "customer id is required")
	}
	if loc != nil && !loc.Valid() {
		return nil, Reject(ErrInvalidSample, "check-in coordinates out of range")
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

	if st.visit != nil {
		return nil, Reject(ErrInvalidTransition, "visit %s is still open", st.visit.ID.Hex())
	}
	to, err := e.transition(st, evCheckIn)
	if err != nil {
		return nil, err
	}

	now := e.now()
	v := &models.Visit{
		EngineerID:      scope.EngineerID,
		CompanyID:       st.eng.CompanyID,
		CustomerID:      customerID,
		CheckInTime:     at,
		CheckInLocation: e.siteLocation(st, loc, at),
		Status:          models.VisitOpen,
		IsValid:         true,
		Notes:           notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if st.eng.OpenTripID != nil {
		id := *st.eng.OpenTripID
		v.TripID = &id
	}
	if err := e.store.InsertVisit(ctx, v); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return nil, Reject(ErrInvalidTransition, "engineer %s already has an open visit", scope.EngineerID)
		}
		return nil, fmt.Errorf("store visit: %w", err)
	}

	st.visit = v
	id := v.ID
	st.eng.OpenVisitID = &id
	e.setStatus(ctx, st, to, at)

	e.logger.WithFields(log.Fields{
		"engineer_id": scope.EngineerID,
		"visit_id":    v.ID.Hex(),
		"customer_id": customerID,
	}).Info("checked in")
	e.publish(ctx, events.New(events.VisitCheckedIn, v.EngineerID, v.CompanyID, v.ID.Hex(), at, *v))

	out := *v
	return &out, nil
}

// CheckOut closes the open visit and runs the visit rules. A dwell outside
// the policy bounds is reported on the visit, never corrected.
func (e *Engine) CheckOut(ctx context.Context, scope Scope, visitID primitive.ObjectID, loc *models.Location, at time.Time) (*models.Visit, error) {
	if loc != nil && !loc.Valid() {
		return nil, Reject(ErrInvalidSample, "check-out coordinates out of range")
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

	if st.visit == nil || st.visit.ID != visitID {
		return nil, Reject(ErrVisitNotOpen, "visit %s is not open for engineer %s", visitID.Hex(), scope.EngineerID)
	}
	if at.Before(st.visit.CheckInTime) {
		return nil, Reject(ErrInvalidTransition, "check-out %s before check-in %s", at.Format(time.RFC3339), st.visit.CheckInTime.Format(time.RFC3339))
	}
	to, err := e.transition(st, evCheckOut)
	if err != nil {
		return nil, err
	}

	closed := *st.visit
	out := at
	closed.CheckOutTime = &out
	closed.CheckOutLocation = e.siteLocation(st, loc, at)
	closed.DurationSeconds = int64(at.Sub(closed.CheckInTime) / time.Second)
	closed.Status = models.VisitClosed
	closed.UpdatedAt = e.now()
	fraud.ApplyVisit(&closed, fraud.EvaluateVisit(&closed, e.customer(ctx, closed.CustomerID), e.policy.Fraud))

	if err := e.store.UpdateVisit(ctx, &closed); err != nil {
		return nil, fmt.Errorf("store visit: %w", err)
	}

	st.visit = nil
	st.eng.OpenVisitID = nil
	e.setStatus(ctx, st, to, at)

	fields := log.Fields{
		"engineer_id":  closed.EngineerID,
		"visit_id":     closed.ID.Hex(),
		"duration":     closed.Duration().String(),
		"fraud_reason": fraud.Reasons(closed.Findings),
	}
	if closed.HasFraudFlag {
		e.logger.WithFields(fields).Warn("checked out with fraud flag")
		e.publish(ctx, events.New(events.FraudFlagged, closed.EngineerID, closed.CompanyID, closed.ID.Hex(), at, closed.Findings))
	} else {
		e.logger.WithFields(fields).Info("checked out")
	}
	e.publish(ctx, events.New(events.VisitCheckedOut, closed.EngineerID, closed.CompanyID, closed.ID.Hex(), at, closed))
	return &closed, nil
}

// OverrideVisit attaches a manager override to a flagged visit.
func (e *Engine) OverrideVisit(ctx context.Context, visitID primitive.ObjectID, actor, reason string) (*models.Visit, error) {
	if actor == "" || reason == "" {
		return nil, Reject(ErrOverrideRequired, "override needs an actor and a reason")
	}
	unlock := e.locks.Lock(VisitKey(visitID.Hex()))
	defer unlock()

	v, err := e.store.FindVisitByID(ctx, visitID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, Reject(ErrNotFound, "visit %s not found", visitID.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("load visit: %w", err)
	}
	if v.Status != models.VisitClosed {
		return nil, Reject(ErrVisitNotOpen, "visit %s is still open", visitID.Hex())
	}
	if !v.HasFraudFlag && v.IsValid {
		return nil, Reject(ErrInvalidTransition, "visit %s has nothing to override", visitID.Hex())
	}

	v.Override = &models.Override{Actor: actor, Reason: reason, At: e.now()}
	v.UpdatedAt = e.now()
	if err := e.store.UpdateVisit(ctx, v); err != nil {
		return nil, fmt.Errorf("store visit: %w", err)
	}
	if _, err := e.audit.Record(ctx, "visit", visitID.Hex(), "override", actor, reason, true); err != nil {
		return nil, fmt.Errorf("audit override: %w", err)
	}
	return v, nil
}

// siteLocation prefers the client-reported position and falls back to the
// last sample when it is fresh relative to at. Must hold st.mu.
func (e *Engine) siteLocation(st *engineerState, loc *models.Location, at time.Time) *models.Location {
	if loc != nil {
		l := *loc
		return &l
	}
	last := st.eng.LastPosition
	if last == nil {
		return nil
	}
	age := at.Sub(last.Timestamp)
	if age < 0 {
		age = -age
	}
	if age > e.policy.FreshnessWindow {
		return nil
	}
	l := last.Location
	return &l
}

// customer looks up the directory entry. Lookup failures only disable the
// geofence rule.
func (e *Engine) customer(ctx context.Context, id string) *models.Customer {
	c, err := e.store.FindCustomer(ctx, id)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			e.logger.WithError(err).WithField("customer_id", id).Warn("customer lookup failed")
		}
		return nil
	}
	return c
}
