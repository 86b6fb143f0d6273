package tracker

import (
	"context"
	"fmt"
	"math"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ukydev/fieldtrack/internal/models"
)

// Ingest validates and stores one location sample, advances the open trip's
// running distance and resolves at_site_out. Rejected samples leave no trace.
func (e *Engine) Ingest(ctx context.Context, s models.LocationSample) (*models.Engineer, error) {
	eng, err := e.ingest(ctx, s)
	if err != nil && CodeOf(err) == CodeInvalidSample {
		e.logger.WithFields(log.Fields{
			"engineer_id": s.EngineerID,
			"code":        CodeOf(err),
		}).WithError(err).Debug("location sample rejected")
	}
	return eng, err
}

func (e *Engine) ingest(ctx context.Context, s models.LocationSample) (*models.Engineer, error) {
	now := e.now()
	if err := e.validateSample(s, now); err != nil {
		return nil, err
	}

	st, err := e.state(Scope{EngineerID: s.EngineerID, CompanyID: s.CompanyID})
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.lastAccepted.IsZero() && !s.Timestamp.After(st.lastAccepted) {
		return nil, Reject(ErrInvalidSample, "timestamp %s not after last accepted %s",
			s.Timestamp.UTC().Format("15:04:05.000"), st.lastAccepted.UTC().Format("15:04:05.000"))
	}

	s.ID = primitive.NilObjectID
	s.TripID = nil
	if s.CompanyID == "" {
		s.CompanyID = st.eng.CompanyID
	}
	if s.ReceivedAt.IsZero() {
		s.ReceivedAt = now
	}
	inTrip := st.trip != nil && !s.Timestamp.Before(st.trip.StartTime)
	if inTrip {
		id := st.trip.ID
		s.TripID = &id
	}

	if err := e.store.InsertSample(ctx, &s); err != nil {
		return nil, fmt.Errorf("store sample: %w", err)
	}

	st.lastAccepted = s.Timestamp
	last := s
	st.eng.LastPosition = &last
	if inTrip {
		st.acc.AddSample(s)
		st.trip.SystemDistanceKm = st.acc.DistanceKm()
		st.trip.SampleCount++
	}
	e.setStatus(ctx, st, afterMove(st.eng.Status, st.trip != nil), s.Timestamp)

	eng := st.eng
	return &eng, nil
}

func (e *Engine) validateSample(s models.LocationSample, now time.Time) error {
	switch {
	case s.EngineerID == "":
		return Reject(ErrInvalidSample, "engineer id is required")
	case !s.Location.Valid():
		return Reject(ErrInvalidSample, "coordinates out of range (%v, %v)", s.Location.Lat, s.Location.Lon)
	case s.Timestamp.IsZero():
		return Reject(ErrInvalidSample, "timestamp is required")
	case s.Timestamp.After(now.Add(e.policy.ClockSkew)):
		return Reject(ErrInvalidSample, "timestamp %s is in the future", s.Timestamp.UTC().Format(time.RFC3339))
	case s.Speed != nil && (*s.Speed < 0 || math.IsNaN(*s.Speed)):
		return Reject(ErrInvalidSample, "negative speed")
	}
	return nil
}
