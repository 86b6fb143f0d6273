package tracker

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fieldtrack/internal/events"
	"github.com/ukydev/fieldtrack/internal/models"
)

type lifecycleEvent string

const (
	evStartTrip lifecycleEvent = "trip-start"
	evEndTrip   lifecycleEvent = "trip-end"
	evCheckIn   lifecycleEvent = "check-in"
	evCheckOut  lifecycleEvent = "check-out"
	evOffDuty   lifecycleEvent = "go-off-duty"
	evOnDuty    lifecycleEvent = "go-on-duty"
)

// next applies one explicit lifecycle event to the engineer's status.
func (p Policy) next(from models.EngineerStatus, ev lifecycleEvent, tripOpen bool) (models.EngineerStatus, bool) {
	switch ev {
	case evStartTrip:
		if from == models.StatusIdle || (from == models.StatusAtSiteOut && !tripOpen) {
			return models.StatusTravelling, true
		}
	case evEndTrip:
		if tripOpen && (from == models.StatusTravelling || from == models.StatusAtSiteOut) {
			return models.StatusIdle, true
		}
	case evCheckIn:
		switch from {
		case models.StatusTravelling, models.StatusAtSiteOut:
			return models.StatusAtSiteIn, true
		case models.StatusIdle:
			if p.AllowIdleCheckIn {
				return models.StatusAtSiteIn, true
			}
		}
	case evCheckOut:
		if from == models.StatusAtSiteIn {
			return models.StatusAtSiteOut, true
		}
	case evOffDuty:
		if from == models.StatusIdle {
			return models.StatusOffDuty, true
		}
	case evOnDuty:
		if from == models.StatusOffDuty {
			return models.StatusIdle, true
		}
	}
	return from, false
}

// afterMove is the status change a location event causes: leaving a site
// resolves to travelling inside a trip, idle otherwise.
func afterMove(from models.EngineerStatus, tripOpen bool) models.EngineerStatus {
	if from != models.StatusAtSiteOut {
		return from
	}
	if tripOpen {
		return models.StatusTravelling
	}
	return models.StatusIdle
}

func (e *Engine) transition(st *engineerState, ev lifecycleEvent) (models.EngineerStatus, error) {
	to, ok := e.policy.next(st.eng.Status, ev, st.trip != nil)
	if !ok {
		return st.eng.Status, Reject(ErrInvalidTransition, "%s not allowed while %s", ev, st.eng.Status)
	}
	return to, nil
}

// setStatus must be called with st.mu held.
func (e *Engine) setStatus(ctx context.Context, st *engineerState, to models.EngineerStatus, at time.Time) {
	from := st.eng.Status
	st.eng.Status = to
	st.eng.UpdatedAt = at
	if from == to {
		return
	}
	e.logger.WithFields(log.Fields{
		"engineer_id": st.eng.ID,
		"from":        from,
		"to":          to,
	}).Debug("engineer status changed")
	e.publish(ctx, events.New(events.StatusChanged, st.eng.ID, st.eng.CompanyID, st.eng.ID, at,
		map[string]models.EngineerStatus{"from": from, "to": to}))
}

// GoOffDuty moves an idle engineer off duty.
func (e *Engine) GoOffDuty(ctx context.Context, scope Scope, at time.Time) (*models.Engineer, error) {
	return e.dutyChange(ctx, scope, evOffDuty, at)
}

// GoOnDuty returns an off-duty engineer to idle.
func (e *Engine) GoOnDuty(ctx context.Context, scope Scope, at time.Time) (*models.Engineer, error) {
	return e.dutyChange(ctx, scope, evOnDuty, at)
}

func (e *Engine) dutyChange(ctx context.Context, scope Scope, ev lifecycleEvent, at time.Time) (*models.Engineer, error) {
	st, err := e.state(scope)
	if err != nil {
		return nil, err
	}
	if at, err = e.eventTime(at); err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	to, err := e.transition(st, ev)
	if err != nil {
		return nil, err
	}
	e.setStatus(ctx, st, to, at)
	eng := st.eng
	return &eng, nil
}

// Engineer returns the engineer's current projection.
func (e *Engine) Engineer(id string) (*models.Engineer, bool) {
	st, ok := e.reg.lookup(id)
	if !ok {
		return nil, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	eng := st.eng
	return &eng, true
}
