// Package tracker is the trip and visit engine: it ingests location samples,
// drives each engineer's status machine, opens and closes trips and visits,
// runs the fraud rules at close, and serves live snapshots.
//
// Every write for one engineer is serialized on that engineer's state;
// different engineers never contend.
package tracker

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fieldtrack/internal/db"
	"github.com/ukydev/fieldtrack/internal/events"
)

// Scope is the verified caller identity supplied by the auth layer.
type Scope struct {
	EngineerID string
	CompanyID  string
}

type Engine struct {
	store  db.Store
	pub    events.Publisher
	policy Policy
	logger log.FieldLogger
	reg    *registry
	locks  *KeyedMutex
	audit  *AuditLog
	now    func() time.Time
}

type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLocks shares the trip/visit lock table with other components.
func WithLocks(l *KeyedMutex) Option {
	return func(e *Engine) { e.locks = l }
}

func New(store db.Store, pub events.Publisher, policy Policy, logger log.FieldLogger, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		pub:    pub,
		policy: policy,
		logger: logger,
		reg:    newRegistry(),
		locks:  NewKeyedMutex(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.audit = NewAuditLog(store, logger, e.now)
	return e
}

func (e *Engine) Policy() Policy { return e.policy }

func (e *Engine) Locks() *KeyedMutex { return e.locks }

func (e *Engine) Audit() *AuditLog { return e.audit }

// eventTime defaults a client-supplied event time to now and rejects times
// beyond the clock-skew tolerance.
func (e *Engine) eventTime(t time.Time) (time.Time, error) {
	now := e.now()
	if t.IsZero() {
		return now, nil
	}
	if t.After(now.Add(e.policy.ClockSkew)) {
		return t, Reject(ErrInvalidTransition, "event time %s is in the future", t.UTC().Format(time.RFC3339))
	}
	return t, nil
}

func (e *Engine) state(scope Scope) (*engineerState, error) {
	if scope.EngineerID == "" {
		return nil, Reject(ErrInvalidTransition, "engineer id is required")
	}
	st := e.reg.get(scope.EngineerID)
	if scope.CompanyID != "" {
		st.mu.Lock()
		if st.eng.CompanyID == "" {
			st.eng.CompanyID = scope.CompanyID
		}
		st.mu.Unlock()
	}
	return st, nil
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if e.pub == nil {
		return
	}
	if err := e.pub.Publish(ctx, ev); err != nil {
		e.logger.WithError(err).WithField("event", ev.Type).Warn("publish failed")
	}
}
