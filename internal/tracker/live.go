package tracker

import (
	"context"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fieldtrack/internal/models"
)

// Snapshot reads every engineer's status for one company, or all companies
// when companyID is empty. Each engineer is read under its own read lock, so
// the snapshot as a whole is best effort.
func (e *Engine) Snapshot(companyID string) models.LiveSnapshot {
	now := e.now()
	snap := models.LiveSnapshot{GeneratedAt: now, Engineers: []models.LiveStatus{}}
	for _, st := range e.reg.all() {
		st.mu.RLock()
		eng := st.eng
		st.mu.RUnlock()
		if companyID != "" && eng.CompanyID != companyID {
			continue
		}
		status := liveStatus(&eng, now, e.policy.FreshnessWindow)
		if status.Online {
			snap.Online++
		}
		snap.Engineers = append(snap.Engineers, status)
	}
	slices.SortFunc(snap.Engineers, func(a, b models.LiveStatus) int { return strings.Compare(a.EngineerID, b.EngineerID) })
	return snap
}

func liveStatus(eng *models.Engineer, now time.Time, window time.Duration) models.LiveStatus {
	s := models.LiveStatus{
		EngineerID: eng.ID,
		CompanyID:  eng.CompanyID,
		Status:     eng.Status,
		TripID:     eng.OpenTripID,
		VisitID:    eng.OpenVisitID,
		Online:     eng.IsOnline(now, window),
	}
	if p := eng.LastPosition; p != nil {
		loc, seen := p.Location, p.Timestamp
		s.Location = &loc
		s.LastSeen = &seen
		s.Speed = p.Speed
		s.Heading = p.Heading
	}
	return s
}

// Broadcaster pushes a payload to the dashboard clients of one company.
type Broadcaster interface {
	Broadcast(companyID string, payload interface{})
}

// Aggregator takes a snapshot on a fixed cadence, keeps the latest one for
// polling clients and pushes per-company views to websocket clients.
type Aggregator struct {
	engine   *Engine
	interval time.Duration
	out      Broadcaster
	logger   log.FieldLogger
	latest   atomic.Pointer[models.LiveSnapshot]
}

func NewAggregator(engine *Engine, interval time.Duration, out Broadcaster, logger log.FieldLogger) *Aggregator {
	return &Aggregator{engine: engine, interval: interval, out: out, logger: logger}
}

// Run ticks until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	a.Tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Tick()
		}
	}
}

func (a *Aggregator) Tick() {
	snap := a.engine.Snapshot("")
	a.latest.Store(&snap)
	if a.out == nil {
		return
	}

	byCompany := make(map[string]*models.LiveSnapshot)
	for _, s := range snap.Engineers {
		c, ok := byCompany[s.CompanyID]
		if !ok {
			c = &models.LiveSnapshot{GeneratedAt: snap.GeneratedAt}
			byCompany[s.CompanyID] = c
		}
		c.Engineers = append(c.Engineers, s)
		if s.Online {
			c.Online++
		}
	}
	for company, view := range byCompany {
		a.out.Broadcast(company, view)
	}
	a.logger.WithFields(log.Fields{"engineers": len(snap.Engineers), "online": snap.Online}).Debug("live snapshot")
}

// Latest returns the most recent snapshot filtered to companyID, taking a
// fresh one if the aggregator has not ticked yet.
func (a *Aggregator) Latest(companyID string) models.LiveSnapshot {
	snap := a.latest.Load()
	if snap == nil {
		return a.engine.Snapshot(companyID)
	}
	if companyID == "" {
		return *snap
	}
	out := models.LiveSnapshot{GeneratedAt: snap.GeneratedAt, Engineers: []models.LiveStatus{}}
	for _, s := range snap.Engineers {
		if s.CompanyID == companyID {
			out.Engineers = append(out.Engineers, s)
			if s.Online {
				out.Online++
			}
		}
	}
	return out
}
