// Package events fans domain events out to other systems and feeds location
// samples in from the MQTT broker.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type Type string

const (
	TripStarted     Type = "trip.started"
	TripCompleted   Type = "trip.completed"
	TripCancelled   Type = "trip.cancelled"
	TripOverridden  Type = "trip.overridden"
	VisitCheckedIn  Type = "visit.checked_in"
	VisitCheckedOut Type = "visit.checked_out"
	FraudFlagged    Type = "fraud.flagged"
	FraudCleared    Type = "fraud.cleared"
	StatusChanged   Type = "engineer.status_changed"
)

// ClaimEvent names the event for a claim reaching status.
func ClaimEvent(status string) Type {
	return Type("claim." + status)
}

type Event struct {
	ID         string      `json:"id"`
	Type       Type        `json:"type"`
	EngineerID string      `json:"engineer_id"`
	CompanyID  string      `json:"company_id,omitempty"`
	EntityID   string      `json:"entity_id,omitempty"`
	At         time.Time   `json:"at"`
	Payload    interface{} `json:"payload,omitempty"`
}

func New(t Type, engineerID, companyID, entityID string, at time.Time, payload interface{}) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		EngineerID: engineerID,
		CompanyID:  companyID,
		EntityID:   entityID,
		At:         at,
		Payload:    payload,
	}
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// LogPublisher writes events to the log. Used when no broker is configured.
type LogPublisher struct {
	Logger log.FieldLogger
}

func (p LogPublisher) Publish(_ context.Context, ev Event) error {
	p.Logger.WithFields(log.Fields{
		"event":       ev.Type,
		"event_id":    ev.ID,
		"engineer_id": ev.EngineerID,
		"entity_id":   ev.EntityID,
	}).Info("domain event")
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types lists the recorded event types in publish order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}
