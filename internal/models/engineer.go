package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// EngineerStatus is the operating state derived from lifecycle events.
type EngineerStatus string

const (
	StatusIdle       EngineerStatus = "idle"
	StatusTravelling EngineerStatus = "travelling"
	StatusAtSiteIn   EngineerStatus = "at_site_in"
	StatusAtSiteOut  EngineerStatus = "at_site_out"
	StatusOffDuty    EngineerStatus = "off_duty"
)

// Engineer is the live projection of one field engineer.
type Engineer struct {
	ID           string              `bson:"_id" json:"id"`
	CompanyID    string              `bson:"company_id" json:"company_id"`
	Status       EngineerStatus      `bson:"status" json:"status"`
	LastPosition *LocationSample     `bson:"last_position,omitempty" json:"last_position,omitempty"`
	OpenTripID   *primitive.ObjectID `bson:"open_trip_id,omitempty" json:"open_trip_id,omitempty"`
	OpenVisitID  *primitive.ObjectID `bson:"open_visit_id,omitempty" json:"open_visit_id,omitempty"`
	UpdatedAt    time.Time           `bson:"updated_at" json:"updated_at"`
}

// IsOnline reports whether the last accepted sample is younger than window.
// It is derived on every read and never stored.
func (e *Engineer) IsOnline(now time.Time, window time.Duration) bool {
	if e.LastPosition == nil {
		return false
	}
	return now.Sub(e.LastPosition.Timestamp) < window
}

// LiveStatus is one row of the dashboard status board.
type LiveStatus struct {
	EngineerID string              `json:"engineer_id"`
	CompanyID  string              `json:"company_id"`
	Status     EngineerStatus      `json:"status"`
	Location   *Location           `json:"location,omitempty"`
	LastSeen   *time.Time          `json:"last_seen,omitempty"`
	TripID     *primitive.ObjectID `json:"trip_id,omitempty"`
	VisitID    *primitive.ObjectID `json:"visit_id,omitempty"`
	Online     bool                `json:"online"`
	Speed      *float64            `json:"speed,omitempty"`
	Heading    *float64            `json:"heading,omitempty"`
}

// LiveSnapshot is a best-effort view of every engineer at one instant.
type LiveSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Engineers   []LiveStatus `json:"engineers"`
	Online      int          `json:"online"`
}
