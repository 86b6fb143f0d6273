package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// VisitStatus is the lifecycle state of a customer visit.
type VisitStatus string

const (
	VisitOpen   VisitStatus = "open"
	VisitClosed VisitStatus = "closed"
)

// Visit represents a check-in/check-out pair at a customer site.
// A visit points at its trip; the reverse index is derived from storage.
type Visit struct {
	ID               primitive.ObjectID  `json:"id" bson:"_id,omitempty"`
	EngineerID       string              `json:"engineer_id" bson:"engineer_id"`
	CompanyID        string              `json:"company_id" bson:"company_id"`
	CustomerID       string              `json:"customer_id" bson:"customer_id"`
	TripID           *primitive.ObjectID `json:"trip_id,omitempty" bson:"trip_id,omitempty"`
	CheckInTime      time.Time           `json:"check_in_time" bson:"check_in_time"`
	CheckOutTime     *time.Time          `json:"check_out_time,omitempty" bson:"check_out_time,omitempty"`
	CheckInLocation  *Location           `json:"check_in_location,omitempty" bson:"check_in_location,omitempty"`
	CheckOutLocation *Location           `json:"check_out_location,omitempty" bson:"check_out_location,omitempty"`
	DurationSeconds  int64               `json:"duration_seconds" bson:"duration_seconds"`
	Status           VisitStatus         `json:"status" bson:"status"`
	IsValid          bool                `json:"is_valid" bson:"is_valid"`
	HasFraudFlag     bool                `json:"has_fraud_flag" bson:"has_fraud_flag"`
	Findings         []FraudFinding      `json:"findings,omitempty" bson:"findings,omitempty"`
	Override         *Override           `json:"override,omitempty" bson:"override,omitempty"`
	Notes            string              `json:"notes,omitempty" bson:"notes,omitempty"`
	CreatedAt        time.Time           `json:"created_at" bson:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at" bson:"updated_at"`
}

// Duration returns the dwell time of a closed visit.
func (v *Visit) Duration() time.Duration {
	return time.Duration(v.DurationSeconds) * time.Second
}
