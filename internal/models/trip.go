package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// TripStatus is the lifecycle state of a trip.
type TripStatus string

const (
	TripInProgress TripStatus = "in_progress"
	TripCompleted  TripStatus = "completed"
	TripCancelled  TripStatus = "cancelled"
)

// Trip represents an engineer's journey from trip-start to trip-end.
type Trip struct {
	ID                 primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	TripNumber         int                `json:"trip_number" bson:"trip_number"` // nth trip of the engineer's day
	EngineerID         string             `json:"engineer_id" bson:"engineer_id"`
	CompanyID          string             `json:"company_id" bson:"company_id"`
	StartTime          time.Time          `json:"start_time" bson:"start_time"`
	EndTime            *time.Time         `json:"end_time,omitempty" bson:"end_time,omitempty"`
	StartKm            float64            `json:"start_km" bson:"start_km"`
	EndKm              *float64           `json:"end_km,omitempty" bson:"end_km,omitempty"`
	DeclaredDistanceKm float64            `json:"declared_distance_km" bson:"declared_distance_km"`
	SystemDistanceKm   float64            `json:"system_distance_km" bson:"system_distance_km"`
	SampleCount        int                `json:"sample_count" bson:"sample_count"`
	Status             TripStatus         `json:"status" bson:"status"`
	IsValid            bool               `json:"is_valid" bson:"is_valid"`
	HasFraudFlag       bool               `json:"has_fraud_flag" bson:"has_fraud_flag"`
	Findings           []FraudFinding     `json:"findings,omitempty" bson:"findings,omitempty"`
	Override           *Override          `json:"override,omitempty" bson:"override,omitempty"`
	CreatedAt          time.Time          `json:"created_at" bson:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at" bson:"updated_at"`
}

// ClaimEligible reports whether a petrol claim may be raised against the trip.
func (t *Trip) ClaimEligible() bool {
	if t.Status != TripCompleted {
		return false
	}
	if t.HasFraudFlag || !t.IsValid {
		return t.Override != nil
	}
	return true
}
