package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ClaimStatus is the settlement state of a petrol claim.
type ClaimStatus string

const (
	ClaimDraft     ClaimStatus = "draft"
	ClaimSubmitted ClaimStatus = "submitted"
	ClaimApproved  ClaimStatus = "approved"
	ClaimRejected  ClaimStatus = "rejected"
	ClaimPaid      ClaimStatus = "paid"
)

// IsTerminal reports whether no further transition is possible.
func (s ClaimStatus) IsTerminal() bool {
	return s == ClaimRejected || s == ClaimPaid
}

// PetrolClaim is a fuel reimbursement request for exactly one trip.
type PetrolClaim struct {
	ID                 primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	ClaimNumber        string             `json:"claim_number" bson:"claim_number"`
	EngineerID         string             `json:"engineer_id" bson:"engineer_id"`
	CompanyID          string             `json:"company_id" bson:"company_id"`
	TripID             primitive.ObjectID `json:"trip_id" bson:"trip_id"`
	ClaimDate          time.Time          `json:"claim_date" bson:"claim_date"`
	EligibleDistanceKm float64            `json:"eligible_distance_km" bson:"eligible_distance_km"` // always the trip's system distance
	RatePerKm          float64            `json:"rate_per_km" bson:"rate_per_km"`                   // locked at submission
	ClaimedAmount      float64            `json:"claimed_amount" bson:"claimed_amount"`
	ApprovedAmount     *float64           `json:"approved_amount,omitempty" bson:"approved_amount,omitempty"`
	Status             ClaimStatus        `json:"status" bson:"status"`
	HasFraudFlag       bool               `json:"has_fraud_flag" bson:"has_fraud_flag"`
	RejectionReason    string             `json:"rejection_reason,omitempty" bson:"rejection_reason,omitempty"`
	ApprovalOverride   *Override          `json:"approval_override,omitempty" bson:"approval_override,omitempty"`
	PaymentOverride    *Override          `json:"payment_override,omitempty" bson:"payment_override,omitempty"`
	SubmittedAt        *time.Time         `json:"submitted_at,omitempty" bson:"submitted_at,omitempty"`
	ApprovedAt         *time.Time         `json:"approved_at,omitempty" bson:"approved_at,omitempty"`
	RejectedAt         *time.Time         `json:"rejected_at,omitempty" bson:"rejected_at,omitempty"`
	PaidAt             *time.Time         `json:"paid_at,omitempty" bson:"paid_at,omitempty"`
	CreatedAt          time.Time          `json:"created_at" bson:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at" bson:"updated_at"`
}
