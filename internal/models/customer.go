package models

import "time"

// Customer is the slice of the customer directory the geofence check needs.
type Customer struct {
	ID        string    `json:"id" bson:"_id"`
	CompanyID string    `json:"company_id" bson:"company_id"`
	Name      string    `json:"name" bson:"name"`
	Address   string    `json:"address" bson:"address"`
	Location  *Location `json:"location,omitempty" bson:"location,omitempty"`
}

// CompanySettings carries per-company reimbursement configuration.
type CompanySettings struct {
	CompanyID       string    `json:"company_id" bson:"_id"`
	PetrolRatePerKm float64   `json:"petrol_rate_per_km" bson:"petrol_rate_per_km"`
	Currency        string    `json:"currency" bson:"currency"`
	UpdatedAt       time.Time `json:"updated_at" bson:"updated_at"`
}
