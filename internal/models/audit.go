package models

import "time"

// AuditEntry records an override, a claim transition or a retroactive re-flag.
type AuditEntry struct {
	ID         string    `json:"id" bson:"_id"`
	EntityType string    `json:"entity_type" bson:"entity_type"` // "trip", "visit", "claim"
	EntityID   string    `json:"entity_id" bson:"entity_id"`
	Action     string    `json:"action" bson:"action"`
	Actor      string    `json:"actor" bson:"actor"`
	Reason     string    `json:"reason,omitempty" bson:"reason,omitempty"`
	Override   bool      `json:"override" bson:"override"`
	At         time.Time `json:"at" bson:"at"`
}
