package models

import "time"

// FraudReason names the rule that flagged a trip or visit.
type FraudReason string

const (
	ReasonDistanceMismatch FraudReason = "distance_mismatch"
	ReasonSpeedAnomaly     FraudReason = "speed_anomaly"
	ReasonTeleportation    FraudReason = "teleportation"
	ReasonOutsideGeofence  FraudReason = "outside_geofence"
	ReasonNoOpenTrip       FraudReason = "no_open_trip"
	ReasonDwellTooShort    FraudReason = "dwell_too_short"
	ReasonDwellTooLong     FraudReason = "dwell_too_long"
)

// FraudFinding is one rule hit with a human readable detail.
type FraudFinding struct {
	Reason FraudReason `bson:"reason" json:"reason"`
	Detail string      `bson:"detail" json:"detail"`
}

// Override lets a flagged entity pass a gate it would otherwise fail.
type Override struct {
	Actor  string    `bson:"actor" json:"actor"`
	Reason string    `bson:"reason" json:"reason"`
	At     time.Time `bson:"at" json:"at"`
}

// HasReason reports whether findings contain reason.
func HasReason(findings []FraudFinding, reason FraudReason) bool {
	for _, f := range findings {
		if f.Reason == reason {
			return true
		}
	}
	return false
}
