package tracker

import (
	"time"

	"github.com/ukydev/fieldtrack/internal/config"
	"github.com/ukydev/fieldtrack/internal/fraud"
	"github.com/ukydev/fieldtrack/internal/geo"
)

// Policy gathers the business thresholds the engine runs with.
type Policy struct {
	FreshnessWindow  time.Duration
	ClockSkew        time.Duration
	AllowIdleCheckIn bool
	Filter           geo.FilterParams
	Fraud            fraud.Policy
}

func DefaultPolicy() Policy {
	return Policy{
		FreshnessWindow:  120 * time.Second,
		ClockSkew:        30 * time.Second,
		AllowIdleCheckIn: true,
		Filter: geo.FilterParams{
			JitterSpeedKmh: 250,
			NoiseFloorKm:   0.02,
			TeleportKm:     5,
		},
		Fraud: fraud.DefaultPolicy(),
	}
}

// PolicyFromConfig maps the policy section of the service config.
func PolicyFromConfig(c config.PolicyConfig) Policy {
	return Policy{
		FreshnessWindow:  c.FreshnessWindow,
		ClockSkew:        c.ClockSkew,
		AllowIdleCheckIn: c.AllowIdleCheckIn,
		Filter: geo.FilterParams{
			JitterSpeedKmh: c.JitterSpeedKmh,
			NoiseFloorKm:   c.NoiseFloorKm,
			TeleportKm:     c.TeleportKm,
		},
		Fraud: fraud.Policy{
			SpeedCeilingKmh:     c.SpeedCeilingKmh,
			DistanceTolerance:   c.DistanceTolerance,
			DistanceEpsilonKm:   c.DistanceEpsilonKm,
			MinDwell:            c.MinDwell,
			MaxDwell:            c.MaxDwell,
			GeofenceRadiusKm:    c.GeofenceRadiusKm,
			RequireTripForVisit: c.RequireTripForVisit,
		},
	}
}
