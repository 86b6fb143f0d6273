// Package fraud holds the anomaly rules applied to completed trips and
// closed visits. Rules never fail: a suspicious entity yields findings, and
// the caller records them as data.
package fraud

import (
	"fmt"
	"math"
	"time"

	"github.com/ukydev/fieldtrack/internal/geo"
	"github.com/ukydev/fieldtrack/internal/models"
)

// Policy carries the rule thresholds.
type Policy struct {
	SpeedCeilingKmh     float64
	DistanceTolerance   float64 // fraction, 0.2 == 20%
	DistanceEpsilonKm   float64 // floor for the mismatch denominator
	MinDwell            time.Duration
	MaxDwell            time.Duration
	GeofenceRadiusKm    float64
	RequireTripForVisit bool
}

func DefaultPolicy() Policy {
	return Policy{
		SpeedCeilingKmh:   140,
		DistanceTolerance: 0.20,
		DistanceEpsilonKm: 0.5,
		MinDwell:          3 * time.Minute,
		MaxDwell:          8 * time.Hour,
		GeofenceRadiusKm:  0.3,
	}
}

// EvaluateTrip runs the trip rules against the filtered trace analysis.
// The trip must carry its end odometer reading and system distance.
func EvaluateTrip(trip *models.Trip, analysis geo.Analysis, p Policy) []models.FraudFinding {
	var findings []models.FraudFinding

	if trip.EndKm != nil {
		if f, ok := distanceMismatch(trip.DeclaredDistanceKm, trip.SystemDistanceKm, p); ok {
			findings = append(findings, f)
		}
	}

	if analysis.MaxSpeedKmh > p.SpeedCeilingKmh {
		over := 0
		for _, s := range analysis.Segments {
			if s.SpeedKmh > p.SpeedCeilingKmh {
				over++
			}
		}
		findings = append(findings, models.FraudFinding{
			Reason: models.ReasonSpeedAnomaly,
			Detail: fmt.Sprintf("%d segment(s) above %.0f km/h, max %.1f km/h", over, p.SpeedCeilingKmh, analysis.MaxSpeedKmh),
		})
	}

	if n := len(analysis.Teleports); n > 0 {
		longest := analysis.Teleports[0]
		for _, tp := range analysis.Teleports[1:] {
			if tp.DistanceKm > longest.DistanceKm {
				longest = tp
			}
		}
		findings = append(findings, models.FraudFinding{
			Reason: models.ReasonTeleportation,
			Detail: fmt.Sprintf("%d jump(s), longest %.2f km at %s", n, longest.DistanceKm, longest.At.UTC().Format(time.RFC3339)),
		})
	}

	return findings
}

func distanceMismatch(declared, system float64, p Policy) (models.FraudFinding, bool) {
	ratio := math.Abs(declared-system) / math.Max(system, p.DistanceEpsilonKm)
	if ratio <= p.DistanceTolerance {
		return models.FraudFinding{}, false
	}
	return models.FraudFinding{
		Reason: models.ReasonDistanceMismatch,
		Detail: fmt.Sprintf("declared %.2f km, measured %.2f km (%.0f%% off, tolerance %.0f%%)",
			declared, system, ratio*100, p.DistanceTolerance*100),
	}, true
}

// EvaluateVisit runs the visit rules. customer may be nil when the directory
// has no entry, in which case the geofence rule is skipped.
func EvaluateVisit(v *models.Visit, customer *models.Customer, p Policy) []models.FraudFinding {
	var findings []models.FraudFinding

	if customer != nil && customer.Location != nil {
		for _, pt := range []struct {
			name string
			loc  *models.Location
		}{
			{"check-in", v.CheckInLocation},
			{"check-out", v.CheckOutLocation},
		} {
			if pt.loc == nil {
				continue
			}
			if d := geo.HaversineKm(*pt.loc, *customer.Location); d > p.GeofenceRadiusKm {
				findings = append(findings, models.FraudFinding{
					Reason: models.ReasonOutsideGeofence,
					Detail: fmt.Sprintf("%s %.2f km from %s (radius %.2f km)", pt.name, d, customer.ID, p.GeofenceRadiusKm),
				})
				break
			}
		}
	}

	if p.RequireTripForVisit && v.TripID == nil {
		findings = append(findings, models.FraudFinding{
			Reason: models.ReasonNoOpenTrip,
			Detail: "visit recorded without an open trip",
		})
	}

	if v.CheckOutTime != nil {
		d := v.CheckOutTime.Sub(v.CheckInTime)
		switch {
		case d < p.MinDwell:
			findings = append(findings, models.FraudFinding{
				Reason: models.ReasonDwellTooShort,
				Detail: fmt.Sprintf("dwell %s below minimum %s", d, p.MinDwell),
			})
		case d > p.MaxDwell:
			findings = append(findings, models.FraudFinding{
				Reason: models.ReasonDwellTooLong,
				Detail: fmt.Sprintf("dwell %s above maximum %s", d, p.MaxDwell),
			})
		}
	}

	return findings
}

// ApplyTrip records findings on the trip. A completed trip stays valid only
// while it has no findings.
func ApplyTrip(trip *models.Trip, findings []models.FraudFinding) {
	trip.Findings = findings
	trip.HasFraudFlag = len(findings) > 0
	trip.IsValid = !trip.HasFraudFlag
}

// ApplyVisit records findings on the visit.
func ApplyVisit(v *models.Visit, findings []models.FraudFinding) {
	v.Findings = findings
	v.HasFraudFlag = len(findings) > 0
	v.IsValid = !v.HasFraudFlag
}

// Reasons flattens findings for logging and event payloads.
func Reasons(findings []models.FraudFinding) []string {
	out := make([]string, 0, len(findings))
	for _, f := range findings {
		out = append(out, string(f.Reason))
	}
	return out
}
