package tracker

import (
	"context"
	"slices"
	"strings"

	"github.com/ukydev/fieldtrack/internal/db"
	"github.com/ukydev/fieldtrack/internal/models"
)

// EngineerSummary aggregates one engineer's trips, visits and claims over a
// date range.
type EngineerSummary struct {
	EngineerID     string  `json:"engineer_id"`
	Trips          int     `json:"trips"`
	CompletedTrips int     `json:"completed_trips"`
	FlaggedTrips   int     `json:"flagged_trips"`
	DeclaredKm     float64 `json:"declared_km"`
	SystemKm       float64 `json:"system_km"`
	Visits         int     `json:"visits"`
	FlaggedVisits  int     `json:"flagged_visits"`
	VisitSeconds   int64   `json:"visit_seconds"`
	Claims         int     `json:"claims"`
	ClaimedAmount  float64 `json:"claimed_amount"`
	ApprovedAmount float64 `json:"approved_amount"`
	PaidAmount     float64 `json:"paid_amount"`
	RejectedClaims int     `json:"rejected_claims"`
	FlaggedClaims  int     `json:"flagged_claims"`
}

// Summary groups trips, visits and claims matching f by engineer. The
// filter's limit is ignored.
func (e *Engine) Summary(ctx context.Context, f db.Filter) ([]EngineerSummary, error) {
	f.Limit = 0
	f.Status = ""
	f.FraudOnly = false

	trips, err := e.store.FindTrips(ctx, f)
	if err != nil {
		return nil, err
	}
	visits, err := e.store.FindVisits(ctx, f)
	if err != nil {
		return nil, err
	}
	claims, err := e.store.FindClaims(ctx, f)
	if err != nil {
		return nil, err
	}

	rows := make(map[string]*EngineerSummary)
	row := func(id string) *EngineerSummary {
		r, ok := rows[id]
		if !ok {
			r = &EngineerSummary{EngineerID: id}
			rows[id] = r
		}
		return r
	}

	for _, t := range trips {
		r := row(t.EngineerID)
		r.Trips++
		if t.Status != models.TripCompleted {
			continue
		}
		r.CompletedTrips++
		r.DeclaredKm += t.DeclaredDistanceKm
		r.SystemKm += t.SystemDistanceKm
		if t.HasFraudFlag {
			r.FlaggedTrips++
		}
	}
	for _, v := range visits {
		r := row(v.EngineerID)
		r.Visits++
		r.VisitSeconds += v.DurationSeconds
		if v.HasFraudFlag {
			r.FlaggedVisits++
		}
	}
	for _, c := range claims {
		r := row(c.EngineerID)
		r.Claims++
		if c.HasFraudFlag {
			r.FlaggedClaims++
		}
		switch c.Status {
		case models.ClaimRejected:
			r.RejectedClaims++
			continue
		case models.ClaimPaid:
			if c.ApprovedAmount != nil {
				r.PaidAmount += *c.ApprovedAmount
			}
		}
		r.ClaimedAmount += c.ClaimedAmount
		if c.ApprovedAmount != nil {
			r.ApprovedAmount += *c.ApprovedAmount
		}
	}

	out := make([]EngineerSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r)
	}
	slices.SortFunc(out, func(a, b EngineerSummary) int { return strings.Compare(a.EngineerID, b.EngineerID) })
	return out, nil
}
