package db

import (
	"context"
	"errors"
	"time"

	"github.com/ukydev/fieldtrack/internal/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	// ErrNotFound is returned when a lookup by id matches nothing.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert would break a uniqueness rule,
	// such as a second open trip or visit for the same engineer.
	ErrDuplicate = errors.New("duplicate")
	errNilCollection = errors.New("mongo collection is nil")
)

// Filter narrows list queries. Zero values mean "no constraint". Results are
// always ordered newest first.
type Filter struct {
	EngineerID string
	CompanyID  string
	From       time.Time
	To         time.Time
	Status     string
	FraudOnly  bool
	Limit      int64
}

func (f Filter) matches(engineerID, companyID string, at time.Time, status string, flagged bool) bool {
	switch {
	case f.EngineerID != "" && f.EngineerID != engineerID:
		return false
	case f.CompanyID != "" && f.CompanyID != companyID:
		return false
	case !f.From.IsZero() && at.Before(f.From):
		return false
	case !f.To.IsZero() && at.After(f.To):
		return false
	case f.Status != "" && f.Status != status:
		return false
	case f.FraudOnly && !flagged:
		return false
	}
	return true
}

// SampleCollection stores the raw location trace.
type SampleCollection interface {
	InsertSample(ctx context.Context, s *models.LocationSample) error
	// FindTripSamples returns a trip's trace in timestamp order.
	FindTripSamples(ctx context.Context, tripID primitive.ObjectID) ([]models.LocationSample, error)
	// LatestSamples returns the newest sample per engineer seen since the given time.
	LatestSamples(ctx context.Context, since time.Time) ([]models.LocationSample, error)
}

// TripCollection stores trips.
type TripCollection interface {
	InsertTrip(ctx context.Context, trip *models.Trip) error
	UpdateTrip(ctx context.Context, trip *models.Trip) error
	FindTripByID(ctx context.Context, id primitive.ObjectID) (*models.Trip, error)
	FindTrips(ctx context.Context, f Filter) ([]models.Trip, error)
	FindOpenTrips(ctx context.Context) ([]models.Trip, error)
	CountTripsSince(ctx context.Context, engineerID string, since time.Time) (int64, error)
}

// VisitCollection stores customer visits.
type VisitCollection interface {
	InsertVisit(ctx context.Context, v *models.Visit) error
	UpdateVisit(ctx context.Context, v *models.Visit) error
	FindVisitByID(ctx context.Context, id primitive.ObjectID) (*models.Visit, error)
	FindVisits(ctx context.Context, f Filter) ([]models.Visit, error)
	FindOpenVisits(ctx context.Context) ([]models.Visit, error)
	// FindVisitsByTrip returns the visits bound to a trip in check-in order.
	FindVisitsByTrip(ctx context.Context, tripID primitive.ObjectID) ([]models.Visit, error)
}

// ClaimCollection stores petrol claims.
type ClaimCollection interface {
	InsertClaim(ctx context.Context, c *models.PetrolClaim) error
	UpdateClaim(ctx context.Context, c *models.PetrolClaim) error
	FindClaimByID(ctx context.Context, id primitive.ObjectID) (*models.PetrolClaim, error)
	FindClaims(ctx context.Context, f Filter) ([]models.PetrolClaim, error)
	// FindActiveClaimForTrip returns the trip's non-rejected claim or ErrNotFound.
	FindActiveClaimForTrip(ctx context.Context, tripID primitive.ObjectID) (*models.PetrolClaim, error)
}

// AuditCollection stores the audit trail.
type AuditCollection interface {
	InsertAudit(ctx context.Context, e models.AuditEntry) error
	FindAudit(ctx context.Context, entityID string) ([]models.AuditEntry, error)
}

// CustomerDirectory resolves customers to registered coordinates.
type CustomerDirectory interface {
	FindCustomer(ctx context.Context, id string) (*models.Customer, error)
	UpsertCustomer(ctx context.Context, c models.Customer) error
}

// SettingsStore holds per-company configuration.
type SettingsStore interface {
	FindCompanySettings(ctx context.Context, companyID string) (*models.CompanySettings, error)
	UpsertCompanySettings(ctx context.Context, s models.CompanySettings) error
}

// Store is everything the engine persists.
type Store interface {
	SampleCollection
	TripCollection
	VisitCollection
	ClaimCollection
	AuditCollection
	CustomerDirectory
	SettingsStore
}
