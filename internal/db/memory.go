package db

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ukydev/fieldtrack/internal/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MemoryStore is an in-process Store used by tests and by single-node runs
// without MongoDB. It enforces the same uniqueness rules as the Mongo indexes.
type MemoryStore struct {
	mu        sync.RWMutex
	samples   map[string][]models.LocationSample
	trips     map[primitive.ObjectID]models.Trip
	visits    map[primitive.ObjectID]models.Visit
	claims    map[primitive.ObjectID]models.PetrolClaim
	audit     map[string][]models.AuditEntry
	customers map[string]models.Customer
	settings  map[string]models.CompanySettings
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		samples:   make(map[string][]models.LocationSample),
		trips:     make(map[primitive.ObjectID]models.Trip),
		visits:    make(map[primitive.ObjectID]models.Visit),
		claims:    make(map[primitive.ObjectID]models.PetrolClaim),
		audit:     make(map[string][]models.AuditEntry),
		customers: make(map[string]models.Customer),
		settings:  make(map[string]models.CompanySettings),
	}
}

func limit[T any](items []T, n int64) []T {
	if n > 0 && int64(len(items)) > n {
		return items[:n]
	}
	return items
}

func (m *MemoryStore) InsertSample(_ context.Context, s *models.LocationSample) error {
	if s.ID.IsZero() {
		s.ID = primitive.NewObjectID()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[s.EngineerID] = append(m.samples[s.EngineerID], *s)
	return nil
}

func (m *MemoryStore) FindTripSamples(_ context.Context, tripID primitive.ObjectID) ([]models.LocationSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.LocationSample{}
	for _, trace := range m.samples {
		for _, s := range trace {
			if s.TripID != nil && *s.TripID == tripID {
				out = append(out, s)
			}
		}
	}
	slices.SortStableFunc(out, func(a, b models.LocationSample) int { return a.Timestamp.Compare(b.Timestamp) })
	return out, nil
}

func (m *MemoryStore) LatestSamples(_ context.Context, since time.Time) ([]models.LocationSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.LocationSample{}
	for _, trace := range m.samples {
		var latest *models.LocationSample
		for i := range trace {
			if trace[i].Timestamp.Before(since) {
				continue
			}
			if latest == nil || trace[i].Timestamp.After(latest.Timestamp) {
				latest = &trace[i]
			}
		}
		if latest != nil {
			out = append(out, *latest)
		}
	}
	return out, nil
}

func (m *MemoryStore) InsertTrip(_ context.Context, trip *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if trip.Status == models.TripInProgress {
		for _, t := range m.trips {
			if t.EngineerID == trip.EngineerID && t.Status == models.TripInProgress {
				return fmt.Errorf("%w: engineer %s already has trip %s open", ErrDuplicate, trip.EngineerID, t.ID.Hex())
			}
		}
	}
	if trip.ID.IsZero() {
		trip.ID = primitive.NewObjectID()
	}
	m.trips[trip.ID] = *trip
	return nil
}

func (m *MemoryStore) UpdateTrip(_ context.Context, trip *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[trip.ID]; !ok {
		return ErrNotFound
	}
	m.trips[trip.ID] = *trip
	return nil
}

func (m *MemoryStore) FindTripByID(_ context.Context, id primitive.ObjectID) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (m *MemoryStore) FindTrips(_ context.Context, f Filter) ([]models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.Trip{}
	for _, t := range m.trips {
		if f.matches(t.EngineerID, t.CompanyID, t.StartTime, string(t.Status), t.HasFraudFlag) {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b models.Trip) int { return b.StartTime.Compare(a.StartTime) })
	return limit(out, f.Limit), nil
}

func (m *MemoryStore) FindOpenTrips(ctx context.Context) ([]models.Trip, error) {
	return m.FindTrips(ctx, Filter{Status: string(models.TripInProgress)})
}

func (m *MemoryStore) CountTripsSince(_ context.Context, engineerID string, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, t := range m.trips {
		if t.EngineerID == engineerID && !t.StartTime.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) InsertVisit(_ context.Context, v *models.Visit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.Status == models.VisitOpen {
		for _, o := range m.visits {
			if o.EngineerID == v.EngineerID && o.Status == models.VisitOpen {
				return fmt.Errorf("%w: engineer %s already has visit %s open", ErrDuplicate, v.EngineerID, o.ID.Hex())
			}
		}
	}
	if v.ID.IsZero() {
		v.ID = primitive.NewObjectID()
	}
	m.visits[v.ID] = *v
	return nil
}

func (m *MemoryStore) UpdateVisit(_ context.Context, v *models.Visit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.visits[v.ID]; !ok {
		return ErrNotFound
	}
	m.visits[v.ID] = *v
	return nil
}

func (m *MemoryStore) FindVisitByID(_ context.Context, id primitive.ObjectID) (*models.Visit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.visits[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

func (m *MemoryStore) FindVisits(_ context.Context, f Filter) ([]models.Visit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.Visit{}
	for _, v := range m.visits {
		if f.matches(v.EngineerID, v.CompanyID, v.CheckInTime, string(v.Status), v.HasFraudFlag) {
			out = append(out, v)
		}
	}
	slices.SortFunc(out, func(a, b models.Visit) int { return b.CheckInTime.Compare(a.CheckInTime) })
	return limit(out, f.Limit), nil
}

func (m *MemoryStore) FindOpenVisits(ctx context.Context) ([]models.Visit, error) {
	return m.FindVisits(ctx, Filter{Status: string(models.VisitOpen)})
}

func (m *MemoryStore) FindVisitsByTrip(_ context.Context, tripID primitive.ObjectID) ([]models.Visit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.Visit{}
	for _, v := range m.visits {
		if v.TripID != nil && *v.TripID == tripID {
			out = append(out, v)
		}
	}
	slices.SortFunc(out, func(a, b models.Visit) int { return a.CheckInTime.Compare(b.CheckInTime) })
	return out, nil
}

func (m *MemoryStore) InsertClaim(_ context.Context, c *models.PetrolClaim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID.IsZero() {
		c.ID = primitive.NewObjectID()
	}
	m.claims[c.ID] = *c
	return nil
}

func (m *MemoryStore) UpdateClaim(_ context.Context, c *models.PetrolClaim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claims[c.ID]; !ok {
		return ErrNotFound
	}
	m.claims[c.ID] = *c
	return nil
}

func (m *MemoryStore) FindClaimByID(_ context.Context, id primitive.ObjectID) (*models.PetrolClaim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.claims[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *MemoryStore) FindClaims(_ context.Context, f Filter) ([]models.PetrolClaim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.PetrolClaim{}
	for _, c := range m.claims {
		if f.matches(c.EngineerID, c.CompanyID, c.ClaimDate, string(c.Status), c.HasFraudFlag) {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b models.PetrolClaim) int {
		return cmp.Or(b.ClaimDate.Compare(a.ClaimDate), b.CreatedAt.Compare(a.CreatedAt))
	})
	return limit(out, f.Limit), nil
}

func (m *MemoryStore) FindActiveClaimForTrip(_ context.Context, tripID primitive.ObjectID) (*models.PetrolClaim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.claims {
		if c.TripID == tripID && c.Status != models.ClaimRejected {
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) InsertAudit(_ context.Context, e models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit[e.EntityID] = append(m.audit[e.EntityID], e)
	return nil
}

func (m *MemoryStore) FindAudit(_ context.Context, entityID string) ([]models.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.AuditEntry{}, m.audit[entityID]...), nil
}

func (m *MemoryStore) FindCustomer(_ context.Context, id string) (*models.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.customers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *MemoryStore) UpsertCustomer(_ context.Context, c models.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customers[c.ID] = c
	return nil
}

func (m *MemoryStore) FindCompanySettings(_ context.Context, companyID string) (*models.CompanySettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settings[companyID]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) UpsertCompanySettings(_ context.Context, s models.CompanySettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[s.CompanyID] = s
	return nil
}

var _ Store = (*MemoryStore)(nil)
