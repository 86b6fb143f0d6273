package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ukydev/fieldtrack/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection names.
const (
	SamplesCollection   = "location_samples"
	TripsCollection     = "trips"
	VisitsCollection    = "visits"
	ClaimsCollection    = "petrol_claims"
	AuditCollectionName = "audit_log"
	CustomersCollection = "customers"
	SettingsCollection  = "company_settings"
)

// ConnectMongo connects to MongoDB and verifies the connection with a ping.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo.Connect error: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo.Ping error: %w", err)
	}
	return client, nil
}

// MongoStore implements Store on a MongoDB database.
type MongoStore struct {
	Samples   *mongo.Collection
	Trips     *mongo.Collection
	Visits    *mongo.Collection
	Claims    *mongo.Collection
	Audit     *mongo.Collection
	Customers *mongo.Collection
	Settings  *mongo.Collection
}

func NewMongoStore(database *mongo.Database) *MongoStore {
	return &MongoStore{
		Samples:   database.Collection(SamplesCollection),
		Trips:     database.Collection(TripsCollection),
		Visits:    database.Collection(VisitsCollection),
		Claims:    database.Collection(ClaimsCollection),
		Audit:     database.Collection(AuditCollectionName),
		Customers: database.Collection(CustomersCollection),
		Settings:  database.Collection(SettingsCollection),
	}
}

// EnsureIndexes creates the query indexes and the partial unique indexes that
// back the one-open-trip and one-open-visit rules.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	specs := []struct {
		coll   *mongo.Collection
		models []mongo.IndexModel
	}{
		{s.Samples, []mongo.IndexModel{
			{Keys: bson.D{{Key: "trip_id", Value: 1}, {Key: "timestamp", Value: 1}}},
			{Keys: bson.D{{Key: "engineer_id", Value: 1}, {Key: "timestamp", Value: -1}}},
		}},
		{s.Trips, []mongo.IndexModel{
			{Keys: bson.D{{Key: "engineer_id", Value: 1}, {Key: "start_time", Value: -1}}},
			{
				Keys: bson.D{{Key: "engineer_id", Value: 1}},
				Options: options.Index().SetName("one_open_trip").SetUnique(true).
					SetPartialFilterExpression(bson.M{"status": models.TripInProgress}),
			},
		}},
		{s.Visits, []mongo.IndexModel{
			{Keys: bson.D{{Key: "trip_id", Value: 1}, {Key: "check_in_time", Value: 1}}},
			{
				Keys: bson.D{{Key: "engineer_id", Value: 1}},
				Options: options.Index().SetName("one_open_visit").SetUnique(true).
					SetPartialFilterExpression(bson.M{"status": models.VisitOpen}),
			},
		}},
		{s.Claims, []mongo.IndexModel{
			{Keys: bson.D{{Key: "trip_id", Value: 1}, {Key: "status", Value: 1}}},
		}},
		{s.Audit, []mongo.IndexModel{
			{Keys: bson.D{{Key: "entity_id", Value: 1}, {Key: "at", Value: 1}}},
		}},
	}
	for _, spec := range specs {
		if spec.coll == nil {
			return errNilCollection
		}
		if _, err := spec.coll.Indexes().CreateMany(ctx, spec.models); err != nil {
			return fmt.Errorf("create indexes on %s: %w", spec.coll.Name(), err)
		}
	}
	return nil
}

func filterDoc(f Filter, timeField string) bson.M {
	doc := bson.M{}
	if f.EngineerID != "" {
		doc["engineer_id"] = f.EngineerID
	}
	if f.CompanyID != "" {
		doc["company_id"] = f.CompanyID
	}
	if !f.From.IsZero() || !f.To.IsZero() {
		rng := bson.M{}
		if !f.From.IsZero() {
			rng["$gte"] = f.From
		}
		if !f.To.IsZero() {
			rng["$lte"] = f.To
		}
		doc[timeField] = rng
	}
	if f.Status != "" {
		doc["status"] = f.Status
	}
	if f.FraudOnly {
		doc["has_fraud_flag"] = true
	}
	return doc
}

func newestFirst(timeField string, limit int64) *options.FindOptions {
	opts := options.Find().SetSort(bson.D{{Key: timeField, Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	return opts
}

func findAll[T any](ctx context.Context, c *mongo.Collection, filter interface{}, opts ...*options.FindOptions) ([]T, error) {
	if c == nil {
		return nil, errNilCollection
	}
	cursor, err := c.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	out := []T{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func findOne[T any](ctx context.Context, c *mongo.Collection, filter interface{}) (*T, error) {
	if c == nil {
		return nil, errNilCollection
	}
	var out T
	if err := c.FindOne(ctx, filter).Decode(&out); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

func insert(ctx context.Context, c *mongo.Collection, doc interface{}) error {
	if c == nil {
		return errNilCollection
	}
	if _, err := c.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %v", ErrDuplicate, err)
		}
		return err
	}
	return nil
}

func replace(ctx context.Context, c *mongo.Collection, id interface{}, doc interface{}) error {
	if c == nil {
		return errNilCollection
	}
	result, err := c.ReplaceOne(ctx, bson.M{"_id": id}, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %v", ErrDuplicate, err)
		}
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertSample appends a sample to the trace.
func (s *MongoStore) InsertSample(ctx context.Context, sample *models.LocationSample) error {
	if sample.ID.IsZero() {
		sample.ID = primitive.NewObjectID()
	}
	return insert(ctx, s.Samples, sample)
}

func (s *MongoStore) FindTripSamples(ctx context.Context, tripID primitive.ObjectID) ([]models.LocationSample, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	return findAll[models.LocationSample](ctx, s.Samples, bson.M{"trip_id": tripID}, opts)
}

func (s *MongoStore) LatestSamples(ctx context.Context, since time.Time) ([]models.LocationSample, error) {
	if s.Samples == nil {
		return nil, errNilCollection
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"timestamp": bson.M{"$gte": since}}}},
		{{Key: "$sort", Value: bson.D{{Key: "timestamp", Value: -1}}}},
		{{Key: "$group", Value: bson.M{"_id": "$engineer_id", "latest": bson.M{"$first": "$$ROOT"}}}},
		{{Key: "$replaceRoot", Value: bson.M{"newRoot": "$latest"}}},
	}
	cursor, err := s.Samples.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	out := []models.LocationSample{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// InsertTrip stores a new trip, assigning an id when missing.
func (s *MongoStore) InsertTrip(ctx context.Context, trip *models.Trip) error {
	if trip.ID.IsZero() {
		trip.ID = primitive.NewObjectID()
	}
	return insert(ctx, s.Trips, trip)
}

func (s *MongoStore) UpdateTrip(ctx context.Context, trip *models.Trip) error {
	return replace(ctx, s.Trips, trip.ID, trip)
}

func (s *MongoStore) FindTripByID(ctx context.Context, id primitive.ObjectID) (*models.Trip, error) {
	return findOne[models.Trip](ctx, s.Trips, bson.M{"_id": id})
}

func (s *MongoStore) FindTrips(ctx context.Context, f Filter) ([]models.Trip, error) {
	return findAll[models.Trip](ctx, s.Trips, filterDoc(f, "start_time"), newestFirst("start_time", f.Limit))
}

func (s *MongoStore) FindOpenTrips(ctx context.Context) ([]models.Trip, error) {
	return findAll[models.Trip](ctx, s.Trips, bson.M{"status": models.TripInProgress})
}

func (s *MongoStore) CountTripsSince(ctx context.Context, engineerID string, since time.Time) (int64, error) {
	if s.Trips == nil {
		return 0, errNilCollection
	}
	return s.Trips.CountDocuments(ctx, bson.M{"engineer_id": engineerID, "start_time": bson.M{"$gte": since}})
}

func (s *MongoStore) InsertVisit(ctx context.Context, v *models.Visit) error {
	if v.ID.IsZero() {
		v.ID = primitive.NewObjectID()
	}
	return insert(ctx, s.Visits, v)
}

func (s *MongoStore) UpdateVisit(ctx context.Context, v *models.Visit) error {
	return replace(ctx, s.Visits, v.ID, v)
}

func (s *MongoStore) FindVisitByID(ctx context.Context, id primitive.ObjectID) (*models.Visit, error) {
	return findOne[models.Visit](ctx, s.Visits, bson.M{"_id": id})
}

func (s *MongoStore) FindVisits(ctx context.Context, f Filter) ([]models.Visit, error) {
	return findAll[models.Visit](ctx, s.Visits, filterDoc(f, "check_in_time"), newestFirst("check_in_time", f.Limit))
}

func (s *MongoStore) FindOpenVisits(ctx context.Context) ([]models.Visit, error) {
	return findAll[models.Visit](ctx, s.Visits, bson.M{"status": models.VisitOpen})
}

func (s *MongoStore) FindVisitsByTrip(ctx context.Context, tripID primitive.ObjectID) ([]models.Visit, error) {
	opts := options.Find().SetSort(bson.D{{Key: "check_in_time", Value: 1}})
	return findAll[models.Visit](ctx, s.Visits, bson.M{"trip_id": tripID}, opts)
}

func (s *MongoStore) InsertClaim(ctx context.Context, c *models.PetrolClaim) error {
	if c.ID.IsZero() {
		c.ID = primitive.NewObjectID()
	}
	return insert(ctx, s.Claims, c)
}

func (s *MongoStore) UpdateClaim(ctx context.Context, c *models.PetrolClaim) error {
	return replace(ctx, s.Claims, c.ID, c)
}

func (s *MongoStore) FindClaimByID(ctx context.Context, id primitive.ObjectID) (*models.PetrolClaim, error) {
	return findOne[models.PetrolClaim](ctx, s.Claims, bson.M{"_id": id})
}

func (s *MongoStore) FindClaims(ctx context.Context, f Filter) ([]models.PetrolClaim, error) {
	return findAll[models.PetrolClaim](ctx, s.Claims, filterDoc(f, "claim_date"), newestFirst("claim_date", f.Limit))
}

func (s *MongoStore) FindActiveClaimForTrip(ctx context.Context, tripID primitive.ObjectID) (*models.PetrolClaim, error) {
	return findOne[models.PetrolClaim](ctx, s.Claims, bson.M{
		"trip_id": tripID,
		"status":  bson.M{"$ne": models.ClaimRejected},
	})
}

func (s *MongoStore) InsertAudit(ctx context.Context, e models.AuditEntry) error {
	return insert(ctx, s.Audit, e)
}

func (s *MongoStore) FindAudit(ctx context.Context, entityID string) ([]models.AuditEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "at", Value: 1}})
	return findAll[models.AuditEntry](ctx, s.Audit, bson.M{"entity_id": entityID}, opts)
}

func (s *MongoStore) FindCustomer(ctx context.Context, id string) (*models.Customer, error) {
	return findOne[models.Customer](ctx, s.Customers, bson.M{"_id": id})
}

func (s *MongoStore) UpsertCustomer(ctx context.Context, c models.Customer) error {
	if s.Customers == nil {
		return errNilCollection
	}
	_, err := s.Customers.ReplaceOne(ctx, bson.M{"_id": c.ID}, c, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) FindCompanySettings(ctx context.Context, companyID string) (*models.CompanySettings, error) {
	return findOne[models.CompanySettings](ctx, s.Settings, bson.M{"_id": companyID})
}

func (s *MongoStore) UpsertCompanySettings(ctx context.Context, cs models.CompanySettings) error {
	if s.Settings == nil {
		return errNilCollection
	}
	_, err := s.Settings.ReplaceOne(ctx, bson.M{"_id": cs.CompanyID}, cs, options.Replace().SetUpsert(true))
	return err
}

var _ Store = (*MongoStore)(nil)
