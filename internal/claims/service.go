// Package claims settles petrol claims against system-measured trip
// distance: draft, submitted, then approved or rejected, then paid.
package claims

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ukydev/fieldtrack/internal/db"
	"github.com/ukydev/fieldtrack/internal/events"
	"github.com/ukydev/fieldtrack/internal/idempotency"
	"github.com/ukydev/fieldtrack/internal/models"
	"github.com/ukydev/fieldtrack/internal/tracker"
)

type Action string

const (
	ActionCreate  Action = "create"
	ActionSubmit  Action = "submit"
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionPay     Action = "pay"
)

// Decision is a manager's input to approve, reject or pay. Override must be
// set, with a reason, to pass a fraud or amount gate.
type Decision struct {
	Actor    string
	Amount   *float64
	Reason   string
	Override bool
}

type Service struct {
	store  db.Store
	idem   idempotency.Store
	locks  *tracker.KeyedMutex
	audit  *tracker.AuditLog
	pub    events.Publisher
	logger log.FieldLogger
	keyTTL time.Duration
	now    func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithKeyTTL sets how long idempotency keys are remembered.
func WithKeyTTL(ttl time.Duration) Option {
	return func(s *Service) { s.keyTTL = ttl }
}

// NewService shares the engine's lock table and audit log so claim
// transitions and fraud audits of the same trip serialize.
func NewService(store db.Store, idem idempotency.Store, engine *tracker.Engine, pub events.Publisher, logger log.FieldLogger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		idem:   idem,
		locks:  engine.Locks(),
		audit:  engine.Audit(),
		pub:    pub,
		logger: logger,
		keyTTL: 24 * time.Hour,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func claimNumber(at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("PC-%s-%s", at.Format("20060102"), suffix)
}

func idemKey(action Action, scope, key string) string {
	return string(action) + ":" + scope + ":" + key
}

// CreateClaim opens a draft claim for a completed, eligible trip. The
// eligible distance is always the trip's system distance.
func (s *Service) CreateClaim(ctx context.Context, scope tracker.Scope, tripID primitive.ObjectID, key string) (claim *models.PetrolClaim, err error) {
	unlock := s.locks.Lock(tracker.TripKey(tripID.Hex()))
	defer unlock()

	claimID := primitive.NewObjectID()
	if key != "" {
		k := idemKey(ActionCreate, tripID.Hex(), key)
		existing, fresh, rerr := s.idem.Reserve(ctx, k, claimID.Hex(), s.keyTTL)
		if rerr != nil {
			return nil, rerr
		}
		if !fresh {
			return s.replay(ctx, existing)
		}
		defer s.releaseOnError(ctx, k, &err)
	}

	trip, err := s.store.FindTripByID(ctx, tripID)
	if errors.Is(err, db.ErrNotFound) || (err == nil && scope.EngineerID != "" && trip.EngineerID != scope.EngineerID) {
		return nil, tracker.Reject(tracker.ErrNotFound, "trip %s not found", tripID.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("load trip: %w", err)
	}
	if !trip.ClaimEligible() {
		return nil, tracker.Reject(tracker.ErrTripNotEligible, "trip %s is %s (fraud flag %t, override %t)",
			tripID.Hex(), trip.Status, trip.HasFraudFlag, trip.Override != nil)
	}
	active, err := s.store.FindActiveClaimForTrip(ctx, tripID)
	switch {
	case err == nil:
		return nil, tracker.Reject(tracker.ErrTripNotEligible, "trip %s already has claim %s (%s)", tripID.Hex(), active.ClaimNumber, active.Status)
	case !errors.Is(err, db.ErrNotFound):
		return nil, fmt.Errorf("load claims: %w", err)
	}

	now := s.now()
	claimDate := trip.StartTime
	if trip.EndTime != nil {
		claimDate = *trip.EndTime
	}
	claim = &models.PetrolClaim{
		ID:                 claimID,
		ClaimNumber:        claimNumber(claimDate),
		EngineerID:         trip.EngineerID,
		CompanyID:          trip.CompanyID,
		TripID:             trip.ID,
		ClaimDate:          claimDate,
		EligibleDistanceKm: trip.SystemDistanceKm,
		Status:             models.ClaimDraft,
		HasFraudFlag:       trip.HasFraudFlag,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err = s.store.InsertClaim(ctx, claim); err != nil {
		return nil, fmt.Errorf("store claim: %w", err)
	}
	s.record(ctx, claim, "created", actorOf(scope, trip.EngineerID), "", false)
	return claim, nil
}

func actorOf(scope tracker.Scope, fallback string) string {
	if scope.EngineerID != "" {
		return scope.EngineerID
	}
	return fallback
}

// Submit locks the amount at the company's current petrol rate.
func (s *Service) Submit(ctx context.Context, scope tracker.Scope, claimID primitive.ObjectID, key string) (*models.PetrolClaim, error) {
	return s.transition(ctx, claimID, ActionSubmit, key, func(c *models.PetrolClaim, trip *models.Trip) (string, bool, error) {
		if scope.EngineerID != "" && c.EngineerID != scope.EngineerID {
			return "", false, tracker.Reject(tracker.ErrNotFound, "claim %s not found", claimID.Hex())
		}
		if c.Status != models.ClaimDraft {
			return "", false, tracker.Reject(tracker.ErrClaimStateConflict, "claim %s is %s, submit needs draft", c.ClaimNumber, c.Status)
		}
		settings, err := s.store.FindCompanySettings(ctx, c.CompanyID)
		if errors.Is(err, db.ErrNotFound) || (err == nil && settings.PetrolRatePerKm <= 0) {
			return "", false, tracker.Reject(tracker.ErrClaimStateConflict, "company %s has no petrol rate configured", c.CompanyID)
		}
		if err != nil {
			return "", false, fmt.Errorf("load company settings: %w", err)
		}
		now := s.now()
		c.RatePerKm = settings.PetrolRatePerKm
		c.ClaimedAmount = c.EligibleDistanceKm * settings.PetrolRatePerKm
		c.HasFraudFlag = trip.HasFraudFlag
		c.Status = models.ClaimSubmitted
		c.SubmittedAt = &now
		return actorOf(scope, c.EngineerID), false, nil
	})
}

// Approve accepts the claim at the claimed amount or a lower one. A higher
// amount, or any approval while the trip is fraud-flagged, needs an
// override on this decision.
func (s *Service) Approve(ctx context.Context, claimID primitive.ObjectID, d Decision, key string) (*models.PetrolClaim, error) {
	return s.transition(ctx, claimID, ActionApprove, key, func(c *models.PetrolClaim, trip *models.Trip) (string, bool, error) {
		if c.Status != models.ClaimSubmitted {
			return "", false, tracker.Reject(tracker.ErrClaimStateConflict, "claim %s is %s, approve needs submitted", c.ClaimNumber, c.Status)
		}
		amount := c.ClaimedAmount
		if d.Amount != nil {
			amount = *d.Amount
		}
		if amount < 0 {
			return "", false, tracker.Reject(tracker.ErrInvalidTransition, "approved amount must not be negative")
		}

		var gates []string
		if trip.HasFraudFlag || c.HasFraudFlag {
			gates = append(gates, "trip is fraud-flagged")
		}
		if amount > c.ClaimedAmount {
			gates = append(gates, fmt.Sprintf("amount %.2f exceeds claimed %.2f", amount, c.ClaimedAmount))
		}
		if err := checkOverride(d, gates); err != nil {
			return "", false, err
		}

		now := s.now()
		if d.Override {
			c.ApprovalOverride = &models.Override{Actor: d.Actor, Reason: d.Reason, At: now}
		}
		c.HasFraudFlag = trip.HasFraudFlag
		c.ApprovedAmount = &amount
		c.Status = models.ClaimApproved
		c.ApprovedAt = &now
		return d.Actor, d.Override, nil
	})
}

// Reject closes a submitted claim. The trip becomes claimable again.
func (s *Service) Reject(ctx context.Context, claimID primitive.ObjectID, d Decision, key string) (*models.PetrolClaim, error) {
	return s.transition(ctx, claimID, ActionReject, key, func(c *models.PetrolClaim, _ *models.Trip) (string, bool, error) {
		if c.Status != models.ClaimSubmitted {
			return "", false, tracker.Reject(tracker.ErrClaimStateConflict, "claim %s is %s, reject needs submitted", c.ClaimNumber, c.Status)
		}
		if d.Reason == "" {
			return "", false, tracker.Reject(tracker.ErrInvalidTransition, "rejection needs a reason")
		}
		now := s.now()
		c.Status = models.ClaimRejected
		c.RejectionReason = d.Reason
		c.RejectedAt = &now
		return d.Actor, false, nil
	})
}

// MarkPaid records payment of an approved claim. Paying while the trip is
// fraud-flagged needs its own override, separate from the approval one.
func (s *Service) MarkPaid(ctx context.Context, claimID primitive.ObjectID, d Decision, key string) (*models.PetrolClaim, error) {
	return s.transition(ctx, claimID, ActionPay, key, func(c *models.PetrolClaim, trip *models.Trip) (string, bool, error) {
		if c.Status != models.ClaimApproved {
			return "", false, tracker.Reject(tracker.ErrClaimStateConflict, "claim %s is %s, pay needs approved", c.ClaimNumber, c.Status)
		}
		var gates []string
		if trip.HasFraudFlag {
			gates = append(gates, "trip is fraud-flagged")
		}
		if err := checkOverride(d, gates); err != nil {
			return "", false, err
		}
		now := s.now()
		if d.Override {
			c.PaymentOverride = &models.Override{Actor: d.Actor, Reason: d.Reason, At: now}
		}
		c.HasFraudFlag = trip.HasFraudFlag
		c.Status = models.ClaimPaid
		c.PaidAt = &now
		return d.Actor, d.Override, nil
	})
}

func checkOverride(d Decision, gates []string) error {
	if d.Override && (d.Actor == "" || d.Reason == "") {
		return tracker.Reject(tracker.ErrOverrideRequired, "override needs an actor and a reason")
	}
	if len(gates) > 0 && !d.Override {
		return tracker.Reject(tracker.ErrOverrideRequired, "%s", strings.Join(gates, "; "))
	}
	return nil
}

type applyFunc func(c *models.PetrolClaim, trip *models.Trip) (actor string, override bool, err error)

// transition serializes on the claim's trip, answers replays of an already
// applied idempotency key with the current claim, and otherwise applies fn
// and stores the result. Nothing is written when fn fails.
func (s *Service) transition(ctx context.Context, claimID primitive.ObjectID, action Action, key string, fn applyFunc) (out *models.PetrolClaim, err error) {
	claim, err := s.load(ctx, claimID)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(tracker.TripKey(claim.TripID.Hex()))
	defer unlock()

	if claim, err = s.load(ctx, claimID); err != nil {
		return nil, err
	}
	if key != "" {
		k := idemKey(action, claimID.Hex(), key)
		_, fresh, rerr := s.idem.Reserve(ctx, k, claimID.Hex(), s.keyTTL)
		if rerr != nil {
			return nil, rerr
		}
		if !fresh {
			s.logger.WithFields(log.Fields{"claim_id": claimID.Hex(), "action": action}).Debug("idempotent replay")
			return claim, nil
		}
		defer s.releaseOnError(ctx, k, &err)
	}

	trip, err := s.store.FindTripByID(ctx, claim.TripID)
	if err != nil {
		return nil, fmt.Errorf("load trip: %w", err)
	}
	updated := *claim
	actor, override, err := fn(&updated, trip)
	if err != nil {
		return nil, err
	}
	updated.UpdatedAt = s.now()
	if err = s.store.UpdateClaim(ctx, &updated); err != nil {
		return nil, fmt.Errorf("store claim: %w", err)
	}
	s.record(ctx, &updated, string(updated.Status), actor, updated.RejectionReason+overrideReason(&updated, action), override)
	return &updated, nil
}

func overrideReason(c *models.PetrolClaim, action Action) string {
	switch {
	case action == ActionApprove && c.ApprovalOverride != nil:
		return c.ApprovalOverride.Reason
	case action == ActionPay && c.PaymentOverride != nil:
		return c.PaymentOverride.Reason
	}
	return ""
}

func (s *Service) load(ctx context.Context, id primitive.ObjectID) (*models.PetrolClaim, error) {
	claim, err := s.store.FindClaimByID(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, tracker.Reject(tracker.ErrNotFound, "claim %s not found", id.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("load claim: %w", err)
	}
	return claim, nil
}

func (s *Service) replay(ctx context.Context, claimHex string) (*models.PetrolClaim, error) {
	id, err := primitive.ObjectIDFromHex(claimHex)
	if err != nil {
		return nil, fmt.Errorf("idempotency value %q: %w", claimHex, err)
	}
	return s.load(ctx, id)
}

// releaseOnError frees the key when the request failed, so it can be
// retried with the same key.
func (s *Service) releaseOnError(ctx context.Context, key string, failed *error) {
	if *failed == nil {
		return
	}
	if err := s.idem.Release(ctx, key); err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("release idempotency key")
	}
}

func (s *Service) record(ctx context.Context, c *models.PetrolClaim, action, actor, reason string, override bool) {
	if _, err := s.audit.Record(ctx, "claim", c.ID.Hex(), action, actor, reason, override); err != nil {
		s.logger.WithError(err).WithField("claim_id", c.ID.Hex()).Error("audit claim transition")
	}
	s.logger.WithFields(log.Fields{
		"claim_id":     c.ID.Hex(),
		"claim_number": c.ClaimNumber,
		"engineer_id":  c.EngineerID,
		"status":       c.Status,
		"amount":       c.ClaimedAmount,
	}).Info("claim " + action)
	if s.pub != nil {
		if err := s.pub.Publish(ctx, events.New(events.ClaimEvent(string(c.Status)), c.EngineerID, c.CompanyID, c.ID.Hex(), s.now(), *c)); err != nil {
			s.logger.WithError(err).Warn("publish failed")
		}
	}
}
