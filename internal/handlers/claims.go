package handlers

import (
	"net/http"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ukydev/fieldtrack/internal/claims"
	"github.com/ukydev/fieldtrack/internal/models"
	"github.com/ukydev/fieldtrack/internal/tracker"
)

const idempotencyHeader = "Idempotency-Key"

type createClaimRequest struct {
	TripID string `json:"trip_id"`
}

func (h *Handler) CreateClaim(w http.ResponseWriter, r *http.Request) {
	var req createClaimRequest
	if !decode(w, r, &req) {
		return
	}
	tripID, err := primitive.ObjectIDFromHex(req.TripID)
	if err != nil {
		badRequest(w, "invalid trip_id")
		return
	}
	c := h.caller(r)
	scope := scopeOf(c)
	if !engineerOnly(c) {
		// managers raise claims on behalf of their engineers
		if !h.tripVisible(w, r, tripID) {
			return
		}
		scope = tracker.Scope{CompanyID: c.CompanyID}
	}
	claim, err := h.claims.CreateClaim(r.Context(), scope, tripID, r.Header.Get(idempotencyHeader))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, claim)
}

func (h *Handler) SubmitClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := h.claimID(w, r)
	if !ok {
		return
	}
	c := h.caller(r)
	scope := scopeOf(c)
	if !engineerOnly(c) {
		scope = tracker.Scope{CompanyID: c.CompanyID}
	}
	claim, err := h.claims.Submit(r.Context(), scope, id, r.Header.Get(idempotencyHeader))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

type decisionRequest struct {
	Amount   *float64 `json:"amount,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	Override bool     `json:"override,omitempty"`
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, fn func(primitive.ObjectID, claims.Decision, string) (*models.PetrolClaim, error)) {
	id, ok := h.claimID(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if !decode(w, r, &req) {
		return
	}
	d := claims.Decision{Actor: h.caller(r).UserID, Amount: req.Amount, Reason: req.Reason, Override: req.Override}
	claim, err := fn(id, d, r.Header.Get(idempotencyHeader))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

func (h *Handler) ApproveClaim(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, func(id primitive.ObjectID, d claims.Decision, key string) (*models.PetrolClaim, error) {
		return h.claims.Approve(r.Context(), id, d, key)
	})
}

func (h *Handler) RejectClaim(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, func(id primitive.ObjectID, d claims.Decision, key string) (*models.PetrolClaim, error) {
		return h.claims.Reject(r.Context(), id, d, key)
	})
}

func (h *Handler) PayClaim(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, func(id primitive.ObjectID, d claims.Decision, key string) (*models.PetrolClaim, error) {
		return h.claims.MarkPaid(r.Context(), id, d, key)
	})
}

// claimID parses the path id and answers 404 for claims the caller may not
// see.
func (h *Handler) claimID(w http.ResponseWriter, r *http.Request) (primitive.ObjectID, bool) {
	id, ok := pathID(w, r)
	if !ok {
		return id, false
	}
	claim, err := h.store.FindClaimByID(r.Context(), id)
	if err != nil || !visible(h.caller(r), claim.EngineerID, claim.CompanyID) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", Detail: "claim " + id.Hex() + " not found"})
		return id, false
	}
	return id, true
}

func (h *Handler) ListClaims(w http.ResponseWriter, r *http.Request) {
	f, ok := h.listFilter(w, r)
	if !ok {
		return
	}
	list, err := h.store.FindClaims(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []models.PetrolClaim{}
	}
	writeJSON(w, http.StatusOK, list)
}
