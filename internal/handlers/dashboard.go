package handlers

import (
	"net/http"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ukydev/fieldtrack/internal/db"
	"github.com/ukydev/fieldtrack/internal/geo"
	"github.com/ukydev/fieldtrack/internal/models"
)

// Live returns the latest snapshot for the caller's company.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.live.Latest(h.caller(r).CompanyID))
}

// LiveSocket streams snapshots to a dashboard over a websocket.
func (h *Handler) LiveSocket(w http.ResponseWriter, r *http.Request) {
	h.hub.Serve(w, r, h.caller(r).CompanyID)
}

func (h *Handler) GetEngineer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	eng, ok := h.engine.Engineer(id)
	if !ok || !visible(h.caller(r), eng.ID, eng.CompanyID) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", Detail: "engineer " + id + " not found"})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*models.Engineer
		Online bool `json:"online"`
	}{eng, eng.IsOnline(h.now(), h.engine.Policy().FreshnessWindow)})
}

func (h *Handler) ListTrips(w http.ResponseWriter, r *http.Request) {
	f, ok := h.listFilter(w, r)
	if !ok {
		return
	}
	trips, err := h.store.FindTrips(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if trips == nil {
		trips = []models.Trip{}
	}
	writeJSON(w, http.StatusOK, trips)
}

// TripTrace returns the trip's path as a GeoJSON feature.
func (h *Handler) TripTrace(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok || !h.tripVisible(w, r, id) {
		return
	}
	trip, samples, err := h.engine.TripTrace(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	writeJSON(w, http.StatusOK, geo.TraceFeature(trip, samples))
}

func (h *Handler) TripVisits(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok || !h.tripVisible(w, r, id) {
		return
	}
	visits, err := h.engine.TripVisits(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if visits == nil {
		visits = []models.Visit{}
	}
	writeJSON(w, http.StatusOK, visits)
}

func (h *Handler) ListVisits(w http.ResponseWriter, r *http.Request) {
	f, ok := h.listFilter(w, r)
	if !ok {
		return
	}
	visits, err := h.store.FindVisits(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if visits == nil {
		visits = []models.Visit{}
	}
	writeJSON(w, http.StatusOK, visits)
}

func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	f, ok := h.listFilter(w, r)
	if !ok {
		return
	}
	rows, err := h.engine.Summary(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"from":      f.From,
		"to":        f.To,
		"engineers": rows,
	})
}

type reevaluateRequest struct {
	From       *time.Time `json:"from,omitempty"`
	To         *time.Time `json:"to,omitempty"`
	EngineerID string     `json:"engineer_id,omitempty"`
}

// Reevaluate re-runs the fraud rules over the caller's company for a date
// range, one day by default.
func (h *Handler) Reevaluate(w http.ResponseWriter, r *http.Request) {
	var req reevaluateRequest
	if !decode(w, r, &req) {
		return
	}
	c := h.caller(r)
	f := db.Filter{CompanyID: c.CompanyID, EngineerID: req.EngineerID, To: h.now()}
	if req.To != nil {
		f.To = *req.To
	}
	f.From = f.To.Add(-24 * time.Hour)
	if req.From != nil {
		f.From = *req.From
	}
	if f.To.Before(f.From) {
		badRequest(w, "to is before from")
		return
	}
	res, err := h.engine.Reevaluate(r.Context(), f, c.UserID, h.concurrency)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// AuditTrail lists audit entries for one trip, visit or claim.
func (h *Handler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if !h.entityVisible(r, id) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", Detail: id.Hex() + " not found"})
		return
	}
	entries, err := h.engine.Audit().Entries(r.Context(), id.Hex())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) entityVisible(r *http.Request, id primitive.ObjectID) bool {
	c := h.caller(r)
	ctx := r.Context()
	if trip, err := h.store.FindTripByID(ctx, id); err == nil {
		return visible(c, trip.EngineerID, trip.CompanyID)
	}
	if visit, err := h.store.FindVisitByID(ctx, id); err == nil {
		return visible(c, visit.EngineerID, visit.CompanyID)
	}
	if claim, err := h.store.FindClaimByID(ctx, id); err == nil {
		return visible(c, claim.EngineerID, claim.CompanyID)
	}
	return false
}
