package handlers

import (
	"net/http"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ukydev/fieldtrack/internal/models"
)

// ReportLocation ingests one sample for the calling engineer and answers
// with the engineer's resulting status.
func (h *Handler) ReportLocation(w http.ResponseWriter, r *http.Request) {
	var report models.LocationReport
	if !decode(w, r, &report) {
		return
	}
	c := h.caller(r)
	sample := report.Sample(c.UserID, h.now())
	sample.CompanyID = c.CompanyID
	eng, err := h.engine.Ingest(r.Context(), sample)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, eng)
}

type startTripRequest struct {
	StartKm   float64    `json:"start_km"`
	StartTime *time.Time `json:"start_time,omitempty"`
}

func (h *Handler) StartTrip(w http.ResponseWriter, r *http.Request) {
	var req startTripRequest
	if !decode(w, r, &req) {
		return
	}
	trip, err := h.engine.StartTrip(r.Context(), scopeOf(h.caller(r)), req.StartKm, h.at(req.StartTime))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, trip)
}

type endTripRequest struct {
	EndKm   *float64   `json:"end_km"`
	EndTime *time.Time `json:"end_time,omitempty"`
}

func (h *Handler) EndTrip(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req endTripRequest
	if !decode(w, r, &req) {
		return
	}
	if req.EndKm == nil {
		badRequest(w, "end_km is required")
		return
	}
	trip, err := h.engine.EndTrip(r.Context(), scopeOf(h.caller(r)), id, *req.EndKm, h.at(req.EndTime))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

type timedRequest struct {
	At *time.Time `json:"at,omitempty"`
}

func (h *Handler) CancelTrip(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req timedRequest
	if !decode(w, r, &req) {
		return
	}
	trip, err := h.engine.CancelTrip(r.Context(), scopeOf(h.caller(r)), id, h.at(req.At))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

type checkInRequest struct {
	CustomerID string           `json:"customer_id"`
	Location   *models.Location `json:"location,omitempty"`
	Notes      string           `json:"notes,omitempty"`
	At         *time.Time       `json:"at,omitempty"`
}

func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	var req checkInRequest
	if !decode(w, r, &req) {
		return
	}
	if req.CustomerID == "" {
		badRequest(w, "customer_id is required")
		return
	}
	visit, err := h.engine.CheckIn(r.Context(), scopeOf(h.caller(r)), req.CustomerID, req.Location, req.Notes, h.at(req.At))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, visit)
}

type checkOutRequest struct {
	Location *models.Location `json:"location,omitempty"`
	At       *time.Time       `json:"at,omitempty"`
}

func (h *Handler) CheckOut(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req checkOutRequest
	if !decode(w, r, &req) {
		return
	}
	visit, err := h.engine.CheckOut(r.Context(), scopeOf(h.caller(r)), id, req.Location, h.at(req.At))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, visit)
}

func (h *Handler) GoOffDuty(w http.ResponseWriter, r *http.Request) {
	var req timedRequest
	if !decode(w, r, &req) {
		return
	}
	eng, err := h.engine.GoOffDuty(r.Context(), scopeOf(h.caller(r)), h.at(req.At))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eng)
}

func (h *Handler) GoOnDuty(w http.ResponseWriter, r *http.Request) {
	var req timedRequest
	if !decode(w, r, &req) {
		return
	}
	eng, err := h.engine.GoOnDuty(r.Context(), scopeOf(h.caller(r)), h.at(req.At))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eng)
}

type overrideRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) OverrideTrip(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req overrideRequest
	if !decode(w, r, &req) {
		return
	}
	if !h.tripVisible(w, r, id) {
		return
	}
	trip, err := h.engine.OverrideTrip(r.Context(), id, h.caller(r).UserID, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (h *Handler) OverrideVisit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req overrideRequest
	if !decode(w, r, &req) {
		return
	}
	v, err := h.store.FindVisitByID(r.Context(), id)
	if err != nil || !visible(h.caller(r), v.EngineerID, v.CompanyID) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", Detail: "visit " + id.Hex() + " not found"})
		return
	}
	visit, err := h.engine.OverrideVisit(r.Context(), id, h.caller(r).UserID, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, visit)
}

// tripVisible answers 404 unless the caller may see the trip.
func (h *Handler) tripVisible(w http.ResponseWriter, r *http.Request, id primitive.ObjectID) bool {
	trip, err := h.store.FindTripByID(r.Context(), id)
	if err != nil || !visible(h.caller(r), trip.EngineerID, trip.CompanyID) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", Detail: "trip " + id.Hex() + " not found"})
		return false
	}
	return true
}
