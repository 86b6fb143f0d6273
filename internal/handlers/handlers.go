// Package handlers exposes the tracker, claims and live views over HTTP.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ukydev/fieldtrack/internal/claims"
	"github.com/ukydev/fieldtrack/internal/db"
	"github.com/ukydev/fieldtrack/internal/middleware"
	"github.com/ukydev/fieldtrack/internal/models"
	"github.com/ukydev/fieldtrack/internal/socket"
	"github.com/ukydev/fieldtrack/internal/tracker"
)

const (
	maxBodyBytes     = 1 << 20
	defaultListRange = 7 * 24 * time.Hour
)

// Handler serves the API. Reads go straight to the store; writes go
// through the engine or the claims service.
type Handler struct {
	engine      *tracker.Engine
	claims      *claims.Service
	store       db.Store
	live        *tracker.Aggregator
	hub         *socket.Hub
	auth        *middleware.AuthMiddleware
	limiter     *middleware.RateLimitMiddleware
	logger      log.FieldLogger
	concurrency int
	now         func() time.Time
}

type Deps struct {
	Engine      *tracker.Engine
	Claims      *claims.Service
	Store       db.Store
	Live        *tracker.Aggregator
	Hub         *socket.Hub
	Auth        *middleware.AuthMiddleware
	Limiter     *middleware.RateLimitMiddleware
	Logger      log.FieldLogger
	Concurrency int
	Now         func() time.Time
}

func New(d Deps) *Handler {
	h := &Handler{
		engine:      d.Engine,
		claims:      d.Claims,
		store:       d.Store,
		live:        d.Live,
		hub:         d.Hub,
		auth:        d.Auth,
		limiter:     d.Limiter,
		logger:      d.Logger,
		concurrency: d.Concurrency,
		now:         d.Now,
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.concurrency <= 0 {
		h.concurrency = 4
	}
	return h
}

// Routes builds the full API with authentication, rate limiting and request
// logging applied.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	perm := func(action string, fn http.HandlerFunc) http.Handler {
		return h.auth.RequirePermission(action)(fn)
	}

	mux.HandleFunc("GET /health", h.Health)

	mux.Handle("POST /api/locations", perm("report_location", h.ReportLocation))
	mux.Handle("POST /api/trips/start", perm("manage_trips", h.StartTrip))
	mux.Handle("POST /api/trips/{id}/end", perm("manage_trips", h.EndTrip))
	mux.Handle("POST /api/trips/{id}/cancel", perm("manage_trips", h.CancelTrip))
	mux.Handle("POST /api/visits/checkin", perm("manage_trips", h.CheckIn))
	mux.Handle("POST /api/visits/{id}/checkout", perm("manage_trips", h.CheckOut))
	mux.Handle("POST /api/engineers/off-duty", perm("manage_trips", h.GoOffDuty))
	mux.Handle("POST /api/engineers/on-duty", perm("manage_trips", h.GoOnDuty))

	mux.Handle("POST /api/claims", perm("submit_claim", h.CreateClaim))
	mux.Handle("POST /api/claims/{id}/submit", perm("submit_claim", h.SubmitClaim))
	mux.Handle("POST /api/claims/{id}/approve", perm("approve_claim", h.ApproveClaim))
	mux.Handle("POST /api/claims/{id}/reject", perm("approve_claim", h.RejectClaim))
	mux.Handle("POST /api/claims/{id}/pay", perm("approve_claim", h.PayClaim))

	mux.Handle("POST /api/trips/{id}/override", perm("override_fraud", h.OverrideTrip))
	mux.Handle("POST /api/visits/{id}/override", perm("override_fraud", h.OverrideVisit))
	mux.Handle("POST /api/audit/reevaluate", perm("override_fraud", h.Reevaluate))
	mux.Handle("GET /api/audit/{id}", perm("view_audit", h.AuditTrail))

	mux.Handle("GET /api/live", perm("view_dashboard", h.Live))
	mux.Handle("GET /api/live/ws", perm("view_dashboard", h.LiveSocket))
	mux.Handle("GET /api/engineers/{id}", perm("view_own", h.GetEngineer))
	mux.Handle("GET /api/trips", perm("view_own", h.ListTrips))
	mux.Handle("GET /api/trips/{id}/trace", perm("view_own", h.TripTrace))
	mux.Handle("GET /api/trips/{id}/visits", perm("view_own", h.TripVisits))
	mux.Handle("GET /api/visits", perm("view_own", h.ListVisits))
	mux.Handle("GET /api/claims", perm("view_own", h.ListClaims))
	mux.Handle("GET /api/reports/summary", perm("view_dashboard", h.Summary))

	var handler http.Handler = mux
	if h.limiter != nil {
		handler = h.limiter.RateLimit(handler)
	}
	handler = h.auth.Authenticate(handler)
	return middleware.RequestLogger(h.logger)(handler)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

var statusByCode = map[tracker.Code]int{
	tracker.CodeInvalidSample:      http.StatusUnprocessableEntity,
	tracker.CodeInvalidTransition:  http.StatusConflict,
	tracker.CodeTripAlreadyOpen:    http.StatusConflict,
	tracker.CodeTripNotEligible:    http.StatusUnprocessableEntity,
	tracker.CodeVisitNotOpen:       http.StatusConflict,
	tracker.CodeClaimStateConflict: http.StatusConflict,
	tracker.CodeOverrideRequired:   http.StatusForbidden,
	tracker.CodeNotFound:           http.StatusNotFound,
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError answers rejections with their code and anything else with a
// bare 500.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var rejected *tracker.Error
	if errors.As(err, &rejected) {
		status, ok := statusByCode[rejected.Code]
		if !ok {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, errorResponse{Error: string(rejected.Code), Detail: rejected.Detail})
		return
	}
	h.logger.WithError(err).WithFields(log.Fields{"method": r.Method, "path": r.URL.Path}).Error("request failed")
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal_error"})
}

func badRequest(w http.ResponseWriter, detail string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Detail: detail})
}

// decode reads an optional JSON body into v. An empty body leaves v as is.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		badRequest(w, "failed to read request body")
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		badRequest(w, "invalid JSON")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (primitive.ObjectID, bool) {
	id, err := primitive.ObjectIDFromHex(r.PathValue("id"))
	if err != nil {
		badRequest(w, "invalid id")
		return primitive.NilObjectID, false
	}
	return id, true
}

func (h *Handler) caller(r *http.Request) *models.Claims {
	claims, _ := middleware.GetUserFromContext(r.Context())
	return claims
}

func scopeOf(c *models.Claims) tracker.Scope {
	return tracker.Scope{EngineerID: c.UserID, CompanyID: c.CompanyID}
}

// engineerOnly reports whether the caller may only see their own records.
func engineerOnly(c *models.Claims) bool {
	return c.Role == models.RoleEngineer
}

// visible reports whether the caller may see a record owned by engineerID in
// companyID.
func visible(c *models.Claims, engineerID, companyID string) bool {
	if c.Role == models.RoleAdmin {
		return true
	}
	if companyID != c.CompanyID {
		return false
	}
	return !engineerOnly(c) || engineerID == c.UserID
}

// at returns t when set, otherwise the server clock.
func (h *Handler) at(t *time.Time) time.Time {
	if t == nil || t.IsZero() {
		return h.now()
	}
	return *t
}

// listFilter reads from, to, engineer_id, status, fraud_only and limit. The
// range defaults to the last seven days. Engineers are pinned to their own
// records and everyone but admins to their company.
func (h *Handler) listFilter(w http.ResponseWriter, r *http.Request) (db.Filter, bool) {
	q := r.URL.Query()
	c := h.caller(r)
	f := db.Filter{
		EngineerID: q.Get("engineer_id"),
		CompanyID:  c.CompanyID,
		Status:     q.Get("status"),
		To:         h.now(),
	}
	f.From = f.To.Add(-defaultListRange)

	for name, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				badRequest(w, name+" must be RFC3339")
				return f, false
			}
			*dst = t
		}
	}
	if f.To.Before(f.From) {
		badRequest(w, "to is before from")
		return f, false
	}
	if v := q.Get("fraud_only"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			badRequest(w, "fraud_only must be a boolean")
			return f, false
		}
		f.FraudOnly = b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			badRequest(w, "limit must be a non-negative integer")
			return f, false
		}
		f.Limit = n
	}
	if engineerOnly(c) {
		f.EngineerID = c.UserID
	}
	if c.Role == models.RoleAdmin && q.Get("company_id") != "" {
		f.CompanyID = q.Get("company_id")
	}
	return f, true
}
