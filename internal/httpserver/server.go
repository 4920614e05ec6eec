// package httpserver exposes the certification workflow over HTTP. It is
// a thin adapter: handlers decode requests, resolve the actor placed in
// the context by the auth middleware, call the engine and map domain
// errors onto status codes.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gacp-platform/certification-core/internal/audit"
	"github.com/gacp-platform/certification-core/internal/auth"
	"github.com/gacp-platform/certification-core/internal/scoring"
	"github.com/gacp-platform/certification-core/internal/workflow"
)

// Pinger is implemented by backends with a connectivity check.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	engine   *workflow.Engine
	apps     workflow.ApplicationStore
	ledger   audit.Ledger
	verifier *auth.Verifier
	pingers  []Pinger
}

func New(engine *workflow.Engine, apps workflow.ApplicationStore, ledger audit.Ledger, verifier *auth.Verifier, pingers ...Pinger) *Server {
	return &Server{engine: engine, apps: apps, ledger: ledger, verifier: verifier, pingers: pingers}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.verifier.Middleware)
		r.Post("/applications", s.handleCreate)
		r.Get("/applications/{id}", s.handleGet)
		r.Get("/applications/{id}/transitions", s.handleAllowedTransitions)
		r.Post("/applications/{id}/transitions", s.handleTransition)
		r.Post("/compliance/score", s.handleScore)
		r.Get("/audit/entries", s.handleAuditEntries)
		r.Get("/audit/verify", s.handleAuditVerify)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	for _, p := range s.pingers {
		if err := p.Ping(ctx); err != nil {
			status["ok"] = false
			status["backend"] = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, status)
			return
		}
	}
	respondJSON(w, http.StatusOK, status)
}

type createRequest struct {
	FarmerID          string   `json:"farmerId"`
	RequiredDocuments []string `json:"requiredDocuments"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	actor := auth.FromContext(r.Context())
	var req createRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	farmerID := req.FarmerID
	if farmerID == "" {
		farmerID = actor.ID
	}
	app, err := s.engine.Create(r.Context(), farmerID, req.RequiredDocuments, *actor)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, app)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	app, err := s.apps.Load(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"application":     app,
		"renewalEligible": s.engine.RenewalEligible(app, time.Now().UTC()),
	})
}

func (s *Server) handleAllowedTransitions(w http.ResponseWriter, r *http.Request) {
	app, err := s.apps.Load(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"state":       app.State,
		"transitions": workflow.AllowedTransitions(app.State),
	})
}

type transitionRequest struct {
	To               string             `json:"to"`
	Documents        []string           `json:"documents,omitempty"`
	MissingDocuments []string           `json:"missingDocuments,omitempty"`
	InspectorID      string             `json:"inspectorId,omitempty"`
	WindowStart      *time.Time         `json:"windowStart,omitempty"`
	WindowEnd        *time.Time         `json:"windowEnd,omitempty"`
	Scores           map[string]float64 `json:"scores,omitempty"`
	Reason           string             `json:"reason,omitempty"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	actor := auth.FromContext(r.Context())
	var req transitionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.To == "" {
		respondError(w, http.StatusBadRequest, "to is required")
		return
	}
	res, err := s.engine.Transition(r.Context(), chi.URLParam(r, "id"), workflow.State(req.To), *actor, workflow.TransitionContext{
		Documents:        req.Documents,
		MissingDocuments: req.MissingDocuments,
		InspectorID:      req.InspectorID,
		WindowStart:      req.WindowStart,
		WindowEnd:        req.WindowEnd,
		Scores:           req.Scores,
		Reason:           req.Reason,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type scoreRequest struct {
	Scores map[string]float64 `json:"scores"`
}

// handleScore computes the compliance result for a set of raw scores
// without touching any application. Used by inspectors to preview the
// outcome before completing an inspection.
func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	var req scoreRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.engine.ComputeCompliance(req.Scores)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleAuditEntries(w http.ResponseWriter, r *http.Request) {
	from, to, err := seqRange(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.ledger.Range(r.Context(), from, to)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	from, to, err := seqRange(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := audit.VerifyChain(r.Context(), s.ledger, from, to)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func seqRange(r *http.Request) (int64, int64, error) {
	from := int64(1)
	var to int64
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return 0, 0, errors.New("invalid from")
		}
		from = n
	}
	if v := r.URL.Query().Get("to"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return 0, 0, errors.New("invalid to")
		}
		to = n
	}
	return from, to, nil
}

// respondDomainError maps engine and scoring errors onto HTTP statuses.
func respondDomainError(w http.ResponseWriter, err error) {
	var (
		invalid  *workflow.InvalidTransitionError
		unauth   *workflow.ActorNotAuthorizedError
		precond  *workflow.PreconditionNotMetError
		valErr   *scoring.ValidationError
		missing  *scoring.MissingCriterionError
		unknown  *scoring.UnknownCriterionError
		outRange *scoring.OutOfRangeError
	)
	switch {
	case errors.Is(err, workflow.ErrApplicationNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, workflow.ErrVersionConflict):
		respondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &invalid):
		respondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &unauth):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &precond):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &valErr), errors.As(err, &missing),
		errors.As(err, &unknown), errors.As(err, &outRange):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
