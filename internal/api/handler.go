package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/logging"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/pipeline"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	processor *pipeline.Processor
	configs   *config.Manager
	version   string
}

// NewHandler creates a new API handler. repo, cache, bus and configs may be
// nil; the routes that need them answer 503.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, processor *pipeline.Processor, configs *config.Manager, version string) *Handler {
	return &Handler{
		repo:      repo,
		cache:     cache,
		bus:       bus,
		processor: processor,
		configs:   configs,
		version:   version,
	}
}

// AssessResponse is the response for POST /assess.
type AssessResponse struct {
	*domain.EvaluationResponse
	Reasons []string `json:"reasons,omitempty"`
	Version string   `json:"version"`
}

// Assess handles POST /assess: the full pipeline for one transaction.
func (h *Handler) Assess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var tx domain.Transaction
	if !decodeBody(w, r, &tx) {
		return
	}

	ctx = pipeline.WithTraceID(ctx, GetTraceID(ctx))
	eval, err := h.processor.Process(ctx, tenantID, &tx)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, AssessResponse{
		EvaluationResponse: eval.ToResponse(),
		Reasons:            pipeline.Reasons(&eval.Assessment),
		Version:            h.version,
	})
}

// ScoreRequest is the request body for POST /score.
type ScoreRequest struct {
	Transaction *domain.Transaction `json:"transaction"`
	Signals     domain.Signals      `json:"signals"`
}

// Score handles POST /score: the bare engine against caller-supplied
// signals. Nothing is stored or published.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	var req ScoreRequest
	if !decodeBody(w, r, &req) {
		return
	}

	assessment, err := h.processor.ScoreOnly(req.Transaction, req.Signals)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assessment)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]string{}

	// Check repository health
	if h.repo != nil {
		checks["repository"] = "ok"
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
			checks["repository"] = err.Error()
		}
	}

	// Check cache health
	if h.cache != nil {
		checks["cache"] = "ok"
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
			checks["cache"] = err.Error()
		}
	}

	if h.bus != nil {
		checks["bus"] = "ok"
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
			checks["bus"] = err.Error()
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        status,
		"version":       h.version,
		"configVersion": h.processor.Provider().Engine().Version(),
		"checks":        checks,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.processor == nil || h.processor.Provider().Engine() == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// GetAssessment retrieves an evaluation by ID.
func (h *Handler) GetAssessment(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	ctx := r.Context()
	evalID := chi.URLParam(r, "id")

	eval, err := h.repo.GetEvaluation(ctx, GetTenantID(ctx), evalID)
	if err != nil {
		writeLookupError(w, r, "assessment", evalID, err)
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

// GetTransaction retrieves a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	ctx := r.Context()
	txID := chi.URLParam(r, "id")

	tx, err := h.repo.GetTransaction(ctx, GetTenantID(ctx), txID)
	if err != nil {
		writeLookupError(w, r, "transaction", txID, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// ListTransactionAssessments returns every evaluation of a transaction,
// oldest first.
func (h *Handler) ListTransactionAssessments(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	ctx := r.Context()
	txID := chi.URLParam(r, "id")

	evals, err := h.repo.ListEvaluationsByTransaction(ctx, GetTenantID(ctx), txID)
	if err != nil {
		logging.FromContext(ctx).Error("failed to list assessments", "tx_id", txID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list assessments")
		return
	}
	if evals == nil {
		evals = []*domain.Evaluation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"txId":        txID,
		"assessments": evals,
		"count":       len(evals),
	})
}

// ListRules returns the rules of the live engine.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	engine := h.processor.Provider().Engine()
	descriptors := engine.Rules().Descriptors()
	cfg := engine.Config()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":             descriptors,
		"count":             len(descriptors),
		"configVersion":     engine.Version(),
		"weightSum":         cfg.WeightSum(),
		"weightsNormalized": cfg.WeightsNormalized(),
	})
}

// ConfigResponse describes the live engine configuration.
type ConfigResponse struct {
	Version int                  `json:"version"`
	Config  *domain.EngineConfig `json:"config"`
}

// GetConfig returns the live engine configuration.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	engine := h.processor.Provider().Engine()
	writeJSON(w, http.StatusOK, ConfigResponse{
		Version: engine.Version(),
		Config:  engine.Config(),
	})
}

// PutConfig validates a complete engine configuration, stores it as a new
// version and swaps it in.
func (h *Handler) PutConfig(w http.ResponseWriter, r *http.Request) {
	if h.configs == nil {
		writeError(w, http.StatusServiceUnavailable, "configuration updates not available")
		return
	}

	var cfg domain.EngineConfig
	if !decodeBody(w, r, &cfg) {
		return
	}

	rec, err := h.configs.Apply(r.Context(), &cfg, config.SourceAPI)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	logging.FromContext(r.Context()).Info("engine config updated", "version", rec.Version)
	writeJSON(w, http.StatusOK, rec)
}

// ReloadConfig makes the newest persisted configuration live.
func (h *Handler) ReloadConfig(w http.ResponseWriter, r *http.Request) {
	if h.configs == nil {
		writeError(w, http.StatusServiceUnavailable, "configuration updates not available")
		return
	}
	rec, err := h.configs.ReloadLatest(r.Context())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no stored engine configuration")
			return
		}
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListAlerts returns the tenant's alerts, optionally filtered by ?status=.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	ctx := r.Context()

	var status domain.AlertStatus
	if s := r.URL.Query().Get("status"); s != "" {
		parsed, err := domain.ParseAlertStatus(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		status = parsed
	}

	alerts, err := h.repo.ListAlerts(ctx, GetTenantID(ctx), status)
	if err != nil {
		logging.FromContext(ctx).Error("failed to list alerts", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	if alerts == nil {
		alerts = []*domain.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// GetAlert retrieves an alert by ID.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	ctx := r.Context()
	alertID := chi.URLParam(r, "id")

	alert, err := h.repo.GetAlert(ctx, GetTenantID(ctx), alertID)
	if err != nil {
		writeLookupError(w, r, "alert", alertID, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// TransitionRequest is the request body for POST /alerts/{id}/transition.
type TransitionRequest struct {
	Status     string `json:"status"`
	AssignedTo string `json:"assignedTo,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// TransitionAlert moves an alert along its lifecycle.
func (h *Handler) TransitionAlert(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	alertID := chi.URLParam(r, "id")

	var req TransitionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	next, err := domain.ParseAlertStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	alert, err := h.repo.GetAlert(ctx, tenantID, alertID)
	if err != nil {
		writeLookupError(w, r, "alert", alertID, err)
		return
	}
	if err := alert.Transition(next, req.AssignedTo, req.Notes, time.Now().UTC()); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err := h.repo.UpdateAlert(ctx, tenantID, alert); err != nil {
		writeLookupError(w, r, "alert", alertID, err)
		return
	}

	metrics.AlertTransitionsTotal.WithLabelValues(string(next)).Inc()
	logging.FromContext(ctx).Info("alert transitioned", "alert_id", alertID, "status", next)
	writeJSON(w, http.StatusOK, alert)
}

func (h *Handler) requireRepo(w http.ResponseWriter) bool {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return false
	}
	return true
}

// decodeBody reads a JSON body into v, answering 400 itself on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			writeValidationError(w, verr)
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return false
	}
	return true
}

// writeDomainError maps validation failures to 400 and everything else to 500.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		writeValidationError(w, verr)
		return
	}
	switch {
	case errors.Is(err, domain.ErrInvalidTransaction), errors.Is(err, domain.ErrInvalidConfig):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logging.FromContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeLookupError(w http.ResponseWriter, r *http.Request, kind, id string, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, kind+" not found")
		return
	}
	logging.FromContext(r.Context()).Error("failed to load "+kind, "id", id, "error", err)
	writeError(w, http.StatusInternalServerError, "failed to load "+kind)
}

func writeValidationError(w http.ResponseWriter, verr *domain.ValidationError) {
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error": verr.Error(),
		"field": verr.Field,
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
