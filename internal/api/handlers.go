package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/quantfolio/researchd/internal/config"
	"github.com/quantfolio/researchd/internal/orchestrator"
	"github.com/quantfolio/researchd/internal/runstore"
	"github.com/quantfolio/researchd/internal/tool"
	"github.com/quantfolio/researchd/internal/validator"
	"github.com/quantfolio/researchd/pkg/types"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	store     runstore.RunStore
	orch      *orchestrator.Orchestrator
	registry  *tool.Registry
	validator *validator.Validator
	config    *config.Config
	logger    *slog.Logger
}

// NewHandlers creates a Handlers instance.
func NewHandlers(store runstore.RunStore, orch *orchestrator.Orchestrator, registry *tool.Registry, v *validator.Validator, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:     store,
		orch:      orch,
		registry:  registry,
		validator: v,
		config:    cfg,
		logger:    logger,
	}
}

// Health handles GET /healthz.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /ready, checking the run store.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.AdapterInfo(r.Context())
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "runstore unhealthy", nil)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ready",
		"runstore": info,
	})
}

// SubmitRunResponse is the response body after submitting a run.
type SubmitRunResponse struct {
	RunID     string          `json:"run_id"`
	Status    types.RunStatus `json:"status"`
	EventsURL string          `json:"events_url"`
}

// SubmitRun handles POST /api/v1/runs.
func (h *Handlers) SubmitRun(w http.ResponseWriter, r *http.Request) {
	var req types.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	runID, err := h.orch.Submit(r.Context(), req)
	if err != nil {
		var gerr *types.GraphError
		if errors.As(err, &gerr) {
			writeError(w, r, http.StatusUnprocessableEntity, gerr.Reason, graphErrorDetails(gerr))
			return
		}
		h.logger.Error("submit failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "failed to create run", nil)
		return
	}

	status := types.RunStatusPending
	if req.AutoStart {
		status = types.RunStatusRunning
	}
	h.respondJSON(w, http.StatusCreated, SubmitRunResponse{
		RunID:     runID,
		Status:    status,
		EventsURL: "/api/v1/runs/" + runID + "/events",
	})
}

// ListRuns handles GET /api/v1/runs.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.store.ListRuns(r.Context())
	if err != nil {
		h.logger.Error("list runs failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "failed to list runs", nil)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// GetRun handles GET /api/v1/runs/{id}.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	run, err := h.store.GetRun(r.Context(), runID)
	if err != nil {
		h.respondStoreError(w, r, runID, err)
		return
	}
	h.respondJSON(w, http.StatusOK, run)
}

// StartRun handles POST /api/v1/runs/{id}/start.
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	if err := h.orch.Start(r.Context(), runID); err != nil {
		switch {
		case errors.Is(err, runstore.ErrRunNotFound):
			writeError(w, r, http.StatusNotFound, "run not found", nil)
		case errors.Is(err, orchestrator.ErrRunNotPending):
			writeError(w, r, http.StatusConflict, err.Error(), nil)
		default:
			h.logger.Error("start run failed", "run_id", runID, "error", err)
			writeError(w, r, http.StatusInternalServerError, "failed to start run", nil)
		}
		return
	}
	h.respondJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "running"})
}

// CancelRun handles POST /api/v1/runs/{id}/cancel.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	if err := h.orch.Cancel(r.Context(), runID); err != nil {
		h.respondStoreError(w, r, runID, err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "cancelling"})
}

// GetRunResult handles GET /api/v1/runs/{id}/result.
func (h *Handlers) GetRunResult(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	result, err := h.orch.Result(r.Context(), runID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrRunNotFinished) {
			writeError(w, r, http.StatusConflict, "run not finished", nil)
			return
		}
		h.respondStoreError(w, r, runID, err)
		return
	}
	h.respondJSON(w, http.StatusOK, result)
}

// GetTaskResults handles GET /api/v1/runs/{id}/tasks.
func (h *Handlers) GetTaskResults(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	results, err := h.store.GetTaskResults(r.Context(), runID)
	if err != nil {
		h.respondStoreError(w, r, runID, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"run_id": runID, "results": results})
}

// ListTools handles GET /api/v1/tools.
func (h *Handlers) ListTools(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"tools": h.registry.Schemas()})
}

// ValidatePipeline handles POST /api/v1/pipelines/validate. It runs the
// schema check and, when that passes, the structural graph check, without
// creating anything.
func (h *Handlers) ValidatePipeline(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "failed to read body", nil)
		return
	}

	result := h.validator.ValidatePipelineJSON(body)
	if !result.Valid {
		h.respondJSON(w, http.StatusOK, result)
		return
	}

	var pipeline types.Pipeline
	if err := json.Unmarshal(body, &pipeline); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid pipeline document", nil)
		return
	}
	if err := h.orch.Validate(&pipeline); err != nil {
		var gerr *types.GraphError
		if errors.As(err, &gerr) {
			h.respondJSON(w, http.StatusOK, map[string]interface{}{
				"valid":   false,
				"errors":  []string{gerr.Reason},
				"details": graphErrorDetails(gerr),
			})
			return
		}
		writeError(w, r, http.StatusInternalServerError, "validation failed", nil)
		return
	}
	h.respondJSON(w, http.StatusOK, result)
}

func (h *Handlers) respondStoreError(w http.ResponseWriter, r *http.Request, runID string, err error) {
	if errors.Is(err, runstore.ErrRunNotFound) {
		writeError(w, r, http.StatusNotFound, "run not found", nil)
		return
	}
	h.logger.Error("store error", "run_id", runID, "error", err)
	writeError(w, r, http.StatusInternalServerError, "internal error", nil)
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func graphErrorDetails(gerr *types.GraphError) map[string]interface{} {
	details := map[string]interface{}{}
	if len(gerr.Nodes) > 0 {
		details["nodes"] = gerr.Nodes
	}
	if len(gerr.Cycle) > 0 {
		details["cycle"] = gerr.Cycle
	}
	if len(details) == 0 {
		return nil
	}
	return details
}
