package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pulsekpi/pulse-engine/pkg/models"
	"github.com/pulsekpi/pulse-engine/pkg/repositories"
	"github.com/pulsekpi/pulse-engine/pkg/services"
)

// TriggerRequest optionally narrows a trigger to one company.
type TriggerRequest struct {
	CompanyID string `json:"company_id,omitempty"`
	Period    string `json:"period,omitempty"` // metrics recalculation only
}

// AcceptedResponse is returned for async triggers.
type AcceptedResponse struct {
	Accepted  bool   `json:"accepted"`
	CompanyID string `json:"company_id,omitempty"`
}

// SyncStatusResponse lists recent sync attempts for a company.
type SyncStatusResponse struct {
	Runs []*models.SyncResult `json:"runs"`
}

// SyncHandler exposes sync triggers and sync history. Triggers respond 202
// and run on the engine's lifetime context, not the request's, so closing
// the HTTP connection never cancels a sync mid-page.
type SyncHandler struct {
	orchestrator services.SyncOrchestrator
	runs         repositories.SyncRunRepository
	baseCtx      context.Context
	background   *sync.WaitGroup
	logger       *zap.Logger
}

func NewSyncHandler(orchestrator services.SyncOrchestrator, runs repositories.SyncRunRepository, baseCtx context.Context, background *sync.WaitGroup, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{
		orchestrator: orchestrator,
		runs:         runs,
		baseCtx:      baseCtx,
		background:   background,
		logger:       logger,
	}
}

// RegisterRoutes registers the sync handler's routes on the given mux.
func (h *SyncHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sync/trigger", h.Trigger)
	mux.HandleFunc("GET /api/sync/status", h.Status)
}

// Trigger handles POST /api/sync/trigger. An empty or absent body triggers
// a global run across every company.
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeTrigger(w, r)
	if !ok {
		return
	}

	var companyID *uuid.UUID
	if req.CompanyID != "" {
		id, err := uuid.Parse(req.CompanyID)
		if err != nil {
			_ = ErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "company_id must be a UUID")
			return
		}
		companyID = &id
	}

	h.background.Add(1)
	go func() {
		defer h.background.Done()
		var err error
		if companyID != nil {
			_, err = h.orchestrator.RunCompany(h.baseCtx, *companyID)
		} else {
			_, err = h.orchestrator.RunAll(h.baseCtx)
		}
		if err != nil {
			h.logger.Error("Triggered sync run failed to start", zap.Error(err))
		}
	}()

	resp := AcceptedResponse{Accepted: true, CompanyID: req.CompanyID}
	if err := WriteJSON(w, http.StatusAccepted, resp); err != nil {
		h.logger.Error("Failed to encode trigger response", zap.Error(err))
	}
}

// Status handles GET /api/sync/status?company_id=<uuid>&limit=<n>.
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	companyID, err := uuid.Parse(r.URL.Query().Get("company_id"))
	if err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "company_id query parameter must be a UUID")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			_ = ErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be between 1 and 200")
			return
		}
		limit = n
	}

	runs, err := h.runs.ListRecent(r.Context(), companyID, limit)
	if err != nil {
		h.logger.Error("Failed to list sync runs", zap.Error(err))
		_ = WriteError(w, err)
		return
	}
	if runs == nil {
		runs = []*models.SyncResult{}
	}
	if err := WriteJSON(w, http.StatusOK, SyncStatusResponse{Runs: runs}); err != nil {
		h.logger.Error("Failed to encode sync status response", zap.Error(err))
	}
}

// decodeTrigger parses an optional JSON body. An empty body is a valid
// global trigger.
func decodeTrigger(w http.ResponseWriter, r *http.Request) (TriggerRequest, bool) {
	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		_ = ErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return req, false
	}
	return req, true
}
