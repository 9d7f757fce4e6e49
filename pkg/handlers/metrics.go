package handlers

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pulsekpi/pulse-engine/pkg/models"
	"github.com/pulsekpi/pulse-engine/pkg/repositories"
	"github.com/pulsekpi/pulse-engine/pkg/services"
)

// MetricHistoryResponse lists the computed points for one metric.
type MetricHistoryResponse struct {
	MetricKey string                       `json:"metric_key"`
	Points    []*models.MetricHistoryPoint `json:"points"`
}

// MetricsHandler exposes the metric registry, recalculation trigger, and
// per-tenant metric history.
type MetricsHandler struct {
	engine     services.MetricComputationEngine
	metrics    repositories.MetricRepository
	scopes     services.TenantScoper
	baseCtx    context.Context
	background *sync.WaitGroup
	logger     *zap.Logger
}

func NewMetricsHandler(engine services.MetricComputationEngine, metrics repositories.MetricRepository, scopes services.TenantScoper, baseCtx context.Context, background *sync.WaitGroup, logger *zap.Logger) *MetricsHandler {
	return &MetricsHandler{
		engine:     engine,
		metrics:    metrics,
		scopes:     scopes,
		baseCtx:    baseCtx,
		background: background,
		logger:     logger,
	}
}

// RegisterRoutes registers the metrics handler's routes on the given mux.
func (h *MetricsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/metrics", h.ListDefinitions)
	mux.HandleFunc("POST /api/metrics/recalculate", h.Recalculate)
	mux.HandleFunc("GET /api/metrics/{key}/history", h.History)
}

// ListDefinitions handles GET /api/metrics.
func (h *MetricsHandler) ListDefinitions(w http.ResponseWriter, r *http.Request) {
	if err := WriteJSON(w, http.StatusOK, map[string]any{"metrics": h.engine.Definitions()}); err != nil {
		h.logger.Error("Failed to encode metric definitions", zap.Error(err))
	}
}

// Recalculate handles POST /api/metrics/recalculate. The body may narrow
// the run to one company and/or one period; the response is always 202 and
// the computation runs on the engine's lifetime context.
func (h *MetricsHandler) Recalculate(w http.ResponseWriter, r *http.Request) {
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
			_, err = h.engine.RecalculateCompany(h.baseCtx, *companyID, req.Period)
		} else {
			_, err = h.engine.RecalculateAll(h.baseCtx, req.Period)
		}
		if err != nil {
			h.logger.Error("Metric recalculation failed", zap.Error(err))
		}
	}()

	resp := AcceptedResponse{Accepted: true, CompanyID: req.CompanyID}
	if err := WriteJSON(w, http.StatusAccepted, resp); err != nil {
		h.logger.Error("Failed to encode recalculate response", zap.Error(err))
	}
}

// History handles GET /api/metrics/{key}/history?company_id=<uuid>.
func (h *MetricsHandler) History(w http.ResponseWriter, r *http.Request) {
	companyID, err := uuid.Parse(r.URL.Query().Get("company_id"))
	if err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "company_id query parameter must be a UUID")
		return
	}
	key := services.NormalizeMetricKey(r.PathValue("key"))

	scopedCtx, release, err := h.scopes.WithTenantScope(r.Context(), companyID)
	if err != nil {
		h.logger.Error("Failed to acquire tenant scope", zap.Error(err))
		_ = WriteError(w, err)
		return
	}
	defer release()

	points, err := h.metrics.ListHistory(scopedCtx, companyID, key)
	if err != nil {
		h.logger.Error("Failed to list metric history",
			zap.String("metric", key),
			zap.Error(err))
		_ = WriteError(w, err)
		return
	}
	if points == nil {
		points = []*models.MetricHistoryPoint{}
	}
	if err := WriteJSON(w, http.StatusOK, MetricHistoryResponse{MetricKey: key, Points: points}); err != nil {
		h.logger.Error("Failed to encode metric history", zap.Error(err))
	}
}
