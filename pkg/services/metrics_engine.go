package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pulsekpi/pulse-engine/pkg/apperrors"
	"github.com/pulsekpi/pulse-engine/pkg/config"
	"github.com/pulsekpi/pulse-engine/pkg/models"
	"github.com/pulsekpi/pulse-engine/pkg/repositories"
	"github.com/pulsekpi/pulse-engine/pkg/sql"
	"github.com/pulsekpi/pulse-engine/pkg/telemetry"
)

// NormalizeMetricKey folds case and turns whitespace runs into hyphens.
// Applied identically at registration and lookup so the same human-entered
// key always resolves to the same definition.
func NormalizeMetricKey(key string) string {
	return strings.Join(strings.Fields(strings.ToLower(key)), "-")
}

// MetricComputationEngine resolves metric keys to SQL templates and computes
// time-series values against each tenant's synced tables. The registry is
// process-wide; computed values land in the tenant's metric_history.
type MetricComputationEngine interface {
	// RegisterMetric validates and registers a definition. The key is
	// normalized; registering an already-taken normalized key is an error,
	// never a silent overwrite.
	RegisterMetric(def models.MetricDefinition) error

	// Definitions lists registered definitions sorted by key.
	Definitions() []models.MetricDefinition

	// ComputeMetric computes one metric for one company and period
	// (YYYY-MM) and upserts the history point. Failures are reported in
	// the result, not returned, so callers can batch computations.
	ComputeMetric(ctx context.Context, companyID uuid.UUID, metricKey, period string) models.MetricResult

	// RecalculateCompany recomputes every registered metric for one
	// company. An empty period means the current month.
	RecalculateCompany(ctx context.Context, companyID uuid.UUID, period string) ([]models.MetricResult, error)

	// RecalculateAll recomputes every registered metric for every company
	// that has at least one data source.
	RecalculateAll(ctx context.Context, period string) (map[uuid.UUID][]models.MetricResult, error)
}

// WarehouseQuerier executes one scalar metric query inside the tenant scope
// carried by ctx. This runs in-process on the engine's own pool; it replaces
// an out-of-process query boundary, so its failures are surfaced as
// apperrors.ErrAPIError rather than crashing the computation batch.
type WarehouseQuerier interface {
	ExecuteScalarQuery(ctx context.Context, query string, args ...any) (float64, error)
}

type metricEngine struct {
	sources  repositories.DatasourceRepository
	metrics  repositories.MetricRepository
	schema   SchemaGateway
	scopes   TenantScoper
	querier  WarehouseQuerier
	cfg      config.MetricsConfig
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.RWMutex
	registry map[string]models.MetricDefinition
}

func NewMetricComputationEngine(
	sources repositories.DatasourceRepository,
	metrics repositories.MetricRepository,
	schema SchemaGateway,
	scopes TenantScoper,
	querier WarehouseQuerier,
	cfg config.MetricsConfig,
	logger *zap.Logger,
) MetricComputationEngine {
	return &metricEngine{
		sources:  sources,
		metrics:  metrics,
		schema:   schema,
		scopes:   scopes,
		querier:  querier,
		cfg:      cfg,
		logger:   logger.Named("metrics-engine"),
		now:      time.Now,
		registry: make(map[string]models.MetricDefinition),
	}
}

var _ MetricComputationEngine = (*metricEngine)(nil)

func (e *metricEngine) RegisterMetric(def models.MetricDefinition) error {
	key := NormalizeMetricKey(def.Key)
	if key == "" {
		return fmt.Errorf("metric key is empty: %w", apperrors.ErrInvalidConfig)
	}

	result := sql.ValidateAndNormalize(def.Query)
	if result.Error != nil {
		return fmt.Errorf("metric %s: %w", key, result.Error)
	}
	if result.NormalizedSQL == "" {
		return fmt.Errorf("metric %s has an empty query: %w", key, apperrors.ErrInvalidConfig)
	}
	if err := sql.EnsureSelect(result.NormalizedSQL); err != nil {
		return fmt.Errorf("metric %s: %w", key, err)
	}
	for _, param := range sql.ExtractParameters(result.NormalizedSQL) {
		if param != "period" {
			return fmt.Errorf("metric %s uses unknown template parameter {{%s}}: %w", key, param, apperrors.ErrInvalidConfig)
		}
	}
	if bad := sql.FindParametersInStringLiterals(result.NormalizedSQL); len(bad) > 0 {
		return fmt.Errorf("metric %s has template parameters inside string literals (%s): %w",
			key, strings.Join(bad, ", "), apperrors.ErrInvalidConfig)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, taken := e.registry[key]; taken {
		return fmt.Errorf("metric key %q already registered: %w", key, apperrors.ErrConflict)
	}
	e.registry[key] = models.MetricDefinition{
		Key:         key,
		DisplayName: def.DisplayName,
		Query:       result.NormalizedSQL,
	}
	return nil
}

func (e *metricEngine) Definitions() []models.MetricDefinition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	defs := make([]models.MetricDefinition, 0, len(e.registry))
	for _, def := range e.registry {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Key < defs[j].Key })
	return defs
}

func (e *metricEngine) ComputeMetric(ctx context.Context, companyID uuid.UUID, metricKey, period string) models.MetricResult {
	// An unknown key fails closed before any tenant storage is touched:
	// no schema provisioning, no scope acquisition.
	key := NormalizeMetricKey(metricKey)
	e.mu.RLock()
	_, known := e.registry[key]
	e.mu.RUnlock()
	if !known {
		telemetry.MetricComputations.WithLabelValues("unknown_key").Inc()
		return models.MetricResult{
			MetricKey: key,
			Error:     fmt.Sprintf("No query defined for metric: %s", key),
		}
	}

	if err := e.schema.EnsureTenantSchema(ctx, companyID); err != nil {
		return models.MetricResult{MetricKey: key, Error: err.Error()}
	}
	scopedCtx, release, err := e.scopes.WithTenantScope(ctx, companyID)
	if err != nil {
		return models.MetricResult{MetricKey: key, Error: err.Error()}
	}
	defer release()
	return e.computeScoped(scopedCtx, companyID, metricKey, period)
}

// computeScoped runs one computation inside an already-acquired tenant scope.
func (e *metricEngine) computeScoped(ctx context.Context, companyID uuid.UUID, metricKey, period string) models.MetricResult {
	key := NormalizeMetricKey(metricKey)
	result := models.MetricResult{MetricKey: key}

	e.mu.RLock()
	def, ok := e.registry[key]
	e.mu.RUnlock()
	if !ok {
		result.Error = fmt.Sprintf("No query defined for metric: %s", key)
		telemetry.MetricComputations.WithLabelValues("unknown_key").Inc()
		return result
	}

	if period == "" {
		period = e.now().Format("2006-01")
	}
	if check := sql.CheckParameterForInjection("period", period); check != nil {
		result.Error = fmt.Sprintf("period %q rejected (fingerprint %s)", period, check.Fingerprint)
		telemetry.MetricComputations.WithLabelValues("rejected_period").Inc()
		e.logger.Warn("Rejected metric period value",
			zap.String("metric", key),
			zap.String("fingerprint", check.Fingerprint))
		return result
	}

	query, args, err := sql.BindTemplate(def.Query, map[string]any{"period": period})
	if err != nil {
		result.Error = err.Error()
		telemetry.MetricComputations.WithLabelValues("failed").Inc()
		return result
	}

	if e.cfg.QueryTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(e.cfg.QueryTimeoutSeconds)*time.Second)
		defer cancel()
	}

	value, err := e.querier.ExecuteScalarQuery(ctx, query, args...)
	if err != nil {
		result.Error = err.Error()
		telemetry.MetricComputations.WithLabelValues("failed").Inc()
		e.logger.Error("Metric query failed",
			zap.String("metric", key),
			zap.String("company_id", companyID.String()),
			zap.Error(err))
		return result
	}

	point := &models.MetricHistoryPoint{
		CompanyID:  companyID,
		MetricKey:  key,
		Period:     period,
		Value:      value,
		ComputedAt: e.now(),
	}
	if err := e.metrics.UpsertHistoryPoint(ctx, point); err != nil {
		result.Error = fmt.Sprintf("store history point: %v", err)
		telemetry.MetricComputations.WithLabelValues("failed").Inc()
		return result
	}

	result.Success = true
	result.Value = value
	telemetry.MetricComputations.WithLabelValues("ok").Inc()
	return result
}

func (e *metricEngine) RecalculateCompany(ctx context.Context, companyID uuid.UUID, period string) ([]models.MetricResult, error) {
	if err := e.schema.EnsureTenantSchema(ctx, companyID); err != nil {
		return nil, err
	}
	scopedCtx, release, err := e.scopes.WithTenantScope(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("acquire tenant scope: %w", err)
	}
	defer release()

	defs := e.Definitions()
	if err := e.metrics.SeedDefinitions(scopedCtx, defs); err != nil {
		e.logger.Warn("Failed to mirror metric definitions",
			zap.String("company_id", companyID.String()),
			zap.Error(err))
	}

	results := make([]models.MetricResult, 0, len(defs))
	for _, def := range defs {
		results = append(results, e.computeScoped(scopedCtx, companyID, def.Key, period))
	}
	return results, nil
}

func (e *metricEngine) RecalculateAll(ctx context.Context, period string) (map[uuid.UUID][]models.MetricResult, error) {
	companies, err := e.sources.ListCompanies(ctx)
	if err != nil {
		return nil, fmt.Errorf("list companies: %w", err)
	}

	all := make(map[uuid.UUID][]models.MetricResult, len(companies))
	for _, companyID := range companies {
		results, err := e.RecalculateCompany(ctx, companyID, period)
		if err != nil {
			// One tenant's scope trouble must not stop the rest.
			e.logger.Error("Recalculation failed for company",
				zap.String("company_id", companyID.String()),
				zap.Error(err))
			all[companyID] = []models.MetricResult{{Error: err.Error()}}
			continue
		}
		all[companyID] = results
	}
	return all, nil
}
