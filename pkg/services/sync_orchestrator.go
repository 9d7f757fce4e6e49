package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pulsekpi/pulse-engine/pkg/apperrors"
	"github.com/pulsekpi/pulse-engine/pkg/catalog"
	"github.com/pulsekpi/pulse-engine/pkg/config"
	"github.com/pulsekpi/pulse-engine/pkg/connector"
	"github.com/pulsekpi/pulse-engine/pkg/models"
	"github.com/pulsekpi/pulse-engine/pkg/repositories"
	"github.com/pulsekpi/pulse-engine/pkg/telemetry"
)

// SyncOrchestrator fans a sync run out across companies and their connected
// services. One (company, service) pair is one unit of work; units run on a
// bounded worker pool and fail independently, so a broken connector never
// stops the rest of the run.
type SyncOrchestrator interface {
	// RunAll syncs every data source of every company and blocks until the
	// whole work set has drained.
	RunAll(ctx context.Context) (*models.SyncSummary, error)

	// RunCompany syncs every data source of one company.
	RunCompany(ctx context.Context, companyID uuid.UUID) (*models.SyncSummary, error)
}

// TenantScoper pins a context to a tenant's database namespace. Satisfied by
// database.TenantScopeProvider.
type TenantScoper interface {
	WithTenantScope(ctx context.Context, companyID uuid.UUID) (context.Context, func(), error)
}

type syncOrchestrator struct {
	sources repositories.DatasourceRepository
	runs    repositories.SyncRunRepository
	scopes  TenantScoper
	schema  SchemaGateway
	client  *connector.Client
	catalog *catalog.Catalog
	cfg     config.SyncConfig
	logger  *zap.Logger

	// inflight rejects a second sync for a pair already being synced.
	mu       sync.Mutex
	inflight map[string]bool
}

func NewSyncOrchestrator(
	sources repositories.DatasourceRepository,
	runs repositories.SyncRunRepository,
	scopes TenantScoper,
	schema SchemaGateway,
	client *connector.Client,
	cat *catalog.Catalog,
	cfg config.SyncConfig,
	logger *zap.Logger,
) SyncOrchestrator {
	return &syncOrchestrator{
		sources:  sources,
		runs:     runs,
		scopes:   scopes,
		schema:   schema,
		client:   client,
		catalog:  cat,
		cfg:      cfg,
		logger:   logger.Named("sync-orchestrator"),
		inflight: make(map[string]bool),
	}
}

var _ SyncOrchestrator = (*syncOrchestrator)(nil)

func (o *syncOrchestrator) RunAll(ctx context.Context) (*models.SyncSummary, error) {
	companies, err := o.sources.ListCompanies(ctx)
	if err != nil {
		return nil, fmt.Errorf("list companies: %w", err)
	}

	var work []*models.DataSource
	for _, companyID := range companies {
		sources, err := o.sources.ListByCompany(ctx, companyID)
		if err != nil {
			return nil, fmt.Errorf("list data sources for %s: %w", companyID, err)
		}
		work = append(work, sources...)
	}
	return o.run(ctx, work), nil
}

func (o *syncOrchestrator) RunCompany(ctx context.Context, companyID uuid.UUID) (*models.SyncSummary, error) {
	sources, err := o.sources.ListByCompany(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("list data sources for %s: %w", companyID, err)
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("company %s has no data sources: %w", companyID, apperrors.ErrNotFound)
	}
	return o.run(ctx, sources), nil
}

// run executes the work set on a bounded pool and drains it completely. A
// cancelled context stops new pages from being fetched inside each unit but
// run still waits for in-progress units to wind down.
func (o *syncOrchestrator) run(ctx context.Context, work []*models.DataSource) *models.SyncSummary {
	summary := &models.SyncSummary{
		RunID:     uuid.New(),
		StartedAt: time.Now(),
	}

	workers := o.cfg.MaxConcurrentSyncs
	if workers < 1 {
		workers = 1
	}

	results := make(chan models.SyncResult)
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, ds := range work {
		wg.Add(1)
		go func(ds *models.DataSource) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results <- o.syncOne(ctx, ds)
		}(ds)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	for r := range results {
		summary.Add(r)
	}
	summary.Duration = time.Since(summary.StartedAt)

	o.logger.Info("Sync run finished",
		zap.String("run_id", summary.RunID.String()),
		zap.Int("total", summary.Total),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("partial", summary.Partial),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Duration("duration", summary.Duration))
	return summary
}

func pairKey(ds *models.DataSource) string {
	return ds.CompanyID.String() + "/" + string(ds.ServiceType)
}

func (o *syncOrchestrator) acquirePair(ds *models.DataSource) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[pairKey(ds)] {
		return false
	}
	o.inflight[pairKey(ds)] = true
	return true
}

func (o *syncOrchestrator) releasePair(ds *models.DataSource) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, pairKey(ds))
}

// syncOne runs one (company, service) sync end to end and always returns a
// terminal result; errors are folded into the result instead of propagated.
func (o *syncOrchestrator) syncOne(ctx context.Context, ds *models.DataSource) models.SyncResult {
	result := models.SyncResult{
		ID:          uuid.New(),
		CompanyID:   ds.CompanyID,
		ServiceType: ds.ServiceType,
		Status:      models.SyncStatusRunning,
		StartedAt:   time.Now(),
	}

	if !o.acquirePair(ds) {
		result.Status = models.SyncStatusSkipped
		result.Error = apperrors.ErrSyncInProgress.Error()
		finished := time.Now()
		result.FinishedAt = &finished
		if err := o.runs.Record(ctx, &result); err != nil {
			// History is best-effort; the skip itself already happened.
			o.logger.Warn("Failed to record skipped sync", zap.Error(err))
		}
		telemetry.SyncRuns.WithLabelValues(string(ds.ServiceType), string(result.Status)).Inc()
		o.logger.Warn("Sync already in progress, skipping",
			zap.String("company_id", ds.CompanyID.String()),
			zap.String("service", string(ds.ServiceType)))
		return result
	}
	defer o.releasePair(ds)

	if o.cfg.RunTimeoutMinutes > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(o.cfg.RunTimeoutMinutes)*time.Minute)
		defer cancel()
	}

	if err := o.runs.Start(ctx, &result); err != nil {
		// History is best-effort; the sync itself still runs.
		o.logger.Warn("Failed to record sync start", zap.Error(err))
	}

	err := o.syncSources(ctx, ds, &result)

	finished := time.Now()
	result.FinishedAt = &finished
	switch {
	case err == nil:
		result.Status = models.SyncStatusSucceeded
	case result.RecordsSynced > 0:
		result.Status = models.SyncStatusPartiallySucceeded
		result.Error = err.Error()
	default:
		result.Status = models.SyncStatusFailed
		result.Error = err.Error()
	}

	if err := o.runs.Finish(context.WithoutCancel(ctx), &result); err != nil {
		o.logger.Warn("Failed to record sync finish", zap.Error(err))
	}

	telemetry.SyncRuns.WithLabelValues(string(ds.ServiceType), string(result.Status)).Inc()
	telemetry.SyncDuration.WithLabelValues(string(ds.ServiceType)).Observe(finished.Sub(result.StartedAt).Seconds())

	o.logger.Info("Connector sync finished",
		zap.String("company_id", ds.CompanyID.String()),
		zap.String("service", string(ds.ServiceType)),
		zap.String("status", string(result.Status)),
		zap.Int("records", result.RecordsSynced),
		zap.Strings("tables_created", result.TablesCreated),
		zap.Duration("duration", finished.Sub(result.StartedAt)))
	return result
}

// syncSources provisions the tenant namespace, then pulls every resource of
// the service, persisting page by page. Later resources still run when an
// earlier one fails; the collected errors decide the terminal status.
func (o *syncOrchestrator) syncSources(ctx context.Context, ds *models.DataSource, result *models.SyncResult) error {
	desc, err := o.catalog.Resolve(ds)
	if err != nil {
		return err
	}

	if err := o.schema.EnsureTenantSchema(ctx, ds.CompanyID); err != nil {
		return err
	}

	scopedCtx, release, err := o.scopes.WithTenantScope(ctx, ds.CompanyID)
	if err != nil {
		return fmt.Errorf("acquire tenant scope: %w", err)
	}
	defer release()

	var resourceErrs []string
	for _, res := range desc.Resources {
		table := res.Table()
		created, err := o.schema.EnsureSyncedTable(scopedCtx, table)
		if err != nil {
			resourceErrs = append(resourceErrs, fmt.Sprintf("%s: %v", res.Name, err))
			continue
		}
		if created {
			result.TablesCreated = append(result.TablesCreated, table)
		}

		count, err := o.client.FetchPages(scopedCtx, ds, res, func(records []connector.Record) error {
			return o.schema.UpsertRecords(scopedCtx, table, records)
		})
		result.RecordsSynced += count
		telemetry.SyncRecords.WithLabelValues(string(ds.ServiceType)).Add(float64(count))
		if err != nil {
			resourceErrs = append(resourceErrs, fmt.Sprintf("%s: %v", res.Name, err))
			if ctx.Err() != nil {
				// The run deadline hit; later resources would only burn
				// their retry budgets against a dead context.
				break
			}
		}
	}

	if len(resourceErrs) > 0 {
		return errors.New(strings.Join(resourceErrs, "; "))
	}
	return nil
}
