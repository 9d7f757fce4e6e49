package services

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pulsekpi/pulse-engine/pkg/apperrors"
	"github.com/pulsekpi/pulse-engine/pkg/config"
	"github.com/pulsekpi/pulse-engine/pkg/models"
)

type fakeMetricRepo struct {
	mu     sync.Mutex
	points map[string]*models.MetricHistoryPoint
	seeded []models.MetricDefinition
}

func newFakeMetricRepo() *fakeMetricRepo {
	return &fakeMetricRepo{points: make(map[string]*models.MetricHistoryPoint)}
}

func pointKey(p *models.MetricHistoryPoint) string {
	return p.CompanyID.String() + "/" + p.MetricKey + "/" + p.Period
}

func (f *fakeMetricRepo) UpsertHistoryPoint(ctx context.Context, p *models.MetricHistoryPoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *p
	f.points[pointKey(p)] = &copied
	return nil
}

func (f *fakeMetricRepo) GetHistoryPoint(ctx context.Context, companyID uuid.UUID, metricKey, period string) (*models.MetricHistoryPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.points[companyID.String()+"/"+metricKey+"/"+period]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return p, nil
}

func (f *fakeMetricRepo) ListHistory(ctx context.Context, companyID uuid.UUID, metricKey string) ([]*models.MetricHistoryPoint, error) {
	return nil, nil
}

func (f *fakeMetricRepo) SeedDefinitions(ctx context.Context, defs []models.MetricDefinition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeded = defs
	return nil
}

type fakeQuerier struct {
	values map[string]float64 // keyed by prepared SQL
	err    error
	calls  []string
}

func (f *fakeQuerier) ExecuteScalarQuery(ctx context.Context, query string, args ...any) (float64, error) {
	f.calls = append(f.calls, query)
	if f.err != nil {
		return 0, f.err
	}
	return f.values[query], nil
}

func newTestEngine(querier WarehouseQuerier, repo *fakeMetricRepo, sources *fakeDatasourceRepo) MetricComputationEngine {
	if sources == nil {
		sources = newFakeDatasourceRepo()
	}
	return NewMetricComputationEngine(
		sources, repo, newFakeSchemaGateway(), passthroughScoper{}, querier,
		config.MetricsConfig{QueryTimeoutSeconds: 5}, zap.NewNop())
}

func TestNormalizeMetricKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Monthly Revenue", "monthly-revenue"},
		{"  deal   count  ", "deal-count"},
		{"MRR", "mrr"},
		{"already-normal", "already-normal"},
		{"Tabs\tand\nnewlines", "tabs-and-newlines"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeMetricKey(tt.in), "input %q", tt.in)
	}
}

func TestRegisterMetric_Validation(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		wantErr string
	}{
		{
			name:  "valid with period parameter",
			query: "SELECT COUNT(*) FROM deals WHERE to_char(synced_at, 'YYYY-MM') = {{period}}",
		},
		{
			name:  "valid without parameters",
			query: "SELECT COUNT(*) FROM contacts",
		},
		{
			name:    "multiple statements",
			query:   "SELECT 1; DROP TABLE deals",
			wantErr: "multiple SQL statements",
		},
		{
			name:    "not a select",
			query:   "DELETE FROM deals",
			wantErr: "SELECT",
		},
		{
			name:    "unknown parameter",
			query:   "SELECT COUNT(*) FROM deals WHERE owner = {{owner}}",
			wantErr: "{{owner}}",
		},
		{
			name:    "parameter inside string literal",
			query:   "SELECT COUNT(*) FROM deals WHERE label = 'as of {{period}}'",
			wantErr: "string literals",
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newTestEngine(&fakeQuerier{}, newFakeMetricRepo(), nil)
			err := engine.RegisterMetric(models.MetricDefinition{
				Key:   fmt.Sprintf("metric-%d", i),
				Query: tt.query,
			})
			if tt.wantErr == "" {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestRegisterMetric_NormalizedCollision(t *testing.T) {
	engine := newTestEngine(&fakeQuerier{}, newFakeMetricRepo(), nil)

	require.NoError(t, engine.RegisterMetric(models.MetricDefinition{
		Key: "Monthly Revenue", Query: "SELECT 1",
	}))

	// Different surface form, same normalized key.
	err := engine.RegisterMetric(models.MetricDefinition{
		Key: "monthly   revenue", Query: "SELECT 2",
	})
	require.ErrorIs(t, err, apperrors.ErrConflict)

	// The original registration survives.
	defs := engine.Definitions()
	require.Len(t, defs, 1)
	assert.Equal(t, "monthly-revenue", defs[0].Key)
	assert.Equal(t, "SELECT 1", defs[0].Query)
}

// countingScoper records how many tenant scopes were handed out.
type countingScoper struct {
	acquired int
}

func (s *countingScoper) WithTenantScope(ctx context.Context, companyID uuid.UUID) (context.Context, func(), error) {
	s.acquired++
	return ctx, func() {}, nil
}

func TestComputeMetric_UnknownKeyFailsClosed(t *testing.T) {
	schema := newFakeSchemaGateway()
	scopes := &countingScoper{}
	engine := NewMetricComputationEngine(
		newFakeDatasourceRepo(), newFakeMetricRepo(), schema, scopes, &fakeQuerier{},
		config.MetricsConfig{QueryTimeoutSeconds: 5}, zap.NewNop())
	companyID := uuid.New()

	result := engine.ComputeMetric(context.Background(), companyID, "No Such Metric", "2026-08")
	assert.False(t, result.Success)
	assert.Equal(t, "No query defined for metric: no-such-metric", result.Error)

	// Failing closed means no tenant storage was touched on the way out.
	assert.False(t, schema.schemas[companyID], "tenant schema must not be provisioned for an unknown metric key")
	assert.Zero(t, scopes.acquired, "no tenant scope should be acquired for an unknown metric key")
}

func TestComputeMetric_ComputesAndStoresHistory(t *testing.T) {
	prepared := "SELECT COUNT(*) FROM deals WHERE to_char(synced_at, 'YYYY-MM') = $1"
	querier := &fakeQuerier{values: map[string]float64{prepared: 42}}
	repo := newFakeMetricRepo()
	engine := newTestEngine(querier, repo, nil)

	require.NoError(t, engine.RegisterMetric(models.MetricDefinition{
		Key:   "deal count",
		Query: "SELECT COUNT(*) FROM deals WHERE to_char(synced_at, 'YYYY-MM') = {{period}}",
	}))

	companyID := uuid.New()
	result := engine.ComputeMetric(context.Background(), companyID, "Deal Count", "2026-08")
	require.True(t, result.Success, "error: %s", result.Error)
	assert.Equal(t, float64(42), result.Value)

	point, err := repo.GetHistoryPoint(context.Background(), companyID, "deal-count", "2026-08")
	require.NoError(t, err)
	assert.Equal(t, float64(42), point.Value)

	// Recomputation overwrites in place, never duplicates.
	result = engine.ComputeMetric(context.Background(), companyID, "deal count", "2026-08")
	require.True(t, result.Success)
	assert.Len(t, repo.points, 1)
}

func TestComputeMetric_QueryFailureIsCapturedNotRaised(t *testing.T) {
	querier := &fakeQuerier{err: fmt.Errorf("relation \"deals\" does not exist: %w", apperrors.ErrAPIError)}
	repo := newFakeMetricRepo()
	engine := newTestEngine(querier, repo, nil)

	require.NoError(t, engine.RegisterMetric(models.MetricDefinition{
		Key: "deal-count", Query: "SELECT COUNT(*) FROM deals",
	}))

	result := engine.ComputeMetric(context.Background(), uuid.New(), "deal-count", "2026-08")
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "does not exist")
	assert.Empty(t, repo.points)
}

func TestComputeMetric_RejectsHostilePeriod(t *testing.T) {
	querier := &fakeQuerier{}
	engine := newTestEngine(querier, newFakeMetricRepo(), nil)

	require.NoError(t, engine.RegisterMetric(models.MetricDefinition{
		Key: "deal-count", Query: "SELECT COUNT(*) FROM deals WHERE p = {{period}}",
	}))

	result := engine.ComputeMetric(context.Background(), uuid.New(), "deal-count", "' OR '1'='1")
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "rejected")
	assert.Empty(t, querier.calls)
}

func TestRecalculateCompany_RunsEveryMetricAndSeedsDefinitions(t *testing.T) {
	querier := &fakeQuerier{values: map[string]float64{
		"SELECT COUNT(*) FROM contacts": 7,
		"SELECT COUNT(*) FROM deals":    3,
	}}
	repo := newFakeMetricRepo()
	engine := newTestEngine(querier, repo, nil)

	require.NoError(t, engine.RegisterMetric(models.MetricDefinition{Key: "contact-count", Query: "SELECT COUNT(*) FROM contacts"}))
	require.NoError(t, engine.RegisterMetric(models.MetricDefinition{Key: "deal-count", Query: "SELECT COUNT(*) FROM deals"}))

	companyID := uuid.New()
	results, err := engine.RecalculateCompany(context.Background(), companyID, "2026-08")
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Success, "metric %s: %s", r.MetricKey, r.Error)
	}
	assert.Len(t, repo.points, 2)
	require.Len(t, repo.seeded, 2)
	assert.Equal(t, "contact-count", repo.seeded[0].Key)
}

func TestRecalculateAll_CoversEveryCompany(t *testing.T) {
	companyA := uuid.New()
	companyB := uuid.New()
	sources := newFakeDatasourceRepo(
		acDataSource(companyA, "https://a.example"),
		acDataSource(companyB, "https://b.example"),
	)
	querier := &fakeQuerier{values: map[string]float64{"SELECT COUNT(*) FROM deals": 1}}
	engine := newTestEngine(querier, newFakeMetricRepo(), sources)

	require.NoError(t, engine.RegisterMetric(models.MetricDefinition{Key: "deal-count", Query: "SELECT COUNT(*) FROM deals"}))

	all, err := engine.RecalculateAll(context.Background(), "2026-08")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Len(t, all[companyA], 1)
	assert.Len(t, all[companyB], 1)
}
