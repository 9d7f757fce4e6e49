package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pulsekpi/pulse-engine/pkg/apperrors"
	"github.com/pulsekpi/pulse-engine/pkg/database"
	"github.com/pulsekpi/pulse-engine/pkg/models"
)

// MetricRepository persists metric history inside a tenant's schema. All
// methods expect a tenant scope in the context; the unqualified table names
// resolve through the schema-pinned connection's search_path.
type MetricRepository interface {
	// UpsertHistoryPoint writes the value for (metric, period), overwriting
	// any previous computation for the same period.
	UpsertHistoryPoint(ctx context.Context, p *models.MetricHistoryPoint) error

	// GetHistoryPoint reads one computed value.
	GetHistoryPoint(ctx context.Context, companyID uuid.UUID, metricKey, period string) (*models.MetricHistoryPoint, error)

	// ListHistory returns every computed point for one metric, oldest first.
	ListHistory(ctx context.Context, companyID uuid.UUID, metricKey string) ([]*models.MetricHistoryPoint, error)

	// SeedDefinitions mirrors the process-wide metric registry into the
	// tenant's metric_definitions table for the presentation layer to read.
	SeedDefinitions(ctx context.Context, defs []models.MetricDefinition) error
}

type metricRepository struct{}

// NewMetricRepository creates a new metric repository.
func NewMetricRepository() MetricRepository {
	return &metricRepository{}
}

func (r *metricRepository) UpsertHistoryPoint(ctx context.Context, p *models.MetricHistoryPoint) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	_, err := scope.Conn.Exec(ctx, `
		INSERT INTO metric_history (company_id, metric_key, period, value, computed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (company_id, metric_key, period)
		DO UPDATE SET value = EXCLUDED.value, computed_at = EXCLUDED.computed_at`,
		p.CompanyID, p.MetricKey, p.Period, p.Value, p.ComputedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert metric history point: %w", err)
	}
	return nil
}

func (r *metricRepository) GetHistoryPoint(ctx context.Context, companyID uuid.UUID, metricKey, period string) (*models.MetricHistoryPoint, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	var p models.MetricHistoryPoint
	err := scope.Conn.QueryRow(ctx, `
		SELECT company_id, metric_key, period, value, computed_at
		FROM metric_history
		WHERE company_id = $1 AND metric_key = $2 AND period = $3`,
		companyID, metricKey, period).
		Scan(&p.CompanyID, &p.MetricKey, &p.Period, &p.Value, &p.ComputedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get metric history point: %w", err)
	}
	return &p, nil
}

func (r *metricRepository) ListHistory(ctx context.Context, companyID uuid.UUID, metricKey string) ([]*models.MetricHistoryPoint, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT company_id, metric_key, period, value, computed_at
		FROM metric_history
		WHERE company_id = $1 AND metric_key = $2
		ORDER BY period`,
		companyID, metricKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list metric history: %w", err)
	}
	defer rows.Close()

	var points []*models.MetricHistoryPoint
	for rows.Next() {
		var p models.MetricHistoryPoint
		if err := rows.Scan(&p.CompanyID, &p.MetricKey, &p.Period, &p.Value, &p.ComputedAt); err != nil {
			return nil, fmt.Errorf("failed to scan metric history point: %w", err)
		}
		points = append(points, &p)
	}
	return points, rows.Err()
}

func (r *metricRepository) SeedDefinitions(ctx context.Context, defs []models.MetricDefinition) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	for _, def := range defs {
		_, err := scope.Conn.Exec(ctx, `
			INSERT INTO metric_definitions (metric_key, display_name, query)
			VALUES ($1, $2, $3)
			ON CONFLICT (metric_key)
			DO UPDATE SET display_name = EXCLUDED.display_name, query = EXCLUDED.query`,
			def.Key, def.DisplayName, def.Query)
		if err != nil {
			return fmt.Errorf("failed to seed metric definition %q: %w", def.Key, err)
		}
	}
	return nil
}
