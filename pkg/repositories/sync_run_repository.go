package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pulsekpi/pulse-engine/pkg/apperrors"
	"github.com/pulsekpi/pulse-engine/pkg/database"
	"github.com/pulsekpi/pulse-engine/pkg/models"
)

// SyncRunRepository persists the sync history log. Rows are append-only:
// Start writes the running record, Finish moves it to its terminal status,
// and nothing ever updates it again.
type SyncRunRepository interface {
	// Start inserts a running sync attempt.
	Start(ctx context.Context, r *models.SyncResult) error

	// Finish records the terminal status of a previously started attempt.
	Finish(ctx context.Context, r *models.SyncResult) error

	// Record inserts an attempt that is already terminal, such as a
	// duplicate that was skipped before any work started.
	Record(ctx context.Context, r *models.SyncResult) error

	// ListRecent returns the newest attempts for a company, most recent first.
	ListRecent(ctx context.Context, companyID uuid.UUID, limit int) ([]*models.SyncResult, error)
}

type syncRunRepository struct {
	db *database.DB
}

// NewSyncRunRepository creates a new sync history repository.
func NewSyncRunRepository(db *database.DB) SyncRunRepository {
	return &syncRunRepository{db: db}
}

func (r *syncRunRepository) Start(ctx context.Context, result *models.SyncResult) error {
	if result.ID == uuid.Nil {
		result.ID = uuid.New()
	}
	if result.StartedAt.IsZero() {
		result.StartedAt = time.Now()
	}
	result.Status = models.SyncStatusRunning

	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO sync_runs (id, company_id, service_type, status, started_at)
		VALUES ($1, $2, $3, $4, $5)`,
		result.ID, result.CompanyID, result.ServiceType, result.Status, result.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to record sync start: %w", err)
	}
	return nil
}

func (r *syncRunRepository) Record(ctx context.Context, result *models.SyncResult) error {
	if result.ID == uuid.Nil {
		result.ID = uuid.New()
	}
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO sync_runs (id, company_id, service_type, status, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		result.ID, result.CompanyID, result.ServiceType, result.Status, result.Error, result.StartedAt, result.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to record sync attempt: %w", err)
	}
	return nil
}

func (r *syncRunRepository) Finish(ctx context.Context, result *models.SyncResult) error {
	now := time.Now()
	result.FinishedAt = &now

	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE sync_runs
		SET status = $2, records_synced = $3, tables_created = $4, error = $5, finished_at = $6
		WHERE id = $1 AND finished_at IS NULL`,
		result.ID, result.Status, result.RecordsSynced, result.TablesCreated, result.Error, result.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to record sync finish: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *syncRunRepository) ListRecent(ctx context.Context, companyID uuid.UUID, limit int) ([]*models.SyncResult, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, company_id, service_type, status, records_synced, tables_created, error, started_at, finished_at
		FROM sync_runs
		WHERE company_id = $1
		ORDER BY started_at DESC
		LIMIT $2`,
		companyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	defer rows.Close()

	var results []*models.SyncResult
	for rows.Next() {
		var res models.SyncResult
		if err := rows.Scan(
			&res.ID,
			&res.CompanyID,
			&res.ServiceType,
			&res.Status,
			&res.RecordsSynced,
			&res.TablesCreated,
			&res.Error,
			&res.StartedAt,
			&res.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		results = append(results, &res)
	}
	return results, rows.Err()
}
