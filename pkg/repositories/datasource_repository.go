package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pulsekpi/pulse-engine/pkg/apperrors"
	"github.com/pulsekpi/pulse-engine/pkg/database"
	"github.com/pulsekpi/pulse-engine/pkg/models"
)

// DatasourceRepository defines data access for the data_sources catalog
// table. Token fields inside config are mutated only through UpdateTokens so
// a failed refresh can never clobber good credentials.
type DatasourceRepository interface {
	// Create inserts a new data source. Returns apperrors.ErrConflict if the
	// company already has a source for the service type.
	Create(ctx context.Context, ds *models.DataSource) error

	// GetByID retrieves a data source by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*models.DataSource, error)

	// ListByCompany retrieves all data sources for one company.
	ListByCompany(ctx context.Context, companyID uuid.UUID) ([]*models.DataSource, error)

	// ListCompanies returns the distinct company ids that have at least one
	// data source configured.
	ListCompanies(ctx context.Context) ([]uuid.UUID, error)

	// UpdateTokens atomically replaces the credential fields of a data
	// source's config, leaving discovery fields untouched.
	UpdateTokens(ctx context.Context, id uuid.UUID, creds models.OAuthCredentials) error

	// Delete removes a data source by ID.
	Delete(ctx context.Context, id uuid.UUID) error
}

// datasourceRepository implements DatasourceRepository using PostgreSQL.
type datasourceRepository struct {
	db *database.DB
}

// NewDatasourceRepository creates a new data source repository.
func NewDatasourceRepository(db *database.DB) DatasourceRepository {
	return &datasourceRepository{db: db}
}

func (r *datasourceRepository) Create(ctx context.Context, ds *models.DataSource) error {
	configJSON, err := json.Marshal(ds.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	now := time.Now()
	ds.CreatedAt = now
	ds.UpdatedAt = now

	query := `
		INSERT INTO data_sources (company_id, service_type, config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	err = r.db.Pool.QueryRow(ctx, query,
		ds.CompanyID,
		ds.ServiceType,
		configJSON,
		ds.CreatedAt,
		ds.UpdatedAt,
	).Scan(&ds.ID)
	if err != nil {
		// Unique constraint violation (PostgreSQL error code 23505)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create data source: %w", err)
	}

	return nil
}

func (r *datasourceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.DataSource, error) {
	query := `
		SELECT id, company_id, service_type, config, created_at, updated_at
		FROM data_sources
		WHERE id = $1`

	ds, err := scanDataSource(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get data source: %w", err)
	}
	return ds, nil
}

func (r *datasourceRepository) ListByCompany(ctx context.Context, companyID uuid.UUID) ([]*models.DataSource, error) {
	query := `
		SELECT id, company_id, service_type, config, created_at, updated_at
		FROM data_sources
		WHERE company_id = $1
		ORDER BY created_at`

	rows, err := r.db.Pool.Query(ctx, query, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list data sources: %w", err)
	}
	defer rows.Close()

	var sources []*models.DataSource
	for rows.Next() {
		ds, err := scanDataSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan data source: %w", err)
		}
		sources = append(sources, ds)
	}
	return sources, rows.Err()
}

func (r *datasourceRepository) ListCompanies(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT DISTINCT company_id FROM data_sources ORDER BY company_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list companies: %w", err)
	}
	defer rows.Close()

	var companies []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan company id: %w", err)
		}
		companies = append(companies, id)
	}
	return companies, rows.Err()
}

func (r *datasourceRepository) UpdateTokens(ctx context.Context, id uuid.UUID, creds models.OAuthCredentials) error {
	credsJSON, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	// jsonb_set replaces only the credentials subtree, so discovery fields
	// written at connection setup survive token rotation.
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE data_sources
		SET config = jsonb_set(config, '{credentials}', $2::jsonb),
		    updated_at = now()
		WHERE id = $1`,
		id, credsJSON)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *datasourceRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM data_sources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete data source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// scanDataSource reads one data_sources row, decoding the JSONB config.
func scanDataSource(row pgx.Row) (*models.DataSource, error) {
	var ds models.DataSource
	var configJSON []byte
	if err := row.Scan(&ds.ID, &ds.CompanyID, &ds.ServiceType, &configJSON, &ds.CreatedAt, &ds.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(configJSON, &ds.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &ds, nil
}
