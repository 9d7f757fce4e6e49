package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/pulsekpi/pulse-engine/pkg/apperrors"
	"github.com/pulsekpi/pulse-engine/pkg/connector"
	"github.com/pulsekpi/pulse-engine/pkg/database"
	"github.com/pulsekpi/pulse-engine/pkg/retry"
)

// SchemaGateway provisions per-tenant namespaces and writes synced records
// into them. Provisioning is idempotent: every call converges the tenant's
// schema to the expected shape without touching existing data.
type SchemaGateway interface {
	// EnsureTenantSchema creates the tenant's schema and its baseline
	// tables if they do not exist yet.
	EnsureTenantSchema(ctx context.Context, companyID uuid.UUID) error

	// EnsureSyncedTable creates a synced-resource table inside the tenant
	// scope carried by ctx. It reports whether the table was newly created.
	EnsureSyncedTable(ctx context.Context, table string) (bool, error)

	// UpsertRecords writes one page of records into a synced table in the
	// tenant scope carried by ctx. Existing rows are replaced by id.
	UpsertRecords(ctx context.Context, table string, records []connector.Record) error
}

type schemaGateway struct {
	db     *database.DB
	logger *zap.Logger
}

func NewSchemaGateway(db *database.DB, logger *zap.Logger) SchemaGateway {
	return &schemaGateway{db: db, logger: logger.Named("schema-gateway")}
}

var _ SchemaGateway = (*schemaGateway)(nil)

func (g *schemaGateway) EnsureTenantSchema(ctx context.Context, companyID uuid.UUID) error {
	schema := database.SchemaName(companyID)

	// Schema and table names derive from a UUID, so string interpolation
	// here is identifier-safe.
	stmts := []string{
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.metric_history (
			company_id UUID NOT NULL,
			metric_key TEXT NOT NULL,
			period TEXT NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			computed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (company_id, metric_key, period)
		)`, schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.metric_definitions (
			metric_key TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			query TEXT NOT NULL
		)`, schema),
	}

	err := retry.DoIfRetryable(ctx, retry.DefaultConfig(), func() error {
		for _, stmt := range stmts {
			if _, err := g.db.Pool.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("provision schema %s: %v: %w", schema, err, apperrors.ErrProvisionError)
	}

	g.logger.Debug("Ensured tenant schema", zap.String("schema", schema))
	return nil
}

func (g *schemaGateway) EnsureSyncedTable(ctx context.Context, table string) (bool, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return false, fmt.Errorf("ensure table %s: no tenant scope in context", table)
	}

	// to_regclass resolves through the scope's search_path, so it sees only
	// this tenant's tables.
	var existing *string
	if err := scope.Conn.QueryRow(ctx, "SELECT to_regclass($1)::text", table).Scan(&existing); err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	if existing != nil {
		return false, nil
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		data JSONB NOT NULL,
		synced_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, pgx.Identifier{table}.Sanitize())
	if _, err := scope.Conn.Exec(ctx, ddl); err != nil {
		return false, fmt.Errorf("create table %s: %v: %w", table, err, apperrors.ErrProvisionError)
	}

	g.logger.Info("Created synced table",
		zap.String("table", table),
		zap.String("company_id", scope.CompanyID.String()))
	return true, nil
}

func (g *schemaGateway) UpsertRecords(ctx context.Context, table string, records []connector.Record) error {
	if len(records) == 0 {
		return nil
	}
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("upsert into %s: no tenant scope in context", table)
	}

	sql := fmt.Sprintf(`
		INSERT INTO %s (id, data, synced_at)
		VALUES ($1, $2, now())
		ON CONFLICT (id)
		DO UPDATE SET data = EXCLUDED.data, synced_at = now()`,
		pgx.Identifier{table}.Sanitize())

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(sql, rec.ID, rec.Data)
	}

	return retry.DoIfRetryable(ctx, retry.DefaultConfig(), func() error {
		br := scope.Conn.SendBatch(ctx, batch)
		defer br.Close()
		for range records {
			if _, err := br.Exec(); err != nil {
				return fmt.Errorf("upsert into %s: %w", table, err)
			}
		}
		return nil
	})
}
