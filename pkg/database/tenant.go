package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SchemaName derives a tenant's isolated schema name from its company id.
// The derivation is deterministic so every component addresses the same
// namespace without coordination.
func SchemaName(companyID uuid.UUID) string {
	return "tenant_" + strings.ReplaceAll(companyID.String(), "-", "")
}

// TenantScope wraps a connection pinned to a tenant's schema via
// search_path. All unqualified table references on this connection resolve
// inside the tenant namespace.
type TenantScope struct {
	Conn      *pgxpool.Conn
	CompanyID uuid.UUID
}

// Close resets the search_path and releases the connection to the pool.
// This MUST be called to prevent tenant context from leaking to the next
// borrower of the connection.
func (s *TenantScope) Close() {
	if s.Conn == nil {
		return
	}
	_, _ = s.Conn.Exec(context.Background(), "SET search_path TO public")
	s.Conn.Release()
}

// WithTenant acquires a connection and pins it to the tenant's schema.
// The returned TenantScope MUST be closed with defer scope.Close().
// The schema must already exist; provisioning is the schema gateway's job.
func (db *DB) WithTenant(ctx context.Context, companyID uuid.UUID) (*TenantScope, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	// SchemaName output is derived from a UUID, so it is identifier-safe.
	_, err = conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", SchemaName(companyID)))
	if err != nil {
		conn.Release()
		return nil, err
	}

	return &TenantScope{Conn: conn, CompanyID: companyID}, nil
}

// WithoutTenant acquires a connection without tenant context. Use this for
// engine catalog operations (data source listing, sync history).
// The returned TenantScope MUST be closed with defer scope.Close().
func (db *DB) WithoutTenant(ctx context.Context) (*TenantScope, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &TenantScope{Conn: conn}, nil
}
