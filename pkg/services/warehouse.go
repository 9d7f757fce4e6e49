package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pulsekpi/pulse-engine/pkg/apperrors"
	"github.com/pulsekpi/pulse-engine/pkg/database"
)

type warehouseQuerier struct {
	logger *zap.Logger
}

// NewWarehouseQuerier returns the pgx-backed WarehouseQuerier. Queries run
// on the tenant-scoped connection carried by ctx, so unqualified table names
// resolve inside the tenant's schema.
func NewWarehouseQuerier(logger *zap.Logger) WarehouseQuerier {
	return &warehouseQuerier{logger: logger.Named("warehouse")}
}

var _ WarehouseQuerier = (*warehouseQuerier)(nil)

func (q *warehouseQuerier) ExecuteScalarQuery(ctx context.Context, query string, args ...any) (float64, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return 0, fmt.Errorf("scalar query: no tenant scope in context")
	}

	rows, err := scope.Conn.Query(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("scalar query: %v: %w", err, apperrors.ErrAPIError)
	}
	defer rows.Close()

	// No rows is a legitimate zero, not an error.
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return 0, fmt.Errorf("scalar query: %v: %w", err, apperrors.ErrAPIError)
		}
		return 0, nil
	}

	// Scan through a pointer so SUM() over an empty set (NULL) reads as 0.
	var value *float64
	if err := rows.Scan(&value); err != nil {
		return 0, fmt.Errorf("scalar query result is not numeric: %v: %w", err, apperrors.ErrAPIError)
	}
	if value == nil {
		return 0, nil
	}
	return *value, nil
}
