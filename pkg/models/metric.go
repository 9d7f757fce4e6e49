package models

import (
	"time"

	"github.com/google/uuid"
)

// MetricDefinition maps a normalized metric key to the SQL template that
// computes it against a tenant's synced tables. Definitions are process-wide
// and immutable after registration.
type MetricDefinition struct {
	Key         string `json:"key"`
	DisplayName string `json:"display_name"`
	Query       string `json:"query"`
}

// MetricHistoryPoint is one computed time-series value. There is exactly one
// row per (company, metric, period); recomputation overwrites in place.
type MetricHistoryPoint struct {
	CompanyID  uuid.UUID `json:"company_id"`
	MetricKey  string    `json:"metric_key"`
	Period     string    `json:"period"` // YYYY-MM
	Value      float64   `json:"value"`
	ComputedAt time.Time `json:"computed_at"`
}

// MetricResult is the outcome of one metric computation.
type MetricResult struct {
	MetricKey string  `json:"metric_key"`
	Success   bool    `json:"success"`
	Value     float64 `json:"value,omitempty"`
	Error     string  `json:"error,omitempty"`
}
