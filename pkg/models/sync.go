package models

import (
	"time"

	"github.com/google/uuid"
)

// SyncStatus is the terminal (or in-flight) state of one connector sync
// attempt for a company.
type SyncStatus string

const (
	SyncStatusRunning            SyncStatus = "running"
	SyncStatusSucceeded          SyncStatus = "succeeded"
	SyncStatusFailed             SyncStatus = "failed"
	SyncStatusPartiallySucceeded SyncStatus = "partially_succeeded"
	SyncStatusSkipped            SyncStatus = "skipped"
)

// SyncResult records the outcome of one (company, service) sync attempt.
// Write-once: appended to the sync history log and never updated, except for
// the transition from running to a terminal status.
type SyncResult struct {
	ID            uuid.UUID   `json:"id"`
	CompanyID     uuid.UUID   `json:"company_id"`
	ServiceType   ServiceType `json:"service_type"`
	Status        SyncStatus  `json:"status"`
	RecordsSynced int         `json:"records_synced"`
	TablesCreated []string    `json:"tables_created,omitempty"`
	Error         string      `json:"error,omitempty"`
	StartedAt     time.Time   `json:"started_at"`
	FinishedAt    *time.Time  `json:"finished_at,omitempty"`
}

// Success reports whether the attempt synced everything it set out to.
func (r *SyncResult) Success() bool {
	return r.Status == SyncStatusSucceeded
}

// SyncSummary aggregates the results of one orchestrator run across all
// companies and connectors in the work set.
type SyncSummary struct {
	RunID     uuid.UUID    `json:"run_id"`
	Total     int          `json:"total"`
	Succeeded int          `json:"succeeded"`
	Partial   int          `json:"partial"`
	Failed    int          `json:"failed"`
	Skipped   int          `json:"skipped"`
	Results   []SyncResult `json:"results"`
	StartedAt time.Time    `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Add folds a connector result into the summary tallies.
func (s *SyncSummary) Add(r SyncResult) {
	s.Total++
	switch r.Status {
	case SyncStatusSucceeded:
		s.Succeeded++
	case SyncStatusPartiallySucceeded:
		s.Partial++
	case SyncStatusSkipped:
		s.Skipped++
	default:
		s.Failed++
	}
	s.Results = append(s.Results, r)
}
