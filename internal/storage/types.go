package storage

import (
	"errors"
	"time"

	"autoflow/internal/workflow"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled and the engine runs
// purely in memory (state does not survive restarts).
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RecurringRecord is the persisted slice of the recurring-task state.
// Runtime-only fields (in-flight guard, health) are derived, not stored.
type RecurringRecord struct {
	Enabled        bool               `json:"enabled"`
	Mode           string             `json:"mode"`
	LastRunAt      *time.Time         `json:"last_run_at,omitempty"`
	LastRunStatus  workflow.RunStatus `json:"last_run_status,omitempty"`
	ProcessedCount int                `json:"processed_count"`
	TotalCount     int                `json:"total_count"`
}

// RunRecord is one line of the run log. Keep it compact and schema-stable.
type RunRecord struct {
	At         time.Time          `json:"at"`
	InstanceID string             `json:"instance_id"`
	Name       string             `json:"name"`
	Status     workflow.RunStatus `json:"status"`
	TookMS     int64              `json:"took_ms"`
	Error      string             `json:"error,omitempty"`
}
