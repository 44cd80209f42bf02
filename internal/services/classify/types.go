// Package classify runs the singleton background classification job: a
// degenerate sibling of the job supervisor with one implicit fixed-interval
// schedule, enable/disable instead of a lifecycle, and a progress counter
// readable mid-run.
package classify

import (
	"context"
	"time"

	"autoflow/internal/workflow"
)

// Mode selects how much history a run covers. The first run after enabling
// is always a backfill over historical data; once a backfill succeeds,
// scheduled fires switch to incremental.
type Mode string

const (
	ModeBackfill    Mode = "backfill"
	ModeIncremental Mode = "incremental"
)

// Progress reports counter updates from inside a run. Implementations call
// it as often as they like; the service keeps only the latest values.
type Progress func(processed, total int)

// Classifier performs the actual classification work. Opaque to the
// service; only the outcome and the progress counters are observed.
type Classifier interface {
	Classify(ctx context.Context, mode Mode, report Progress) error
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(ctx context.Context, mode Mode, report Progress) error

func (f ClassifierFunc) Classify(ctx context.Context, mode Mode, report Progress) error {
	return f(ctx, mode, report)
}

// Config controls the classification job.
type Config struct {
	// Period is the implicit fixed interval between runs.
	Period time.Duration
	// RunTimeout bounds a single run; 0 falls back to the executor default.
	RunTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Period <= 0 {
		c.Period = time.Hour
	}
	return c
}

// Status is the pollable view of the recurring task.
type Status struct {
	Enabled       bool               `json:"enabled"`
	Mode          Mode               `json:"mode"`
	LastRunAt     *time.Time         `json:"last_run_at,omitempty"`
	LastRunStatus workflow.RunStatus `json:"last_run_status,omitempty"`
	Processed     int                `json:"processed_count"`
	Total         int                `json:"total_count"`
	Running       bool               `json:"running"`
	Health        workflow.Health    `json:"scheduler_health"`
	Reason        string             `json:"reason,omitempty"`
}
