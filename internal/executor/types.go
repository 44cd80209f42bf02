// Package executor runs triggered agent executions on a small worker pool.
//
// The job supervisor stays a single serialized tick loop; the executor is
// where due jobs actually run, concurrently and fire-and-forget. Completion
// is reported through the task's OnDone callback so the owner can funnel
// updates back into its own loop.
package executor

import (
	"context"
	"sync"
	"time"
)

// Config controls the execution pool.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0. Zero disables the
	// global default.
	DefaultTimeout time.Duration

	HistorySize int
}

// RunState is the per-instance in-flight guard. A single instance must
// never have two concurrently-recorded runs; TryAcquire is the atomic
// check-and-set, covering queued as well as executing work so a fast
// schedule cannot blow up the queue.
type RunState struct {
	mu       sync.Mutex
	inflight bool
	since    time.Time
}

func (s *RunState) TryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		return false
	}
	s.inflight = true
	s.since = time.Now()
	return true
}

func (s *RunState) Release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.inflight = false
	s.since = time.Time{}
	s.mu.Unlock()
}

// InFlight reports whether a run currently holds the guard.
func (s *RunState) InFlight() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

// Result is delivered to Task.OnDone exactly once per executed task.
type Result struct {
	Started  time.Time
	Duration time.Duration
	Err      error
}

// Task is a unit of work.
//
// If State is non-nil the caller must already hold it (TryAcquire
// succeeded); the executor releases it when the run finishes or when the
// task is dropped before running.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	State   *RunState
	OnDone  func(res Result)
}

// HistoryItem is one entry of the bounded in-memory run history.
type HistoryItem struct {
	ID       string
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
}

// RunEvent is published on the event bus for run lifecycle topics.
type RunEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int
	Dropped  uint64
	History  []HistoryItem
}
