// Package notifier turns engine events into operator alerts.
//
// It subscribes to the event bus (failed runs, scheduler health changes,
// failed activations), deduplicates repeats within a window, rate limits the
// output, and delivers through a pluggable Sink. Delivery is best-effort:
// a broken sink never affects the engine.
package notifier

import (
	"context"
	"time"
)

// Priority orders alerts for sinks that care (and prefixes for those that
// don't).
type Priority string

const (
	PriorityInfo     Priority = "info"
	PriorityWarning  Priority = "warning"
	PriorityCritical Priority = "critical"
)

// Alert is one operator-facing message.
type Alert struct {
	Priority Priority
	Title    string
	Text     string
	At       time.Time
}

// Sink delivers alerts somewhere an operator looks. Implementations own
// their formatting and transport; the notifier owns queueing, dedup, rate
// limiting, and retries.
type Sink interface {
	Send(ctx context.Context, a Alert) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, a Alert) error

func (f SinkFunc) Send(ctx context.Context, a Alert) error { return f(ctx, a) }

// Config controls the alert pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// HistoryItem is one recently delivered alert, kept for operator status.
type HistoryItem struct {
	At    time.Time
	Title string
	Text  string
}
