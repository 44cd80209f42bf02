package jobs

import (
	"time"

	"autoflow/internal/executor"
	"autoflow/internal/workflow"
)

// Config controls the supervisor.
type Config struct {
	// TickPeriod is how often the due-job scan runs. It also anchors the
	// health tolerances: within one period of the expected fire is Healthy,
	// within two Delayed, beyond that Unhealthy.
	TickPeriod time.Duration

	// RunTimeout bounds a single triggered execution. 0 falls back to the
	// executor default.
	RunTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickPeriod <= 0 {
		c.TickPeriod = 30 * time.Second
	}
	return c
}

// entry pairs an instance with its runtime-only state. The instance pointer
// is owned by the supervisor; everything handed out is a clone.
type entry struct {
	inst  *workflow.Instance
	state *executor.RunState

	health workflow.Health
}

// completion is the executor's report of a finished run, funneled back into
// the supervisor loop.
type completion struct {
	id      string
	started time.Time
	dur     time.Duration
	err     error
}

// HealthEvent is published on the bus when a job's derived health changes.
type HealthEvent struct {
	InstanceID string          `json:"instance_id"`
	Name       string          `json:"name"`
	Health     workflow.Health `json:"health"`
	Reason     string          `json:"reason,omitempty"`
}

// InstanceHealth is the per-job slice of a snapshot.
type InstanceHealth struct {
	Instance *workflow.Instance
	Health   workflow.Health
	Running  bool
}

// Snapshot is a point-in-time diagnostic view of the supervisor.
type Snapshot struct {
	TickPeriod time.Duration
	LastTickAt time.Time
	LoopAlive  bool

	Instances []InstanceHealth
}
