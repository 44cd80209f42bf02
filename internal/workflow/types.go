// Package workflow holds the domain model the engine manages: templates,
// workflow instances, and the contracts shared between the activation
// pipeline and the job supervisor.
package workflow

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"autoflow/internal/schedule"
)

// Status is the lifecycle state of a workflow instance.
type Status string

const (
	StatusSettingUp Status = "setting_up"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusError     Status = "error"
)

// RunStatus records the outcome of the most recent triggered run.
// Empty means the instance has never run.
type RunStatus string

const (
	RunOK    RunStatus = "ok"
	RunError RunStatus = "error"
)

// SessionScope controls the blast radius of a triggered run: an isolated
// run gets a fresh disposable execution context, a main-scoped run shares
// the user's long-lived context. Scheduling is identical either way.
type SessionScope string

const (
	ScopeIsolated SessionScope = "isolated"
	ScopeMain     SessionScope = "main"
)

// Health is the scheduler-liveness signal derived for a job, compared
// against tick-period tolerances.
type Health string

const (
	Healthy   Health = "healthy"
	Delayed   Health = "delayed"
	Unhealthy Health = "unhealthy"
)

// CredentialField is a template-declared input the user must (or may) fill.
type CredentialField struct {
	Key         string `json:"key"`
	Label       string `json:"label"`
	Placeholder string `json:"placeholder,omitempty"`
	Required    bool   `json:"required"`
}

// CredentialValue is a user-supplied secret. The secret is consumed once by
// the credential store during activation and never logged or echoed.
type CredentialValue struct {
	Key    string
	Secret string
}

// CustomSkill is a capability whose full content ships inline with the
// template instead of being referenced by name alone.
type CustomSkill struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Template is an immutable, catalog-sourced blueprint for creating an
// instance.
type Template struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	RequiredSkills   []string          `json:"required_skills,omitempty"`
	CustomSkills     []CustomSkill     `json:"custom_skills,omitempty"`
	CredentialFields []CredentialField `json:"credential_fields,omitempty"`
	DefaultSchedule  schedule.Spec     `json:"default_schedule"`
	TaskPrompt       string            `json:"task_prompt"`
	SessionScope     SessionScope      `json:"session_scope"`
}

// Instance is the persistent, schedulable unit the engine manages.
//
// Invariants:
//   - StatusActive implies NextRunAt non-nil and >= now at computation time.
//   - StatusPaused implies NextRunAt nil.
//   - StatusError is terminal until a user retry re-enters the pipeline.
type Instance struct {
	ID          string        `json:"id"`
	TemplateID  string        `json:"template_id,omitempty"` // empty for free-text instances
	DisplayName string        `json:"display_name"`
	Schedule    schedule.Spec `json:"schedule"`

	CustomTrigger     string       `json:"custom_trigger,omitempty"`
	ExtraInstructions string       `json:"extra_instructions,omitempty"`
	TaskPrompt        string       `json:"task_prompt,omitempty"`
	SessionScope      SessionScope `json:"session_scope,omitempty"`

	Status               Status   `json:"status"`
	InstalledSkills      []string `json:"installed_skills,omitempty"`
	StoredCredentialKeys []string `json:"stored_credential_keys,omitempty"`

	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus RunStatus  `json:"last_run_status,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewInstance creates a SettingUp instance ready for the activation pipeline.
func NewInstance(displayName string, spec schedule.Spec) *Instance {
	now := time.Now()
	return &Instance{
		ID:          uuid.NewString(),
		DisplayName: strings.TrimSpace(displayName),
		Schedule:    spec,
		Status:      StatusSettingUp,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy. External readers always get clones, never
// references into supervisor-owned state.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	cp := *i
	cp.InstalledSkills = append([]string(nil), i.InstalledSkills...)
	cp.StoredCredentialKeys = append([]string(nil), i.StoredCredentialKeys...)
	if i.LastRunAt != nil {
		t := *i.LastRunAt
		cp.LastRunAt = &t
	}
	if i.NextRunAt != nil {
		t := *i.NextRunAt
		cp.NextRunAt = &t
	}
	return &cp
}

// TriggerRequest is everything the opaque execution runtime needs to start
// an agent run for an instance.
type TriggerRequest struct {
	InstanceID        string
	DisplayName       string
	TaskPrompt        string
	ExtraInstructions string
	CustomTrigger     string
	Scope             SessionScope
}

// Trigger starts an agent run and blocks until it finishes. The runtime is
// opaque to the engine; only the outcome (nil or error) is observed. There
// is no mid-run cancellation beyond ctx.
type Trigger interface {
	Execute(ctx context.Context, req TriggerRequest) error
}

// TriggerFunc adapts a function to the Trigger interface.
type TriggerFunc func(ctx context.Context, req TriggerRequest) error

func (f TriggerFunc) Execute(ctx context.Context, req TriggerRequest) error { return f(ctx, req) }
