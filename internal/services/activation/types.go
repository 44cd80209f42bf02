// Package activation turns a template (or a free-text description) plus
// user input into an Active workflow instance through a fixed sequence of
// setup steps, reporting progress as it goes.
package activation

import (
	"time"

	"autoflow/internal/schedule"
	"autoflow/internal/workflow"
)

// Step names, in pipeline order. A step with nothing to do still runs (and
// completes immediately) so callers always see the same sequence.
type Step string

const (
	StepInstallSkills    Step = "install_skills"
	StepDeployCustom     Step = "deploy_custom_skills"
	StepStoreCredentials Step = "store_credentials"
	StepRegisterSchedule Step = "register_schedule"
	StepVerify           Step = "verify"
)

// steps is the canonical order.
var steps = []Step{
	StepInstallSkills,
	StepDeployCustom,
	StepStoreCredentials,
	StepRegisterSchedule,
	StepVerify,
}

// StepStatus is the lifecycle of one step within a run.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepActive  StepStatus = "active"
	StepDone    StepStatus = "done"
	StepError   StepStatus = "error"
)

// Request is everything needed to activate an instance.
//
// TemplateID empty means a free-text instance: no skills, no credential
// fields, the prompt comes from CustomTrigger/ExtraInstructions alone.
// ExistingID non-empty retries a failed instance instead of creating one.
type Request struct {
	TemplateID        string
	ExistingID        string
	Name              string
	Credentials       []workflow.CredentialValue
	Schedule          schedule.Spec
	ExtraInstructions string
	CustomTrigger     string
	SessionScope      workflow.SessionScope
}

// Event is one progress update. Step events arrive strictly in step order;
// the stream ends with exactly one terminal event followed by channel
// close.
type Event struct {
	Step   Step       `json:"step,omitempty"`
	Status StepStatus `json:"status,omitempty"`

	Terminal bool               `json:"terminal,omitempty"`
	OK       bool               `json:"ok,omitempty"`
	Err      string             `json:"error,omitempty"`
	Instance *workflow.Instance `json:"instance,omitempty"`
}

// StepState is the pollable view of one step.
type StepState struct {
	Name   Step       `json:"name"`
	Status StepStatus `json:"status"`
	Err    string     `json:"error,omitempty"`
}

// Run is the pollable status of one activation. It stays readable after
// the push channel is gone, and after the run finished.
type Run struct {
	InstanceID string      `json:"instance_id"`
	Steps      []StepState `json:"steps"`
	StartedAt  time.Time   `json:"started_at"`
	Done       bool        `json:"done"`
	OK         bool        `json:"ok"`
	Err        string      `json:"error,omitempty"`
}
