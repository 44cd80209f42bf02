package activation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"autoflow/internal/credentials"
	"autoflow/internal/eventbus"
	"autoflow/internal/runtime/supervisor"
	"autoflow/internal/services/jobs"
	"autoflow/internal/skills"
	"autoflow/internal/workflow"
	logx "autoflow/pkg/logx"
)

// eventBuffer sizes the per-activation push channel. A disconnected or slow
// consumer loses pushes but never stalls the pipeline; the pollable Run
// keeps the authoritative state.
const eventBuffer = 16

type Service struct {
	log     logx.Logger
	bus     eventbus.Bus
	catalog workflow.Catalog
	skills  skills.Installer
	creds   credentials.Store
	jobs    *jobs.Service

	mu   sync.Mutex
	runs map[string]*run // by instance id; last run kept for polling

	sup *supervisor.Supervisor
}

// run is the per-activation state shared between the pipeline goroutine,
// pollers, and Cancel.
type run struct {
	mu       sync.Mutex
	view     Run
	events   chan Event
	canceled atomic.Bool
}

func New(ctx context.Context, catalog workflow.Catalog, installer skills.Installer, creds credentials.Store, jobsSvc *jobs.Service, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:     log,
		bus:     bus,
		catalog: catalog,
		skills:  installer,
		creds:   creds,
		jobs:    jobsSvc,
		runs:    map[string]*run{},
		sup:     supervisor.New(ctx, supervisor.WithLogger(log)),
	}
}

// Stop waits for in-flight pipelines to finish.
func (s *Service) Stop(ctx context.Context) {
	_ = s.sup.Stop(ctx)
}

// Activate validates the request, registers (or re-enters) the instance,
// and starts the pipeline in the background. The returned channel carries
// step transitions then one terminal event and is closed; a caller that
// stops reading loses pushes but can always poll Status.
//
// Validation failures return before anything is created. A concurrent
// activation for the same instance returns ErrSetupInProgress; an Active
// instance returns ErrAlreadyActive.
func (s *Service) Activate(ctx context.Context, req Request) (string, <-chan Event, error) {
	tmpl, inst, err := s.prepare(ctx, req)
	if err != nil {
		return "", nil, err
	}

	r := &run{
		events: make(chan Event, eventBuffer),
		view: Run{
			InstanceID: inst.ID,
			StartedAt:  time.Now(),
			Steps:      initialSteps(),
		},
	}

	s.mu.Lock()
	if prev, ok := s.runs[inst.ID]; ok && !prev.done() {
		s.mu.Unlock()
		return "", nil, workflow.ErrSetupInProgress
	}
	s.runs[inst.ID] = r
	s.mu.Unlock()

	s.log.Info("activation started",
		logx.String("instance", inst.ID),
		logx.String("name", inst.DisplayName),
		logx.String("template", req.TemplateID))

	s.sup.Go0("activation."+inst.ID, func(runCtx context.Context) {
		s.execute(runCtx, r, tmpl, req, inst.ID)
	})
	return inst.ID, r.events, nil
}

// prepare validates the request and ensures a SettingUp instance exists,
// either freshly created or a failed one re-entered for retry.
func (s *Service) prepare(ctx context.Context, req Request) (workflow.Template, *workflow.Instance, error) {
	var tmpl workflow.Template
	if req.TemplateID != "" {
		var ok bool
		tmpl, ok = s.catalog.Template(req.TemplateID)
		if !ok {
			return tmpl, nil, &ValidationError{Field: "template_id", Msg: "unknown template " + req.TemplateID}
		}
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return tmpl, nil, &ValidationError{Field: "name", Msg: "display name is required"}
	}

	spec := req.Schedule
	if spec.Kind == "" {
		spec = tmpl.DefaultSchedule
	}
	if err := spec.Validate(); err != nil {
		return tmpl, nil, &ValidationError{Field: "schedule", Msg: err.Error()}
	}

	// Fail closed on required credentials before any side effect.
	given := map[string]string{}
	for _, cv := range req.Credentials {
		given[cv.Key] = cv.Secret
	}
	for _, f := range tmpl.CredentialFields {
		if f.Required && strings.TrimSpace(given[f.Key]) == "" {
			return tmpl, nil, &ValidationError{Field: f.Key, Msg: "required credential is missing"}
		}
	}

	if req.ExistingID != "" {
		inst, err := s.jobs.Lookup(req.ExistingID)
		if err != nil {
			return tmpl, nil, err
		}
		switch inst.Status {
		case workflow.StatusActive:
			return tmpl, nil, workflow.ErrAlreadyActive
		case workflow.StatusSettingUp:
			return tmpl, nil, workflow.ErrSetupInProgress
		}
		err = s.jobs.UpdateSetup(ctx, inst.ID, func(i *workflow.Instance) {
			i.Status = workflow.StatusSettingUp
			i.ErrorMessage = ""
		})
		if err != nil {
			return tmpl, nil, err
		}
		return tmpl, inst, nil
	}

	inst := workflow.NewInstance(name, spec)
	inst.TemplateID = req.TemplateID
	inst.CustomTrigger = strings.TrimSpace(req.CustomTrigger)
	inst.ExtraInstructions = strings.TrimSpace(req.ExtraInstructions)
	inst.TaskPrompt = tmpl.TaskPrompt
	inst.SessionScope = req.SessionScope
	if inst.SessionScope == "" {
		inst.SessionScope = tmpl.SessionScope
	}
	if inst.SessionScope == "" {
		inst.SessionScope = workflow.ScopeIsolated
	}
	if err := s.jobs.Add(ctx, inst); err != nil {
		return tmpl, nil, err
	}
	return tmpl, inst, nil
}

// Cancel flags an in-flight activation as canceled; the pipeline notices at
// its next step boundary, compensates, and exits. Wired to the delete hook
// of the job supervisor.
func (s *Service) Cancel(id string) {
	s.mu.Lock()
	r, ok := s.runs[id]
	s.mu.Unlock()
	if ok {
		r.canceled.Store(true)
	}
}

// Status returns the pollable view of the most recent activation for an
// instance. Remains available after the run finished.
func (s *Service) Status(id string) (Run, bool) {
	s.mu.Lock()
	r, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		return Run{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	view := r.view
	view.Steps = append([]StepState(nil), r.view.Steps...)
	return view, true
}

// execute runs the fixed step sequence. Each step is attempted once; the
// first failure halts the pipeline and parks the instance in Error. Prior
// steps are not rolled back (an installed skill stays installed) so a
// retry can treat every step as idempotent.
func (s *Service) execute(ctx context.Context, r *run, tmpl workflow.Template, req Request, id string) {
	defer close(r.events)

	// Compensation scope: only what this run itself created. A skill that
	// already existed (installed by an earlier activation) must survive a
	// cancel of this one, so idempotent no-op installs are not recorded.
	var installedHere []string
	var storedHere []string

	type stepFn func(ctx context.Context) error
	fns := map[Step]stepFn{
		StepInstallSkills: func(ctx context.Context) error {
			for _, name := range tmpl.RequiredSkills {
				created, err := s.skills.Install(ctx, name)
				if err != nil {
					return err
				}
				if created {
					installedHere = append(installedHere, name)
				}
			}
			if len(tmpl.RequiredSkills) > 0 {
				return s.jobs.UpdateSetup(ctx, id, func(i *workflow.Instance) {
					i.InstalledSkills = append([]string(nil), tmpl.RequiredSkills...)
				})
			}
			return nil
		},
		StepDeployCustom: func(ctx context.Context) error {
			for _, cs := range tmpl.CustomSkills {
				created, err := s.skills.Deploy(ctx, cs.Name, cs.Content)
				if err != nil {
					return err
				}
				if created {
					installedHere = append(installedHere, cs.Name)
				}
			}
			return nil
		},
		StepStoreCredentials: func(ctx context.Context) error {
			for _, cv := range req.Credentials {
				if strings.TrimSpace(cv.Secret) == "" {
					continue // optional field left blank
				}
				key := id + "/" + cv.Key
				if err := s.creds.Put(ctx, key, cv.Secret); err != nil {
					return err
				}
				storedHere = append(storedHere, key)
			}
			if len(storedHere) > 0 {
				keys := append([]string(nil), storedHere...)
				return s.jobs.UpdateSetup(ctx, id, func(i *workflow.Instance) {
					i.StoredCredentialKeys = keys
				})
			}
			return nil
		},
		StepRegisterSchedule: func(ctx context.Context) error {
			return s.jobs.MarkActive(ctx, id)
		},
		StepVerify: func(ctx context.Context) error {
			inst, err := s.jobs.Lookup(id)
			if err != nil {
				return fmt.Errorf("registered job not discoverable: %w", err)
			}
			if inst.Status != workflow.StatusActive || inst.NextRunAt == nil {
				return fmt.Errorf("job not armed: status=%s", inst.Status)
			}
			now := time.Now()
			if inst.NextRunAt.Before(now.Add(-time.Minute)) {
				return fmt.Errorf("next run %s is in the past", inst.NextRunAt.Format(time.RFC3339))
			}
			if p := inst.Schedule.Period(now); p > 0 && inst.NextRunAt.After(now.Add(p+time.Minute)) {
				return fmt.Errorf("next run %s is beyond one schedule period", inst.NextRunAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	for _, step := range steps {
		if r.canceled.Load() {
			s.compensate(ctx, id, installedHere, storedHere)
			s.finish(r, false, "canceled", nil)
			return
		}

		s.setStep(r, step, StepActive, "")
		if err := fns[step](ctx); err != nil {
			// A delete that lands mid-step surfaces as ErrNotFound from the
			// job supervisor; that is cancellation, not a step failure.
			if r.canceled.Load() || errors.Is(err, workflow.ErrNotFound) {
				s.compensate(ctx, id, installedHere, storedHere)
				s.finish(r, false, "canceled", nil)
				return
			}
			fail := &StepFailure{Step: step, Err: err}
			s.setStep(r, step, StepError, err.Error())
			if uerr := s.jobs.SetError(ctx, id, fail.Error()); uerr != nil {
				s.log.Warn("failed to record activation error", logx.String("instance", id), logx.Any("err", uerr))
			}
			if s.bus != nil {
				s.bus.Publish(eventbus.Event{Topic: eventbus.TopicActivationFailed, Data: Event{
					Step: step, Status: StepError, Err: err.Error(),
				}})
			}
			s.log.Warn("activation failed",
				logx.String("instance", id),
				logx.String("step", string(step)),
				logx.Any("err", err))
			s.finish(r, false, fail.Error(), nil)
			return
		}
		s.setStep(r, step, StepDone, "")
	}

	inst, err := s.jobs.Lookup(id)
	if err != nil {
		// Deleted between verify and here; treat as cancellation.
		s.compensate(ctx, id, installedHere, storedHere)
		s.finish(r, false, "canceled", nil)
		return
	}
	s.log.Info("activation finished",
		logx.String("instance", id),
		logx.String("name", inst.DisplayName))
	s.finish(r, true, "", inst)
}

// compensate undoes this run's own side effects after cancellation: best
// effort, failures only logged. The instance record itself is already gone.
func (s *Service) compensate(ctx context.Context, id string, installed, stored []string) {
	s.log.Info("activation canceled, compensating",
		logx.String("instance", id),
		logx.Int("skills", len(installed)),
		logx.Int("credentials", len(stored)))
	if un, ok := s.skills.(skills.Uninstaller); ok {
		for _, name := range installed {
			if err := un.Uninstall(ctx, name); err != nil {
				s.log.Warn("skill uninstall failed", logx.String("skill", name), logx.Any("err", err))
			}
		}
	}
	for _, key := range stored {
		if err := s.creds.Delete(ctx, key); err != nil {
			s.log.Warn("credential cleanup failed", logx.String("key", key), logx.Any("err", err))
		}
	}
}

func (s *Service) setStep(r *run, step Step, status StepStatus, errMsg string) {
	r.mu.Lock()
	for i := range r.view.Steps {
		if r.view.Steps[i].Name == step {
			r.view.Steps[i].Status = status
			r.view.Steps[i].Err = errMsg
			break
		}
	}
	r.mu.Unlock()

	ev := Event{Step: step, Status: status, Err: errMsg}
	r.push(ev)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Topic: eventbus.TopicActivationStep, Data: ev})
	}
}

func (s *Service) finish(r *run, ok bool, errMsg string, inst *workflow.Instance) {
	r.mu.Lock()
	r.view.Done = true
	r.view.OK = ok
	r.view.Err = errMsg
	r.mu.Unlock()

	r.push(Event{Terminal: true, OK: ok, Err: errMsg, Instance: inst})
}

func (r *run) done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view.Done
}

// push delivers without blocking; a full buffer means the consumer left.
func (r *run) push(ev Event) {
	select {
	case r.events <- ev:
	default:
	}
}

func initialSteps() []StepState {
	out := make([]StepState, len(steps))
	for i, st := range steps {
		out[i] = StepState{Name: st, Status: StepPending}
	}
	return out
}
