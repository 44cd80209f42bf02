package jobs

import (
	"context"
	"sync"
	"time"

	"autoflow/internal/eventbus"
	"autoflow/internal/executor"
	"autoflow/internal/runtime/supervisor"
	"autoflow/internal/storage"
	"autoflow/internal/workflow"
	logx "autoflow/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config

	log     logx.Logger
	bus     eventbus.Bus
	exec    *executor.Service
	store   storage.Store // may be nil (in-memory only)
	trigger workflow.Trigger

	instances map[string]*entry

	completions chan completion
	stopCh      chan struct{}
	sup         *supervisor.Supervisor

	// deleteHook, if set, is invoked with the instance id whenever a
	// SettingUp instance is deleted, so the activation pipeline can observe
	// cancellation. Set once during wiring, before Start.
	deleteHook func(id string)

	lastTickAt time.Time
	clock      func() time.Time // swapped in tests
}

func New(cfg Config, exec *executor.Service, trigger workflow.Trigger, store storage.Store, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:         cfg.withDefaults(),
		log:         log,
		bus:         bus,
		exec:        exec,
		store:       store,
		trigger:     trigger,
		instances:   map[string]*entry{},
		completions: make(chan completion, 256),
		clock:       time.Now,
	}
}

// SetDeleteHook installs the pipeline-cancellation callback. Must be called
// before Start.
func (s *Service) SetDeleteHook(fn func(id string)) { s.deleteHook = fn }

// Apply adjusts runtime-tunable settings; the new tick period takes effect
// on the next loop iteration.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Restore loads persisted instances and normalizes them for a fresh
// process:
//   - SettingUp means the activation pipeline died with us; that transient
//     work is gone, so the instance lands in Error with a retryable reason.
//   - Active instances get NextRunAt recomputed from now. A stale persisted
//     value must not fire a backlog burst.
func (s *Service) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	list, err := s.store.ListInstances(ctx)
	if err != nil {
		return err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range list {
		switch inst.Status {
		case workflow.StatusSettingUp:
			inst.Status = workflow.StatusError
			inst.ErrorMessage = "setup interrupted by restart; retry to finish activation"
			inst.NextRunAt = nil
		case workflow.StatusActive:
			next, err := inst.Schedule.Next(now)
			if err != nil {
				inst.Status = workflow.StatusError
				inst.ErrorMessage = "stored schedule no longer valid: " + err.Error()
				inst.NextRunAt = nil
			} else {
				inst.NextRunAt = &next
			}
		case workflow.StatusPaused, workflow.StatusError:
			inst.NextRunAt = nil
		}
		inst.UpdatedAt = now
		s.instances[inst.ID] = &entry{inst: inst, state: &executor.RunState{}, health: workflow.Healthy}
		s.persistLocked(ctx, inst)
	}
	s.log.Info("instances restored", logx.Int("count", len(list)))
	return nil
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.lastTickAt = s.now()
	period := s.cfg.TickPeriod
	s.mu.Unlock()

	s.sup.GoRestart("jobs.tick", s.loop)
	s.log.Info("job supervisor started", logx.Duration("tick", period))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	stopCh := s.stopCh
	sup := s.sup
	s.stopCh = nil
	s.sup = nil
	s.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	if sup != nil {
		_ = sup.Stop(ctx)
	}
	s.log.Info("job supervisor stopped")
}

func (s *Service) now() time.Time { return s.clock() }

func (s *Service) loop(ctx context.Context) error {
	s.mu.Lock()
	period := s.cfg.TickPeriod
	stopCh := s.stopCh
	s.mu.Unlock()
	if stopCh == nil {
		return nil
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stopCh:
			return nil
		case <-ticker.C:
			s.tick(ctx)
			// Pick up a changed tick period without restarting the service.
			s.mu.Lock()
			if s.cfg.TickPeriod != period {
				period = s.cfg.TickPeriod
				ticker.Reset(period)
			}
			s.mu.Unlock()
		case c := <-s.completions:
			s.onComplete(ctx, c)
		}
	}
}

// tick scans for due jobs and fires them. Runs on the loop goroutine only.
func (s *Service) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	s.lastTickAt = now
	due := make([]*entry, 0, 4)
	for _, e := range s.instances {
		if e.inst.Status != workflow.StatusActive || e.inst.NextRunAt == nil {
			continue
		}
		if !e.inst.NextRunAt.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.fire(e, false)
	}
	s.publishHealthTransitions(now)
}

// fire triggers one job. manual bypasses the due-check semantics but not
// the in-flight guard.
func (s *Service) fire(e *entry, manual bool) error {
	s.mu.Lock()
	inst := e.inst.Clone()
	s.mu.Unlock()

	if !e.state.TryAcquire() {
		if manual {
			return workflow.ErrAlreadyRunning
		}
		s.log.Info("overlap-skipped", logx.String("instance", inst.ID), logx.String("name", inst.DisplayName))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Topic: eventbus.TopicRunSkipped, Data: executor.RunEvent{ID: inst.ID, Name: inst.DisplayName}})
		}
		return nil
	}

	req := workflow.TriggerRequest{
		InstanceID:        inst.ID,
		DisplayName:       inst.DisplayName,
		TaskPrompt:        inst.TaskPrompt,
		ExtraInstructions: inst.ExtraInstructions,
		CustomTrigger:     inst.CustomTrigger,
		Scope:             inst.SessionScope,
	}
	id := inst.ID
	err := s.exec.Submit(executor.Task{
		ID:      id,
		Name:    inst.DisplayName,
		Timeout: s.runTimeout(),
		State:   e.state,
		Run: func(runCtx context.Context) error {
			return s.trigger.Execute(runCtx, req)
		},
		OnDone: func(res executor.Result) {
			c := completion{id: id, started: res.Started, dur: res.Duration, err: res.Err}
			select {
			case s.completions <- c:
			case <-s.stopChan():
				// Shutting down; the completion is recorded in the run
				// history but instance state is not advanced.
			}
		},
	})
	if err != nil {
		// Submit released the guard already.
		s.log.Warn("failed to start run", logx.String("instance", id), logx.Any("err", err))
		return err
	}
	return nil
}

func (s *Service) runTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.RunTimeout
}

func (s *Service) stopChan() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.stopCh
}

// onComplete records a run outcome and recomputes the next fire time.
func (s *Service) onComplete(ctx context.Context, c completion) {
	s.mu.Lock()
	e, ok := s.instances[c.id]
	if !ok {
		// Deleted while running; nothing to update.
		s.mu.Unlock()
		return
	}
	inst := e.inst
	started := c.started
	inst.LastRunAt = &started
	if c.err != nil {
		inst.LastRunStatus = workflow.RunError
	} else {
		inst.LastRunStatus = workflow.RunOK
	}
	// A failing job keeps its cadence: transient downstream failures must
	// not silently disable automation. Only an explicit pause stops it.
	if inst.Status == workflow.StatusActive {
		if next, err := inst.Schedule.Next(c.started); err == nil {
			inst.NextRunAt = &next
		}
	}
	inst.UpdatedAt = s.now()
	s.persistLocked(ctx, inst)
	rec := storage.RunRecord{
		At:         c.started,
		InstanceID: inst.ID,
		Name:       inst.DisplayName,
		Status:     inst.LastRunStatus,
		TookMS:     c.dur.Milliseconds(),
	}
	if c.err != nil {
		rec.Error = c.err.Error()
	}
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.AppendRun(ctx, rec); err != nil {
			s.log.Warn("run log append failed", logx.Any("err", err))
		}
	}
}

// persistLocked writes an instance through to storage. Callers hold s.mu.
func (s *Service) persistLocked(ctx context.Context, inst *workflow.Instance) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveInstance(ctx, inst.Clone()); err != nil {
		s.log.Warn("instance persist failed", logx.String("instance", inst.ID), logx.Any("err", err))
	}
}
