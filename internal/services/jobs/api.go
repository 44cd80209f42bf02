package jobs

import (
	"context"
	"sort"
	"strings"

	"autoflow/internal/executor"
	"autoflow/internal/workflow"
	logx "autoflow/pkg/logx"
)

// Add registers a new instance with the supervisor. The instance is usually
// in SettingUp; it becomes schedulable only after MarkActive.
func (s *Service) Add(ctx context.Context, inst *workflow.Instance) error {
	if inst == nil || strings.TrimSpace(inst.ID) == "" {
		return workflow.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[inst.ID]; exists {
		return workflow.ErrAlreadyActive
	}
	cp := inst.Clone()
	s.instances[cp.ID] = &entry{inst: cp, state: &executor.RunState{}, health: workflow.Healthy}
	s.persistLocked(ctx, cp)
	s.log.Info("instance registered",
		logx.String("instance", cp.ID),
		logx.String("name", cp.DisplayName),
		logx.String("status", string(cp.Status)))
	return nil
}

// MarkActive transitions an instance into Active and arms its schedule.
// This is the pipeline's "register schedule" step: the first NextRunAt is
// computed from now, never backfilled from the past.
func (s *Service) MarkActive(ctx context.Context, id string) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.instances[id]
	if !ok {
		return workflow.ErrNotFound
	}
	next, err := e.inst.Schedule.Next(now)
	if err != nil {
		return err
	}
	e.inst.Status = workflow.StatusActive
	e.inst.NextRunAt = &next
	e.inst.ErrorMessage = ""
	e.inst.UpdatedAt = now
	e.health = workflow.Healthy
	s.persistLocked(ctx, e.inst)
	s.log.Info("instance activated",
		logx.String("instance", id),
		logx.String("name", e.inst.DisplayName),
		logx.Time("next_run", next))
	return nil
}

// SetError parks an instance in the Error state. It stops firing until a
// retry re-enters the activation pipeline.
func (s *Service) SetError(ctx context.Context, id, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.instances[id]
	if !ok {
		return workflow.ErrNotFound
	}
	e.inst.Status = workflow.StatusError
	e.inst.ErrorMessage = msg
	e.inst.NextRunAt = nil
	e.inst.UpdatedAt = s.now()
	s.persistLocked(ctx, e.inst)
	s.log.Warn("instance errored", logx.String("instance", id), logx.String("reason", msg))
	return nil
}

// UpdateSetup applies a mutation to an instance still under the pipeline's
// control (recording installed skills, stored credential keys, a retried
// status flip). The mutation runs under the supervisor lock; keep it cheap.
func (s *Service) UpdateSetup(ctx context.Context, id string, fn func(inst *workflow.Instance)) error {
	if fn == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.instances[id]
	if !ok {
		return workflow.ErrNotFound
	}
	fn(e.inst)
	e.inst.UpdatedAt = s.now()
	s.persistLocked(ctx, e.inst)
	return nil
}

// Pause disarms an active instance. In-flight runs finish; no new ones start.
func (s *Service) Pause(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.instances[id]
	if !ok {
		return workflow.ErrNotFound
	}
	if e.inst.Status != workflow.StatusActive {
		return nil
	}
	e.inst.Status = workflow.StatusPaused
	e.inst.NextRunAt = nil
	e.inst.UpdatedAt = s.now()
	s.persistLocked(ctx, e.inst)
	s.log.Info("instance paused", logx.String("instance", id), logx.String("name", e.inst.DisplayName))
	return nil
}

// Resume re-arms a paused instance. NextRunAt is computed from now: runs
// missed while paused are skipped, not replayed.
func (s *Service) Resume(ctx context.Context, id string) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.instances[id]
	if !ok {
		return workflow.ErrNotFound
	}
	if e.inst.Status != workflow.StatusPaused {
		return nil
	}
	next, err := e.inst.Schedule.Next(now)
	if err != nil {
		return err
	}
	e.inst.Status = workflow.StatusActive
	e.inst.NextRunAt = &next
	e.inst.UpdatedAt = now
	s.persistLocked(ctx, e.inst)
	s.log.Info("instance resumed", logx.String("instance", id), logx.Time("next_run", next))
	return nil
}

// RunNow fires an instance immediately, outside its schedule. On completion
// NextRunAt is recomputed from the manual run's start time, the same as any
// other run, so the cadence re-anchors to it. A second RunNow while the
// first is still in flight returns ErrAlreadyRunning.
func (s *Service) RunNow(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	e, ok := s.instances[id]
	s.mu.Unlock()
	if !ok {
		return workflow.ErrNotFound
	}
	return s.fire(e, true)
}

// Delete removes an instance. If the activation pipeline is still setting
// it up, the delete hook signals cancellation so the pipeline can stop at
// its next step boundary and compensate.
func (s *Service) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.instances[id]
	if !ok {
		s.mu.Unlock()
		return workflow.ErrNotFound
	}
	settingUp := e.inst.Status == workflow.StatusSettingUp
	name := e.inst.DisplayName
	delete(s.instances, id)
	hook := s.deleteHook
	s.mu.Unlock()

	if settingUp && hook != nil {
		hook(id)
	}
	if s.store != nil {
		if err := s.store.DeleteInstance(ctx, id); err != nil {
			s.log.Warn("instance delete not persisted", logx.String("instance", id), logx.Any("err", err))
		}
	}
	s.log.Info("instance deleted", logx.String("instance", id), logx.String("name", name))
	return nil
}

// Lookup returns a clone of one instance.
func (s *Service) Lookup(id string) (*workflow.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.instances[id]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	return e.inst.Clone(), nil
}

// List returns clones of all instances, sorted by creation time then id for
// stable output.
func (s *Service) List() []*workflow.Instance {
	s.mu.Lock()
	out := make([]*workflow.Instance, 0, len(s.instances))
	for _, e := range s.instances {
		out = append(out, e.inst.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
