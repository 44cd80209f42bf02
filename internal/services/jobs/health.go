package jobs

import (
	"fmt"
	"time"

	"autoflow/internal/eventbus"
	"autoflow/internal/workflow"
	logx "autoflow/pkg/logx"
)

// healthOf derives scheduler-liveness for one instance relative to now.
//
// Tolerances are in tick periods: a job whose NextRunAt slipped by at most
// one period is still healthy (the ticker only samples every period), up to
// two is delayed, beyond that unhealthy. A run currently in flight is
// healthy by definition; the overdue NextRunAt just means the run is slow,
// which the run timeout polices separately.
func healthOf(e *entry, now time.Time, period time.Duration) (workflow.Health, string) {
	inst := e.inst
	if inst.Status != workflow.StatusActive || inst.NextRunAt == nil {
		return workflow.Healthy, ""
	}
	if e.state.InFlight() {
		return workflow.Healthy, ""
	}
	overdue := now.Sub(*inst.NextRunAt)
	switch {
	case overdue <= period:
		return workflow.Healthy, ""
	case overdue <= 2*period:
		return workflow.Delayed, fmt.Sprintf("next run overdue by %s", overdue.Round(time.Second))
	default:
		return workflow.Unhealthy, fmt.Sprintf("next run overdue by %s", overdue.Round(time.Second))
	}
}

// publishHealthTransitions re-derives health for every instance and emits a
// bus event for each transition. Runs on the loop goroutine after a tick.
func (s *Service) publishHealthTransitions(now time.Time) {
	type change struct {
		ev   HealthEvent
		prev workflow.Health
	}

	s.mu.Lock()
	period := s.cfg.TickPeriod
	var changes []change
	for _, e := range s.instances {
		h, reason := healthOf(e, now, period)
		if h == e.health {
			continue
		}
		changes = append(changes, change{
			ev: HealthEvent{
				InstanceID: e.inst.ID,
				Name:       e.inst.DisplayName,
				Health:     h,
				Reason:     reason,
			},
			prev: e.health,
		})
		e.health = h
	}
	s.mu.Unlock()

	for _, c := range changes {
		s.log.Warn("scheduler health changed",
			logx.String("instance", c.ev.InstanceID),
			logx.String("from", string(c.prev)),
			logx.String("to", string(c.ev.Health)),
			logx.String("reason", c.ev.Reason))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Topic: eventbus.TopicHealthChanged, Data: c.ev})
		}
	}
}

// Snapshot returns a point-in-time diagnostic view. All instances are
// clones; mutating the result has no effect on the supervisor.
func (s *Service) Snapshot() Snapshot {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	period := s.cfg.TickPeriod
	// The loop is considered alive while its heartbeat is fresher than two
	// tick periods. Stale heartbeat degrades every instance to Unhealthy:
	// nothing is firing, whatever the per-instance state says.
	alive := s.stopCh != nil && now.Sub(s.lastTickAt) <= 2*period

	snap := Snapshot{
		TickPeriod: period,
		LastTickAt: s.lastTickAt,
		LoopAlive:  alive,
		Instances:  make([]InstanceHealth, 0, len(s.instances)),
	}
	for _, e := range s.instances {
		h, _ := healthOf(e, now, period)
		if !alive {
			h = workflow.Unhealthy
		}
		snap.Instances = append(snap.Instances, InstanceHealth{
			Instance: e.inst.Clone(),
			Health:   h,
			Running:  e.state.InFlight(),
		})
	}
	return snap
}

// LastTick exposes the loop heartbeat for external liveness probes (the
// systemd watchdog feeder reads this).
func (s *Service) LastTick() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTickAt
}
