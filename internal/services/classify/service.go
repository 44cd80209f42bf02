package classify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"autoflow/internal/executor"
	"autoflow/internal/runtime/supervisor"
	"autoflow/internal/storage"
	"autoflow/internal/workflow"
	logx "autoflow/pkg/logx"
)

// ErrDisabled rejects Run Now while the task is switched off.
var ErrDisabled = errors.New("classification task is disabled")

type Service struct {
	mu  sync.Mutex
	cfg Config

	log        logx.Logger
	exec       *executor.Service
	store      storage.Store // may be nil
	classifier Classifier

	enabled       bool
	mode          Mode
	enabledAt     time.Time
	lastRunAt     *time.Time
	lastRunStatus workflow.RunStatus

	// Counters are written from inside a run and read by pollers, so they
	// bypass the service mutex.
	processed atomic.Int64
	total     atomic.Int64

	state  *executor.RunState
	stopCh chan struct{}
	sup    *supervisor.Supervisor

	clock func() time.Time
}

func New(cfg Config, exec *executor.Service, classifier Classifier, store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:        cfg.withDefaults(),
		log:        log,
		exec:       exec,
		store:      store,
		classifier: classifier,
		mode:       ModeBackfill,
		state:      &executor.RunState{},
		clock:      time.Now,
	}
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Restore loads persisted state. A restart resets the enabled-but-never-ran
// health clock: we cannot know how long the task sat enabled before the
// process died, so the grace window starts over.
func (s *Service) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	rec, ok, err := s.store.LoadRecurring(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	s.mu.Lock()
	s.enabled = rec.Enabled
	if m := Mode(rec.Mode); m == ModeBackfill || m == ModeIncremental {
		s.mode = m
	}
	s.lastRunAt = rec.LastRunAt
	s.lastRunStatus = rec.LastRunStatus
	s.enabledAt = s.clock()
	s.processed.Store(int64(rec.ProcessedCount))
	s.total.Store(int64(rec.TotalCount))
	s.mu.Unlock()
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
	s.mu.Unlock()

	s.sup.GoRestart("classify.tick", s.loop)
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
}

func (s *Service) loop(ctx context.Context) error {
	s.mu.Lock()
	period := s.cfg.Period
	stopCh := s.stopCh
	s.mu.Unlock()
	if stopCh == nil {
		return nil
	}

	// Sampling faster than the period keeps the first post-enable fire
	// prompt without a wakeup channel.
	tickEvery := period / 4
	if tickEvery > time.Minute {
		tickEvery = time.Minute
	}
	if tickEvery < time.Second {
		tickEvery = time.Second
	}
	ticker := time.NewTicker(tickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stopCh:
			return nil
		case <-ticker.C:
			s.maybeFire(false)
		}
	}
}

// due reports whether a scheduled fire is owed. Callers hold s.mu.
func (s *Service) dueLocked(now time.Time) bool {
	if !s.enabled {
		return false
	}
	if s.lastRunAt == nil {
		return true
	}
	return !s.lastRunAt.Add(s.cfg.Period).After(now)
}

func (s *Service) maybeFire(manual bool) error {
	now := s.clock()

	s.mu.Lock()
	if !manual && !s.dueLocked(now) {
		s.mu.Unlock()
		return nil
	}
	if manual && !s.enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	mode := s.mode
	timeout := s.cfg.RunTimeout
	s.mu.Unlock()

	if !s.state.TryAcquire() {
		if manual {
			return workflow.ErrAlreadyRunning
		}
		s.log.Info("classification overlap-skipped", logx.String("mode", string(mode)))
		return nil
	}

	s.processed.Store(0)
	s.total.Store(0)
	report := Progress(func(processed, total int) {
		s.processed.Store(int64(processed))
		s.total.Store(int64(total))
	})

	err := s.exec.Submit(executor.Task{
		ID:      "classify",
		Name:    "classification/" + string(mode),
		Timeout: timeout,
		State:   s.state,
		Run: func(runCtx context.Context) error {
			return s.classifier.Classify(runCtx, mode, report)
		},
		OnDone: func(res executor.Result) { s.onComplete(mode, res) },
	})
	if err != nil {
		s.log.Warn("failed to start classification run", logx.Any("err", err))
		return err
	}
	return nil
}

func (s *Service) onComplete(mode Mode, res executor.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.mu.Lock()
	started := res.Started
	s.lastRunAt = &started
	if res.Err != nil {
		s.lastRunStatus = workflow.RunError
		s.log.Warn("classification run failed",
			logx.String("mode", string(mode)),
			logx.Duration("took", res.Duration),
			logx.Any("err", res.Err))
	} else {
		s.lastRunStatus = workflow.RunOK
		if mode == ModeBackfill {
			s.mode = ModeIncremental
		}
		s.log.Info("classification run finished",
			logx.String("mode", string(mode)),
			logx.Duration("took", res.Duration),
			logx.Int64("processed", s.processed.Load()),
			logx.Int64("total", s.total.Load()))
	}
	rec := s.recordLocked()
	s.mu.Unlock()

	s.persist(ctx, rec)
}

// Enable turns the task on. The first-ever enable starts in Backfill; a
// re-enable keeps whatever mode was reached before.
func (s *Service) Enable(ctx context.Context) error {
	s.mu.Lock()
	if s.enabled {
		s.mu.Unlock()
		return nil
	}
	s.enabled = true
	s.enabledAt = s.clock()
	rec := s.recordLocked()
	s.mu.Unlock()

	s.log.Info("classification enabled")
	s.persist(ctx, rec)
	return nil
}

// Disable turns the task off. A run already in flight finishes.
func (s *Service) Disable(ctx context.Context) error {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return nil
	}
	s.enabled = false
	rec := s.recordLocked()
	s.mu.Unlock()

	s.log.Info("classification disabled")
	s.persist(ctx, rec)
	return nil
}

// RunNow fires immediately, respecting the in-flight guard. Rejected while
// a run is executing so the caller can report "already running".
func (s *Service) RunNow(ctx context.Context) error {
	_ = ctx
	return s.maybeFire(true)
}

// Status returns the pollable view, counters included, safe to call
// mid-run.
func (s *Service) Status() Status {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Enabled:       s.enabled,
		Mode:          s.mode,
		LastRunStatus: s.lastRunStatus,
		Processed:     int(s.processed.Load()),
		Total:         int(s.total.Load()),
		Running:       s.state.InFlight(),
	}
	if s.lastRunAt != nil {
		t := *s.lastRunAt
		st.LastRunAt = &t
	}
	st.Health, st.Reason = s.healthLocked(now)
	return st
}

// healthLocked derives the liveness signal. The enabled-but-never-ran case
// gets its own rule: past two periods with no first run, something is wrong
// (the likely operator action is Run Now). Callers hold s.mu.
func (s *Service) healthLocked(now time.Time) (workflow.Health, string) {
	if !s.enabled {
		return workflow.Healthy, ""
	}
	period := s.cfg.Period
	if s.lastRunAt == nil {
		waited := now.Sub(s.enabledAt)
		if waited > 2*period {
			return workflow.Unhealthy, fmt.Sprintf("enabled %s ago but never ran; try Run Now", waited.Round(time.Second))
		}
		return workflow.Healthy, ""
	}
	if s.state.InFlight() {
		return workflow.Healthy, ""
	}
	overdue := now.Sub(s.lastRunAt.Add(period))
	switch {
	case overdue <= period:
		return workflow.Healthy, ""
	case overdue <= 2*period:
		return workflow.Delayed, fmt.Sprintf("next run overdue by %s", overdue.Round(time.Second))
	default:
		return workflow.Unhealthy, fmt.Sprintf("next run overdue by %s", overdue.Round(time.Second))
	}
}

// recordLocked snapshots persistable state. Callers hold s.mu.
func (s *Service) recordLocked() storage.RecurringRecord {
	rec := storage.RecurringRecord{
		Enabled:        s.enabled,
		Mode:           string(s.mode),
		LastRunStatus:  s.lastRunStatus,
		ProcessedCount: int(s.processed.Load()),
		TotalCount:     int(s.total.Load()),
	}
	if s.lastRunAt != nil {
		t := *s.lastRunAt
		rec.LastRunAt = &t
	}
	return rec
}

func (s *Service) persist(ctx context.Context, rec storage.RecurringRecord) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveRecurring(ctx, rec); err != nil {
		s.log.Warn("recurring state persist failed", logx.Any("err", err))
	}
}
