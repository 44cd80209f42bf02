package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"autoflow/internal/eventbus"
	"autoflow/internal/runtime/supervisor"
	logx "autoflow/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q      chan Task
	sup    *supervisor.Supervisor
	stopCh chan struct{}

	inFlight int32
	dropped  uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log, bus: bus}
}

// Apply adjusts runtime-tunable settings. Worker/queue sizing only takes
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	if cfg.HistorySize > 0 {
		s.cfg.HistorySize = cfg.HistorySize
	}
	s.cfg.DefaultTimeout = cfg.DefaultTimeout
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.q != nil {
		return
	}
	s.q = make(chan Task, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	for i := 0; i < s.cfg.Workers; i++ {
		i := i
		s.sup.Go0("executor.worker", func(c context.Context) { s.worker(c, i) })
	}
	s.log.Info("executor started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop stops accepting work and waits for in-flight runs to finish or ctx
// to expire. Runs are never interrupted mid-flight by Stop; only their own
// timeout or the process exiting ends them.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	stopCh := s.stopCh
	sup := s.sup
	s.stopCh = nil
	s.q = nil
	s.sup = nil
	s.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	if sup != nil {
		_ = sup.Stop(ctx)
	}
	s.log.Info("executor stopped")
}

// Submit enqueues a task. The caller holds t.State (if any); on any error
// the state is released here so a failed submit never wedges the guard.
func (s *Service) Submit(t Task) error {
	s.mu.Lock()
	q := s.q
	s.mu.Unlock()

	if q == nil {
		s.releaseAndReport(t, ErrStopped)
		return ErrStopped
	}
	if t.Timeout <= 0 {
		s.mu.Lock()
		t.Timeout = s.cfg.DefaultTimeout
		s.mu.Unlock()
	}
	select {
	case q <- t:
		return nil
	default:
		atomic.AddUint64(&s.dropped, 1)
		s.log.Warn("executor queue full, dropping task", logx.String("task", t.Name))
		s.releaseAndReport(t, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) releaseAndReport(t Task, err error) {
	if t.State != nil {
		t.State.Release()
	}
	if t.OnDone != nil {
		now := time.Now()
		t.OnDone(Result{Started: now, Duration: 0, Err: err})
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Workers:  s.cfg.Workers,
		InFlight: int(atomic.LoadInt32(&s.inFlight)),
		Dropped:  atomic.LoadUint64(&s.dropped),
	}
	if s.q != nil {
		snap.QueueLen = len(s.q)
		snap.QueueCap = cap(s.q)
	}
	s.mu.Unlock()

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}
