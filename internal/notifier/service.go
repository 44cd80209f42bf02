package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"autoflow/internal/eventbus"
	"autoflow/internal/executor"
	"autoflow/internal/runtime/supervisor"
	"autoflow/internal/services/activation"
	"autoflow/internal/services/jobs"
	"autoflow/internal/workflow"
	logx "autoflow/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const historyMax = 300

type Service struct {
	mu sync.Mutex

	log  logx.Logger
	bus  eventbus.Bus
	sink Sink

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	queue     chan Alert
	unsub     func()
	sup       *supervisor.Supervisor

	// In-memory dedup cache: key -> suppress until.
	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sink Sink, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:   log,
		bus:   bus,
		sink:  sink,
		dedup: map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}

	s.cfg = cfg
	// Burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil || !s.cfg.Enabled || s.sink == nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan Alert, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	q := s.queue

	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		// Alerting is best-effort; its failures must not take down the app.
		supervisor.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	if s.bus != nil {
		events, unsub := s.bus.Subscribe(64)
		s.mu.Lock()
		s.unsub = unsub
		s.mu.Unlock()
		sup.Go0("notifier.consume", func(c context.Context) { s.consume(c, events) })
	}
	for i := 0; i < workers; i++ {
		i := i
		sup.Go0(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) { s.worker(c, q) })
	}
	s.log.Info("notifier started", logx.Int("workers", workers))
}

// Stop blocks new intake, drains the queue best-effort until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	sup := s.sup
	unsub := s.unsub
	s.queue = nil
	s.sup = nil
	s.unsub = nil
	s.accepting = false
	s.mu.Unlock()

	if q == nil {
		return
	}
	if unsub != nil {
		unsub()
	}
	close(q)
	if sup != nil {
		_ = sup.Wait(ctx)
		sup.Cancel()
	}
	s.log.Info("notifier stopped")
}

// consume translates engine events into alerts.
func (s *Service) consume(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if a, ok := alertFor(ev); ok {
				_ = s.Notify(ctx, a)
			}
		}
	}
}

// alertFor maps bus events to operator alerts. Successful runs and healthy
// transitions are noise; only degradations and failures alert.
func alertFor(ev eventbus.Event) (Alert, bool) {
	switch ev.Topic {
	case eventbus.TopicRunFailed:
		re, ok := ev.Data.(executor.RunEvent)
		if !ok {
			return Alert{}, false
		}
		return Alert{
			Priority: PriorityWarning,
			Title:    "run failed: " + re.Name,
			Text:     fmt.Sprintf("run for %q failed after %s: %s", re.Name, re.Duration.Round(time.Millisecond), re.Error),
			At:       ev.At,
		}, true
	case eventbus.TopicHealthChanged:
		he, ok := ev.Data.(jobs.HealthEvent)
		if !ok {
			return Alert{}, false
		}
		switch he.Health {
		case workflow.Delayed:
			return Alert{
				Priority: PriorityWarning,
				Title:    "scheduler delayed: " + he.Name,
				Text:     fmt.Sprintf("%q is behind schedule: %s", he.Name, he.Reason),
				At:       ev.At,
			}, true
		case workflow.Unhealthy:
			return Alert{
				Priority: PriorityCritical,
				Title:    "scheduler unhealthy: " + he.Name,
				Text:     fmt.Sprintf("%q is not firing: %s", he.Name, he.Reason),
				At:       ev.At,
			}, true
		default:
			return Alert{}, false
		}
	case eventbus.TopicActivationFailed:
		ae, ok := ev.Data.(activation.Event)
		if !ok {
			return Alert{}, false
		}
		return Alert{
			Priority: PriorityWarning,
			Title:    "activation failed at " + string(ae.Step),
			Text:     fmt.Sprintf("setup step %s failed: %s", ae.Step, ae.Err),
			At:       ev.At,
		}, true
	default:
		return Alert{}, false
	}
}

// Notify enqueues one alert, applying dedup suppression first. Also the
// entry point for alerts raised outside the bus.
func (s *Service) Notify(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window := s.cfg.DedupWindow
	maxEntries := s.cfg.DedupMaxEntries
	s.mu.Unlock()

	if a.At.IsZero() {
		a.At = time.Now()
	}
	if window > 0 {
		if !s.dedupAllow(dedupKey(a), window, maxEntries) {
			s.log.Debug("alert deduped", logx.String("title", a.Title))
			return nil
		}
	}

	select {
	case q <- a:
		return nil
	default:
		s.log.Warn("alert queue full, dropping", logx.String("title", a.Title))
		return ErrQueueFull
	}
}

// dedupKey hashes the stable identity of an alert. The timestamp is
// excluded so repeats collide.
func dedupKey(a Alert) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(a.Priority))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(a.Title))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(a.Text))
	return fmt.Sprintf("%016x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration, maxEntries int) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()

	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	// Opportunistic expiry sweep when the cache is over budget.
	if len(s.dedup) >= maxEntries {
		for k, until := range s.dedup {
			if !now.Before(until) {
				delete(s.dedup, k)
			}
		}
		// Still full of live entries: drop arbitrary ones rather than grow.
		for k := range s.dedup {
			if len(s.dedup) < maxEntries {
				break
			}
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

func (s *Service) worker(ctx context.Context, q <-chan Alert) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, a)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, a Alert) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sink := s.sink
	s.mu.Unlock()
	if sink == nil {
		return
	}

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := sink.Send(callCtx, a)
		cancel()
		if err == nil {
			s.appendHistory(a)
			return
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}
		// Jittered exponential backoff between attempts.
		delay := cfg.RetryBase << (attempt - 1)
		if delay > cfg.RetryMaxDelay {
			delay = cfg.RetryMaxDelay
		}
		delay += time.Duration(rand.Int63n(int64(cfg.RetryBase)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
	s.log.Warn("alert delivery failed",
		logx.String("title", a.Title),
		logx.Int("attempts", maxAttempts),
		logx.Any("err", lastErr))
}

func (s *Service) appendHistory(a Alert) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: a.At, Title: a.Title, Text: a.Text})
	if len(s.history) > historyMax {
		s.history = s.history[len(s.history)-historyMax:]
	}
	s.hmu.Unlock()
}

// History returns recently delivered alerts, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

// LogSink is the default sink: alerts land in the structured log. Real
// deployments plug in chat or pager sinks.
func LogSink(log logx.Logger) Sink {
	return SinkFunc(func(_ context.Context, a Alert) error {
		fields := []logx.Field{
			logx.String("priority", string(a.Priority)),
			logx.String("title", a.Title),
			logx.String("text", a.Text),
		}
		switch a.Priority {
		case PriorityCritical:
			log.Error("alert", fields...)
		case PriorityWarning:
			log.Warn("alert", fields...)
		default:
			log.Info("alert", fields...)
		}
		return nil
	})
}
