package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"autoflow/internal/eventbus"
	logx "autoflow/pkg/logx"
)

func (s *Service) worker(ctx context.Context, idx int) {
	s.mu.Lock()
	q := s.q
	stopCh := s.stopCh
	s.mu.Unlock()
	if q == nil {
		return
	}
	_ = idx

	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-q:
			atomic.AddInt32(&s.inFlight, 1)
			s.execOne(ctx, t)
			atomic.AddInt32(&s.inFlight, -1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, t Task) {
	start := time.Now()

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Topic: eventbus.TopicRunStarted, At: start, Data: RunEvent{ID: t.ID, Name: t.Name, Started: start}})
	}
	if t.State != nil {
		defer t.State.Release()
	}

	runCtx := ctx
	var cancel func()
	if t.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, t.Timeout)
	}

	var err error
	// Guard against panics in the trigger: convert to error so one bad run
	// can't take down a worker or the process.
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("run panicked", logx.String("task", t.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		err = t.Run(runCtx)
	}()
	if cancel != nil {
		cancel()
	}

	dur := time.Since(start)
	item := HistoryItem{ID: t.ID, Name: t.Name, Started: start, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("run failed", logx.String("task", t.Name), logx.Any("err", err), logx.Duration("dur", dur))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Topic: eventbus.TopicRunFailed, At: time.Now(), Data: RunEvent{ID: t.ID, Name: t.Name, Started: start, Duration: dur, Error: item.Error}})
		}
	} else {
		s.log.Info("run completed", logx.String("task", t.Name), logx.Duration("dur", dur))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Topic: eventbus.TopicRunFinished, At: time.Now(), Data: RunEvent{ID: t.ID, Name: t.Name, Started: start, Duration: dur}})
		}
	}

	s.hmu.Lock()
	s.history = append(s.history, item)
	s.mu.Lock()
	historySize := s.cfg.HistorySize
	s.mu.Unlock()
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()

	if t.OnDone != nil {
		t.OnDone(Result{Started: start, Duration: dur, Err: err})
	}
}
