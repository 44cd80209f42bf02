package classify

import (
	"context"
	"errors"
	"testing"
	"time"

	"autoflow/internal/executor"
	"autoflow/internal/storage"
	"autoflow/internal/workflow"
	logx "autoflow/pkg/logx"
)

func newTestService(t *testing.T, c Classifier, store storage.Store) (*Service, func()) {
	t.Helper()
	ctx := context.Background()
	exec := executor.New(executor.Config{Workers: 2, QueueSize: 8}, logx.Nop(), nil)
	exec.Start(ctx)

	// Long period keeps the background sampler quiet; tests drive
	// maybeFire directly.
	s := New(Config{Period: time.Hour}, exec, c, store, logx.Nop())
	s.Start(ctx)

	cleanup := func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(stopCtx)
		exec.Stop(stopCtx)
	}
	return s, cleanup
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBackfillThenIncremental(t *testing.T) {
	t.Parallel()
	var modes []Mode
	done := make(chan struct{}, 4)
	c := ClassifierFunc(func(_ context.Context, mode Mode, report Progress) error {
		modes = append(modes, mode)
		report(10, 10)
		done <- struct{}{}
		return nil
	})
	s, cleanup := newTestService(t, c, nil)
	defer cleanup()

	if err := s.Enable(context.Background()); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	st := s.Status()
	if !st.Enabled || st.Mode != ModeBackfill {
		t.Fatalf("after enable: %+v, want enabled backfill", st)
	}

	// First fire runs the backfill.
	if err := s.maybeFire(false); err != nil {
		t.Fatalf("maybeFire: %v", err)
	}
	<-done
	waitFor(t, "mode flip", func() bool { return s.Status().Mode == ModeIncremental })

	st = s.Status()
	if st.LastRunStatus != workflow.RunOK || st.LastRunAt == nil {
		t.Fatalf("after backfill: %+v", st)
	}
	if st.Processed != 10 || st.Total != 10 {
		t.Fatalf("counters = %d/%d, want 10/10", st.Processed, st.Total)
	}

	// Next fire is incremental.
	s.clock = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if err := s.maybeFire(false); err != nil {
		t.Fatalf("maybeFire: %v", err)
	}
	<-done
	if len(modes) != 2 || modes[0] != ModeBackfill || modes[1] != ModeIncremental {
		t.Fatalf("modes = %v, want [backfill incremental]", modes)
	}
}

func TestFailedBackfillStaysBackfill(t *testing.T) {
	t.Parallel()
	done := make(chan struct{}, 1)
	c := ClassifierFunc(func(context.Context, Mode, Progress) error {
		done <- struct{}{}
		return errors.New("source unreachable")
	})
	s, cleanup := newTestService(t, c, nil)
	defer cleanup()

	if err := s.Enable(context.Background()); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := s.maybeFire(false); err != nil {
		t.Fatalf("maybeFire: %v", err)
	}
	<-done
	waitFor(t, "run recorded", func() bool { return s.Status().LastRunAt != nil })

	st := s.Status()
	if st.LastRunStatus != workflow.RunError {
		t.Fatalf("LastRunStatus = %q, want error", st.LastRunStatus)
	}
	if st.Mode != ModeBackfill {
		t.Fatalf("mode after failed backfill = %q, must stay backfill", st.Mode)
	}
}

func TestRunNowGuard(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	c := ClassifierFunc(func(ctx context.Context, _ Mode, report Progress) error {
		report(3, 12)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	s, cleanup := newTestService(t, c, nil)
	defer cleanup()

	// Disabled: Run Now is rejected outright.
	if err := s.RunNow(context.Background()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("RunNow while disabled err = %v, want ErrDisabled", err)
	}

	if err := s.Enable(context.Background()); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := s.RunNow(context.Background()); err != nil {
		t.Fatalf("first RunNow: %v", err)
	}
	waitFor(t, "in-flight", func() bool { return s.Status().Running })

	// Counters are readable mid-run.
	st := s.Status()
	if st.Processed != 3 || st.Total != 12 {
		t.Fatalf("mid-run counters = %d/%d, want 3/12", st.Processed, st.Total)
	}

	if err := s.RunNow(context.Background()); !errors.Is(err, workflow.ErrAlreadyRunning) {
		t.Fatalf("overlapping RunNow err = %v, want ErrAlreadyRunning", err)
	}

	close(release)
	waitFor(t, "run completion", func() bool { return s.Status().LastRunAt != nil })
}

func TestNeverRanHealth(t *testing.T) {
	t.Parallel()
	s, cleanup := newTestService(t, ClassifierFunc(func(context.Context, Mode, Progress) error { return nil }), nil)
	defer cleanup()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return base }
	if err := s.Enable(context.Background()); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	// Within the grace window (two periods) the missing first run is fine.
	s.clock = func() time.Time { return base.Add(90 * time.Minute) }
	if st := s.Status(); st.Health != workflow.Healthy {
		t.Fatalf("health inside grace window = %q, want healthy", st.Health)
	}

	// Past it, this is the "first run may have failed" signal.
	s.clock = func() time.Time { return base.Add(3 * time.Hour) }
	st := s.Status()
	if st.Health != workflow.Unhealthy {
		t.Fatalf("health past grace window = %q, want unhealthy", st.Health)
	}
	if st.Reason == "" {
		t.Fatal("unhealthy status must carry a reason")
	}
}

func TestPersistRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store, err := storage.Open(storage.Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	done := make(chan struct{}, 1)
	c := ClassifierFunc(func(_ context.Context, _ Mode, report Progress) error {
		report(42, 42)
		done <- struct{}{}
		return nil
	})
	s, cleanup := newTestService(t, c, store)

	ctx := context.Background()
	if err := s.Enable(ctx); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := s.maybeFire(false); err != nil {
		t.Fatalf("maybeFire: %v", err)
	}
	<-done
	waitFor(t, "mode flip", func() bool { return s.Status().Mode == ModeIncremental })
	cleanup()
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store, err = storage.Open(storage.Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	s2, cleanup2 := newTestService(t, c, store)
	defer cleanup2()
	defer store.Close()

	if err := s2.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	st := s2.Status()
	if !st.Enabled || st.Mode != ModeIncremental {
		t.Fatalf("restored status = %+v, want enabled incremental", st)
	}
	if st.LastRunAt == nil || st.LastRunStatus != workflow.RunOK {
		t.Fatalf("restored last run = %v/%q", st.LastRunAt, st.LastRunStatus)
	}
	if st.Processed != 42 || st.Total != 42 {
		t.Fatalf("restored counters = %d/%d, want 42/42", st.Processed, st.Total)
	}
}
