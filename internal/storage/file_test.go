package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"autoflow/internal/schedule"
	"autoflow/internal/workflow"
	logx "autoflow/pkg/logx"
)

func openTestStore(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "engine.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return st
}

func TestFileStoreInstanceRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	st := openTestStore(t, dir)

	inst := workflow.NewInstance("inbox triage", schedule.Interval(15*time.Minute))
	inst.Status = workflow.StatusActive
	next := time.Now().Add(15 * time.Minute).Round(0)
	inst.NextRunAt = &next
	inst.InstalledSkills = []string{"gmail", "labels"}

	if err := st.SaveInstance(ctx, inst); err != nil {
		t.Fatalf("SaveInstance: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen and verify the instance survived.
	st = openTestStore(t, dir)
	defer st.Close()

	got, err := st.ListInstances(ctx)
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d instances, want 1", len(got))
	}
	if got[0].ID != inst.ID || got[0].DisplayName != "inbox triage" {
		t.Fatalf("unexpected instance %+v", got[0])
	}
	if got[0].Status != workflow.StatusActive {
		t.Fatalf("Status = %s, want active", got[0].Status)
	}
	if got[0].Schedule.Every != 15*time.Minute {
		t.Fatalf("Schedule.Every = %v, want 15m", got[0].Schedule.Every)
	}
	if len(got[0].InstalledSkills) != 2 {
		t.Fatalf("InstalledSkills = %v", got[0].InstalledSkills)
	}
}

func TestFileStoreDeleteInstance(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	st := openTestStore(t, dir)
	defer st.Close()

	inst := workflow.NewInstance("price watch", schedule.Interval(time.Hour))
	if err := st.SaveInstance(ctx, inst); err != nil {
		t.Fatalf("SaveInstance: %v", err)
	}
	if err := st.DeleteInstance(ctx, inst.ID); err != nil {
		t.Fatalf("DeleteInstance: %v", err)
	}
	// Deleting again is a no-op.
	if err := st.DeleteInstance(ctx, inst.ID); err != nil {
		t.Fatalf("second DeleteInstance: %v", err)
	}
	got, err := st.ListInstances(ctx)
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d instances, want 0", len(got))
	}
}

func TestFileStoreRecurring(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	st := openTestStore(t, dir)
	defer st.Close()

	if _, ok, err := st.LoadRecurring(ctx); err != nil || ok {
		t.Fatalf("LoadRecurring empty = ok=%v err=%v, want ok=false err=nil", ok, err)
	}

	at := time.Now().Round(0)
	rec := RecurringRecord{
		Enabled:        true,
		Mode:           "incremental",
		LastRunAt:      &at,
		LastRunStatus:  workflow.RunOK,
		ProcessedCount: 50,
		TotalCount:     50,
	}
	if err := st.SaveRecurring(ctx, rec); err != nil {
		t.Fatalf("SaveRecurring: %v", err)
	}
	got, ok, err := st.LoadRecurring(ctx)
	if err != nil || !ok {
		t.Fatalf("LoadRecurring = ok=%v err=%v", ok, err)
	}
	if !got.Enabled || got.Mode != "incremental" || got.ProcessedCount != 50 {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestFileStoreSavesAreJournaled(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	st := openTestStore(t, dir)
	inst := workflow.NewInstance("report", schedule.Interval(time.Hour))
	if err := st.SaveInstance(ctx, inst); err != nil {
		t.Fatalf("SaveInstance: %v", err)
	}
	inst.Status = workflow.StatusPaused
	if err := st.SaveInstance(ctx, inst); err != nil {
		t.Fatalf("SaveInstance update: %v", err)
	}
	// Simulate a crash: no Close, reopen and replay the journal.
	st2 := openTestStore(t, dir)
	defer st2.Close()
	got, err := st2.ListInstances(ctx)
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if len(got) != 1 || got[0].Status != workflow.StatusPaused {
		t.Fatalf("journal replay got %+v", got)
	}
}
