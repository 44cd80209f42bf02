package activation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"autoflow/internal/eventbus"
	"autoflow/internal/executor"
	"autoflow/internal/schedule"
	"autoflow/internal/services/jobs"
	"autoflow/internal/workflow"
	logx "autoflow/pkg/logx"
)

// fakeInstaller records calls and can fail on demand.
type fakeInstaller struct {
	mu          sync.Mutex
	installed   []string
	deployed    map[string]string
	uninstalled []string
	failOn      string
	block       chan struct{} // if set, Install blocks until closed
}

func newFakeInstaller() *fakeInstaller {
	return &fakeInstaller{deployed: map[string]string{}}
}

func (f *fakeInstaller) Install(ctx context.Context, name string) (bool, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == f.failOn {
		return false, errors.New("installer exploded")
	}
	for _, have := range f.installed {
		if have == name {
			return false, nil // idempotent no-op
		}
	}
	f.installed = append(f.installed, name)
	return true, nil
}

func (f *fakeInstaller) Deploy(ctx context.Context, name, content string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == f.failOn {
		return false, errors.New("deploy exploded")
	}
	_, existed := f.deployed[name]
	f.deployed[name] = content
	return !existed, nil
}

func (f *fakeInstaller) Uninstall(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uninstalled = append(f.uninstalled, name)
	return nil
}

// fakeCreds records puts/deletes.
type fakeCreds struct {
	mu      sync.Mutex
	stored  map[string]string
	deleted []string
}

func newFakeCreds() *fakeCreds { return &fakeCreds{stored: map[string]string{}} }

func (f *fakeCreds) Put(_ context.Context, key, secret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored[key] = secret
	return nil
}

func (f *fakeCreds) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.stored, key)
	f.deleted = append(f.deleted, key)
	return nil
}

type deps struct {
	svc       *Service
	jobs      *jobs.Service
	installer *fakeInstaller
	creds     *fakeCreds
	catalog   *workflow.MemoryCatalog
}

func newTestPipeline(t *testing.T) (*deps, func()) {
	t.Helper()
	ctx := context.Background()
	bus := eventbus.New()
	exec := executor.New(executor.Config{Workers: 2, QueueSize: 8}, logx.Nop(), bus)
	exec.Start(ctx)

	trig := workflow.TriggerFunc(func(context.Context, workflow.TriggerRequest) error { return nil })
	j := jobs.New(jobs.Config{TickPeriod: time.Hour}, exec, trig, nil, logx.Nop(), bus)
	j.Start(ctx)

	installer := newFakeInstaller()
	creds := newFakeCreds()
	catalog := workflow.NewMemoryCatalog(workflow.Template{
		ID:             "email-triage",
		Name:           "Email triage",
		RequiredSkills: []string{"gmail", "summarize"},
		CustomSkills:   []workflow.CustomSkill{{Name: "triage-rules", Content: "rules v1"}},
		CredentialFields: []workflow.CredentialField{
			{Key: "imap_token", Label: "IMAP token", Required: true},
			{Key: "webhook", Label: "Webhook URL"},
		},
		DefaultSchedule: schedule.Interval(30 * time.Minute),
		TaskPrompt:      "triage the inbox",
		SessionScope:    workflow.ScopeIsolated,
	})

	svc := New(ctx, catalog, installer, creds, j, logx.Nop(), bus)
	j.SetDeleteHook(svc.Cancel)

	cleanup := func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Stop(stopCtx)
		j.Stop(stopCtx)
		exec.Stop(stopCtx)
	}
	return &deps{svc: svc, jobs: j, installer: installer, creds: creds, catalog: catalog}, cleanup
}

func validRequest() Request {
	return Request{
		TemplateID: "email-triage",
		Name:       "Morning triage",
		Credentials: []workflow.CredentialValue{
			{Key: "imap_token", Secret: "s3cr3t"},
		},
		Schedule: schedule.Interval(15 * time.Minute),
	}
}

// collect drains the event stream to completion.
func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("event stream did not terminate; got %d events", len(out))
		}
	}
}

func TestActivateHappyPathEventOrder(t *testing.T) {
	t.Parallel()
	d, cleanup := newTestPipeline(t)
	defer cleanup()

	id, ch, err := d.svc.Activate(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	events := collect(t, ch)

	// Strict order: every step goes active then done, then one terminal ok.
	want := []Event{
		{Step: StepInstallSkills, Status: StepActive},
		{Step: StepInstallSkills, Status: StepDone},
		{Step: StepDeployCustom, Status: StepActive},
		{Step: StepDeployCustom, Status: StepDone},
		{Step: StepStoreCredentials, Status: StepActive},
		{Step: StepStoreCredentials, Status: StepDone},
		{Step: StepRegisterSchedule, Status: StepActive},
		{Step: StepRegisterSchedule, Status: StepDone},
		{Step: StepVerify, Status: StepActive},
		{Step: StepVerify, Status: StepDone},
	}
	if len(events) != len(want)+1 {
		t.Fatalf("got %d events, want %d step events + 1 terminal", len(events), len(want))
	}
	for i, w := range want {
		if events[i].Step != w.Step || events[i].Status != w.Status {
			t.Fatalf("event[%d] = %s/%s, want %s/%s", i, events[i].Step, events[i].Status, w.Step, w.Status)
		}
	}
	term := events[len(events)-1]
	if !term.Terminal || !term.OK || term.Instance == nil {
		t.Fatalf("terminal event = %+v, want ok with instance", term)
	}

	inst, err := d.jobs.Lookup(id)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if inst.Status != workflow.StatusActive || inst.NextRunAt == nil {
		t.Fatalf("instance after activation: status=%s next=%v", inst.Status, inst.NextRunAt)
	}
	if len(inst.InstalledSkills) != 2 {
		t.Fatalf("InstalledSkills = %v", inst.InstalledSkills)
	}
	if len(inst.StoredCredentialKeys) != 1 || !strings.HasPrefix(inst.StoredCredentialKeys[0], id+"/") {
		t.Fatalf("StoredCredentialKeys = %v", inst.StoredCredentialKeys)
	}
	if got := d.installer.deployed["triage-rules"]; got != "rules v1" {
		t.Fatalf("custom skill not deployed: %q", got)
	}
}

func TestActivateValidation(t *testing.T) {
	t.Parallel()
	d, cleanup := newTestPipeline(t)
	defer cleanup()

	cases := []struct {
		name   string
		mutate func(*Request)
	}{
		{"unknown template", func(r *Request) { r.TemplateID = "nope" }},
		{"empty name", func(r *Request) { r.Name = "  " }},
		{"bad schedule", func(r *Request) { r.Schedule = schedule.Cron("not a cron", "") }},
		{"missing required credential", func(r *Request) { r.Credentials = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)
			_, _, err := d.svc.Activate(context.Background(), req)
			if !IsValidation(err) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}

	// Validation failures create nothing.
	if got := len(d.jobs.List()); got != 0 {
		t.Fatalf("%d instances created by rejected requests", got)
	}
}

func TestActivateStepFailureHalts(t *testing.T) {
	t.Parallel()
	d, cleanup := newTestPipeline(t)
	defer cleanup()
	d.installer.failOn = "summarize" // second required skill

	id, ch, err := d.svc.Activate(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	events := collect(t, ch)

	last := events[len(events)-1]
	if !last.Terminal || last.OK {
		t.Fatalf("terminal = %+v, want failure", last)
	}
	if !strings.Contains(last.Err, string(StepInstallSkills)) {
		t.Fatalf("terminal error %q does not name the failing step", last.Err)
	}

	// No later step ran.
	d.creds.mu.Lock()
	stored := len(d.creds.stored)
	d.creds.mu.Unlock()
	if stored != 0 {
		t.Fatalf("credentials stored after halted pipeline: %d", stored)
	}

	inst, err := d.jobs.Lookup(id)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if inst.Status != workflow.StatusError {
		t.Fatalf("status = %s, want error", inst.Status)
	}
	if !strings.Contains(inst.ErrorMessage, "installer exploded") {
		t.Fatalf("ErrorMessage = %q, want collaborator message preserved", inst.ErrorMessage)
	}

	// The first skill stays installed: no automatic rollback.
	d.installer.mu.Lock()
	installed := append([]string(nil), d.installer.installed...)
	d.installer.mu.Unlock()
	if len(installed) != 1 || installed[0] != "gmail" {
		t.Fatalf("installed = %v, want [gmail] kept", installed)
	}
}

func TestRetryAfterFailure(t *testing.T) {
	t.Parallel()
	d, cleanup := newTestPipeline(t)
	defer cleanup()
	d.installer.failOn = "summarize"

	id, ch, err := d.svc.Activate(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	collect(t, ch)

	// Collaborator recovers; retry re-enters at step 1.
	d.installer.mu.Lock()
	d.installer.failOn = ""
	d.installer.mu.Unlock()

	req := validRequest()
	req.ExistingID = id
	gotID, ch, err := d.svc.Activate(context.Background(), req)
	if err != nil {
		t.Fatalf("retry Activate: %v", err)
	}
	if gotID != id {
		t.Fatalf("retry created new instance %s, want %s reused", gotID, id)
	}
	events := collect(t, ch)
	term := events[len(events)-1]
	if !term.Terminal || !term.OK {
		t.Fatalf("retry terminal = %+v, want ok", term)
	}

	inst, _ := d.jobs.Lookup(id)
	if inst.Status != workflow.StatusActive || inst.ErrorMessage != "" {
		t.Fatalf("after retry: status=%s err=%q", inst.Status, inst.ErrorMessage)
	}

	// Retrying an Active instance is rejected.
	if _, _, err := d.svc.Activate(context.Background(), req); !errors.Is(err, workflow.ErrAlreadyActive) {
		t.Fatalf("re-activate Active err = %v, want ErrAlreadyActive", err)
	}
}

func TestConcurrentActivationSingleFlight(t *testing.T) {
	t.Parallel()
	d, cleanup := newTestPipeline(t)
	defer cleanup()
	d.installer.block = make(chan struct{})

	id, ch, err := d.svc.Activate(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}

	req := validRequest()
	req.ExistingID = id
	if _, _, err := d.svc.Activate(context.Background(), req); !errors.Is(err, workflow.ErrSetupInProgress) {
		t.Fatalf("concurrent Activate err = %v, want ErrSetupInProgress", err)
	}

	close(d.installer.block)
	collect(t, ch)
}

func TestCancelCompensates(t *testing.T) {
	t.Parallel()
	d, cleanup := newTestPipeline(t)
	defer cleanup()
	d.installer.block = make(chan struct{})

	id, ch, err := d.svc.Activate(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}

	// Delete while step 1 is blocked; the hook flags cancellation, the
	// pipeline notices at the next step boundary.
	if err := d.jobs.Delete(context.Background(), id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	close(d.installer.block)
	events := collect(t, ch)

	term := events[len(events)-1]
	if !term.Terminal || term.OK || term.Err != "canceled" {
		t.Fatalf("terminal = %+v, want canceled", term)
	}

	// Skills installed by this run were compensated; the instance is gone,
	// not in Error.
	d.installer.mu.Lock()
	uninstalled := append([]string(nil), d.installer.uninstalled...)
	d.installer.mu.Unlock()
	if len(uninstalled) == 0 {
		t.Fatal("no compensation ran after cancel")
	}
	if _, err := d.jobs.Lookup(id); !errors.Is(err, workflow.ErrNotFound) {
		t.Fatalf("Lookup after cancel err = %v, want ErrNotFound", err)
	}
}

func TestCancelSparesPreexistingSkills(t *testing.T) {
	t.Parallel()
	d, cleanup := newTestPipeline(t)
	defer cleanup()

	// "gmail" was installed by an earlier activation. This run's install of
	// it is an idempotent no-op, so it stays out of the compensation scope.
	if created, err := d.installer.Install(context.Background(), "gmail"); err != nil || !created {
		t.Fatalf("seed install = (%v, %v), want (true, nil)", created, err)
	}
	d.installer.block = make(chan struct{})

	id, ch, err := d.svc.Activate(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := d.jobs.Delete(context.Background(), id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	close(d.installer.block)
	events := collect(t, ch)

	term := events[len(events)-1]
	if !term.Terminal || term.OK || term.Err != "canceled" {
		t.Fatalf("terminal = %+v, want canceled", term)
	}

	d.installer.mu.Lock()
	uninstalled := append([]string(nil), d.installer.uninstalled...)
	d.installer.mu.Unlock()
	for _, name := range uninstalled {
		if name == "gmail" {
			t.Fatalf("compensation removed pre-existing skill (uninstalled %v)", uninstalled)
		}
	}
	if len(uninstalled) == 0 {
		t.Fatal("skills created by this run were not compensated")
	}
}

func TestStatusPollable(t *testing.T) {
	t.Parallel()
	d, cleanup := newTestPipeline(t)
	defer cleanup()

	id, ch, err := d.svc.Activate(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	// Abandon the channel entirely; the pipeline must still finish and the
	// terminal state must be pollable.
	_ = ch

	deadline := time.Now().Add(5 * time.Second)
	for {
		st, ok := d.svc.Status(id)
		if ok && st.Done {
			if !st.OK {
				t.Fatalf("polled run failed: %q", st.Err)
			}
			if len(st.Steps) != len(steps) {
				t.Fatalf("polled %d steps, want %d", len(st.Steps), len(steps))
			}
			for _, step := range st.Steps {
				if step.Status != StepDone {
					t.Fatalf("step %s = %s, want done", step.Name, step.Status)
				}
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("pipeline did not finish in the background")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFreeTextInstance(t *testing.T) {
	t.Parallel()
	d, cleanup := newTestPipeline(t)
	defer cleanup()

	req := Request{
		Name:          "Price watch",
		Schedule:      schedule.Interval(time.Hour),
		CustomTrigger: "check the price of X and alert if below threshold",
	}
	id, ch, err := d.svc.Activate(context.Background(), req)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	events := collect(t, ch)
	if term := events[len(events)-1]; !term.OK {
		t.Fatalf("free-text activation failed: %q", term.Err)
	}

	inst, _ := d.jobs.Lookup(id)
	if inst.TemplateID != "" || inst.CustomTrigger == "" {
		t.Fatalf("free-text instance = %+v", inst)
	}
	if inst.SessionScope != workflow.ScopeIsolated {
		t.Fatalf("default scope = %s, want isolated", inst.SessionScope)
	}
}
