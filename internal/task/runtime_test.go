package task

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/driveyard/driveyard/internal/erase"
	"github.com/driveyard/driveyard/internal/history"
	"github.com/driveyard/driveyard/internal/identity"
	"github.com/driveyard/driveyard/internal/probe"
	"github.com/driveyard/driveyard/internal/scheduler"
)

// stubSubmitter fakes the scheduler: every submitted job resolves to a
// scripted terminal state.
type stubSubmitter struct {
	mu        sync.Mutex
	next      int
	jobs      map[string]scheduler.JobSnapshot
	submits   []string
	cancelled []string
	outcomes  []scheduler.JobSnapshot
	delay     time.Duration
}

func newStubSubmitter(outcomes ...scheduler.JobSnapshot) *stubSubmitter {
	return &stubSubmitter{jobs: make(map[string]scheduler.JobSnapshot), outcomes: outcomes}
}

func (s *stubSubmitter) submit(kind string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.outcomes) {
		return "", fmt.Errorf("no scripted outcome for submission %d", s.next+1)
	}
	id := fmt.Sprintf("job-%d", s.next+1)
	snap := s.outcomes[s.next]
	snap.ID = id
	s.jobs[id] = snap
	s.next++
	s.submits = append(s.submits, kind)
	return id, nil
}

func (s *stubSubmitter) SubmitProbe(device identity.ID, mode probe.Mode, timeout time.Duration, retries int) (string, error) {
	return s.submit("probe:" + string(mode))
}

func (s *stubSubmitter) SubmitErase(device identity.ID, pattern erase.Pattern, passes int, verify bool, timeout time.Duration) (string, error) {
	return s.submit("erase:" + string(pattern))
}

func (s *stubSubmitter) CancelJob(jobID, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, jobID)
	snap := s.jobs[jobID]
	snap.Status = scheduler.StatusCancelled
	snap.Reason = detail
	s.jobs[jobID] = snap
}

func (s *stubSubmitter) WaitJob(ctx context.Context, jobID string) (scheduler.JobSnapshot, error) {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return scheduler.JobSnapshot{}, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[jobID], nil
}

type stubSnapshots struct {
	snap *probe.Snapshot
	err  error
}

func (s *stubSnapshots) LastSnapshot(ctx context.Context, id identity.ID) (*probe.Snapshot, error) {
	return s.snap, s.err
}

func succeeded() scheduler.JobSnapshot {
	return scheduler.JobSnapshot{Status: scheduler.StatusSucceeded, Reason: "completed"}
}

func failed(reason string) scheduler.JobSnapshot {
	return scheduler.JobSnapshot{Status: scheduler.StatusFailed, Reason: reason}
}

func newTestRuntime(t *testing.T, sub Submitter, snaps SnapshotReader, store *history.MemoryStore) *Runtime {
	t.Helper()
	cfg := Config{}
	if store != nil {
		cfg.Recorder = store
	}
	rt, err := NewRuntime(sub, snaps, cfg)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	return rt
}

func mustParse(t *testing.T, raw string) *Definition {
	t.Helper()
	def, err := ParseDefinition([]byte(raw))
	if err != nil {
		t.Fatalf("ParseDefinition: %v", err)
	}
	return def
}

func TestRunCompletesSequentially(t *testing.T) {
	sub := newStubSubmitter(succeeded(), succeeded())
	store := history.NewMemoryStore()
	rt := newTestRuntime(t, sub, &stubSnapshots{}, store)

	def := mustParse(t, `
name: probe-then-wipe
steps:
  - id: check
    capability: submit-probe
    params:
      mode: short-test
  - id: wipe
    capability: submit-erase
    params:
      pattern: zeros
`)
	res, err := rt.Run(context.Background(), "dev-1", def)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != RunCompleted {
		t.Fatalf("status = %s (%s), want completed", res.Status, res.Reason)
	}
	if res.StepIndex != -1 {
		t.Fatalf("step index = %d, want -1 for a completed run", res.StepIndex)
	}
	if len(sub.submits) != 2 || sub.submits[0] != "probe:short-test" || sub.submits[1] != "erase:zeros" {
		t.Fatalf("submissions = %v", sub.submits)
	}

	rec, ok := store.TaskRun(res.ID)
	if !ok {
		t.Fatalf("terminal run not recorded")
	}
	if rec.Status != string(RunCompleted) || rec.Reason == "" {
		t.Fatalf("recorded run = %+v, want completed with a reason", rec)
	}
}

func TestRunAbortsOnFailureByDefault(t *testing.T) {
	sub := newStubSubmitter(failed("tool exited 2"))
	rt := newTestRuntime(t, sub, &stubSnapshots{}, nil)

	def := mustParse(t, `
name: abort-on-failure
steps:
  - id: check
    capability: submit-probe
  - id: wipe
    capability: submit-erase
  - id: note
    capability: log-message
    params:
      message: done
`)
	res, err := rt.Run(context.Background(), "dev-1", def)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != RunAborted {
		t.Fatalf("status = %s, want aborted", res.Status)
	}
	if res.StepIndex != 0 {
		t.Fatalf("abort step index = %d, want 0", res.StepIndex)
	}
	if !strings.Contains(res.Reason, "tool exited 2") {
		t.Fatalf("reason = %q, want the step failure detail", res.Reason)
	}
	if len(res.Steps) != 3 {
		t.Fatalf("step results = %d, want 3", len(res.Steps))
	}
	for _, step := range res.Steps[1:] {
		if step.Status != StepCancelled {
			t.Fatalf("step %s status = %s, want cancelled after abort", step.ID, step.Status)
		}
	}
	if len(sub.submits) != 1 {
		t.Fatalf("submissions after abort = %v", sub.submits)
	}
}

func TestRunContinuesOnDeclaredPolicy(t *testing.T) {
	sub := newStubSubmitter(failed("flaky"), succeeded())
	rt := newTestRuntime(t, sub, &stubSnapshots{}, nil)

	def := mustParse(t, `
name: continue-on-failure
steps:
  - id: check
    capability: submit-probe
    on_failure: continue
  - id: wipe
    capability: submit-erase
`)
	res, err := rt.Run(context.Background(), "dev-1", def)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != RunCompleted {
		t.Fatalf("status = %s (%s), want completed", res.Status, res.Reason)
	}
	if res.Steps[0].Status != StepFailed {
		t.Fatalf("first step status = %s, want failed", res.Steps[0].Status)
	}
	if res.Steps[1].Status != StepSucceeded {
		t.Fatalf("second step status = %s, want succeeded", res.Steps[1].Status)
	}
}

func TestRunSkipsGatedStep(t *testing.T) {
	sub := newStubSubmitter(failed("short test failed"))
	rt := newTestRuntime(t, sub, &stubSnapshots{}, nil)

	def := mustParse(t, `
name: wipe-only-if-healthy
steps:
  - id: check
    capability: submit-probe
    on_failure: continue
  - id: wipe
    capability: submit-erase
    reads: [check]
    when:
      step: check
      status: succeeded
`)
	res, err := rt.Run(context.Background(), "dev-1", def)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != RunCompleted {
		t.Fatalf("status = %s (%s), want completed", res.Status, res.Reason)
	}
	if res.Steps[1].Status != StepSkipped {
		t.Fatalf("gated step status = %s, want skipped", res.Steps[1].Status)
	}
	if len(sub.submits) != 1 {
		t.Fatalf("erase submitted despite failed gate: %v", sub.submits)
	}
}

func TestRunStepCeilingAborts(t *testing.T) {
	sub := newStubSubmitter(succeeded(), succeeded(), succeeded())
	rt := newTestRuntime(t, sub, &stubSnapshots{}, nil)

	def := mustParse(t, `
name: too-many-steps
budget:
  max_steps: 2
steps:
  - id: one
    capability: submit-probe
  - id: two
    capability: submit-probe
  - id: three
    capability: submit-probe
`)
	res, err := rt.Run(context.Background(), "dev-1", def)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != RunAborted {
		t.Fatalf("status = %s, want aborted", res.Status)
	}
	if !strings.Contains(res.Reason, ErrBudgetExceeded.Error()) {
		t.Fatalf("reason = %q, want budget exceeded", res.Reason)
	}
	if len(sub.submits) != 2 {
		t.Fatalf("submissions = %d, want exactly the ceiling", len(sub.submits))
	}
}

func TestRunWallClockBudgetAborts(t *testing.T) {
	sub := newStubSubmitter(succeeded(), succeeded())
	sub.delay = 200 * time.Millisecond
	store := history.NewMemoryStore()
	rt := newTestRuntime(t, sub, &stubSnapshots{}, store)

	def := mustParse(t, `
name: slow-run
budget:
  wall_clock: 50ms
steps:
  - id: one
    capability: submit-probe
  - id: two
    capability: submit-probe
`)
	res, err := rt.Run(context.Background(), "dev-1", def)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != RunAborted {
		t.Fatalf("status = %s, want aborted", res.Status)
	}
	if !strings.Contains(res.Reason, ErrBudgetExceeded.Error()) {
		t.Fatalf("reason = %q, want budget exceeded", res.Reason)
	}

	// The job the run was suspended on must not be left running behind the
	// aborted run.
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.cancelled) != 1 || sub.cancelled[0] != "job-1" {
		t.Fatalf("cancelled jobs = %v, want the in-flight job", sub.cancelled)
	}
	for id, snap := range sub.jobs {
		if !snap.Status.Terminal() {
			t.Fatalf("job %s left non-terminal after abort: %s", id, snap.Status)
		}
	}
}

func TestRunAbortRunCapability(t *testing.T) {
	sub := newStubSubmitter(succeeded())
	rt := newTestRuntime(t, sub, &stubSnapshots{}, nil)

	def := mustParse(t, `
name: bail-out
steps:
  - id: check
    capability: submit-probe
  - id: bail
    capability: abort-run
    params:
      message: operator review required
  - id: wipe
    capability: submit-erase
`)
	res, err := rt.Run(context.Background(), "dev-1", def)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != RunAborted {
		t.Fatalf("status = %s, want aborted", res.Status)
	}
	if res.StepIndex != 1 {
		t.Fatalf("abort step index = %d, want 1", res.StepIndex)
	}
	if !strings.Contains(res.Reason, "operator review required") {
		t.Fatalf("reason = %q", res.Reason)
	}
	if res.Steps[2].Status != StepCancelled {
		t.Fatalf("step after abort-run = %s, want cancelled", res.Steps[2].Status)
	}
	if len(sub.submits) != 1 {
		t.Fatalf("erase ran after abort-run: %v", sub.submits)
	}
}

func TestRunReadLastSnapshot(t *testing.T) {
	snap := &probe.Snapshot{
		TakenAt: time.Now(),
		Passed:  true,
		Attributes: []probe.Attribute{
			{ID: 5, Name: "Reallocated_Sector_Ct", Raw: 0},
			{ID: 194, Name: "Temperature_Celsius", Raw: 38},
		},
	}
	rt := newTestRuntime(t, newStubSubmitter(), &stubSnapshots{snap: snap}, nil)

	def := mustParse(t, `
name: read-temp
steps:
  - id: temp
    capability: read-last-snapshot
    params:
      attribute: 194
`)
	res, err := rt.Run(context.Background(), "dev-1", def)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != RunCompleted {
		t.Fatalf("status = %s (%s), want completed", res.Status, res.Reason)
	}
	attr, ok := res.Steps[0].Output.(probe.Attribute)
	if !ok || attr.Raw != 38 {
		t.Fatalf("step output = %#v, want the temperature attribute", res.Steps[0].Output)
	}
}

func TestRunReadLastSnapshotMissing(t *testing.T) {
	rt := newTestRuntime(t, newStubSubmitter(), &stubSnapshots{}, nil)

	def := mustParse(t, `
name: read-missing
steps:
  - id: read
    capability: read-last-snapshot
`)
	res, err := rt.Run(context.Background(), "dev-1", def)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != RunAborted {
		t.Fatalf("status = %s, want aborted when no snapshot exists", res.Status)
	}
}
