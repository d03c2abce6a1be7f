package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/driveyard/driveyard/internal/identity"
)

type stubGate struct {
	mu   sync.Mutex
	busy map[identity.ID]bool
}

func newStubGate() *stubGate {
	return &stubGate{busy: make(map[identity.ID]bool)}
}

func (g *stubGate) MarkBusy(id identity.ID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy[id] {
		return errors.Errorf("device %s already busy", id)
	}
	g.busy[id] = true
	return nil
}

func (g *stubGate) MarkIdle(id identity.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.busy[id] = false
}

// blockingExecutor parks every execution until released, reporting how many
// run at once.
type blockingExecutor struct {
	mu      sync.Mutex
	running int
	peak    int
	started chan identity.ID
	release chan struct{}
	result  func(device identity.ID) (any, error)
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{
		started: make(chan identity.ID, 64),
		release: make(chan struct{}),
	}
}

func (e *blockingExecutor) Execute(ctx context.Context, device identity.ID, spec Spec) (any, error) {
	e.mu.Lock()
	e.running++
	if e.running > e.peak {
		e.peak = e.running
	}
	e.mu.Unlock()
	e.started <- device
	defer func() {
		e.mu.Lock()
		e.running--
		e.mu.Unlock()
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.release:
	}
	if e.result != nil {
		return e.result(device)
	}
	return "ok", nil
}

func newTestScheduler(t *testing.T, exec Executor, cfg Config) (*Scheduler, context.CancelFunc) {
	t.Helper()
	s, err := New(exec, newStubGate(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s, cancel
}

func waitStatus(t *testing.T, s *Scheduler, jobID string) JobSnapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := s.Wait(ctx, jobID)
	if err != nil {
		t.Fatalf("Wait(%s): %v", jobID, err)
	}
	return snap
}

func TestSingleRunningJobPerDevice(t *testing.T) {
	exec := newBlockingExecutor()
	s, cancel := newTestScheduler(t, exec, Config{Workers: 8})
	defer cancel()
	defer s.Stop()

	first, err := s.Enqueue("dev-1", Spec{Kind: KindProbe})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	second, err := s.Enqueue("dev-1", Spec{Kind: KindProbe})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	<-exec.started
	select {
	case dev := <-exec.started:
		t.Fatalf("second job for %s started while the first still runs", dev)
	case <-time.After(100 * time.Millisecond):
	}
	if depth := s.QueueDepth("dev-1"); depth != 1 {
		t.Fatalf("queue depth = %d, want 1", depth)
	}

	close(exec.release)
	if snap := waitStatus(t, s, first); snap.Status != StatusSucceeded {
		t.Fatalf("first job status = %s, want succeeded", snap.Status)
	}
	if snap := waitStatus(t, s, second); snap.Status != StatusSucceeded {
		t.Fatalf("second job status = %s, want succeeded", snap.Status)
	}
	if exec.peak != 1 {
		t.Fatalf("peak concurrent executions for one device = %d, want 1", exec.peak)
	}
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	exec := newBlockingExecutor()
	s, cancel := newTestScheduler(t, exec, Config{Workers: 2})
	defer cancel()
	defer s.Stop()

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := s.Enqueue(identity.ID(string(rune('a'+i))), Spec{Kind: KindProbe})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, id)
	}

	<-exec.started
	<-exec.started
	select {
	case <-exec.started:
		t.Fatalf("third job started with a pool of two workers")
	case <-time.After(100 * time.Millisecond):
	}

	close(exec.release)
	for _, id := range ids {
		if snap := waitStatus(t, s, id); snap.Status != StatusSucceeded {
			t.Fatalf("job %s status = %s, want succeeded", id, snap.Status)
		}
	}
	if exec.peak > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", exec.peak)
	}
}

func TestCancelEndsRunningJobCancelled(t *testing.T) {
	exec := newBlockingExecutor()
	s, cancel := newTestScheduler(t, exec, Config{})
	defer cancel()
	defer s.Stop()

	running, err := s.Enqueue("dev-1", Spec{Kind: KindErase})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	queued, err := s.Enqueue("dev-1", Spec{Kind: KindProbe})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-exec.started

	s.Cancel("dev-1")

	snap := waitStatus(t, s, running)
	if snap.Status != StatusCancelled {
		t.Fatalf("running job status = %s, want cancelled", snap.Status)
	}
	if !strings.Contains(snap.Reason, "operator") {
		t.Fatalf("running job reason = %q, want operator cancel", snap.Reason)
	}
	if snap := waitStatus(t, s, queued); snap.Status != StatusCancelled {
		t.Fatalf("queued job status = %s, want cancelled", snap.Status)
	}
}

func TestInterruptEndsRunningJobFailed(t *testing.T) {
	exec := newBlockingExecutor()
	s, cancel := newTestScheduler(t, exec, Config{})
	defer cancel()
	defer s.Stop()

	jobID, err := s.Enqueue("dev-1", Spec{Kind: KindErase})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-exec.started

	s.Interrupt("dev-1", "interrupted: device removed")

	snap := waitStatus(t, s, jobID)
	if snap.Status != StatusFailed {
		t.Fatalf("interrupted job status = %s, want failed", snap.Status)
	}
	if !strings.Contains(snap.Reason, "interrupted: device removed") {
		t.Fatalf("interrupted job reason = %q, want removal interruption", snap.Reason)
	}
}

func TestTimeoutFailsJobAndFreesSlot(t *testing.T) {
	exec := newBlockingExecutor()
	s, cancel := newTestScheduler(t, exec, Config{})
	defer cancel()
	defer s.Stop()

	timed, err := s.Enqueue("dev-1", Spec{Kind: KindProbe, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	next, err := s.Enqueue("dev-1", Spec{Kind: KindProbe})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-exec.started

	snap := waitStatus(t, s, timed)
	if snap.Status != StatusFailed {
		t.Fatalf("timed out job status = %s, want failed", snap.Status)
	}
	if !strings.Contains(snap.Reason, "timed out after") {
		t.Fatalf("timed out job reason = %q, want timeout", snap.Reason)
	}

	// The slot must be free for the next queued job.
	<-exec.started
	close(exec.release)
	if snap := waitStatus(t, s, next); snap.Status != StatusSucceeded {
		t.Fatalf("next job status = %s, want succeeded", snap.Status)
	}
}

func TestRetryableFailureRetriesUpToBound(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	exec := executorFunc(func(ctx context.Context, device identity.ID, spec Spec) (any, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return nil, errors.New("transient tool failure")
		}
		return "ok", nil
	})
	s, cancel := newTestScheduler(t, exec, Config{DefaultRetryBackoff: time.Millisecond})
	defer cancel()
	defer s.Stop()

	jobID, err := s.Enqueue("dev-1", Spec{
		Kind:       KindProbe,
		MaxRetries: 2,
		Retryable:  func(error) bool { return true },
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	snap := waitStatus(t, s, jobID)
	if snap.Status != StatusSucceeded {
		t.Fatalf("job status = %s, want succeeded after retries", snap.Status)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestNonRetryableFailureFailsImmediately(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	exec := executorFunc(func(ctx context.Context, device identity.ID, spec Spec) (any, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, errors.New("malformed output")
	})
	s, cancel := newTestScheduler(t, exec, Config{DefaultRetryBackoff: time.Millisecond})
	defer cancel()
	defer s.Stop()

	jobID, err := s.Enqueue("dev-1", Spec{
		Kind:       KindProbe,
		MaxRetries: 3,
		Retryable:  func(error) bool { return false },
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	snap := waitStatus(t, s, jobID)
	if snap.Status != StatusFailed {
		t.Fatalf("job status = %s, want failed", snap.Status)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestEraseJobsRejectRetries(t *testing.T) {
	exec := newBlockingExecutor()
	s, err := New(exec, newStubGate(), Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Enqueue("dev-1", Spec{Kind: KindErase, MaxRetries: 1}); err == nil {
		t.Fatalf("Enqueue accepted an erase job with retries")
	}
}

func TestFIFOOrderPerDevice(t *testing.T) {
	var mu sync.Mutex
	var order []string
	exec := executorFunc(func(ctx context.Context, device identity.ID, spec Spec) (any, error) {
		mu.Lock()
		order = append(order, spec.Payload.(string))
		mu.Unlock()
		return nil, nil
	})
	s, cancel := newTestScheduler(t, exec, Config{})
	defer cancel()
	defer s.Stop()

	var last string
	for _, name := range []string{"one", "two", "three"} {
		id, err := s.Enqueue("dev-1", Spec{Kind: KindProbe, Payload: name})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		last = id
	}
	waitStatus(t, s, last)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "one" || order[1] != "two" || order[2] != "three" {
		t.Fatalf("execution order = %v, want [one two three]", order)
	}
}

func TestCancelJobStopsRunningJobOnly(t *testing.T) {
	exec := newBlockingExecutor()
	s, cancel := newTestScheduler(t, exec, Config{})
	defer cancel()
	defer s.Stop()

	running, err := s.Enqueue("dev-1", Spec{Kind: KindErase})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	queued, err := s.Enqueue("dev-1", Spec{Kind: KindProbe})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-exec.started

	s.CancelJob(running, "task run aborted")

	snap := waitStatus(t, s, running)
	if snap.Status != StatusCancelled {
		t.Fatalf("cancelled job status = %s, want cancelled", snap.Status)
	}
	if !strings.Contains(snap.Reason, "task run aborted") {
		t.Fatalf("cancelled job reason = %q, want the caller's detail", snap.Reason)
	}

	// Unlike Cancel, a targeted cancel leaves the rest of the queue alone.
	<-exec.started
	close(exec.release)
	if snap := waitStatus(t, s, queued); snap.Status != StatusSucceeded {
		t.Fatalf("queued job status = %s, want succeeded", snap.Status)
	}
}

func TestCancelJobRemovesQueuedJob(t *testing.T) {
	exec := newBlockingExecutor()
	s, cancel := newTestScheduler(t, exec, Config{})
	defer cancel()
	defer s.Stop()

	running, err := s.Enqueue("dev-1", Spec{Kind: KindProbe})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	queued, err := s.Enqueue("dev-1", Spec{Kind: KindProbe})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-exec.started

	s.CancelJob(queued, "task run aborted")

	snap := waitStatus(t, s, queued)
	if snap.Status != StatusCancelled {
		t.Fatalf("queued job status = %s, want cancelled", snap.Status)
	}
	if !strings.Contains(snap.Reason, "before start") {
		t.Fatalf("queued job reason = %q, want cancelled before start", snap.Reason)
	}
	if depth := s.QueueDepth("dev-1"); depth != 0 {
		t.Fatalf("queue depth = %d, want 0", depth)
	}

	close(exec.release)
	if snap := waitStatus(t, s, running); snap.Status != StatusSucceeded {
		t.Fatalf("running job status = %s, want succeeded", snap.Status)
	}
}

type executorFunc func(ctx context.Context, device identity.ID, spec Spec) (any, error)

func (f executorFunc) Execute(ctx context.Context, device identity.ID, spec Spec) (any, error) {
	return f(ctx, device, spec)
}
