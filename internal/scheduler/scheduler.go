// Package scheduler owns job lifecycles: one FIFO queue and a single active
// job slot per device identity, executed on a bounded global worker pool.
// Queues are keyed by identity, not raw path, so they survive reconnection.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/driveyard/driveyard/internal/history"
	"github.com/driveyard/driveyard/internal/identity"
)

// StateGate flips the device registry between idle and busy. The scheduler
// is the only caller: a device is busy exactly while its active job runs.
type StateGate interface {
	MarkBusy(id identity.ID) error
	MarkIdle(id identity.ID)
}

// Recorder persists job outcomes and timeline events. The history store
// implements it; a noop is used when recording is disabled.
type Recorder interface {
	RecordJob(ctx context.Context, rec history.JobRecord) error
	AppendEvent(ctx context.Context, id identity.ID, kind history.EventKind, detail string, at time.Time) error
}

type noopRecorder struct{}

func (noopRecorder) RecordJob(ctx context.Context, rec history.JobRecord) error { return nil }
func (noopRecorder) AppendEvent(ctx context.Context, id identity.ID, kind history.EventKind, detail string, at time.Time) error {
	return nil
}

// Config controls Scheduler behavior.
type Config struct {
	// Workers bounds how many jobs run concurrently across all devices.
	Workers int
	// DefaultRetryBackoff applies when a retryable spec has no backoff set.
	DefaultRetryBackoff time.Duration
	Recorder            Recorder
}

// Scheduler coordinates per-device job queues.
type Scheduler struct {
	cfg      Config
	executor Executor
	gate     StateGate
	recorder Recorder
	sem      *semaphore.Weighted

	mu      sync.Mutex
	baseCtx context.Context
	started bool
	queues  map[identity.ID]*deviceQueue
	jobs    map[string]*Job

	wg sync.WaitGroup
}

type deviceQueue struct {
	pending []*Job
	active  *Job
}

// New builds a scheduler over executor and gate.
func New(executor Executor, gate StateGate, cfg Config) (*Scheduler, error) {
	if executor == nil {
		return nil, errors.New("scheduler: executor cannot be nil")
	}
	if gate == nil {
		return nil, errors.New("scheduler: state gate cannot be nil")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.DefaultRetryBackoff <= 0 {
		cfg.DefaultRetryBackoff = 5 * time.Second
	}
	if cfg.Recorder == nil {
		cfg.Recorder = noopRecorder{}
	}
	return &Scheduler{
		cfg:      cfg,
		executor: executor,
		gate:     gate,
		recorder: cfg.Recorder,
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		queues:   make(map[identity.ID]*deviceQueue),
		jobs:     make(map[string]*Job),
	}, nil
}

// Start makes the scheduler live. Jobs enqueued earlier begin executing.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("scheduler: context cannot be nil")
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler: already started")
	}
	s.baseCtx = ctx
	s.started = true
	devices := make([]identity.ID, 0, len(s.queues))
	for id := range s.queues {
		devices = append(devices, id)
	}
	s.mu.Unlock()

	for _, id := range devices {
		s.pump(id)
	}
	return nil
}

// Stop waits for all running jobs to reach a terminal state. Callers cancel
// the Start context first.
func (s *Scheduler) Stop() {
	s.wg.Wait()
}

// Enqueue appends a job for the device and returns its id. The job runs as
// soon as the device's slot and a pool worker are free.
func (s *Scheduler) Enqueue(device identity.ID, spec Spec) (string, error) {
	if device == "" {
		return "", errors.New("scheduler: device id is empty")
	}
	switch spec.Kind {
	case KindProbe, KindErase, KindTaskStep:
	default:
		return "", errors.Errorf("scheduler: unknown job kind %q", spec.Kind)
	}
	if spec.Kind == KindErase && spec.MaxRetries != 0 {
		return "", errors.New("scheduler: erase jobs must not be auto-retried")
	}

	job := &Job{
		ID:        uuid.NewString(),
		Device:    device,
		Spec:      spec,
		status:    StatusQueued,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	q := s.queues[device]
	if q == nil {
		q = &deviceQueue{}
		s.queues[device] = q
	}
	q.pending = append(q.pending, job)
	s.jobs[job.ID] = job
	s.mu.Unlock()

	s.recordEvent(device, history.EventJobQueued, fmt.Sprintf("%s job %s queued", spec.Kind, job.ID))
	log.Info().
		Str("device", string(device)).
		Str("job", job.ID).
		Str("kind", string(spec.Kind)).
		Msg("job enqueued")

	s.pump(device)
	return job.ID, nil
}

// Cancel stops the device's running job (if any) and empties its queue.
// The running job ends Cancelled, never Failed.
func (s *Scheduler) Cancel(device identity.ID) {
	s.cancelQueue(device, cancelOperator, "cancelled by operator")
}

// Interrupt is the removal path: the running job ends Failed with an
// interruption reason, because a partially executed destructive operation is
// never assumed safe to resume. Queued jobs are cancelled.
func (s *Scheduler) Interrupt(device identity.ID, detail string) {
	s.cancelQueue(device, cancelRemoval, detail)
}

// CancelJob stops one job without touching the rest of its device's queue.
// A queued job leaves the queue Cancelled; a running job's context is
// cancelled and it ends Cancelled with detail. Terminal jobs are untouched.
func (s *Scheduler) CancelJob(jobID, detail string) {
	s.mu.Lock()
	job := s.jobs[jobID]
	if job == nil {
		s.mu.Unlock()
		return
	}
	q := s.queues[job.Device]
	if q != nil && q.active == job {
		if job.cancelReason == cancelNone {
			job.cancelReason = cancelTargeted
			job.cancelDetail = detail
		}
		cancel := job.cancel
		s.mu.Unlock()
		log.Info().
			Str("device", string(job.Device)).
			Str("job", job.ID).
			Str("detail", detail).
			Msg("cancelling running job")
		if cancel != nil {
			cancel()
		}
		return
	}
	if job.status != StatusQueued {
		s.mu.Unlock()
		return
	}
	if q != nil {
		for i, pending := range q.pending {
			if pending == job {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				break
			}
		}
	}
	job.status = StatusCancelled
	job.reason = detail + " before start"
	job.finishedAt = time.Now()
	close(job.done)
	s.mu.Unlock()

	s.recordTerminal(job)
}

func (s *Scheduler) cancelQueue(device identity.ID, reason cancelReason, detail string) {
	s.mu.Lock()
	q := s.queues[device]
	if q == nil {
		s.mu.Unlock()
		return
	}
	var drained []*Job
	if len(q.pending) > 0 {
		drained = q.pending
		q.pending = nil
	}
	active := q.active
	if active != nil && active.cancelReason == cancelNone {
		active.cancelReason = reason
	}
	for _, job := range drained {
		job.status = StatusCancelled
		job.reason = detail + " before start"
		job.finishedAt = time.Now()
		close(job.done)
	}
	s.mu.Unlock()

	for _, job := range drained {
		s.recordTerminal(job)
	}
	if active != nil && active.cancel != nil {
		log.Info().
			Str("device", string(device)).
			Str("job", active.ID).
			Str("detail", detail).
			Msg("cancelling running job")
		active.cancel()
	}
}

// Wait blocks until the job reaches a terminal state or ctx ends.
func (s *Scheduler) Wait(ctx context.Context, jobID string) (JobSnapshot, error) {
	s.mu.Lock()
	job := s.jobs[jobID]
	s.mu.Unlock()
	if job == nil {
		return JobSnapshot{}, errors.Errorf("scheduler: unknown job %s", jobID)
	}
	select {
	case <-ctx.Done():
		return JobSnapshot{}, ctx.Err()
	case <-job.done:
		return s.snapshot(job), nil
	}
}

// Snapshot returns the job's observable state.
func (s *Scheduler) Snapshot(jobID string) (JobSnapshot, bool) {
	s.mu.Lock()
	job := s.jobs[jobID]
	s.mu.Unlock()
	if job == nil {
		return JobSnapshot{}, false
	}
	return s.snapshot(job), true
}

// QueueDepth returns how many jobs are pending behind the active one.
func (s *Scheduler) QueueDepth(device identity.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[device]
	if q == nil {
		return 0
	}
	return len(q.pending)
}

func (s *Scheduler) snapshot(job *Job) JobSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return JobSnapshot{
		ID:         job.ID,
		Device:     job.Device,
		Kind:       job.Spec.Kind,
		Status:     job.status,
		Reason:     job.reason,
		Payload:    job.payload,
		CreatedAt:  job.createdAt,
		StartedAt:  job.startedAt,
		FinishedAt: job.finishedAt,
	}
}

// pump starts the next pending job when the device's single active slot is
// free. This is the only place a job leaves the queue.
func (s *Scheduler) pump(device identity.ID) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	q := s.queues[device]
	if q == nil || q.active != nil || len(q.pending) == 0 {
		s.mu.Unlock()
		return
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	q.active = job
	jobCtx, cancel := context.WithCancel(s.baseCtx)
	job.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(jobCtx, job)
}

func (s *Scheduler) run(ctx context.Context, job *Job) {
	defer s.wg.Done()
	defer job.cancel()

	// The pool bounds concurrent executions, not queue residency: a job
	// waiting here still holds only its device's slot.
	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.finish(job, s.terminalForCancel(job, "before start"))
		return
	}
	defer s.sem.Release(1)

	if err := s.gate.MarkBusy(job.Device); err != nil {
		s.finish(job, terminal{status: StatusFailed, reason: "device not ready: " + err.Error()})
		return
	}

	s.mu.Lock()
	job.status = StatusRunning
	job.startedAt = time.Now()
	s.mu.Unlock()
	s.recordEvent(job.Device, history.EventJobStarted, fmt.Sprintf("%s job %s started", job.Spec.Kind, job.ID))
	log.Info().
		Str("device", string(job.Device)).
		Str("job", job.ID).
		Str("kind", string(job.Spec.Kind)).
		Msg("job running")

	t := s.execute(ctx, job)
	// The busy/idle flip must land before finish pumps the next job, or
	// that job would find the slot still busy.
	s.gate.MarkIdle(job.Device)
	s.finish(job, t)
}

type terminal struct {
	status  Status
	reason  string
	payload any
}

func (s *Scheduler) execute(ctx context.Context, job *Job) terminal {
	spec := job.Spec
	backoff := spec.RetryBackoff
	if backoff <= 0 {
		backoff = s.cfg.DefaultRetryBackoff
	}
	maxAttempts := spec.MaxRetries + 1

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		runCtx := ctx
		var cancel context.CancelFunc
		if spec.Timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		}
		payload, err := s.executor.Execute(runCtx, job.Device, spec)
		timedOut := runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		if cancel != nil {
			cancel()
		}
		if err == nil {
			if attempt > 1 {
				log.Info().
					Str("job", job.ID).
					Int("attempts", attempt).
					Msg("job recovered after retry")
			}
			return terminal{status: StatusSucceeded, reason: "completed", payload: payload}
		}
		if ctx.Err() != nil {
			return s.terminalForCancel(job, "mid-run")
		}
		if timedOut {
			return terminal{
				status: StatusFailed,
				reason: fmt.Sprintf("timed out after %s", spec.Timeout),
			}
		}
		lastErr = err
		if spec.Retryable == nil || !spec.Retryable(err) || attempt == maxAttempts {
			break
		}
		log.Warn().
			Err(err).
			Str("job", job.ID).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Dur("backoff", backoff).
			Msg("job failed, scheduling retry")
		select {
		case <-ctx.Done():
			return s.terminalForCancel(job, "while awaiting retry")
		case <-time.After(backoff):
		}
	}
	return terminal{status: StatusFailed, reason: lastErr.Error()}
}

// terminalForCancel maps the recorded cancel reason onto the job's terminal
// state: operator cancels end Cancelled, removal interrupts end
// Failed(interrupted), and engine shutdown counts as a cancel.
func (s *Scheduler) terminalForCancel(job *Job, when string) terminal {
	s.mu.Lock()
	reason := job.cancelReason
	detail := job.cancelDetail
	s.mu.Unlock()
	switch reason {
	case cancelRemoval:
		return terminal{status: StatusFailed, reason: "interrupted: device removed " + when}
	case cancelOperator:
		return terminal{status: StatusCancelled, reason: "cancelled by operator " + when}
	case cancelTargeted:
		return terminal{status: StatusCancelled, reason: detail + " " + when}
	default:
		return terminal{status: StatusCancelled, reason: "engine shutdown " + when}
	}
}

func (s *Scheduler) finish(job *Job, t terminal) {
	s.mu.Lock()
	job.status = t.status
	job.reason = t.reason
	job.payload = t.payload
	job.finishedAt = time.Now()
	if q := s.queues[job.Device]; q != nil && q.active == job {
		q.active = nil
	}
	close(job.done)
	s.mu.Unlock()

	s.recordTerminal(job)
	log.Info().
		Str("device", string(job.Device)).
		Str("job", job.ID).
		Str("status", string(t.status)).
		Str("reason", t.reason).
		Msg("job finished")

	s.pump(job.Device)
}

func (s *Scheduler) recordTerminal(job *Job) {
	snap := s.snapshot(job)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.recorder.RecordJob(ctx, history.JobRecord{
		ID:         snap.ID,
		DeviceID:   snap.Device,
		Kind:       string(snap.Kind),
		Status:     string(snap.Status),
		Reason:     snap.Reason,
		CreatedAt:  snap.CreatedAt,
		StartedAt:  snap.StartedAt,
		FinishedAt: snap.FinishedAt,
	}); err != nil {
		log.Error().Err(err).Str("job", snap.ID).Msg("record job failed")
	}
	s.recordEvent(snap.Device, history.EventJobFinished,
		fmt.Sprintf("%s job %s %s: %s", snap.Kind, snap.ID, snap.Status, snap.Reason))
}

func (s *Scheduler) recordEvent(device identity.ID, kind history.EventKind, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.recorder.AppendEvent(ctx, device, kind, detail, time.Now()); err != nil {
		log.Error().Err(err).Str("device", string(device)).Msg("append job event failed")
	}
}
