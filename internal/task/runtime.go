package task

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/driveyard/driveyard/internal/erase"
	"github.com/driveyard/driveyard/internal/history"
	"github.com/driveyard/driveyard/internal/identity"
	"github.com/driveyard/driveyard/internal/probe"
	"github.com/driveyard/driveyard/internal/scheduler"
)

// ErrBudgetExceeded marks a run force-aborted for exceeding its wall-clock
// or step-count budget.
var ErrBudgetExceeded = errors.New("task budget exceeded")

// Submitter is the job surface the runtime may reach. It is deliberately
// narrow: a task can spawn probe and erase jobs, await them, and cancel the
// jobs it spawned, nothing else.
type Submitter interface {
	SubmitProbe(device identity.ID, mode probe.Mode, timeout time.Duration, retries int) (string, error)
	SubmitErase(device identity.ID, pattern erase.Pattern, passes int, verify bool, timeout time.Duration) (string, error)
	WaitJob(ctx context.Context, jobID string) (scheduler.JobSnapshot, error)
	CancelJob(jobID, detail string)
}

// SnapshotReader exposes the last recorded probe result for a device.
type SnapshotReader interface {
	LastSnapshot(ctx context.Context, id identity.ID) (*probe.Snapshot, error)
}

// Recorder persists terminal run states. The history store implements it.
type Recorder interface {
	RecordTaskRun(ctx context.Context, rec history.TaskRunRecord) error
	AppendEvent(ctx context.Context, id identity.ID, kind history.EventKind, detail string, at time.Time) error
}

type noopRecorder struct{}

func (noopRecorder) RecordTaskRun(ctx context.Context, rec history.TaskRunRecord) error { return nil }
func (noopRecorder) AppendEvent(ctx context.Context, id identity.ID, kind history.EventKind, detail string, at time.Time) error {
	return nil
}

// RunStatus is a run's terminal state.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunAborted   RunStatus = "aborted"
)

// StepStatus is one step's outcome within a run.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepCancelled StepStatus = "cancelled"
	StepSkipped   StepStatus = "skipped"
)

// StepResult is the recorded outcome of one step.
type StepResult struct {
	ID         string
	Capability Capability
	Status     StepStatus
	Detail     string
	Output     any
}

// Result is the terminal state of one run.
type Result struct {
	ID         string
	Device     identity.ID
	Task       string
	Status     RunStatus
	// StepIndex is the index the run aborted at; -1 for completed runs.
	StepIndex  int
	Reason     string
	Steps      []StepResult
	StartedAt  time.Time
	FinishedAt time.Time
}

// Config controls Runtime behavior.
type Config struct {
	// DefaultWallClock bounds a run whose definition sets no budget.
	DefaultWallClock time.Duration
	// DefaultMaxSteps bounds a run whose definition sets no step ceiling.
	DefaultMaxSteps int
	Recorder        Recorder
}

// Runtime executes definitions sequentially against one device at a time.
// Every step that does device work becomes exactly one scheduler job; the
// runtime suspends on the job's terminal state before moving on.
type Runtime struct {
	cfg       Config
	submitter Submitter
	snapshots SnapshotReader
	recorder  Recorder
}

// NewRuntime builds a runtime over submitter and snapshots.
func NewRuntime(submitter Submitter, snapshots SnapshotReader, cfg Config) (*Runtime, error) {
	if submitter == nil {
		return nil, errors.New("task: submitter cannot be nil")
	}
	if snapshots == nil {
		return nil, errors.New("task: snapshot reader cannot be nil")
	}
	if cfg.DefaultWallClock <= 0 {
		cfg.DefaultWallClock = 30 * time.Minute
	}
	if cfg.DefaultMaxSteps <= 0 {
		cfg.DefaultMaxSteps = 64
	}
	if cfg.Recorder == nil {
		cfg.Recorder = noopRecorder{}
	}
	return &Runtime{cfg: cfg, submitter: submitter, snapshots: snapshots, recorder: cfg.Recorder}, nil
}

// Run executes def against the device and returns the terminal result. The
// result is also persisted through the recorder. Run itself only errors on
// unusable input; step failures are reported in the result.
func (r *Runtime) Run(ctx context.Context, device identity.ID, def *Definition) (*Result, error) {
	if def == nil {
		return nil, errors.New("task: definition cannot be nil")
	}
	if device == "" {
		return nil, errors.New("task: device id is empty")
	}

	wallClock := time.Duration(def.Budget.WallClock)
	if wallClock <= 0 {
		wallClock = r.cfg.DefaultWallClock
	}
	maxSteps := def.Budget.MaxSteps
	if maxSteps <= 0 {
		maxSteps = r.cfg.DefaultMaxSteps
	}

	res := &Result{
		ID:        uuid.NewString(),
		Device:    device,
		Task:      def.Name,
		StepIndex: -1,
		StartedAt: time.Now(),
	}
	log.Info().
		Str("run", res.ID).
		Str("device", string(device)).
		Str("task", def.Name).
		Int("steps", len(def.Steps)).
		Msg("task run started")

	runCtx, cancel := context.WithTimeout(ctx, wallClock)
	defer cancel()

	executed := 0
	outcomes := make(map[string]StepStatus, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]

		if err := runCtx.Err(); err != nil {
			r.abort(res, def, i, r.budgetReason(ctx, wallClock))
			break
		}
		if executed >= maxSteps {
			r.abort(res, def, i, fmt.Sprintf("%v: step ceiling %d reached", ErrBudgetExceeded, maxSteps))
			break
		}
		if step.When != nil && outcomes[step.When.Step] != StepStatus(step.When.Status) {
			res.Steps = append(res.Steps, StepResult{
				ID:         step.ID,
				Capability: step.Capability,
				Status:     StepSkipped,
				Detail:     fmt.Sprintf("%s was not %s", step.When.Step, step.When.Status),
			})
			outcomes[step.ID] = StepSkipped
			continue
		}

		executed++
		sr := r.runStep(runCtx, device, step)
		res.Steps = append(res.Steps, sr)
		outcomes[step.ID] = sr.Status
		log.Info().
			Str("run", res.ID).
			Str("step", step.ID).
			Str("capability", string(step.Capability)).
			Str("status", string(sr.Status)).
			Msg("task step finished")

		if step.Capability == CapAbortRun && sr.Status == StepSucceeded {
			r.abort(res, def, i, "aborted by task: "+step.Params.Message)
			break
		}
		if sr.Status == StepFailed || sr.Status == StepCancelled {
			if runCtx.Err() != nil {
				r.abort(res, def, i, r.budgetReason(ctx, wallClock))
				break
			}
			if step.OnFailure == FailContinue {
				continue
			}
			r.abort(res, def, i, fmt.Sprintf("step %s %s: %s", step.ID, sr.Status, sr.Detail))
			break
		}
	}

	if res.Status == "" {
		res.Status = RunCompleted
		res.Reason = "all steps finished"
	}
	res.FinishedAt = time.Now()
	r.record(res)
	log.Info().
		Str("run", res.ID).
		Str("status", string(res.Status)).
		Str("reason", res.Reason).
		Msg("task run finished")
	return res, nil
}

// abort marks the run Aborted at stepIndex and cancels every step that has
// not produced a result yet.
func (r *Runtime) abort(res *Result, def *Definition, stepIndex int, reason string) {
	res.Status = RunAborted
	res.StepIndex = stepIndex
	res.Reason = reason
	for i := len(res.Steps); i < len(def.Steps); i++ {
		res.Steps = append(res.Steps, StepResult{
			ID:         def.Steps[i].ID,
			Capability: def.Steps[i].Capability,
			Status:     StepCancelled,
			Detail:     "run aborted before this step",
		})
	}
}

func (r *Runtime) budgetReason(parent context.Context, wallClock time.Duration) string {
	if parent.Err() != nil {
		return "cancelled"
	}
	return fmt.Sprintf("%v: wall clock budget %s spent", ErrBudgetExceeded, wallClock)
}

func (r *Runtime) runStep(ctx context.Context, device identity.ID, step *Step) StepResult {
	sr := StepResult{ID: step.ID, Capability: step.Capability}
	switch step.Capability {
	case CapSubmitProbe:
		r.awaitJob(ctx, &sr, func() (string, error) {
			return r.submitter.SubmitProbe(device, step.Params.Mode, time.Duration(step.Params.Timeout), step.Params.Retries)
		})
	case CapSubmitErase:
		r.awaitJob(ctx, &sr, func() (string, error) {
			return r.submitter.SubmitErase(device, step.Params.Pattern, step.Params.Passes, step.Params.Verify, time.Duration(step.Params.Timeout))
		})
	case CapReadLastSnapshot:
		r.readSnapshot(ctx, device, step, &sr)
	case CapLogMessage:
		log.Info().Str("device", string(device)).Str("step", step.ID).Msg(step.Params.Message)
		sr.Status = StepSucceeded
		sr.Detail = step.Params.Message
	case CapAbortRun:
		sr.Status = StepSucceeded
		sr.Detail = step.Params.Message
	default:
		sr.Status = StepFailed
		sr.Detail = fmt.Sprintf("unknown capability %q", step.Capability)
	}
	return sr
}

// awaitJob submits one job and suspends until it is terminal, translating
// the job's terminal state into the step's outcome.
func (r *Runtime) awaitJob(ctx context.Context, sr *StepResult, submit func() (string, error)) {
	jobID, err := submit()
	if err != nil {
		sr.Status = StepFailed
		sr.Detail = err.Error()
		return
	}
	snap, err := r.submitter.WaitJob(ctx, jobID)
	if err != nil {
		// The run's budget expired (or the caller gave up) while the job was
		// in flight. The job must not keep running behind an aborted run.
		r.submitter.CancelJob(jobID, "task run aborted")
		sr.Status = StepCancelled
		sr.Detail = "wait interrupted: " + err.Error()
		return
	}
	sr.Output = snap.Payload
	switch snap.Status {
	case scheduler.StatusSucceeded:
		sr.Status = StepSucceeded
		sr.Detail = snap.Reason
	case scheduler.StatusCancelled:
		sr.Status = StepCancelled
		sr.Detail = snap.Reason
	default:
		sr.Status = StepFailed
		sr.Detail = snap.Reason
	}
}

func (r *Runtime) readSnapshot(ctx context.Context, device identity.ID, step *Step, sr *StepResult) {
	snap, err := r.snapshots.LastSnapshot(ctx, device)
	if err != nil {
		sr.Status = StepFailed
		sr.Detail = err.Error()
		return
	}
	if snap == nil {
		sr.Status = StepFailed
		sr.Detail = "no snapshot recorded for device"
		return
	}
	if step.Params.Attribute > 0 {
		for _, attr := range snap.Attributes {
			if attr.ID == step.Params.Attribute {
				sr.Status = StepSucceeded
				sr.Detail = fmt.Sprintf("%s = %d", attr.Name, attr.Raw)
				sr.Output = attr
				return
			}
		}
		sr.Status = StepFailed
		sr.Detail = fmt.Sprintf("attribute %d not present in last snapshot", step.Params.Attribute)
		return
	}
	sr.Status = StepSucceeded
	sr.Detail = fmt.Sprintf("snapshot from %s, passed=%t", snap.TakenAt.Format(time.RFC3339), snap.Passed)
	sr.Output = snap
}

func (r *Runtime) record(res *Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.recorder.RecordTaskRun(ctx, history.TaskRunRecord{
		ID:         res.ID,
		DeviceID:   res.Device,
		TaskName:   res.Task,
		Status:     string(res.Status),
		StepIndex:  res.StepIndex,
		Reason:     res.Reason,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
	}); err != nil {
		log.Error().Err(err).Str("run", res.ID).Msg("record task run failed")
	}
	if err := r.recorder.AppendEvent(ctx, res.Device, history.EventTaskRun,
		fmt.Sprintf("task %s run %s %s: %s", res.Task, res.ID, res.Status, res.Reason), time.Now()); err != nil {
		log.Error().Err(err).Str("run", res.ID).Msg("append task event failed")
	}
}
