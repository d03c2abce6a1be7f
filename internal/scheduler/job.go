package scheduler

import (
	"context"
	"time"

	"github.com/driveyard/driveyard/internal/identity"
)

// Kind classifies scheduled work.
type Kind string

const (
	KindProbe    Kind = "probe"
	KindErase    Kind = "erase"
	KindTaskStep Kind = "task-step"
)

// Status is a job's lifecycle status. A job is terminal in exactly one of
// Succeeded, Failed or Cancelled.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Spec describes one unit of work to enqueue.
type Spec struct {
	Kind Kind
	// Payload is handed to the executor unchanged.
	Payload any
	// Timeout bounds one execution attempt. Zero means no limit.
	Timeout time.Duration
	// MaxRetries is the number of additional attempts allowed when
	// Retryable reports the failure as transient. Erase work must leave
	// this zero: partial erasure state is security sensitive.
	MaxRetries int
	// RetryBackoff is the delay between attempts.
	RetryBackoff time.Duration
	// Retryable classifies whether an executor error may be retried.
	Retryable func(error) bool
}

// Executor runs a job's payload against a device. It must honor ctx: on
// cancellation it returns ctx.Err() promptly.
type Executor interface {
	Execute(ctx context.Context, device identity.ID, spec Spec) (payload any, err error)
}

type cancelReason int

const (
	cancelNone cancelReason = iota
	// cancelOperator is an explicit Cancel: the job ends Cancelled.
	cancelOperator
	// cancelRemoval is a device-removal interrupt: the job ends
	// Failed(interrupted) and is never silently resumed.
	cancelRemoval
	// cancelTargeted is a single-job cancel with a caller-supplied detail,
	// used when a task run is force-aborted. The job ends Cancelled.
	cancelTargeted
)

// Job is one scheduled unit of work. All fields are owned by the scheduler;
// callers read them through Snapshot.
type Job struct {
	ID     string
	Device identity.ID
	Spec   Spec

	status     Status
	reason     string
	payload    any
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time

	cancel       context.CancelFunc
	cancelReason cancelReason
	cancelDetail string
	done         chan struct{}
}

// JobSnapshot is a read-only copy of a job's observable state.
type JobSnapshot struct {
	ID         string
	Device     identity.ID
	Kind       Kind
	Status     Status
	Reason     string
	Payload    any
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}
