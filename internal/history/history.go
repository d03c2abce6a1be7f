// Package history is the engine's durable sink for device identities, event
// timelines, attribute time-series and terminal job outcomes. The engine
// treats it as append-only and crash-consistent; it never holds more than
// transient working copies in memory.
package history

import (
	"context"
	"time"

	"github.com/driveyard/driveyard/internal/identity"
	"github.com/driveyard/driveyard/internal/probe"
)

// EventKind classifies timeline entries.
type EventKind string

const (
	EventInserted    EventKind = "inserted"
	EventRemoved     EventKind = "removed"
	EventJobQueued   EventKind = "job-queued"
	EventJobStarted  EventKind = "job-started"
	EventJobFinished EventKind = "job-finished"
	EventTaskRun     EventKind = "task-run"
	EventMerged      EventKind = "identity-merged"
)

// TrendPoint is one (timestamp, value) sample of an attribute time-series.
type TrendPoint struct {
	At    time.Time
	Value int64
}

// JobRecord is the persisted terminal state of one job. Reason is always a
// human-readable explanation, never a bare code.
type JobRecord struct {
	ID         string
	DeviceID   identity.ID
	Kind       string
	Status     string
	Reason     string
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// TaskRunRecord is the persisted terminal state of one task run.
type TaskRunRecord struct {
	ID         string
	DeviceID   identity.ID
	TaskName   string
	Status     string
	StepIndex  int
	Reason     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Store is the persistence boundary consumed by the engine.
type Store interface {
	identity.Index

	// UpsertDevice creates or refreshes the device row for identity.
	UpsertDevice(ctx context.Context, dev identity.Device) error
	// AppendEvent appends one timeline entry for the device.
	AppendEvent(ctx context.Context, id identity.ID, kind EventKind, detail string, at time.Time) error
	// AppendSnapshot appends one completed probe snapshot.
	AppendSnapshot(ctx context.Context, id identity.ID, snap *probe.Snapshot) error
	// LastSnapshot returns the most recent snapshot for the device, or nil.
	LastSnapshot(ctx context.Context, id identity.ID) (*probe.Snapshot, error)
	// QueryTrend returns the ordered samples of one attribute in [from, to].
	QueryTrend(ctx context.Context, id identity.ID, attrID int, from, to time.Time) ([]TrendPoint, error)
	// InsertionCount returns how many insertion events the device has.
	InsertionCount(ctx context.Context, id identity.ID) (int, error)
	// RecordJob persists a terminal job state.
	RecordJob(ctx context.Context, rec JobRecord) error
	// RecordTaskRun persists a terminal task-run state.
	RecordTaskRun(ctx context.Context, rec TaskRunRecord) error
	// MergeIdentities folds the history of an unstable identity into the
	// identity that later turned out to carry a readable serial.
	MergeIdentities(ctx context.Context, from, into identity.ID) error
	// ListDevices returns every device the store has ever seen.
	ListDevices(ctx context.Context) ([]identity.Device, error)

	Close() error
}
