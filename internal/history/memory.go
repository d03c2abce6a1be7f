package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/driveyard/driveyard/internal/identity"
	"github.com/driveyard/driveyard/internal/probe"
)

// MemoryStore is an in-memory Store used by tests and by the one-shot CLI
// verbs that do not need durability.
type MemoryStore struct {
	mu        sync.Mutex
	devices   map[identity.ID]identity.Device
	events    map[identity.ID][]memEvent
	snapshots map[identity.ID][]*probe.Snapshot
	jobs      map[string]JobRecord
	taskRuns  map[string]TaskRunRecord
}

type memEvent struct {
	kind   EventKind
	detail string
	at     time.Time
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:   make(map[identity.ID]identity.Device),
		events:    make(map[identity.ID][]memEvent),
		snapshots: make(map[identity.ID][]*probe.Snapshot),
		jobs:      make(map[string]JobRecord),
		taskRuns:  make(map[string]TaskRunRecord),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) FindByFingerprint(ctx context.Context, fingerprint string) (identity.ID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, dev := range s.devices {
		if dev.Fingerprint == fingerprint {
			return id, true, nil
		}
	}
	return "", false, nil
}

func (s *MemoryStore) UpsertDevice(ctx context.Context, dev identity.Device) error {
	if dev.ID == "" {
		return errors.New("history: device id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[dev.ID] = dev
	return nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, id identity.ID, kind EventKind, detail string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[id] = append(s.events[id], memEvent{kind: kind, detail: detail, at: at})
	return nil
}

func (s *MemoryStore) AppendSnapshot(ctx context.Context, id identity.ID, snap *probe.Snapshot) error {
	if snap == nil {
		return errors.New("history: snapshot is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *snap
	copied.Attributes = append([]probe.Attribute(nil), snap.Attributes...)
	s.snapshots[id] = append(s.snapshots[id], &copied)
	return nil
}

func (s *MemoryStore) LastSnapshot(ctx context.Context, id identity.ID) (*probe.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := s.snapshots[id]
	if len(snaps) == 0 {
		return nil, nil
	}
	latest := *snaps[len(snaps)-1]
	latest.Attributes = append([]probe.Attribute(nil), snaps[len(snaps)-1].Attributes...)
	return &latest, nil
}

func (s *MemoryStore) QueryTrend(ctx context.Context, id identity.ID, attrID int, from, to time.Time) ([]TrendPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var points []TrendPoint
	for _, snap := range s.snapshots[id] {
		if snap.TakenAt.Before(from) || snap.TakenAt.After(to) {
			continue
		}
		for _, attr := range snap.Attributes {
			if attr.ID == attrID {
				points = append(points, TrendPoint{At: snap.TakenAt, Value: attr.Raw})
			}
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].At.Before(points[j].At) })
	return points, nil
}

func (s *MemoryStore) InsertionCount(ctx context.Context, id identity.ID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, ev := range s.events[id] {
		if ev.kind == EventInserted {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) RecordJob(ctx context.Context, rec JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[rec.ID] = rec
	return nil
}

func (s *MemoryStore) RecordTaskRun(ctx context.Context, rec TaskRunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskRuns[rec.ID] = rec
	return nil
}

func (s *MemoryStore) MergeIdentities(ctx context.Context, from, into identity.ID) error {
	if from == into {
		return errors.New("history: cannot merge identity into itself")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[into] = append(s.events[into], s.events[from]...)
	delete(s.events, from)
	s.snapshots[into] = append(s.snapshots[into], s.snapshots[from]...)
	delete(s.snapshots, from)
	for id, job := range s.jobs {
		if job.DeviceID == from {
			job.DeviceID = into
			s.jobs[id] = job
		}
	}
	for id, run := range s.taskRuns {
		if run.DeviceID == from {
			run.DeviceID = into
			s.taskRuns[id] = run
		}
	}
	delete(s.devices, from)
	s.events[into] = append(s.events[into], memEvent{kind: EventMerged, detail: "merged identity " + string(from), at: time.Now()})
	return nil
}

func (s *MemoryStore) ListDevices(ctx context.Context) ([]identity.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	devices := make([]identity.Device, 0, len(s.devices))
	for _, dev := range s.devices {
		devices = append(devices, dev)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

// Job returns the recorded job by id. Test helper.
func (s *MemoryStore) Job(id string) (JobRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	return rec, ok
}

// TaskRun returns the recorded task run by id. Test helper.
func (s *MemoryStore) TaskRun(id string) (TaskRunRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.taskRuns[id]
	return rec, ok
}
