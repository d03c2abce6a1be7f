package history

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/driveyard/driveyard/internal/identity"
	"github.com/driveyard/driveyard/internal/probe"
)

// JSONLMirror wraps a Store and additionally appends every event, terminal
// job and task run as one JSON line, for export into external reporting
// pipelines. Reads and identity lookups pass straight through.
type JSONLMirror struct {
	Store

	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
}

// NewJSONLMirror opens (or creates) the JSONL file at path and mirrors
// append operations of inner into it.
func NewJSONLMirror(inner Store, path string) (*JSONLMirror, error) {
	if inner == nil {
		return nil, errors.New("history: inner store is nil")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("history: jsonl path is empty")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "history: create jsonl directory failed")
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "history: open jsonl file failed")
	}
	return &JSONLMirror{Store: inner, file: file, writer: bufio.NewWriter(file)}, nil
}

func (m *JSONLMirror) AppendEvent(ctx context.Context, id identity.ID, kind EventKind, detail string, at time.Time) error {
	if err := m.Store.AppendEvent(ctx, id, kind, detail, at); err != nil {
		return err
	}
	m.writeLine(map[string]any{
		"type":   "event",
		"device": string(id),
		"kind":   string(kind),
		"detail": detail,
		"at":     at.UnixMilli(),
	})
	return nil
}

func (m *JSONLMirror) AppendSnapshot(ctx context.Context, id identity.ID, snap *probe.Snapshot) error {
	if err := m.Store.AppendSnapshot(ctx, id, snap); err != nil {
		return err
	}
	m.writeLine(map[string]any{
		"type":     "snapshot",
		"device":   string(id),
		"taken_at": snap.TakenAt.UnixMilli(),
		"passed":   snap.Passed,
		"attrs":    len(snap.Attributes),
	})
	return nil
}

func (m *JSONLMirror) RecordJob(ctx context.Context, rec JobRecord) error {
	if err := m.Store.RecordJob(ctx, rec); err != nil {
		return err
	}
	m.writeLine(map[string]any{
		"type":   "job",
		"id":     rec.ID,
		"device": string(rec.DeviceID),
		"kind":   rec.Kind,
		"status": rec.Status,
		"reason": rec.Reason,
	})
	return nil
}

func (m *JSONLMirror) RecordTaskRun(ctx context.Context, rec TaskRunRecord) error {
	if err := m.Store.RecordTaskRun(ctx, rec); err != nil {
		return err
	}
	m.writeLine(map[string]any{
		"type":   "task-run",
		"id":     rec.ID,
		"device": string(rec.DeviceID),
		"task":   rec.TaskName,
		"status": rec.Status,
		"step":   rec.StepIndex,
		"reason": rec.Reason,
	})
	return nil
}

// writeLine is best-effort: mirror failures must never fail the primary sink.
func (m *JSONLMirror) writeLine(row map[string]any) {
	data, err := json.Marshal(row)
	if err != nil {
		log.Warn().Err(err).Msg("history: encode jsonl row failed")
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.writer.Write(append(data, '\n')); err != nil {
		log.Warn().Err(err).Msg("history: write jsonl row failed")
		return
	}
	m.writer.Flush()
}

func (m *JSONLMirror) Close() error {
	m.mu.Lock()
	if m.writer != nil {
		m.writer.Flush()
	}
	if m.file != nil {
		m.file.Close()
	}
	m.mu.Unlock()
	return m.Store.Close()
}
