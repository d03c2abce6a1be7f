package history

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/driveyard/driveyard/internal/identity"
	"github.com/driveyard/driveyard/internal/probe"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	serial TEXT,
	model TEXT,
	bus TEXT,
	capacity_bytes INTEGER,
	unstable INTEGER NOT NULL DEFAULT 0,
	last_path TEXT,
	first_seen INTEGER NOT NULL,
	last_seen INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_devices_fingerprint ON devices(fingerprint);

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	detail TEXT,
	at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_device ON events(device_id, at);

CREATE TABLE IF NOT EXISTS snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id TEXT NOT NULL,
	taken_at INTEGER NOT NULL,
	model TEXT,
	serial TEXT,
	passed INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_device ON snapshots(device_id, taken_at);

CREATE TABLE IF NOT EXISTS snapshot_attrs (
	snapshot_id INTEGER NOT NULL,
	attr_id INTEGER NOT NULL,
	name TEXT,
	raw INTEGER NOT NULL,
	normalized INTEGER,
	worst INTEGER,
	threshold INTEGER,
	when_failed TEXT
);
CREATE INDEX IF NOT EXISTS idx_snapshot_attrs ON snapshot_attrs(snapshot_id, attr_id);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	device_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	reason TEXT,
	created_at INTEGER NOT NULL,
	started_at INTEGER,
	finished_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_device ON jobs(device_id, created_at);

CREATE TABLE IF NOT EXISTS task_runs (
	id TEXT PRIMARY KEY,
	device_id TEXT NOT NULL,
	task_name TEXT,
	status TEXT NOT NULL,
	step_index INTEGER,
	reason TEXT,
	started_at INTEGER,
	finished_at INTEGER
);
`

// SQLiteStore persists history in a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the history database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("history: sqlite path is empty")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "history: create db directory failed")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "history: open sqlite failed")
	}
	// Serialized access sidesteps most SQLITE_BUSY contention from the
	// per-device job goroutines.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "history: apply schema failed")
	}
	log.Debug().Str("path", path).Msg("history: sqlite store opened")
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// FindByFingerprint implements identity.Index.
func (s *SQLiteStore) FindByFingerprint(ctx context.Context, fingerprint string) (identity.ID, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM devices WHERE fingerprint = ? LIMIT 1`, fingerprint).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "history: fingerprint query failed")
	}
	return identity.ID(id), true, nil
}

func (s *SQLiteStore) UpsertDevice(ctx context.Context, dev identity.Device) error {
	now := time.Now().UnixMilli()
	lastSeen := dev.LastSeen.UnixMilli()
	if dev.LastSeen.IsZero() {
		lastSeen = now
	}
	err := execWithRetry(ctx, s.db, `
		INSERT INTO devices (id, fingerprint, serial, model, bus, capacity_bytes, unstable, last_path, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			serial = excluded.serial,
			model = excluded.model,
			bus = excluded.bus,
			capacity_bytes = excluded.capacity_bytes,
			unstable = excluded.unstable,
			last_path = excluded.last_path,
			last_seen = excluded.last_seen`,
		string(dev.ID), dev.Fingerprint, dev.Serial, dev.Model, string(dev.Bus),
		dev.Capacity, boolToInt(dev.Unstable), dev.Path, now, lastSeen)
	return errors.Wrap(err, "history: upsert device failed")
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, id identity.ID, kind EventKind, detail string, at time.Time) error {
	err := execWithRetry(ctx, s.db,
		`INSERT INTO events (device_id, kind, detail, at) VALUES (?, ?, ?, ?)`,
		string(id), string(kind), detail, at.UnixMilli())
	return errors.Wrap(err, "history: append event failed")
}

func (s *SQLiteStore) AppendSnapshot(ctx context.Context, id identity.ID, snap *probe.Snapshot) error {
	if snap == nil {
		return errors.New("history: snapshot is nil")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "history: begin snapshot tx failed")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (device_id, taken_at, model, serial, passed) VALUES (?, ?, ?, ?, ?)`,
		string(id), snap.TakenAt.UnixMilli(), snap.Model, snap.Serial, boolToInt(snap.Passed))
	if err != nil {
		return errors.Wrap(err, "history: insert snapshot failed")
	}
	snapID, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "history: snapshot id failed")
	}
	for _, attr := range snap.Attributes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snapshot_attrs (snapshot_id, attr_id, name, raw, normalized, worst, threshold, when_failed)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			snapID, attr.ID, attr.Name, attr.Raw, attr.Normalized, attr.Worst, attr.Threshold, attr.WhenFailed); err != nil {
			return errors.Wrap(err, "history: insert snapshot attr failed")
		}
	}
	return errors.Wrap(tx.Commit(), "history: commit snapshot failed")
}

func (s *SQLiteStore) LastSnapshot(ctx context.Context, id identity.ID) (*probe.Snapshot, error) {
	var (
		snapID  int64
		takenAt int64
		model   sql.NullString
		serial  sql.NullString
		passed  int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, taken_at, model, serial, passed FROM snapshots WHERE device_id = ? ORDER BY taken_at DESC, id DESC LIMIT 1`,
		string(id)).Scan(&snapID, &takenAt, &model, &serial, &passed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "history: last snapshot query failed")
	}
	snap := &probe.Snapshot{
		TakenAt: time.UnixMilli(takenAt),
		Model:   model.String,
		Serial:  serial.String,
		Passed:  passed != 0,
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT attr_id, name, raw, normalized, worst, threshold, when_failed FROM snapshot_attrs WHERE snapshot_id = ?`,
		snapID)
	if err != nil {
		return nil, errors.Wrap(err, "history: snapshot attrs query failed")
	}
	defer rows.Close()
	for rows.Next() {
		var attr probe.Attribute
		var name, whenFailed sql.NullString
		if err := rows.Scan(&attr.ID, &name, &attr.Raw, &attr.Normalized, &attr.Worst, &attr.Threshold, &whenFailed); err != nil {
			return nil, errors.Wrap(err, "history: scan snapshot attr failed")
		}
		attr.Name = name.String
		attr.WhenFailed = whenFailed.String
		snap.Attributes = append(snap.Attributes, attr)
	}
	return snap, errors.Wrap(rows.Err(), "history: iterate snapshot attrs failed")
}

func (s *SQLiteStore) QueryTrend(ctx context.Context, id identity.ID, attrID int, from, to time.Time) ([]TrendPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.taken_at, a.raw
		FROM snapshot_attrs a JOIN snapshots s ON s.id = a.snapshot_id
		WHERE s.device_id = ? AND a.attr_id = ? AND s.taken_at >= ? AND s.taken_at <= ?
		ORDER BY s.taken_at ASC`,
		string(id), attrID, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, errors.Wrap(err, "history: trend query failed")
	}
	defer rows.Close()
	var points []TrendPoint
	for rows.Next() {
		var at, value int64
		if err := rows.Scan(&at, &value); err != nil {
			return nil, errors.Wrap(err, "history: scan trend point failed")
		}
		points = append(points, TrendPoint{At: time.UnixMilli(at), Value: value})
	}
	return points, errors.Wrap(rows.Err(), "history: iterate trend points failed")
}

func (s *SQLiteStore) InsertionCount(ctx context.Context, id identity.ID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE device_id = ? AND kind = ?`,
		string(id), string(EventInserted)).Scan(&count)
	return count, errors.Wrap(err, "history: insertion count failed")
}

func (s *SQLiteStore) RecordJob(ctx context.Context, rec JobRecord) error {
	err := execWithRetry(ctx, s.db, `
		INSERT INTO jobs (id, device_id, kind, status, reason, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		rec.ID, string(rec.DeviceID), rec.Kind, rec.Status, rec.Reason,
		rec.CreatedAt.UnixMilli(), timeOrNull(rec.StartedAt), timeOrNull(rec.FinishedAt))
	return errors.Wrap(err, "history: record job failed")
}

func (s *SQLiteStore) RecordTaskRun(ctx context.Context, rec TaskRunRecord) error {
	err := execWithRetry(ctx, s.db, `
		INSERT INTO task_runs (id, device_id, task_name, status, step_index, reason, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			step_index = excluded.step_index,
			reason = excluded.reason,
			finished_at = excluded.finished_at`,
		rec.ID, string(rec.DeviceID), rec.TaskName, rec.Status, rec.StepIndex, rec.Reason,
		timeOrNull(rec.StartedAt), timeOrNull(rec.FinishedAt))
	return errors.Wrap(err, "history: record task run failed")
}

// MergeIdentities rewrites every reference from the unstable identity onto
// the surviving one and drops the merged device row.
func (s *SQLiteStore) MergeIdentities(ctx context.Context, from, into identity.ID) error {
	if from == into {
		return errors.New("history: cannot merge identity into itself")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "history: begin merge tx failed")
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`UPDATE events SET device_id = ? WHERE device_id = ?`,
		`UPDATE snapshots SET device_id = ? WHERE device_id = ?`,
		`UPDATE jobs SET device_id = ? WHERE device_id = ?`,
		`UPDATE task_runs SET device_id = ? WHERE device_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, string(into), string(from)); err != nil {
			return errors.Wrap(err, "history: merge rewrite failed")
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, string(from)); err != nil {
		return errors.Wrap(err, "history: merge delete failed")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (device_id, kind, detail, at) VALUES (?, ?, ?, ?)`,
		string(into), string(EventMerged), "merged identity "+string(from), time.Now().UnixMilli()); err != nil {
		return errors.Wrap(err, "history: merge event failed")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "history: commit merge failed")
	}
	log.Info().Str("from", string(from)).Str("into", string(into)).Msg("history: identities merged")
	return nil
}

func (s *SQLiteStore) ListDevices(ctx context.Context) ([]identity.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fingerprint, serial, model, bus, capacity_bytes, unstable, last_path, last_seen
		FROM devices ORDER BY last_seen DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "history: list devices failed")
	}
	defer rows.Close()
	var devices []identity.Device
	for rows.Next() {
		var (
			dev      identity.Device
			id, bus  string
			serial   sql.NullString
			model    sql.NullString
			lastPath sql.NullString
			unstable int
			lastSeen int64
		)
		if err := rows.Scan(&id, &dev.Fingerprint, &serial, &model, &bus, &dev.Capacity, &unstable, &lastPath, &lastSeen); err != nil {
			return nil, errors.Wrap(err, "history: scan device failed")
		}
		dev.ID = identity.ID(id)
		dev.Serial = serial.String
		dev.Model = model.String
		dev.Bus = identity.BusType(bus)
		dev.Unstable = unstable != 0
		dev.Path = lastPath.String
		dev.LastSeen = time.UnixMilli(lastSeen)
		devices = append(devices, dev)
	}
	return devices, errors.Wrap(rows.Err(), "history: iterate devices failed")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

// execWithRetry retries writes a few times when the database is briefly
// locked by a concurrent writer.
func execWithRetry(ctx context.Context, db *sql.DB, stmt string, args ...any) error {
	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		_, err := db.ExecContext(ctx, stmt, args...)
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == maxAttempts-1 {
			return err
		}
		backoff := time.Duration(attempt+1) * 200 * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
