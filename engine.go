// Package driveyard is the device lifecycle and test orchestration engine:
// it watches the host's block-device namespace for hot-swapped disks, gives
// each physical device a stable identity across slots and reconnects, runs
// health probes and secure erasure against them under strict concurrency
// guarantees, and records every outcome durably.
package driveyard

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/driveyard/driveyard/internal/config"
	"github.com/driveyard/driveyard/internal/device"
	"github.com/driveyard/driveyard/internal/erase"
	"github.com/driveyard/driveyard/internal/history"
	"github.com/driveyard/driveyard/internal/identity"
	"github.com/driveyard/driveyard/internal/probe"
	"github.com/driveyard/driveyard/internal/scheduler"
	"github.com/driveyard/driveyard/internal/task"
	"github.com/driveyard/driveyard/internal/watcher"
)

// Config controls the engine. Zero values take defaults in New.
type Config struct {
	// PollInterval is the watcher's namespace scan cadence.
	PollInterval time.Duration
	// SettleWindow debounces insertions; AbsenceWindow debounces removals.
	SettleWindow  time.Duration
	AbsenceWindow time.Duration
	// ReconnectGrace is how long a removed device is remembered so that a
	// reappearance is reported as a reconnection.
	ReconnectGrace time.Duration

	// Workers bounds concurrent job executions across all devices.
	Workers int
	// ProbeTimeout and EraseTimeout are the kind-specific job budgets.
	ProbeTimeout time.Duration
	EraseTimeout time.Duration
	// ProbeRetries is the default automatic retry bound for probe jobs.
	// Erase jobs are never retried.
	ProbeRetries int
	RetryBackoff time.Duration

	// SmartctlBinary and EraseBinary override the external tool paths.
	SmartctlBinary string
	EraseBinary    string

	// HistoryPath is the SQLite database file. EventMirrorPath, when set,
	// additionally mirrors history writes to an append-only JSONL file.
	HistoryPath     string
	EventMirrorPath string

	// TaskWallClock and TaskMaxSteps are the default task-run budgets.
	TaskWallClock time.Duration
	TaskMaxSteps  int

	// DevNotify enables the fsnotify nudge on DevRoot so hot-swaps are seen
	// ahead of the next poll tick.
	DevNotify bool
	DevRoot   string

	// Store overrides the history store; used by tests.
	Store history.Store
	// NodeReader overrides hardware info reads; used by tests.
	NodeReader identity.NodeReader
	// NodeProvider overrides namespace listing; used by tests.
	NodeProvider watcher.NodeProvider
}

// ConfigFromEnv builds a Config from DRIVEYARD_* environment variables,
// leaving unset values to New's defaults.
func ConfigFromEnv() Config {
	return Config{
		PollInterval:    config.Duration("DRIVEYARD_POLL_INTERVAL", 0),
		SettleWindow:    config.Duration("DRIVEYARD_SETTLE_WINDOW", 0),
		AbsenceWindow:   config.Duration("DRIVEYARD_ABSENCE_WINDOW", 0),
		ReconnectGrace:  config.Duration("DRIVEYARD_RECONNECT_GRACE", 0),
		Workers:         config.Int("DRIVEYARD_WORKERS", 0),
		ProbeTimeout:    config.Duration("DRIVEYARD_PROBE_TIMEOUT", 0),
		EraseTimeout:    config.Duration("DRIVEYARD_ERASE_TIMEOUT", 0),
		ProbeRetries:    config.Int("DRIVEYARD_PROBE_RETRIES", -1),
		RetryBackoff:    config.Duration("DRIVEYARD_RETRY_BACKOFF", 0),
		SmartctlBinary:  config.String("DRIVEYARD_SMARTCTL_BIN", ""),
		EraseBinary:     config.String("DRIVEYARD_ERASE_BIN", ""),
		HistoryPath:     config.String("DRIVEYARD_HISTORY_PATH", ""),
		EventMirrorPath: config.String("DRIVEYARD_EVENT_LOG", ""),
		TaskWallClock:   config.Duration("DRIVEYARD_TASK_WALL_CLOCK", 0),
		TaskMaxSteps:    config.Int("DRIVEYARD_TASK_MAX_STEPS", 0),
		DevNotify:       config.Bool("DRIVEYARD_DEV_NOTIFY", true),
		DevRoot:         config.String("DRIVEYARD_DEV_ROOT", ""),
	}
}

// Engine wires the watcher, registry, scheduler, adapters, task runtime and
// history store together.
type Engine struct {
	cfg       Config
	store     history.Store
	registry  *device.Registry
	resolver  *identity.Resolver
	watcher   *watcher.Watcher
	scheduler *scheduler.Scheduler
	runtime   *task.Runtime
}

// New builds an engine. The caller owns the lifecycle: Start to run the
// loops, Close to release the store.
func New(cfg Config) (eng *Engine, err error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Hour
	}
	if cfg.EraseTimeout <= 0 {
		cfg.EraseTimeout = 24 * time.Hour
	}
	if cfg.ProbeRetries < 0 {
		cfg.ProbeRetries = 2
	}
	if cfg.HistoryPath == "" {
		cfg.HistoryPath = "driveyard.db"
	}

	store := cfg.Store
	ownStore := store == nil
	if ownStore {
		sqlite, serr := history.OpenSQLite(cfg.HistoryPath)
		if serr != nil {
			return nil, errors.Wrap(serr, "engine: open history store failed")
		}
		store = sqlite
	}
	// A wiring failure past this point must not leak the store we opened.
	// Caller-provided stores stay open; the caller owns them.
	defer func() {
		if err != nil && ownStore {
			store.Close()
		}
	}()
	if ownStore && cfg.EventMirrorPath != "" {
		mirror, merr := history.NewJSONLMirror(store, cfg.EventMirrorPath)
		if merr != nil {
			return nil, errors.Wrap(merr, "engine: open event mirror failed")
		}
		store = mirror
	}

	reader := cfg.NodeReader
	if reader == nil {
		reader = &identity.SysfsReader{}
	}
	resolver, err := identity.NewResolver(reader, store)
	if err != nil {
		return nil, err
	}

	registry := device.NewRegistry()
	exec := &executor{
		registry: registry,
		probes:   probe.NewAdapter(cfg.SmartctlBinary),
		erases:   erase.NewAdapter(cfg.EraseBinary),
		store:    store,
	}
	sched, err := scheduler.New(exec, registry, scheduler.Config{
		Workers:             cfg.Workers,
		DefaultRetryBackoff: cfg.RetryBackoff,
		Recorder:            store,
	})
	if err != nil {
		return nil, err
	}

	provider := cfg.NodeProvider
	if provider == nil {
		provider = &watcher.SysfsNodeProvider{}
	}
	watch, err := watcher.New(provider, resolver, registry, sched, store, watcher.Config{
		PollInterval:   cfg.PollInterval,
		SettleWindow:   cfg.SettleWindow,
		AbsenceWindow:  cfg.AbsenceWindow,
		ReconnectGrace: cfg.ReconnectGrace,
	})
	if err != nil {
		return nil, err
	}

	eng = &Engine{
		cfg:       cfg,
		store:     store,
		registry:  registry,
		resolver:  resolver,
		watcher:   watch,
		scheduler: sched,
	}
	runtime, err := task.NewRuntime(&taskGateway{engine: eng}, store, task.Config{
		DefaultWallClock: cfg.TaskWallClock,
		DefaultMaxSteps:  cfg.TaskMaxSteps,
		Recorder:         store,
	})
	if err != nil {
		return nil, err
	}
	eng.runtime = runtime
	return eng, nil
}

// Start runs the watcher and scheduler until ctx is cancelled, then waits
// for running jobs to reach a terminal state.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("engine: context cannot be nil")
	}
	group, ctx := errgroup.WithContext(ctx)
	if err := e.scheduler.Start(ctx); err != nil {
		return err
	}
	goSafe(ctx, group, "watcher", e.watcher.Start)
	if e.cfg.DevNotify {
		if err := watcher.NotifyDevChanges(ctx, e.watcher, e.cfg.DevRoot); err != nil {
			log.Warn().Err(err).Msg("device notifier unavailable, polling only")
		}
	}
	log.Info().Int("workers", e.cfg.Workers).Msg("engine started")

	err := group.Wait()
	e.scheduler.Stop()
	log.Info().Msg("engine stopped")
	return err
}

// Close releases the history store.
func (e *Engine) Close() error {
	return e.store.Close()
}

// SubmitProbe enqueues a probe job. A non-positive timeout or negative
// retries take the engine defaults.
func (e *Engine) SubmitProbe(dev identity.ID, mode probe.Mode, timeout time.Duration, retries int) (string, error) {
	if timeout <= 0 {
		timeout = e.cfg.ProbeTimeout
	}
	if retries < 0 {
		retries = e.cfg.ProbeRetries
	}
	return e.scheduler.Enqueue(dev, scheduler.Spec{
		Kind:         scheduler.KindProbe,
		Payload:      ProbeRequest{Mode: mode},
		Timeout:      timeout,
		MaxRetries:   retries,
		RetryBackoff: e.cfg.RetryBackoff,
		Retryable:    probeRetryable,
	})
}

// SubmitErase enqueues an erase job. Erase jobs are never retried.
func (e *Engine) SubmitErase(dev identity.ID, pattern erase.Pattern, passes int, verify bool, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = e.cfg.EraseTimeout
	}
	return e.scheduler.Enqueue(dev, scheduler.Spec{
		Kind:    scheduler.KindErase,
		Payload: EraseRequest{Pattern: pattern, Passes: passes, Verify: verify},
		Timeout: timeout,
	})
}

// WaitJob blocks until the job is terminal or ctx ends.
func (e *Engine) WaitJob(ctx context.Context, jobID string) (scheduler.JobSnapshot, error) {
	return e.scheduler.Wait(ctx, jobID)
}

// JobSnapshot returns the job's observable state.
func (e *Engine) JobSnapshot(jobID string) (scheduler.JobSnapshot, bool) {
	return e.scheduler.Snapshot(jobID)
}

// CancelDevice stops the device's running job and drains its queue. The
// running job ends Cancelled.
func (e *Engine) CancelDevice(dev identity.ID) {
	e.scheduler.Cancel(dev)
}

// ClearFault returns a faulted device to idle after operator review.
func (e *Engine) ClearFault(dev identity.ID) {
	e.registry.ClearFault(dev)
}

// RunTask executes a task definition against the device.
func (e *Engine) RunTask(ctx context.Context, dev identity.ID, def *task.Definition) (*task.Result, error) {
	return e.runtime.Run(ctx, dev, def)
}

// Devices returns a snapshot of every device the registry knows.
func (e *Engine) Devices() []device.Snapshot {
	return e.registry.List()
}

// DeviceState returns the lifecycle state for dev.
func (e *Engine) DeviceState(dev identity.ID) device.State {
	return e.registry.State(dev)
}

// Events exposes the watcher's transition stream.
func (e *Engine) Events() <-chan watcher.Event {
	return e.watcher.Events()
}

// History exposes the engine's store for queries and identity merges.
func (e *Engine) History() history.Store {
	return e.store
}

// taskGateway is the capability surface handed to the task runtime. Jobs
// spawned by task steps carry the task-step kind so the history shows which
// jobs an operator submitted directly and which a task spawned.
type taskGateway struct {
	engine *Engine
}

func (g *taskGateway) SubmitProbe(dev identity.ID, mode probe.Mode, timeout time.Duration, retries int) (string, error) {
	if timeout <= 0 {
		timeout = g.engine.cfg.ProbeTimeout
	}
	if retries < 0 {
		retries = 0
	}
	return g.engine.scheduler.Enqueue(dev, scheduler.Spec{
		Kind:         scheduler.KindTaskStep,
		Payload:      ProbeRequest{Mode: mode},
		Timeout:      timeout,
		MaxRetries:   retries,
		RetryBackoff: g.engine.cfg.RetryBackoff,
		Retryable:    probeRetryable,
	})
}

func (g *taskGateway) SubmitErase(dev identity.ID, pattern erase.Pattern, passes int, verify bool, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = g.engine.cfg.EraseTimeout
	}
	return g.engine.scheduler.Enqueue(dev, scheduler.Spec{
		Kind:    scheduler.KindTaskStep,
		Payload: EraseRequest{Pattern: pattern, Passes: passes, Verify: verify},
		Timeout: timeout,
	})
}

func (g *taskGateway) WaitJob(ctx context.Context, jobID string) (scheduler.JobSnapshot, error) {
	return g.engine.scheduler.Wait(ctx, jobID)
}

func (g *taskGateway) CancelJob(jobID, detail string) {
	g.engine.scheduler.CancelJob(jobID, detail)
}
