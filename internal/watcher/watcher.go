// Package watcher observes the OS device namespace and drives device state
// transitions. It is the single writer of presence state: each poll cycle
// diffs the visible node set against the last known one, debounces both
// directions, and resolves identities for settled insertions.
package watcher

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/driveyard/driveyard/internal/device"
	"github.com/driveyard/driveyard/internal/history"
	"github.com/driveyard/driveyard/internal/identity"
)

// EventKind classifies watcher events.
type EventKind string

const (
	EventInserted    EventKind = "inserted"
	EventRemoved     EventKind = "removed"
	EventReconnected EventKind = "reconnected"
)

// Event is one observed device transition.
type Event struct {
	Kind   EventKind
	Device identity.Device
	At     time.Time
}

// Canceller interrupts a device's job queue on removal. The scheduler
// implements it.
type Canceller interface {
	Interrupt(id identity.ID, detail string)
}

// Recorder persists presence changes. The history store implements it.
type Recorder interface {
	UpsertDevice(ctx context.Context, dev identity.Device) error
	AppendEvent(ctx context.Context, id identity.ID, kind history.EventKind, detail string, at time.Time) error
}

// Config controls Watcher behavior.
type Config struct {
	// PollInterval is the namespace scan cadence.
	PollInterval time.Duration
	// SettleWindow is how long a node must stay visible before it is
	// reported present. Guards against enumeration flapping.
	SettleWindow time.Duration
	// AbsenceWindow is how long a node must stay invisible before it is
	// reported absent. Guards against transient USB re-enumeration.
	AbsenceWindow time.Duration
	// ReconnectGrace is how long after an unexpected removal a
	// reappearance is still reported as a reconnection.
	ReconnectGrace time.Duration
}

// Watcher runs the observation loop.
type Watcher struct {
	cfg       Config
	provider  NodeProvider
	resolver  *identity.Resolver
	registry  *device.Registry
	canceller Canceller
	recorder  Recorder

	nodes   map[string]*nodeTrack
	removed map[identity.ID]removal
	nudge   chan struct{}
	events  chan Event

	// now is swapped in tests to step through debounce windows.
	now func() time.Time
}

type nodeState int

const (
	// nodeCandidate is a path seen but not yet stable for the settle window.
	nodeCandidate nodeState = iota
	// nodeMonitored is a settled, identified, present device.
	nodeMonitored
)

type nodeTrack struct {
	path         string
	state        nodeState
	firstSeen    time.Time
	missingSince time.Time
	device       identity.Device
}

type removal struct {
	at        time.Time
	wasActive bool
}

// New builds a watcher.
func New(provider NodeProvider, resolver *identity.Resolver, registry *device.Registry, canceller Canceller, recorder Recorder, cfg Config) (*Watcher, error) {
	if provider == nil {
		return nil, errors.New("watcher: node provider cannot be nil")
	}
	if resolver == nil {
		return nil, errors.New("watcher: resolver cannot be nil")
	}
	if registry == nil {
		return nil, errors.New("watcher: registry cannot be nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.SettleWindow <= 0 {
		cfg.SettleWindow = 3 * time.Second
	}
	if cfg.AbsenceWindow <= 0 {
		cfg.AbsenceWindow = 5 * time.Second
	}
	if cfg.ReconnectGrace <= 0 {
		cfg.ReconnectGrace = 30 * time.Second
	}
	return &Watcher{
		cfg:       cfg,
		provider:  provider,
		resolver:  resolver,
		registry:  registry,
		canceller: canceller,
		recorder:  recorder,
		nodes:     make(map[string]*nodeTrack),
		removed:   make(map[identity.ID]removal),
		nudge:     make(chan struct{}, 1),
		events:    make(chan Event, 64),
		now:       time.Now,
	}, nil
}

// Events exposes the observed transitions. Consumption is optional; the
// channel drops events when nobody drains it.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Nudge requests an immediate scan outside the poll cadence, used by the
// /dev change notifier.
func (w *Watcher) Nudge() {
	select {
	case w.nudge <- struct{}{}:
	default:
	}
}

// Start runs the observation loop until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("watcher: context cannot be nil")
	}
	log.Info().
		Dur("poll_interval", w.cfg.PollInterval).
		Dur("settle_window", w.cfg.SettleWindow).
		Dur("absence_window", w.cfg.AbsenceWindow).
		Msg("start hot-swap watcher")

	if err := w.RunOnce(ctx); err != nil {
		log.Error().Err(err).Msg("watcher initial scan failed")
	}
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-w.nudge:
		}
		if err := w.RunOnce(ctx); err != nil {
			// Scan failures are transient; the loop never crashes on them.
			log.Error().Err(err).Msg("watcher scan failed")
		}
	}
}

// RunOnce performs a single scan/diff cycle.
func (w *Watcher) RunOnce(ctx context.Context) error {
	paths, err := w.provider.ListNodes(ctx)
	if err != nil {
		return errors.Wrap(err, "list device nodes failed")
	}
	now := w.now()

	seen := make(map[string]struct{}, len(paths))
	for _, path := range paths {
		seen[path] = struct{}{}
		w.observePresent(ctx, path, now)
	}
	for path, track := range w.nodes {
		if _, ok := seen[path]; ok {
			continue
		}
		w.observeMissing(ctx, path, track, now)
	}
	w.pruneRemoved(now)
	return nil
}

func (w *Watcher) observePresent(ctx context.Context, path string, now time.Time) {
	track, ok := w.nodes[path]
	if !ok {
		w.nodes[path] = &nodeTrack{path: path, state: nodeCandidate, firstSeen: now}
		log.Debug().Str("path", path).Msg("new device node, settling")
		return
	}
	track.missingSince = time.Time{}
	if track.state != nodeCandidate {
		return
	}
	if now.Sub(track.firstSeen) < w.cfg.SettleWindow {
		return
	}

	dev, err := w.resolver.Resolve(ctx, path)
	if err != nil {
		if errors.Is(err, identity.ErrIdentityUnavailable) {
			// Vanished mid-resolution: treat as never settled.
			log.Debug().Str("path", path).Msg("node vanished during identification")
			delete(w.nodes, path)
			return
		}
		log.Error().Err(err).Str("path", path).Msg("identity resolution failed")
		return
	}

	track.state = nodeMonitored
	track.device = dev
	w.registry.MarkPresent(dev)

	kind := EventInserted
	detail := "inserted at " + path
	if rem, ok := w.removed[dev.ID]; ok {
		delete(w.removed, dev.ID)
		if now.Sub(rem.at) <= w.cfg.ReconnectGrace {
			kind = EventReconnected
			detail = "reconnected at " + path
			if rem.wasActive {
				// The interrupted job already failed at removal time; a
				// reappearance never resumes destructive work.
				log.Warn().
					Str("device", string(dev.ID)).
					Str("path", path).
					Msg("device reconnected after interrupting an active job")
			}
		}
	}
	w.record(ctx, dev, history.EventInserted, detail)
	w.emit(Event{Kind: kind, Device: dev, At: now})
	log.Info().
		Str("device", string(dev.ID)).
		Str("path", path).
		Str("serial", dev.Serial).
		Msg("device identified")
}

func (w *Watcher) observeMissing(ctx context.Context, path string, track *nodeTrack, now time.Time) {
	if track.state == nodeCandidate {
		// Never settled; forget it without reporting anything.
		delete(w.nodes, path)
		return
	}
	if track.missingSince.IsZero() {
		track.missingSince = now
		return
	}
	if now.Sub(track.missingSince) < w.cfg.AbsenceWindow {
		return
	}

	dev := track.device
	delete(w.nodes, path)
	prev, err := w.registry.MarkAbsent(dev.ID)
	if err != nil {
		log.Error().Err(err).Str("device", string(dev.ID)).Msg("mark absent failed")
	}
	wasActive := prev == device.StateBusy
	w.removed[dev.ID] = removal{at: now, wasActive: wasActive}

	if w.canceller != nil {
		w.canceller.Interrupt(dev.ID, "interrupted: device removed")
	}
	w.record(ctx, dev, history.EventRemoved, "removed from "+path)
	w.emit(Event{Kind: EventRemoved, Device: dev, At: now})
	log.Info().
		Str("device", string(dev.ID)).
		Str("path", path).
		Bool("was_active", wasActive).
		Msg("device removed")
}

func (w *Watcher) pruneRemoved(now time.Time) {
	for id, rem := range w.removed {
		if now.Sub(rem.at) > w.cfg.ReconnectGrace {
			delete(w.removed, id)
		}
	}
}

func (w *Watcher) record(ctx context.Context, dev identity.Device, kind history.EventKind, detail string) {
	if w.recorder == nil {
		return
	}
	if err := w.recorder.UpsertDevice(ctx, dev); err != nil {
		log.Error().Err(err).Str("device", string(dev.ID)).Msg("upsert device failed")
	}
	if err := w.recorder.AppendEvent(ctx, dev.ID, kind, detail, w.now()); err != nil {
		log.Error().Err(err).Str("device", string(dev.ID)).Msg("append presence event failed")
	}
}

func (w *Watcher) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
		log.Debug().Str("kind", string(ev.Kind)).Msg("watcher event dropped: no consumer")
	}
}
