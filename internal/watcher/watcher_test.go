package watcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/driveyard/driveyard/internal/device"
	"github.com/driveyard/driveyard/internal/history"
	"github.com/driveyard/driveyard/internal/identity"
)

type stubProvider struct {
	mu    sync.Mutex
	paths []string
}

func (p *stubProvider) ListNodes(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.paths))
	copy(out, p.paths)
	return out, nil
}

func (p *stubProvider) set(paths ...string) {
	p.mu.Lock()
	p.paths = paths
	p.mu.Unlock()
}

type stubReader struct {
	mu    sync.Mutex
	nodes map[string]identity.NodeInfo
}

func (r *stubReader) ReadInfo(ctx context.Context, path string) (identity.NodeInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.nodes[path]
	if !ok {
		return identity.NodeInfo{}, context.DeadlineExceeded
	}
	return info, nil
}

type stubCanceller struct {
	mu         sync.Mutex
	interrupts map[identity.ID]string
}

func (c *stubCanceller) Interrupt(id identity.ID, detail string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.interrupts == nil {
		c.interrupts = make(map[identity.ID]string)
	}
	c.interrupts[id] = detail
}

type fixture struct {
	watcher   *Watcher
	provider  *stubProvider
	reader    *stubReader
	registry  *device.Registry
	canceller *stubCanceller
	store     *history.MemoryStore
	clock     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		provider:  &stubProvider{},
		reader:    &stubReader{nodes: make(map[string]identity.NodeInfo)},
		registry:  device.NewRegistry(),
		canceller: &stubCanceller{},
		store:     history.NewMemoryStore(),
		clock:     time.Unix(1700000000, 0),
	}
	resolver, err := identity.NewResolver(f.reader, f.store)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	w, err := New(f.provider, resolver, f.registry, f.canceller, f.store, Config{
		PollInterval:   time.Second,
		SettleWindow:   3 * time.Second,
		AbsenceWindow:  5 * time.Second,
		ReconnectGrace: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.now = func() time.Time { return f.clock }
	f.watcher = w
	return f
}

func (f *fixture) scan(t *testing.T) {
	t.Helper()
	if err := f.watcher.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func (f *fixture) attach(path, serial string) {
	f.reader.mu.Lock()
	f.reader.nodes[path] = identity.NodeInfo{
		Path:          path,
		Serial:        serial,
		Model:         "TESTDISK 2000",
		Bus:           identity.BusUSB,
		BusAddress:    "1-4:1.0",
		CapacityBytes: 2_000_000_000,
	}
	f.reader.mu.Unlock()
	f.provider.set(path)
}

func (f *fixture) presentDevice(t *testing.T, path, serial string) identity.Device {
	t.Helper()
	f.attach(path, serial)
	f.scan(t)
	f.advance(4 * time.Second)
	f.scan(t)
	for _, snap := range f.registry.List() {
		if snap.Device.Serial == serial && snap.State != device.StateAbsent {
			return snap.Device
		}
	}
	t.Fatalf("device %s never became present", serial)
	return identity.Device{}
}

func drainEvents(w *Watcher) []Event {
	var out []Event
	for {
		select {
		case ev := <-w.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestInsertionWaitsForSettleWindow(t *testing.T) {
	f := newFixture(t)
	f.attach("/dev/sdb", "SER123")

	f.scan(t)
	if got := len(f.registry.List()); got != 0 {
		t.Fatalf("device present before settle window, registry has %d entries", got)
	}

	f.advance(time.Second)
	f.scan(t)
	if got := len(f.registry.List()); got != 0 {
		t.Fatalf("device present after 1s with a 3s settle window")
	}

	f.advance(3 * time.Second)
	f.scan(t)
	list := f.registry.List()
	if len(list) != 1 || list[0].State != device.StateIdle {
		t.Fatalf("registry after settle = %+v, want one present-idle device", list)
	}

	events := drainEvents(f.watcher)
	if len(events) != 1 || events[0].Kind != EventInserted {
		t.Fatalf("events = %+v, want one inserted event", events)
	}
}

func TestFlappingNodeNeverReported(t *testing.T) {
	f := newFixture(t)
	f.attach("/dev/sdb", "SER123")
	f.scan(t)

	// Vanishes before the settle window elapses.
	f.provider.set()
	f.advance(time.Second)
	f.scan(t)

	if events := drainEvents(f.watcher); len(events) != 0 {
		t.Fatalf("flapping node produced events: %+v", events)
	}
	if got := len(f.registry.List()); got != 0 {
		t.Fatalf("flapping node landed in the registry")
	}
}

func TestRemovalWaitsForAbsenceWindow(t *testing.T) {
	f := newFixture(t)
	dev := f.presentDevice(t, "/dev/sdb", "SER123")
	drainEvents(f.watcher)

	f.provider.set()
	f.scan(t)
	if got := f.registry.State(dev.ID); got != device.StateIdle {
		t.Fatalf("state flipped to %s before the absence window", got)
	}

	f.advance(6 * time.Second)
	f.scan(t)
	if got := f.registry.State(dev.ID); got != device.StateAbsent {
		t.Fatalf("state = %s after absence window, want absent", got)
	}
	events := drainEvents(f.watcher)
	if len(events) != 1 || events[0].Kind != EventRemoved {
		t.Fatalf("events = %+v, want one removed event", events)
	}
}

func TestRemovalInterruptsBusyDevice(t *testing.T) {
	f := newFixture(t)
	dev := f.presentDevice(t, "/dev/sdb", "SER123")
	if err := f.registry.MarkBusy(dev.ID); err != nil {
		t.Fatalf("MarkBusy: %v", err)
	}

	f.provider.set()
	f.scan(t)
	f.advance(6 * time.Second)
	f.scan(t)

	f.canceller.mu.Lock()
	detail, ok := f.canceller.interrupts[dev.ID]
	f.canceller.mu.Unlock()
	if !ok {
		t.Fatalf("busy device removal did not interrupt its queue")
	}
	if detail != "interrupted: device removed" {
		t.Fatalf("interrupt detail = %q", detail)
	}
}

func TestReconnectionKeepsIdentity(t *testing.T) {
	f := newFixture(t)
	dev := f.presentDevice(t, "/dev/sdb", "SER123")
	drainEvents(f.watcher)

	// Unplug, wait out the absence window.
	f.provider.set()
	f.scan(t)
	f.advance(6 * time.Second)
	f.scan(t)
	drainEvents(f.watcher)

	// Replug under a different path within the grace period.
	f.attach("/dev/sdc", "SER123")
	f.scan(t)
	f.advance(4 * time.Second)
	f.scan(t)

	events := drainEvents(f.watcher)
	if len(events) != 1 || events[0].Kind != EventReconnected {
		t.Fatalf("events = %+v, want one reconnected event", events)
	}
	if events[0].Device.ID != dev.ID {
		t.Fatalf("reconnected identity = %s, want %s", events[0].Device.ID, dev.ID)
	}
	if got := f.registry.CurrentPath(dev.ID); got != "/dev/sdc" {
		t.Fatalf("current path = %q, want /dev/sdc", got)
	}

	count, err := f.store.InsertionCount(context.Background(), dev.ID)
	if err != nil {
		t.Fatalf("InsertionCount: %v", err)
	}
	if count != 2 {
		t.Fatalf("insertion count = %d, want 2 for the same identity", count)
	}
}

func TestReappearanceAfterGraceIsPlainInsertion(t *testing.T) {
	f := newFixture(t)
	dev := f.presentDevice(t, "/dev/sdb", "SER123")
	drainEvents(f.watcher)

	f.provider.set()
	f.scan(t)
	f.advance(6 * time.Second)
	f.scan(t)
	drainEvents(f.watcher)

	// Well past the 30s reconnect grace.
	f.advance(time.Minute)
	f.scan(t)
	f.attach("/dev/sdb", "SER123")
	f.scan(t)
	f.advance(4 * time.Second)
	f.scan(t)

	events := drainEvents(f.watcher)
	if len(events) != 1 || events[0].Kind != EventInserted {
		t.Fatalf("events = %+v, want one inserted event", events)
	}
	if events[0].Device.ID != dev.ID {
		t.Fatalf("identity changed across slow replug: %s != %s", events[0].Device.ID, dev.ID)
	}
}

func TestUnreadableNodeIsNotReported(t *testing.T) {
	f := newFixture(t)
	// Node is listed but its hardware info is unreadable.
	f.provider.set("/dev/sdb")
	f.scan(t)
	f.advance(4 * time.Second)
	f.scan(t)

	if events := drainEvents(f.watcher); len(events) != 0 {
		t.Fatalf("unreadable node produced events: %+v", events)
	}
	if got := len(f.registry.List()); got != 0 {
		t.Fatalf("unreadable node landed in the registry")
	}
}
