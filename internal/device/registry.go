package device

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/driveyard/driveyard/internal/identity"
)

// State is the lifecycle state of a physical device.
type State string

const (
	StateAbsent  State = "absent"
	StateIdle    State = "present-idle"
	StateBusy    State = "present-busy"
	StateFaulted State = "present-faulted"
)

// Snapshot is a read-only copy of one registry entry.
type Snapshot struct {
	Device identity.Device
	State  State
}

// Registry is the owned map of identity to device state. Presence fields are
// written only by the watcher's diff step and the busy/idle flip only by the
// scheduler, so each field has a single writer; readers get copies.
type Registry struct {
	mu      sync.Mutex
	entries map[identity.ID]*entry
}

type entry struct {
	device identity.Device
	state  State
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[identity.ID]*entry)}
}

// MarkPresent records an insertion (or reappearance) of the device and
// transitions it to present-idle. Returns the previous state.
func (r *Registry) MarkPresent(dev identity.Device) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[dev.ID]
	if !ok {
		e = &entry{state: StateAbsent}
		r.entries[dev.ID] = e
	}
	prev := e.state
	e.device = dev
	e.device.LastSeen = time.Now()
	if prev != StateBusy {
		e.state = StateIdle
	}
	log.Info().
		Str("device", string(dev.ID)).
		Str("path", dev.Path).
		Str("from", string(prev)).
		Str("to", string(e.state)).
		Msg("device present")
	return prev
}

// MarkAbsent transitions the device to absent. Returns the previous state so
// the watcher can decide whether a running job must be interrupted.
func (r *Registry) MarkAbsent(id identity.ID) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return StateAbsent, errors.Errorf("registry: unknown device %s", id)
	}
	prev := e.state
	e.state = StateAbsent
	e.device.Path = ""
	log.Info().
		Str("device", string(id)).
		Str("from", string(prev)).
		Msg("device absent")
	return prev, nil
}

// MarkBusy flips the device to present-busy. Only the scheduler calls this,
// exactly when it begins running a job for the identity.
func (r *Registry) MarkBusy(id identity.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return errors.Errorf("registry: unknown device %s", id)
	}
	if e.state != StateIdle {
		return errors.Errorf("registry: device %s is %s, cannot run job", id, e.state)
	}
	e.state = StateBusy
	return nil
}

// MarkIdle returns the device to present-idle after its job reached a
// terminal status. Only a busy device flips back; absent and faulted
// devices keep their state.
func (r *Registry) MarkIdle(id identity.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.state != StateBusy {
		return
	}
	e.state = StateIdle
}

// MarkFaulted flags a present device as faulted after a device-level failure.
// Operators must review it before new destructive work is accepted.
func (r *Registry) MarkFaulted(id identity.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.state == StateAbsent {
		return
	}
	e.state = StateFaulted
	log.Warn().Str("device", string(id)).Msg("device faulted")
}

// ClearFault returns a faulted device to present-idle after operator review.
func (r *Registry) ClearFault(id identity.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.state != StateFaulted {
		return
	}
	e.state = StateIdle
}

// Get returns a copy of the entry for id.
func (r *Registry) Get(id identity.ID) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{Device: e.device, State: e.state}, true
}

// CurrentPath returns the OS path the device is presently attached under.
// Empty for absent devices.
func (r *Registry) CurrentPath(id identity.ID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return ""
	}
	return e.device.Path
}

// State returns the current lifecycle state for id.
func (r *Registry) State(id identity.ID) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return StateAbsent
	}
	return e.state
}

// List returns a copy of all entries.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Snapshot{Device: e.device, State: e.state})
	}
	return out
}
