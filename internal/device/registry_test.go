package device

import (
	"testing"

	"github.com/driveyard/driveyard/internal/identity"
)

func testDevice(id string) identity.Device {
	return identity.Device{ID: identity.ID(id), Serial: "SER-" + id, Path: "/dev/" + id}
}

func TestMarkPresentTransitionsToIdle(t *testing.T) {
	r := NewRegistry()
	prev := r.MarkPresent(testDevice("sdb"))
	if prev != StateAbsent {
		t.Fatalf("previous state = %s, want absent", prev)
	}
	if got := r.State("sdb"); got != StateIdle {
		t.Fatalf("state = %s, want present-idle", got)
	}
}

func TestMarkPresentKeepsBusyState(t *testing.T) {
	r := NewRegistry()
	r.MarkPresent(testDevice("sdb"))
	if err := r.MarkBusy("sdb"); err != nil {
		t.Fatalf("MarkBusy: %v", err)
	}

	// A re-observation of a busy device must not yank its busy slot.
	r.MarkPresent(testDevice("sdb"))
	if got := r.State("sdb"); got != StateBusy {
		t.Fatalf("state = %s, want present-busy", got)
	}
}

func TestMarkBusyRequiresIdle(t *testing.T) {
	r := NewRegistry()
	if err := r.MarkBusy("sdb"); err == nil {
		t.Fatalf("MarkBusy accepted an unknown device")
	}

	r.MarkPresent(testDevice("sdb"))
	if err := r.MarkBusy("sdb"); err != nil {
		t.Fatalf("MarkBusy: %v", err)
	}
	if err := r.MarkBusy("sdb"); err == nil {
		t.Fatalf("MarkBusy accepted a busy device")
	}

	r.MarkFaulted("sdb")
	r.MarkIdle("sdb")
	if err := r.MarkBusy("sdb"); err == nil {
		t.Fatalf("MarkBusy accepted a faulted device")
	}
}

func TestMarkIdleOnlyFlipsBusy(t *testing.T) {
	r := NewRegistry()
	r.MarkPresent(testDevice("sdb"))
	r.MarkFaulted("sdb")

	r.MarkIdle("sdb")
	if got := r.State("sdb"); got != StateFaulted {
		t.Fatalf("MarkIdle cleared a fault: state = %s", got)
	}

	r.ClearFault("sdb")
	if got := r.State("sdb"); got != StateIdle {
		t.Fatalf("ClearFault: state = %s, want present-idle", got)
	}
}

func TestMarkAbsentReturnsPreviousState(t *testing.T) {
	r := NewRegistry()
	r.MarkPresent(testDevice("sdb"))
	if err := r.MarkBusy("sdb"); err != nil {
		t.Fatalf("MarkBusy: %v", err)
	}

	prev, err := r.MarkAbsent("sdb")
	if err != nil {
		t.Fatalf("MarkAbsent: %v", err)
	}
	if prev != StateBusy {
		t.Fatalf("previous state = %s, want present-busy", prev)
	}
	if got := r.CurrentPath("sdb"); got != "" {
		t.Fatalf("absent device still has path %q", got)
	}
}

func TestUnknownDeviceDefaultsAbsent(t *testing.T) {
	r := NewRegistry()
	if got := r.State("nope"); got != StateAbsent {
		t.Fatalf("unknown device state = %s, want absent", got)
	}
	if _, ok := r.Get("nope"); ok {
		t.Fatalf("Get returned an entry for an unknown device")
	}
}
