package identity

import (
	"context"
	"testing"

	"github.com/pkg/errors"
)

type stubReader struct {
	info NodeInfo
	err  error
}

func (r *stubReader) ReadInfo(ctx context.Context, path string) (NodeInfo, error) {
	if r.err != nil {
		return NodeInfo{}, r.err
	}
	info := r.info
	info.Path = path
	return info, nil
}

type stubIndex struct {
	byFingerprint map[string]ID
}

func (i *stubIndex) FindByFingerprint(ctx context.Context, fingerprint string) (ID, bool, error) {
	id, ok := i.byFingerprint[fingerprint]
	return id, ok, nil
}

func TestFingerprintSerialIsStable(t *testing.T) {
	fp, unstable := Fingerprint(NodeInfo{Serial: " WD-123456 ", Model: "WDC WD20"})
	if unstable {
		t.Fatalf("serial-based fingerprint flagged unstable")
	}
	if fp != "sn:WD-123456" {
		t.Fatalf("fingerprint = %q, want sn:WD-123456", fp)
	}

	// The same serial under a different slot yields the same fingerprint.
	other, _ := Fingerprint(NodeInfo{Serial: "WD-123456", Model: "WDC WD20", BusAddress: "2-1:1.0"})
	if other != fp {
		t.Fatalf("fingerprint changed across bus positions: %q != %q", other, fp)
	}
}

func TestFingerprintWithoutSerialIsUnstable(t *testing.T) {
	info := NodeInfo{Model: "NONAME", CapacityBytes: 1000, BusAddress: "1-4:1.0"}
	fp, unstable := Fingerprint(info)
	if !unstable {
		t.Fatalf("serial-less fingerprint not flagged unstable")
	}
	if fp[:3] != "fp:" {
		t.Fatalf("fingerprint = %q, want fp: prefix", fp)
	}

	again, _ := Fingerprint(info)
	if again != fp {
		t.Fatalf("composite fingerprint not deterministic: %q != %q", again, fp)
	}

	moved := info
	moved.BusAddress = "2-1:1.0"
	if movedFP, _ := Fingerprint(moved); movedFP == fp {
		t.Fatalf("composite fingerprint ignored the bus position")
	}
}

func TestResolveReusesIndexedIdentity(t *testing.T) {
	reader := &stubReader{info: NodeInfo{Serial: "SER9"}}
	index := &stubIndex{byFingerprint: map[string]ID{"sn:SER9": "known-id"}}
	resolver, err := NewResolver(reader, index)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	dev, err := resolver.Resolve(context.Background(), "/dev/sdz")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dev.ID != "known-id" {
		t.Fatalf("resolved id = %s, want known-id", dev.ID)
	}
	if dev.Path != "/dev/sdz" {
		t.Fatalf("resolved path = %s", dev.Path)
	}
	if dev.Unstable {
		t.Fatalf("serial-backed identity flagged unstable")
	}
}

func TestResolveAllocatesNewIdentity(t *testing.T) {
	reader := &stubReader{info: NodeInfo{Serial: "FRESH"}}
	resolver, err := NewResolver(reader, &stubIndex{byFingerprint: map[string]ID{}})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	dev, err := resolver.Resolve(context.Background(), "/dev/sda")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dev.ID == "" {
		t.Fatalf("no identity allocated for a fresh device")
	}
	if dev.Fingerprint != "sn:FRESH" {
		t.Fatalf("fingerprint = %q", dev.Fingerprint)
	}
}

func TestResolveUnreadableNodeIsUnavailable(t *testing.T) {
	reader := &stubReader{err: errors.New("no such device")}
	resolver, err := NewResolver(reader, &stubIndex{byFingerprint: map[string]ID{}})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	if _, err := resolver.Resolve(context.Background(), "/dev/sda"); !errors.Is(err, ErrIdentityUnavailable) {
		t.Fatalf("Resolve error = %v, want ErrIdentityUnavailable", err)
	}
}
