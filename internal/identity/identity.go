package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrIdentityUnavailable indicates the raw node vanished before its hardware
// information could be read. Callers treat this as a removal, not a fault.
var ErrIdentityUnavailable = errors.New("identity: device unavailable during resolution")

// ID is the stable logical reference to a physical device, independent of the
// OS path it currently appears under.
type ID string

// BusType classifies how the device is attached to the host.
type BusType string

const (
	BusInternal BusType = "internal"
	BusUSB      BusType = "usb"
)

// NodeInfo is the hardware-level information read from a raw OS node.
type NodeInfo struct {
	Path          string
	Serial        string
	Model         string
	Bus           BusType
	BusAddress    string
	CapacityBytes int64
}

// Device describes a resolved physical device.
type Device struct {
	ID          ID
	Serial      string
	Model       string
	Bus         BusType
	Capacity    int64
	Fingerprint string
	// Unstable marks identities derived without a hardware serial. Two
	// config-identical devices may collide on such a fingerprint; the
	// history store supports a manual merge once a serial becomes readable.
	Unstable bool
	Path     string
	LastSeen time.Time
}

// NodeReader reads hardware identifying information from a raw node path.
type NodeReader interface {
	ReadInfo(ctx context.Context, path string) (NodeInfo, error)
}

// Index looks up previously allocated identities by hardware fingerprint.
// The history store implements this.
type Index interface {
	FindByFingerprint(ctx context.Context, fingerprint string) (ID, bool, error)
}

// Resolver maps raw OS nodes to stable device identities.
type Resolver struct {
	reader NodeReader
	index  Index
	newID  func() ID
}

// NewResolver builds a resolver over the given node reader and identity index.
func NewResolver(reader NodeReader, index Index) (*Resolver, error) {
	if reader == nil {
		return nil, errors.New("identity: node reader cannot be nil")
	}
	if index == nil {
		return nil, errors.New("identity: index cannot be nil")
	}
	return &Resolver{
		reader: reader,
		index:  index,
		newID:  func() ID { return ID(uuid.NewString()) },
	}, nil
}

// Resolve reads the node's hardware information and returns the device it
// belongs to. Existing identities are found via the index; otherwise a new
// one is allocated. Resolve has no side effects beyond that allocation.
//
// Returns ErrIdentityUnavailable when the node cannot be read at all, which
// callers must treat as a removal event.
func (r *Resolver) Resolve(ctx context.Context, path string) (Device, error) {
	info, err := r.reader.ReadInfo(ctx, path)
	if err != nil {
		log.Debug().Err(err).Str("path", path).Msg("identity: node read failed")
		return Device{}, ErrIdentityUnavailable
	}

	fingerprint, unstable := Fingerprint(info)
	dev := Device{
		Serial:      strings.TrimSpace(info.Serial),
		Model:       strings.TrimSpace(info.Model),
		Bus:         info.Bus,
		Capacity:    info.CapacityBytes,
		Fingerprint: fingerprint,
		Unstable:    unstable,
		Path:        path,
		LastSeen:    time.Now(),
	}

	existing, found, err := r.index.FindByFingerprint(ctx, fingerprint)
	if err != nil {
		return Device{}, errors.Wrap(err, "identity: fingerprint lookup failed")
	}
	if found {
		dev.ID = existing
		return dev, nil
	}

	dev.ID = r.newID()
	if unstable {
		log.Warn().
			Str("path", path).
			Str("model", dev.Model).
			Str("fingerprint", fingerprint).
			Msg("identity: serial unreadable, allocated unstable fingerprint identity")
	}
	return dev, nil
}

// Fingerprint derives the hardware fingerprint for the node. Devices with a
// readable serial get a stable serial-based fingerprint; otherwise a
// composite of model, capacity and first-seen bus position is used and the
// identity is flagged unstable.
func Fingerprint(info NodeInfo) (fp string, unstable bool) {
	serial := strings.TrimSpace(info.Serial)
	if serial != "" {
		return "sn:" + serial, false
	}
	composite := fmt.Sprintf("%s|%d|%s", strings.TrimSpace(info.Model), info.CapacityBytes, strings.TrimSpace(info.BusAddress))
	sum := sha256.Sum256([]byte(composite))
	return "fp:" + hex.EncodeToString(sum[:8]), true
}
