package driveyard

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/driveyard/driveyard/internal/device"
	"github.com/driveyard/driveyard/internal/erase"
	"github.com/driveyard/driveyard/internal/history"
	"github.com/driveyard/driveyard/internal/identity"
	"github.com/driveyard/driveyard/internal/probe"
	"github.com/driveyard/driveyard/internal/scheduler"
)

// ProbeRequest is the payload of a probe job.
type ProbeRequest struct {
	Mode probe.Mode
}

// EraseRequest is the payload of an erase job.
type EraseRequest struct {
	Pattern erase.Pattern
	Passes  int
	Verify  bool
}

// executor translates job payloads into adapter invocations. It resolves the
// device's current attachment path at execution time, not enqueue time, so a
// job queued before a reconnect still targets the right node.
type executor struct {
	registry *device.Registry
	probes   *probe.Adapter
	erases   *erase.Adapter
	store    history.Store
}

func (e *executor) Execute(ctx context.Context, dev identity.ID, spec scheduler.Spec) (any, error) {
	switch req := spec.Payload.(type) {
	case ProbeRequest:
		return e.runProbe(ctx, dev, req)
	case EraseRequest:
		return e.runErase(ctx, dev, req)
	default:
		return nil, errors.Errorf("engine: unsupported job payload %T", spec.Payload)
	}
}

func (e *executor) runProbe(ctx context.Context, dev identity.ID, req ProbeRequest) (any, error) {
	path := e.registry.CurrentPath(dev)
	if path == "" {
		return nil, errors.Errorf("engine: device %s is not attached", dev)
	}
	snap, err := e.probes.Run(ctx, path, probe.Options{
		Mode: req.Mode,
		OnProgress: func(p probe.Progress) {
			log.Debug().
				Str("device", string(dev)).
				Str("stage", p.Stage).
				Int("percent_remaining", p.PercentRemaining).
				Msg("probe progress")
		},
	})
	if err != nil {
		return nil, err
	}
	recordCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.AppendSnapshot(recordCtx, dev, snap); err != nil {
		log.Error().Err(err).Str("device", string(dev)).Msg("append snapshot failed")
	}
	return snap, nil
}

func (e *executor) runErase(ctx context.Context, dev identity.ID, req EraseRequest) (any, error) {
	entry, ok := e.registry.Get(dev)
	if !ok || entry.Device.Path == "" {
		return nil, errors.Errorf("engine: device %s is not attached", dev)
	}
	receipt, err := e.erases.Run(ctx, entry.Device.Path, erase.Options{
		Pattern:   req.Pattern,
		Passes:    req.Passes,
		Verify:    req.Verify,
		SizeBytes: entry.Device.Capacity,
		OnProgress: func(p erase.Progress) {
			log.Info().
				Str("device", string(dev)).
				Int("pass", p.Pass).
				Int("total_pass", p.TotalPass).
				Int("percent", p.Percent).
				Bool("verifying", p.Verifying).
				Msg("erase progress")
		},
	})
	if err != nil {
		var failure *erase.Failure
		if errors.As(err, &failure) && failure.Kind != erase.ProcessAborted {
			// Unresponsive media and verification mismatches need operator
			// review before the device accepts more destructive work.
			e.registry.MarkFaulted(dev)
		}
		return nil, err
	}
	return receipt, nil
}

// probeRetryable allows automatic retries only for process-level probe
// failures; parse errors mean a tool mismatch and retrying cannot help.
func probeRetryable(err error) bool {
	var pe *probe.ProcessError
	return errors.As(err, &pe)
}
