// Package probe wraps the external SMART reporting tool. Each Run is one
// subprocess invocation producing progress callbacks and a parsed attribute
// snapshot; a fresh invocation is a fresh process.
package probe

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/driveyard/driveyard/internal/procgroup"
)

// Mode selects what the probe invocation does.
type Mode string

const (
	// ModeSnapshot collects the current attribute table and health verdict.
	ModeSnapshot Mode = "snapshot"
	// ModeShortTest starts a short device self-test and waits for its verdict.
	ModeShortTest Mode = "short-test"
	// ModeLongTest starts an extended self-test and waits for its verdict.
	ModeLongTest Mode = "long-test"
)

// smartctl exit status is a bitmask; the low three bits are process-level
// failures (bad args, device open failed, command failed). Higher bits flag
// disk conditions and still come with parseable output.
const processErrorMask = 0x07

// ProcessError reports a process-level probe failure: the tool could not be
// started or exited with a fatal status. Usually transient, safe to retry.
type ProcessError struct {
	ExitCode int
	Stderr   string
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("probe: process failed (exit %d): %s", e.ExitCode, strings.TrimSpace(e.Stderr))
}

// ParseError reports malformed or unexpected tool output. Distinct from
// ProcessError because it usually means a tool-version mismatch worth
// surfacing, and is never retried.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("probe: unparseable tool output: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Progress is emitted as the invocation advances.
type Progress struct {
	Stage            string
	PercentRemaining int
}

// Options controls one probe invocation.
type Options struct {
	Mode Mode
	// Binary overrides the smartctl executable path.
	Binary string
	// PollInterval is how often self-test completion is checked.
	PollInterval time.Duration
	// TerminateGrace bounds how long the subprocess may linger after cancellation.
	TerminateGrace time.Duration
	OnProgress     func(Progress)
}

// Adapter invokes the external SMART tool.
type Adapter struct {
	binary         string
	pollInterval   time.Duration
	terminateGrace time.Duration
}

// NewAdapter builds an adapter using binary, defaulting to "smartctl".
func NewAdapter(binary string) *Adapter {
	if strings.TrimSpace(binary) == "" {
		binary = "smartctl"
	}
	return &Adapter{
		binary:         binary,
		pollInterval:   5 * time.Second,
		terminateGrace: 3 * time.Second,
	}
}

// Run executes one probe against the device path and returns the parsed
// snapshot. Cancellation through ctx terminates the subprocess and returns
// ctx.Err(), never a ProcessError, so callers can tell operator stops from
// genuine faults.
func (a *Adapter) Run(ctx context.Context, devicePath string, opts Options) (*Snapshot, error) {
	if strings.TrimSpace(devicePath) == "" {
		return nil, errors.New("probe: device path is empty")
	}
	if opts.Mode == "" {
		opts.Mode = ModeSnapshot
	}
	binary := opts.Binary
	if binary == "" {
		binary = a.binary
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = a.pollInterval
	}
	grace := opts.TerminateGrace
	if grace <= 0 {
		grace = a.terminateGrace
	}

	emit := func(p Progress) {
		if opts.OnProgress != nil {
			opts.OnProgress(p)
		}
	}

	switch opts.Mode {
	case ModeSnapshot:
		return a.snapshot(ctx, binary, devicePath, grace, emit)
	case ModeShortTest, ModeLongTest:
		return a.selfTest(ctx, binary, devicePath, opts.Mode, poll, grace, emit)
	default:
		return nil, errors.Errorf("probe: unknown mode %q", opts.Mode)
	}
}

func (a *Adapter) snapshot(ctx context.Context, binary, devicePath string, grace time.Duration, emit func(Progress)) (*Snapshot, error) {
	emit(Progress{Stage: "reading attributes"})
	out, err := a.invoke(ctx, binary, grace, "--json=c", "-i", "-H", "-A", devicePath)
	if err != nil {
		return nil, err
	}
	snap, err := decodeReport(out)
	if err != nil {
		return nil, err
	}
	emit(Progress{Stage: "parsed"})
	return snap, nil
}

func (a *Adapter) selfTest(ctx context.Context, binary, devicePath string, mode Mode, poll, grace time.Duration, emit func(Progress)) (*Snapshot, error) {
	kind := "short"
	if mode == ModeLongTest {
		kind = "long"
	}
	emit(Progress{Stage: "starting self-test"})
	if _, err := a.invoke(ctx, binary, grace, "--json=c", "-t", kind, devicePath); err != nil {
		return nil, err
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		out, err := a.invoke(ctx, binary, grace, "--json=c", "-i", "-H", "-A", "-c", devicePath)
		if err != nil {
			return nil, err
		}
		snap, remaining, running, err := decodeSelfTestReport(out)
		if err != nil {
			return nil, err
		}
		if running {
			emit(Progress{Stage: "self-test running", PercentRemaining: remaining})
			continue
		}
		emit(Progress{Stage: "self-test finished"})
		return snap, nil
	}
}

// invoke runs one subprocess to completion, applying the smartctl exit-code
// convention and the cancellation contract.
func (a *Adapter) invoke(ctx context.Context, binary string, grace time.Duration, args ...string) ([]byte, error) {
	cmd := exec.Command(binary, args...)
	procgroup.Set(cmd)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, &ProcessError{ExitCode: -1, Stderr: err.Error()}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		if err := procgroup.Terminate(cmd, grace); err != nil {
			log.Warn().Err(err).Str("binary", binary).Msg("probe: terminate subprocess failed")
		}
		<-done
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			exitCode := -1
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			}
			if exitCode < 0 || exitCode&processErrorMask != 0 {
				return nil, &ProcessError{ExitCode: exitCode, Stderr: stderr.String()}
			}
			// Non-fatal bits set: output is still a full report.
		}
		return stdout.Bytes(), nil
	}
}
