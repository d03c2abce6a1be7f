// Package erase wraps the external secure-erase tool. Each Run is one
// subprocess invocation streaming progress and terminating in a completion
// receipt or a classified failure. Erase failures are security sensitive and
// are never retried automatically.
package erase

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/driveyard/driveyard/internal/procgroup"
)

// Pattern selects the overwrite pattern.
type Pattern string

const (
	PatternZeros  Pattern = "zeros"
	PatternRandom Pattern = "random"
)

// FailureKind classifies a genuine erase failure.
type FailureKind string

const (
	// DeviceUnresponsive means the device stopped accepting writes.
	DeviceUnresponsive FailureKind = "device-unresponsive"
	// VerificationMismatch means the read-back check did not match the pattern.
	VerificationMismatch FailureKind = "verification-mismatch"
	// ProcessAborted covers every other abnormal tool exit.
	ProcessAborted FailureKind = "process-aborted"
)

// Failure is a classified erase failure. Cancellation is not a Failure;
// cancelled runs return the context error instead.
type Failure struct {
	Kind   FailureKind
	Detail string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("erase: %s: %s", f.Kind, f.Detail)
}

// Progress is one progress event parsed from the tool's output stream.
type Progress struct {
	Pass       int
	TotalPass  int
	Percent    int
	Verifying  bool
	RawMessage string
}

// Receipt is the completion payload of a successful erase. Passes counts
// every overwrite pass performed, including the trailing zero pass.
type Receipt struct {
	BytesWritten int64
	Passes       int
	// Verified is true only when a requested read-back check actually
	// passed; an erase that was not asked to verify reports false.
	Verified bool
	Elapsed  time.Duration
}

// Options controls one erase invocation.
type Options struct {
	Pattern Pattern
	Passes  int
	// Verify reads the media back after the overwrite and checks it against
	// the final pattern. It forces a trailing zero pass.
	Verify bool
	// SizeBytes is the device capacity, used for the receipt's byte count.
	SizeBytes int64
	// Binary overrides the erase executable path.
	Binary         string
	TerminateGrace time.Duration
	OnProgress     func(Progress)
}

// Adapter invokes the external secure-erase tool.
type Adapter struct {
	binary         string
	terminateGrace time.Duration
}

// NewAdapter builds an adapter using binary, defaulting to "shred".
func NewAdapter(binary string) *Adapter {
	if strings.TrimSpace(binary) == "" {
		binary = "shred"
	}
	return &Adapter{binary: binary, terminateGrace: 5 * time.Second}
}

// progressLine matches shred-style verbose output, e.g.
// "shred: /dev/sdb: pass 2/3 (random)...41%".
var progressLine = regexp.MustCompile(`pass (\d+)/(\d+)(?:\s*\(([^)]*)\))?(?:\D*(\d{1,3})%)?`)

// Run executes one erase against the device path. Cancellation through ctx
// terminates the subprocess and returns ctx.Err(), never a Failure.
func (a *Adapter) Run(ctx context.Context, devicePath string, opts Options) (*Receipt, error) {
	if strings.TrimSpace(devicePath) == "" {
		return nil, errors.New("erase: device path is empty")
	}
	if opts.Passes <= 0 {
		opts.Passes = 1
	}
	if opts.Pattern == "" {
		opts.Pattern = PatternZeros
	}
	binary := opts.Binary
	if binary == "" {
		binary = a.binary
	}
	grace := opts.TerminateGrace
	if grace <= 0 {
		grace = a.terminateGrace
	}

	args := buildArgs(devicePath, opts)
	cmd := exec.Command(binary, args...)
	procgroup.Set(cmd)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &Failure{Kind: ProcessAborted, Detail: err.Error()}
	}
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &Failure{Kind: ProcessAborted, Detail: err.Error()}
	}
	log.Debug().Str("binary", binary).Strs("args", args).Msg("erase: subprocess started")

	parsed := make(chan parseResult, 1)
	go func() { parsed <- consumeProgress(stderr, opts.OnProgress) }()

	done := make(chan error, 1)
	go func() {
		res := <-parsed
		waitErr := cmd.Wait()
		if waitErr == nil && res.failure != nil {
			// Tool exited zero but reported a fault in its stream.
			done <- res.failure
			return
		}
		if waitErr != nil {
			done <- classifyExit(waitErr, res)
			return
		}
		done <- nil
	}()

	select {
	case <-ctx.Done():
		if err := procgroup.Terminate(cmd, grace); err != nil {
			log.Warn().Err(err).Msg("erase: terminate subprocess failed")
		}
		<-done
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			return nil, err
		}
		verified := false
		if opts.Verify {
			if err := verifyZeroed(ctx, devicePath, opts.SizeBytes, opts.OnProgress); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, err
			}
			verified = true
		}
		passes := opts.Passes
		if zeroFinal(opts) {
			passes++
		}
		return &Receipt{
			BytesWritten: opts.SizeBytes * int64(passes),
			Passes:       passes,
			Verified:     verified,
			Elapsed:      time.Since(start),
		}, nil
	}
}

// zeroFinal reports whether the tool is asked for a trailing zero pass.
// Verification always needs one: read-back can only check the media against
// a known pattern.
func zeroFinal(opts Options) bool {
	return opts.Pattern == PatternZeros || opts.Verify
}

func buildArgs(devicePath string, opts Options) []string {
	args := []string{"-v", "-n", strconv.Itoa(opts.Passes)}
	if zeroFinal(opts) {
		args = append(args, "-z")
	}
	return append(args, devicePath)
}

// verifyZeroed reads the device back after the final zero pass and fails on
// the first byte that is not zero.
func verifyZeroed(ctx context.Context, devicePath string, sizeBytes int64, onProgress func(Progress)) error {
	f, err := os.Open(devicePath)
	if err != nil {
		return &Failure{Kind: DeviceUnresponsive, Detail: "verification open: " + err.Error()}
	}
	defer f.Close()

	buf := make([]byte, 4*1024*1024)
	var offset int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := f.Read(buf)
		for i := range buf[:n] {
			if buf[i] != 0 {
				return &Failure{
					Kind:   VerificationMismatch,
					Detail: fmt.Sprintf("read-back found %#02x at offset %d", buf[i], offset+int64(i)),
				}
			}
		}
		offset += int64(n)
		if onProgress != nil && n > 0 {
			p := Progress{Verifying: true, RawMessage: fmt.Sprintf("verify read-back at offset %d", offset)}
			if sizeBytes > 0 {
				p.Percent = int(offset * 100 / sizeBytes)
			}
			onProgress(p)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &Failure{Kind: DeviceUnresponsive, Detail: "verification read: " + err.Error()}
		}
	}
}

type parseResult struct {
	lastLine string
	failure  *Failure
}

// consumeProgress scans the tool's stderr for progress lines and fault
// markers, forwarding progress to the callback.
func consumeProgress(r io.Reader, onProgress func(Progress)) parseResult {
	var res parseResult
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		res.lastLine = line
		if f := classifyLine(line); f != nil {
			res.failure = f
		}
		if onProgress == nil {
			continue
		}
		if m := progressLine.FindStringSubmatch(line); m != nil {
			p := Progress{RawMessage: line}
			p.Pass, _ = strconv.Atoi(m[1])
			p.TotalPass, _ = strconv.Atoi(m[2])
			p.Verifying = strings.Contains(strings.ToLower(m[3]), "verify")
			if m[4] != "" {
				p.Percent, _ = strconv.Atoi(m[4])
			}
			onProgress(p)
		}
	}
	return res
}

func classifyLine(line string) *Failure {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "verification failed"), strings.Contains(lower, "verify mismatch"):
		return &Failure{Kind: VerificationMismatch, Detail: line}
	case strings.Contains(lower, "input/output error"), strings.Contains(lower, "no response"),
		strings.Contains(lower, "device not ready"):
		return &Failure{Kind: DeviceUnresponsive, Detail: line}
	default:
		return nil
	}
}

func classifyExit(waitErr error, res parseResult) *Failure {
	if res.failure != nil {
		return res.failure
	}
	detail := res.lastLine
	if detail == "" {
		detail = waitErr.Error()
	}
	return &Failure{Kind: ProcessAborted, Detail: detail}
}
