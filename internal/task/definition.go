// Package task runs operator-authored multi-step workflows against one
// device. A definition is a closed set of step variants, not a scripting
// language: each step names one capability from a fixed surface and typed
// parameters, so third-party task files can be run against operator hardware
// without granting filesystem, network or process access.
package task

import (
	"bytes"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/driveyard/driveyard/internal/erase"
	"github.com/driveyard/driveyard/internal/probe"
)

// Duration decodes Go duration strings ("90s", "4h") from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Wrapf(err, "task: bad duration %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

// Capability names one operation a task step may invoke.
type Capability string

const (
	CapSubmitProbe      Capability = "submit-probe"
	CapSubmitErase      Capability = "submit-erase"
	CapReadLastSnapshot Capability = "read-last-snapshot"
	CapLogMessage       Capability = "log-message"
	CapAbortRun         Capability = "abort-run"
)

// OnFailure is a step's failure policy.
type OnFailure string

const (
	// FailAbort stops the run at this step; remaining steps are cancelled.
	FailAbort OnFailure = "abort"
	// FailContinue records the failure and proceeds to the next step.
	FailContinue OnFailure = "continue"
)

// Params carries the union of per-capability parameters. Unused fields for a
// capability are rejected at load time, so a definition cannot smuggle
// parameters past review.
type Params struct {
	// submit-probe
	Mode    probe.Mode `yaml:"mode,omitempty"`
	Retries int        `yaml:"retries,omitempty"`
	Timeout Duration   `yaml:"timeout,omitempty"`

	// submit-erase
	Pattern erase.Pattern `yaml:"pattern,omitempty"`
	Passes  int           `yaml:"passes,omitempty"`
	Verify  bool          `yaml:"verify,omitempty"`

	// read-last-snapshot
	Attribute int `yaml:"attribute,omitempty"`

	// log-message / abort-run
	Message string `yaml:"message,omitempty"`
}

// When gates a step on an earlier step's outcome. The referenced step must
// be declared in the step's reads list.
type When struct {
	Step   string `yaml:"step"`
	Status string `yaml:"status"`
}

// Step is one capability invocation in a definition.
type Step struct {
	ID         string     `yaml:"id"`
	Capability Capability `yaml:"capability"`
	Params     Params     `yaml:"params,omitempty"`
	// Reads lists the earlier step ids whose results this step may observe.
	// A step cannot gate on or read a result it has not declared.
	Reads     []string  `yaml:"reads,omitempty"`
	When      *When     `yaml:"when,omitempty"`
	OnFailure OnFailure `yaml:"on_failure,omitempty"`
}

// Budget bounds one run of a definition.
type Budget struct {
	// WallClock limits the run's total elapsed time, including time spent
	// suspended on jobs. Zero takes the runtime default.
	WallClock Duration `yaml:"wall_clock,omitempty"`
	// MaxSteps limits how many steps may execute. Zero takes the runtime
	// default.
	MaxSteps int `yaml:"max_steps,omitempty"`
}

// Definition is an immutable ordered sequence of steps.
type Definition struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Budget      Budget `yaml:"budget,omitempty"`
	Steps       []Step `yaml:"steps"`
}

// LoadDefinition reads and validates a YAML definition file.
func LoadDefinition(path string) (*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "task: read definition %s failed", path)
	}
	return ParseDefinition(raw)
}

// ParseDefinition decodes and validates a YAML definition.
func ParseDefinition(raw []byte) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, errors.Wrap(err, "task: decode definition failed")
	}
	if err := def.validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func (d *Definition) validate() error {
	if d.Name == "" {
		return errors.New("task: definition has no name")
	}
	if len(d.Steps) == 0 {
		return errors.New("task: definition has no steps")
	}
	seen := make(map[string]int, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.ID == "" {
			return errors.Errorf("task: step %d has no id", i)
		}
		if _, dup := seen[step.ID]; dup {
			return errors.Errorf("task: duplicate step id %q", step.ID)
		}
		if step.OnFailure == "" {
			step.OnFailure = FailAbort
		}
		if step.OnFailure != FailAbort && step.OnFailure != FailContinue {
			return errors.Errorf("task: step %q: unknown on_failure %q", step.ID, step.OnFailure)
		}
		if err := step.validateCapability(); err != nil {
			return err
		}
		for _, ref := range step.Reads {
			if _, ok := seen[ref]; !ok {
				return errors.Errorf("task: step %q reads %q, which is not an earlier step", step.ID, ref)
			}
		}
		if step.When != nil {
			if !contains(step.Reads, step.When.Step) {
				return errors.Errorf("task: step %q gates on %q without declaring it in reads", step.ID, step.When.Step)
			}
			switch step.When.Status {
			case "succeeded", "failed", "cancelled":
			default:
				return errors.Errorf("task: step %q: unknown when.status %q", step.ID, step.When.Status)
			}
		}
		seen[step.ID] = i
	}
	return nil
}

func (s *Step) validateCapability() error {
	switch s.Capability {
	case CapSubmitProbe:
		switch s.Params.Mode {
		case "", probe.ModeSnapshot, probe.ModeShortTest, probe.ModeLongTest:
		default:
			return errors.Errorf("task: step %q: unknown probe mode %q", s.ID, s.Params.Mode)
		}
		if s.Params.Retries < 0 {
			return errors.Errorf("task: step %q: negative retries", s.ID)
		}
	case CapSubmitErase:
		switch s.Params.Pattern {
		case "", erase.PatternZeros, erase.PatternRandom:
		default:
			return errors.Errorf("task: step %q: unknown erase pattern %q", s.ID, s.Params.Pattern)
		}
		if s.Params.Passes < 0 {
			return errors.Errorf("task: step %q: negative passes", s.ID)
		}
	case CapReadLastSnapshot:
		if s.Params.Attribute < 0 {
			return errors.Errorf("task: step %q: negative attribute id", s.ID)
		}
	case CapLogMessage, CapAbortRun:
		if s.Params.Message == "" {
			return errors.Errorf("task: step %q: %s needs a message", s.ID, s.Capability)
		}
	default:
		return errors.Errorf("task: step %q: unknown capability %q", s.ID, s.Capability)
	}
	return nil
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
