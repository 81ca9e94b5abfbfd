package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/stacktrain/internal/testutil"
)

// Scenario is one scripted run of the queue and the train.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description"`

	// Steps run in order against a fresh database.
	Steps []Step `yaml:"steps"`

	// Assertions are checked against the final table and the trace.
	Assertions []Assertion `yaml:"assertions"`
}

// Step actions.
const (
	DoSubmit        = "submit"
	DoRetry         = "retry"
	DoKick          = "kick"
	DoReprioritize  = "reprioritize"
	DoReparent      = "reparent"
	DoRemove        = "remove"
	DoPurge         = "purge"
	DoClaim         = "claim"
	DoRelease       = "release"
	DoFailIntegrate = "fail_integrate"
	DoFailRebase    = "fail_rebase"
	DoTick          = "tick"
	DoAdvance       = "advance"
)

var knownSteps = map[string]bool{
	DoSubmit: true, DoRetry: true, DoKick: true, DoReprioritize: true,
	DoReparent: true, DoRemove: true, DoPurge: true, DoClaim: true,
	DoRelease: true, DoFailIntegrate: true, DoFailRebase: true,
	DoTick: true, DoAdvance: true,
}

// needsWorkspace lists the steps that act on one workspace.
var needsWorkspace = map[string]bool{
	DoSubmit: true, DoRetry: true, DoKick: true, DoReprioritize: true,
	DoReparent: true, DoRemove: true, DoClaim: true, DoRelease: true,
	DoFailIntegrate: true, DoFailRebase: true,
}

// Step is one action. Which fields apply depends on Do.
type Step struct {
	Do        string `yaml:"do"`
	Workspace string `yaml:"workspace,omitempty"`
	Parent    string `yaml:"parent,omitempty"`
	Priority  *int   `yaml:"priority,omitempty"`
	Agent     string `yaml:"agent,omitempty"`
	ID        string `yaml:"id,omitempty"`
	Detail    string `yaml:"detail,omitempty"`

	// Duration is the clock advance, the purge age or the claim TTL.
	Duration string `yaml:"duration,omitempty"`

	// Times repeats a tick, or queues that many scripted failures.
	Times int `yaml:"times,omitempty"`

	// ExpectError is the validation code the step must fail with.
	ExpectError string `yaml:"expect_error,omitempty"`
}

func (s Step) repeat() int {
	if s.Times > 0 {
		return s.Times
	}
	return 1
}

func (s Step) duration() (time.Duration, error) {
	if s.Duration == "" {
		return 0, nil
	}
	return time.ParseDuration(s.Duration)
}

// Assertion types.
const (
	AssertEntry      = "entry"
	AssertAbsent     = "absent"
	AssertCalls      = "calls"
	AssertEventCount = "event_count"
	AssertOrder      = "merge_order"
)

// Assertion checks the outcome of a run.
type Assertion struct {
	// Type is one of entry, absent, calls, event_count, merge_order.
	Type string `yaml:"type"`

	// Workspace is the entry checked by entry and absent.
	Workspace string `yaml:"workspace,omitempty"`

	// Expect holds entry fields by their JSON names (subset match).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Calls is the exact integrator call sequence.
	Calls []testutil.Call `yaml:"calls,omitempty"`

	// Count and Op are used by event_count. An empty Op counts every event.
	Count int    `yaml:"count,omitempty"`
	Op    string `yaml:"op,omitempty"`

	// Workspaces is the expected landing order for merge_order.
	Workspaces []string `yaml:"workspaces,omitempty"`
}

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so a typo cannot silently disable a check.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if !knownSteps[step.Do] {
			return fmt.Errorf("steps[%d]: unknown action %q", i, step.Do)
		}
		if needsWorkspace[step.Do] && step.Workspace == "" {
			return fmt.Errorf("steps[%d]: workspace is required for %s", i, step.Do)
		}
		if step.Times < 0 {
			return fmt.Errorf("steps[%d]: times must be non-negative", i)
		}
		if _, err := step.duration(); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
		switch step.Do {
		case DoReprioritize:
			if step.Priority == nil {
				return fmt.Errorf("steps[%d]: priority is required for reprioritize", i)
			}
		case DoClaim, DoRelease:
			if step.Agent == "" {
				return fmt.Errorf("steps[%d]: agent is required for %s", i, step.Do)
			}
		case DoAdvance:
			if step.Duration == "" {
				return fmt.Errorf("steps[%d]: duration is required for advance", i)
			}
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertEntry:
		if a.Workspace == "" || len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: workspace and expect are required for entry", index)
		}
	case AssertAbsent:
		if a.Workspace == "" {
			return fmt.Errorf("assertions[%d]: workspace is required for absent", index)
		}
	case AssertCalls:
	case AssertEventCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertOrder:
		if len(a.Workspaces) == 0 {
			return fmt.Errorf("assertions[%d]: workspaces list is required for merge_order", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
