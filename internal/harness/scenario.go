package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario defines a record cache scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Objects is an optional CUE object info file. The built-in objects are
	// used when empty.
	Objects string `yaml:"objects,omitempty"`

	// Upstream seeds the fake server before the first step.
	Upstream []UpstreamRecord `yaml:"upstream,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions are checked after the last step.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// UpstreamRecord is a server-side record present before the scenario runs.
type UpstreamRecord struct {
	ID       string         `yaml:"id"`
	APIName  string         `yaml:"apiName"`
	WeakEtag int64          `yaml:"weakEtag"`
	Fields   map[string]any `yaml:"fields"`
}

// Step is one scenario step. Exactly one of Request, Process, Evict,
// Offline and Restart is set.
type Step struct {
	Request *RequestStep `yaml:"request,omitempty"`

	// Process calls ProcessNextAction this many times.
	Process int `yaml:"process,omitempty"`

	// Evict is a record id to evict from the store.
	Evict string `yaml:"evict,omitempty"`

	// Offline switches the fake upstream's connectivity.
	Offline *bool `yaml:"offline,omitempty"`

	// Restart reopens the environment on the same durable store.
	Restart bool `yaml:"restart,omitempty"`

	// As binds the id of the record in the response.
	As string `yaml:"as,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// RequestStep is a record request sent through the dispatcher.
type RequestStep struct {
	Method string            `yaml:"method"`
	Path   string            `yaml:"path"`
	Query  map[string]string `yaml:"query,omitempty"`
	Body   map[string]any    `yaml:"body,omitempty"`
}

// Expect checks the outcome of a step. Zero values are not checked.
type Expect struct {
	// Status is the response status, or the error status.
	Status int `yaml:"status,omitempty"`

	// Synthetic is whether the response was built from draft state.
	Synthetic *bool `yaml:"synthetic,omitempty"`

	// Error is the expected error code.
	Error string `yaml:"error,omitempty"`

	// Fields is a subset of the response record's field values.
	Fields map[string]any `yaml:"fields,omitempty"`

	// Result is the last ProcessNextAction result of a process step.
	Result string `yaml:"result,omitempty"`
}

// Assertion checks final state.
type Assertion struct {
	Type   string         `yaml:"type"`
	ID     string         `yaml:"id,omitempty"`
	Count  *int           `yaml:"count,omitempty"`
	Fields map[string]any `yaml:"fields,omitempty"`
	Absent bool           `yaml:"absent,omitempty"`
}

// Assertion type constants.
const (
	AssertQueueLength    = "queue_length"
	AssertMapped         = "mapped"
	AssertCachedRecord   = "cached_record"
	AssertDurableRecord  = "durable_record"
	AssertUpstreamRecord = "upstream_record"
)

// LoadScenario reads and parses a scenario YAML file. The objects path is
// resolved relative to the scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if scenario.Objects != "" && !filepath.IsAbs(scenario.Objects) {
		scenario.Objects = filepath.Join(filepath.Dir(path), scenario.Objects)
	}
	return scenario, nil
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Unknown fields are rejected so typos fail loudly.
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

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, r := range s.Upstream {
		if r.ID == "" || r.APIName == "" {
			return fmt.Errorf("upstream[%d]: id and apiName are required", i)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, s *Step) error {
	kinds := 0
	if s.Request != nil {
		kinds++
	}
	if s.Process != 0 {
		kinds++
	}
	if s.Evict != "" {
		kinds++
	}
	if s.Offline != nil {
		kinds++
	}
	if s.Restart {
		kinds++
	}
	if kinds != 1 {
		return fmt.Errorf("steps[%d]: exactly one of request, process, evict, offline, restart is required", index)
	}

	if s.Process < 0 {
		return fmt.Errorf("steps[%d]: process must be positive", index)
	}
	if s.Request != nil {
		if s.Request.Method == "" || s.Request.Path == "" {
			return fmt.Errorf("steps[%d].request: method and path are required", index)
		}
	} else if s.As != "" {
		return fmt.Errorf("steps[%d]: as is only valid on request steps", index)
	}
	if s.Expect != nil && s.Expect.Result != "" && s.Process == 0 {
		return fmt.Errorf("steps[%d].expect: result is only valid on process steps", index)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertQueueLength:
		if a.Count == nil {
			return fmt.Errorf("assertions[%d]: count is required for queue_length", index)
		}
	case AssertMapped, AssertCachedRecord, AssertDurableRecord, AssertUpstreamRecord:
		if a.ID == "" {
			return fmt.Errorf("assertions[%d]: id is required for %s", index, a.Type)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
