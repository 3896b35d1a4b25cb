// Package scenario loads YAML funnel scenarios and runs them through a
// simulated tab against a running app and ingest stub.
package scenario

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wondertwin-ai/kitchensink/internal/ingeststub"
)

// Tab actions a step may perform.
const (
	ActionOpen      = "open"
	ActionClickNext = "click_next"
	ActionHide      = "hide"
	ActionUnload    = "unload"
)

// Scenario is a complete funnel scenario loaded from a YAML file.
type Scenario struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Flags       map[string]any `yaml:"flags"`
	Steps       []Step         `yaml:"steps"`
	Expect      []Expectation  `yaml:"expect"`
}

// Step is a single tab action and its assertions.
type Step struct {
	Name   string `yaml:"name"`
	Action string `yaml:"action"`
	Path   string `yaml:"path"`
	Assert Assert `yaml:"assert"`
}

// Assert defines the expected page after a navigating action.
type Assert struct {
	Status       int    `yaml:"status"`
	Path         string `yaml:"path"`
	BodyContains string `yaml:"body_contains"`
}

// Expectation is checked against the events the stub received for the
// scenario's identity. A nil Count means at least one.
type Expectation struct {
	Event      string            `yaml:"event"`
	Count      *int              `yaml:"count"`
	Properties map[string]string `yaml:"properties"`
}

// FlagTable converts the scenario's flags into stub flag evaluations.
// Booleans toggle a flag, strings are enabled variants.
func (s *Scenario) FlagTable() []ingeststub.FeatureFlag {
	out := make([]ingeststub.FeatureFlag, 0, len(s.Flags))
	for key, v := range s.Flags {
		switch val := v.(type) {
		case bool:
			out = append(out, ingeststub.FeatureFlag{Key: key, Enabled: val})
		default:
			out = append(out, ingeststub.FeatureFlag{Key: key, Enabled: true, Variant: fmt.Sprint(val)})
		}
	}
	return out
}

// LoadScenario parses a single YAML scenario file.
func LoadScenario(path string) (*Scenario, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("unsupported scenario format %q (expected .yaml or .yml)", ext)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario %s: %w", path, err)
	}

	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing scenario %s: %w", path, err)
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return &s, nil
}

func (s *Scenario) validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("at least one step is required")
	}
	for i, step := range s.Steps {
		switch step.Action {
		case ActionOpen:
			if !strings.HasPrefix(step.Path, "/") {
				return fmt.Errorf("step %d: open needs a path starting with /", i+1)
			}
		case ActionClickNext, ActionHide, ActionUnload:
		default:
			return fmt.Errorf("step %d: unknown action %q", i+1, step.Action)
		}
	}
	for i, e := range s.Expect {
		if e.Event == "" {
			return fmt.Errorf("expectation %d: event is required", i+1)
		}
		if e.Count != nil && *e.Count < 0 {
			return fmt.Errorf("expectation %d: count must not be negative", i+1)
		}
	}
	return nil
}

// LoadDir loads all .yaml and .yml scenario files from a directory. Other
// files are ignored.
func LoadDir(dir string) ([]*Scenario, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading scenario directory %s: %w", dir, err)
	}

	var scenarios []*Scenario
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		s, err := LoadScenario(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}
