package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/model"
)

// Scenario defines one offline sync scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Online is the initial connectivity. Default: true
	Online *bool `yaml:"online,omitempty"`

	// Compaction is "remove" (default) or "mark".
	Compaction string `yaml:"compaction,omitempty"`

	// MaxAttempts dead-letters a mutation after this many transient
	// failures. Zero retries forever.
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// DedupeInserts turns on insert de-duplication for watches.
	DedupeInserts bool `yaml:"dedupe_inserts,omitempty"`

	// Seed preloads the remote store, keyed by resource.
	Seed map[string][]map[string]any `yaml:"seed,omitempty"`

	// Flow is the ordered list of steps.
	Flow []Step `yaml:"flow"`

	// Assertions validate the trace and final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one flow step. Exactly one field is set.
type Step struct {
	// Mutate goes through the session like a caller write.
	Mutate *WriteStep `yaml:"mutate,omitempty"`

	// External writes straight into the remote store, as another client.
	External *WriteStep `yaml:"external,omitempty"`

	// SetOnline reports a connectivity observation.
	SetOnline *bool `yaml:"set_online,omitempty"`

	// Sync forces a drain and waits for it.
	Sync bool `yaml:"sync,omitempty"`

	// Watch opens a realtime handle.
	Watch *WatchStep `yaml:"watch,omitempty"`

	// Fail injects remote failures until healed or exhausted.
	Fail *FaultStep `yaml:"fail,omitempty"`

	// Heal removes every injected failure.
	Heal bool `yaml:"heal,omitempty"`

	// Advance moves the manual clock, e.g. "2s".
	Advance string `yaml:"advance,omitempty"`

	// Await blocks until background work reaches a condition.
	Await *AwaitStep `yaml:"await,omitempty"`
}

// WriteStep describes one write.
type WriteStep struct {
	Resource string         `yaml:"resource"`
	Action   string         `yaml:"action"`
	Data     map[string]any `yaml:"data"`

	// Expect is "applied" or "queued" for mutate steps. Empty skips the
	// check.
	Expect string `yaml:"expect,omitempty"`
}

// WatchStep opens a handle on a resource.
type WatchStep struct {
	Resource string `yaml:"resource"`
	Column   string `yaml:"column,omitempty"`
	Value    string `yaml:"value,omitempty"`
}

// FaultStep makes matching remote calls fail.
type FaultStep struct {
	// Op is insert, update, delete, select or subscribe. Empty matches all.
	Op string `yaml:"op,omitempty"`
	// Resource limits the fault to one resource. Empty matches all.
	Resource string `yaml:"resource,omitempty"`
	// Kind is transient (default) or permanent.
	Kind string `yaml:"kind,omitempty"`
	// Times is how many calls fail. Zero fails until healed.
	Times int `yaml:"times,omitempty"`
}

// AwaitStep waits for background work. Set fields are all required.
type AwaitStep struct {
	Pending *int   `yaml:"pending,omitempty"`
	Drains  *int64 `yaml:"drains,omitempty"`
	Watch   string `yaml:"watch,omitempty"`
	Items   *int   `yaml:"items,omitempty"`
	// Timeout bounds the wait. Default: 2s
	Timeout string `yaml:"timeout,omitempty"`
}

// Assertion validates the trace or final state.
type Assertion struct {
	Type string `yaml:"type"`

	// Event is a trace key such as "remote.insert" (trace_contains, trace_count).
	Event string `yaml:"event,omitempty"`

	// Events is the expected key order (trace_order).
	Events []string `yaml:"events,omitempty"`

	// Resource narrows trace assertions and names the table for state ones.
	Resource string `yaml:"resource,omitempty"`

	// RecordID narrows trace assertions.
	RecordID string `yaml:"record_id,omitempty"`

	// Where selects remote records; all fields must match (remote_state).
	Where map[string]any `yaml:"where,omitempty"`

	// Expect is a subset of fields the selected record must carry.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number (count assertions, watch_items).
	Count int `yaml:"count,omitempty"`

	// IDs are the expected watch item ids, in order (watch_items).
	IDs []string `yaml:"ids,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains   = "trace_contains"
	AssertTraceOrder      = "trace_order"
	AssertTraceCount      = "trace_count"
	AssertRemoteState     = "remote_state"
	AssertRemoteCount     = "remote_count"
	AssertPendingCount    = "pending_count"
	AssertDeadLetterCount = "dead_letter_count"
	AssertDrainCount      = "drain_count"
	AssertWatchItems      = "watch_items"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
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

// FindScenarios returns the YAML files under dir whose base name matches
// the glob filter (all files when filter is empty), sorted by path.
func FindScenarios(dir, filter string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(path), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	sort.Strings(files)
	return files, err
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if _, err := engine.ParseCompaction(s.Compaction); err != nil {
		return err
	}
	if s.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must be non-negative")
	}

	for resource, rows := range s.Seed {
		for i, row := range rows {
			if !model.Record(row).HasID() {
				return fmt.Errorf("seed.%s[%d]: id is required", resource, i)
			}
		}
	}

	for i, step := range s.Flow {
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

func validateStep(index int, st *Step) error {
	set := 0
	for _, on := range []bool{
		st.Mutate != nil, st.External != nil, st.SetOnline != nil, st.Sync,
		st.Watch != nil, st.Fail != nil, st.Heal, st.Advance != "", st.Await != nil,
	} {
		if on {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("flow[%d]: exactly one step kind is required, got %d", index, set)
	}

	switch {
	case st.Mutate != nil:
		if err := validateWrite(st.Mutate); err != nil {
			return fmt.Errorf("flow[%d].mutate: %w", index, err)
		}
		switch st.Mutate.Expect {
		case "", "applied", "queued":
		default:
			return fmt.Errorf("flow[%d].mutate: expect must be applied or queued, got %q", index, st.Mutate.Expect)
		}
	case st.External != nil:
		if err := validateWrite(st.External); err != nil {
			return fmt.Errorf("flow[%d].external: %w", index, err)
		}
		if st.External.Expect != "" {
			return fmt.Errorf("flow[%d].external: expect is not supported", index)
		}
	case st.Watch != nil:
		if st.Watch.Resource == "" {
			return fmt.Errorf("flow[%d].watch: resource is required", index)
		}
	case st.Fail != nil:
		switch st.Fail.Kind {
		case "", "transient", "permanent":
		default:
			return fmt.Errorf("flow[%d].fail: kind must be transient or permanent, got %q", index, st.Fail.Kind)
		}
		if st.Fail.Times < 0 {
			return fmt.Errorf("flow[%d].fail: times must be non-negative", index)
		}
	case st.Advance != "":
		if _, err := time.ParseDuration(st.Advance); err != nil {
			return fmt.Errorf("flow[%d].advance: %w", index, err)
		}
	case st.Await != nil:
		a := st.Await
		if a.Pending == nil && a.Drains == nil && a.Watch == "" {
			return fmt.Errorf("flow[%d].await: pending, drains or watch is required", index)
		}
		if (a.Watch == "") != (a.Items == nil) {
			return fmt.Errorf("flow[%d].await: watch and items go together", index)
		}
		if a.Timeout != "" {
			if _, err := time.ParseDuration(a.Timeout); err != nil {
				return fmt.Errorf("flow[%d].await: %w", index, err)
			}
		}
	}
	return nil
}

func validateWrite(w *WriteStep) error {
	if w.Resource == "" {
		return fmt.Errorf("resource is required")
	}
	action, err := model.ParseAction(w.Action)
	if err != nil {
		return err
	}
	if action.RequiresID() && !model.Record(w.Data).HasID() {
		return fmt.Errorf("%s requires data.id", action)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains, AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for %s", index, a.Type)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertRemoteState:
		if a.Resource == "" {
			return fmt.Errorf("assertions[%d]: resource is required for remote_state", index)
		}
		if len(a.Where) == 0 {
			return fmt.Errorf("assertions[%d]: where is required for remote_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for remote_state", index)
		}
	case AssertRemoteCount, AssertWatchItems:
		if a.Resource == "" {
			return fmt.Errorf("assertions[%d]: resource is required for %s", index, a.Type)
		}
	case AssertPendingCount, AssertDeadLetterCount, AssertDrainCount:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}
	return nil
}
