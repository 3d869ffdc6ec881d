package harness

import (
	"github.com/roach88/offsync/internal/model"
)

// Trace event types.
const (
	EventStep    = "step"
	EventRemote  = "remote"
	EventOutcome = "outcome"
	EventReport  = "report"
)

// TraceEvent is one entry of a scenario trace.
type TraceEvent struct {
	Seq      int64          `json:"seq"`
	Type     string         `json:"type"`
	Name     string         `json:"name"`
	Resource string         `json:"resource,omitempty"`
	RecordID string         `json:"record_id,omitempty"`
	Mutation string         `json:"mutation_id,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
	// Error is the failure kind (transient or permanent), never the message.
	Error string `json:"error,omitempty"`
}

// Key returns the "<type>.<name>" form used by assertions.
func (e TraceEvent) Key() string {
	return e.Type + "." + e.Name
}

// FinalState is captured after the flow finishes.
type FinalState struct {
	Online      bool                      `json:"online"`
	Pending     int                       `json:"pending"`
	Drains      int64                     `json:"drains"`
	DeadLetters []string                  `json:"dead_letters,omitempty"`
	Remote      map[string][]model.Record `json:"remote"`
	Watches     map[string][]model.Record `json:"watches,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace holds the recorded events in order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds expect and assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	State FinalState `json:"state"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
