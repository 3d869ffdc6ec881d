package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/roach88/offsync/internal/model"
)

// AssertionError is returned when an assertion fails.
// It includes the trace to help debug the failure.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s", event.Seq, event.Key())
			if event.Resource != "" {
				fmt.Fprintf(&buf, " %s", event.Resource)
				if event.RecordID != "" {
					fmt.Fprintf(&buf, "/%s", event.RecordID)
				}
			}
			if event.Error != "" {
				fmt.Fprintf(&buf, " (%s)", event.Error)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// matchEvent reports whether ev has the assertion's key and, when given,
// its resource and record id.
func matchEvent(ev TraceEvent, a Assertion) bool {
	if ev.Key() != a.Event {
		return false
	}
	if a.Resource != "" && ev.Resource != a.Resource {
		return false
	}
	if a.RecordID != "" && ev.RecordID != a.RecordID {
		return false
	}
	return true
}

func describeEvent(a Assertion) string {
	desc := a.Event
	if a.Resource != "" {
		desc += " " + a.Resource
		if a.RecordID != "" {
			desc += "/" + a.RecordID
		}
	} else if a.RecordID != "" {
		desc += " record " + a.RecordID
	}
	return desc
}

// assertTraceContains checks the trace holds a matching event.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if matchEvent(ev, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: describeEvent(a),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks event keys first appear in the given order.
// Intervening events are allowed.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, ev := range trace {
		key := ev.Key()
		if _, seen := positions[key]; !seen {
			positions[key] = i + 1
		}
	}

	for _, key := range a.Events {
		if positions[key] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all events present: %v", a.Events),
				Actual:   fmt.Sprintf("missing event: %s", key),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(a.Events); i++ {
		prev, curr := a.Events[i-1], a.Events[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("events in order: %v", a.Events),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks the number of matching events.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if matchEvent(ev, a) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, describeEvent(a)),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertRemoteState finds the remote record matching where and checks the
// expected fields (subset match).
func assertRemoteState(state FinalState, a Assertion) error {
	rows := state.Remote[a.Resource]
	for _, row := range rows {
		if !matchFields(row, a.Where) {
			continue
		}
		if matchFields(row, a.Expect) {
			return nil
		}
		return &AssertionError{
			Type:     AssertRemoteState,
			Expected: fmt.Sprintf("%s where %v to have %v", a.Resource, a.Where, a.Expect),
			Actual:   fmt.Sprintf("%v", row),
		}
	}
	return &AssertionError{
		Type:     AssertRemoteState,
		Expected: fmt.Sprintf("%s where %v to have %v", a.Resource, a.Where, a.Expect),
		Actual:   fmt.Sprintf("no matching record among %d", len(rows)),
	}
}

func assertCount(kind, what string, expected, actual int) error {
	if expected == actual {
		return nil
	}
	return &AssertionError{
		Type:     kind,
		Expected: fmt.Sprintf("%d %s", expected, what),
		Actual:   fmt.Sprintf("%d %s", actual, what),
	}
}

// assertWatchItems checks the item count and, when given, the item ids in
// order.
func assertWatchItems(state FinalState, a Assertion) error {
	items, ok := state.Watches[a.Resource]
	if !ok {
		return &AssertionError{
			Type:     AssertWatchItems,
			Expected: fmt.Sprintf("a watch on %s", a.Resource),
			Actual:   "no watch opened",
		}
	}

	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID()
	}
	if len(items) != a.Count {
		return &AssertionError{
			Type:     AssertWatchItems,
			Expected: fmt.Sprintf("%d items on %s", a.Count, a.Resource),
			Actual:   fmt.Sprintf("%d items %v", len(items), ids),
		}
	}
	if len(a.IDs) > 0 && !reflect.DeepEqual(ids, a.IDs) {
		return &AssertionError{
			Type:     AssertWatchItems,
			Expected: fmt.Sprintf("ids %v", a.IDs),
			Actual:   fmt.Sprintf("ids %v", ids),
		}
	}
	return nil
}

// matchFields checks rec carries every expected field (subset match).
func matchFields(rec model.Record, expected map[string]any) bool {
	for key, want := range expected {
		got, exists := rec[key]
		if !exists || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// valuesEqual compares through JSON so a YAML int matches the float64 a
// record holds after a round trip through the queue.
func valuesEqual(actual, expected any) bool {
	if actual == nil || expected == nil {
		return actual == nil && expected == nil
	}
	a, errA := json.Marshal(actual)
	e, errE := json.Marshal(expected)
	if errA != nil || errE != nil {
		return reflect.DeepEqual(actual, expected)
	}
	return bytes.Equal(a, e)
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns one message per failed assertion.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string

	for i, a := range assertions {
		var err error

		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertRemoteState:
			err = assertRemoteState(result.State, a)
		case AssertRemoteCount:
			err = assertCount(a.Type, a.Resource+" records", a.Count, len(result.State.Remote[a.Resource]))
		case AssertPendingCount:
			err = assertCount(a.Type, "pending mutations", a.Count, result.State.Pending)
		case AssertDeadLetterCount:
			err = assertCount(a.Type, "dead letters", a.Count, len(result.State.DeadLetters))
		case AssertDrainCount:
			err = assertCount(a.Type, "drains", a.Count, int(result.State.Drains))
		case AssertWatchItems:
			err = assertWatchItems(result.State, a)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}
