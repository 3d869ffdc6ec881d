package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Action is the mutation verb replayed against the remote store.
type Action int

const (
	// ActionCreate inserts (upserts) the payload.
	ActionCreate Action = iota + 1
	// ActionUpdate patches the record whose id matches the payload id.
	ActionUpdate
	// ActionDelete removes the record whose id matches the payload id.
	ActionDelete
)

var actionNames = map[Action]string{
	ActionCreate: "CREATE",
	ActionUpdate: "UPDATE",
	ActionDelete: "DELETE",
}

// ParseAction parses an action name case-insensitively.
func ParseAction(s string) (Action, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CREATE", "INSERT":
		return ActionCreate, nil
	case "UPDATE":
		return ActionUpdate, nil
	case "DELETE":
		return ActionDelete, nil
	default:
		return 0, fmt.Errorf("unknown action %q", s)
	}
}

// String returns the wire name of the action.
func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Valid reports whether a is one of the declared actions.
func (a Action) Valid() bool {
	_, ok := actionNames[a]
	return ok
}

// RequiresID reports whether the payload must carry an id for replay.
func (a Action) RequiresID() bool {
	return a == ActionUpdate || a == ActionDelete
}

// MarshalJSON encodes the action as its wire name.
func (a Action) MarshalJSON() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("marshal action: invalid value %d", int(a))
	}
	return json.Marshal(a.String())
}

// UnmarshalJSON decodes a wire name. Unknown names are an error so a
// corrupted queue entry can never replay as a silent no-op.
func (a *Action) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("unmarshal action: %w", err)
	}
	parsed, err := ParseAction(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
