package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventKind is the kind of change pushed by the remote store.
type EventKind int

const (
	// EventInsert announces a new record.
	EventInsert EventKind = iota + 1
	// EventUpdate announces a changed record.
	EventUpdate
	// EventDelete announces a removed record.
	EventDelete
)

// String returns the wire name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventInsert:
		return "INSERT"
	case EventUpdate:
		return "UPDATE"
	case EventDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// ParseEventKind parses a wire name case-insensitively.
func ParseEventKind(s string) (EventKind, error) {
	switch strings.ToUpper(s) {
	case "INSERT":
		return EventInsert, nil
	case "UPDATE":
		return EventUpdate, nil
	case "DELETE":
		return EventDelete, nil
	default:
		return 0, fmt.Errorf("unknown event kind %q", s)
	}
}

// MarshalJSON encodes the kind as its wire name.
func (k EventKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a wire name.
func (k *EventKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("unmarshal event kind: %w", err)
	}
	parsed, err := ParseEventKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ChangeEvent is one change emitted on a resource's push channel.
type ChangeEvent struct {
	Kind     EventKind `json:"event_kind"`
	Resource string    `json:"resource"`
	New      Record    `json:"new,omitempty"`
	Old      Record    `json:"old,omitempty"`
}

// RecordID returns the id the event refers to. DELETE events carry it in
// Old; the others in New.
func (e ChangeEvent) RecordID() string {
	if e.Kind == EventDelete {
		if id := e.Old.ID(); id != "" {
			return id
		}
	}
	if id := e.New.ID(); id != "" {
		return id
	}
	return e.Old.ID()
}

// Subject returns the record used for filter matching.
func (e ChangeEvent) Subject() Record {
	if e.New != nil {
		return e.New
	}
	return e.Old
}
