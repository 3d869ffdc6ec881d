package realtime

import "fmt"

// State is the lifecycle state of a Handle.
type State int

const (
	StateUninitialized State = iota
	StateSeeding
	StateLive
	StateSeedFailed
	StateReconnecting
	StateClosed
)

// String returns the state name used in logs and CLI output.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateSeeding:
		return "SEEDING"
	case StateLive:
		return "LIVE"
	case StateSeedFailed:
		return "SEED_FAILED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
