package supervisor

import "fmt"

// State is the daemon's view of the worker lifecycle. Only the control loop changes it.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateCrashed
	StateRestarting
	StateShuttingDown
)

var allStates = []State{
	StateStopped, StateStarting, StateRunning, StateStopping,
	StateCrashed, StateRestarting, StateShuttingDown,
}

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateCrashed:
		return "crashed"
	case StateRestarting:
		return "restarting"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	v, ok := ParseState(string(b))
	if !ok {
		return fmt.Errorf("unknown state %q", b)
	}
	*s = v
	return nil
}

// ParseState is the inverse of String. Unknown names map to StateStopped and false.
func ParseState(name string) (State, bool) {
	for _, s := range allStates {
		if s.String() == name {
			return s, true
		}
	}
	return StateStopped, false
}
