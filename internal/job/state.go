package job

import "errors"

const (
	Queued  State = "QUEUED"
	Waiting State = "WAITING"
	Running State = "RUNNING"
	Success State = "SUCCESS"
	Error   State = "ERROR"
)

var (
	ErrInvalidStateTransition = errors.New("invalid job state transition")

	// ErrStateMismatch is returned by a compare-and-set when the job is not
	// in the expected state, i.e. another writer got there first.
	ErrStateMismatch = errors.New("job state does not match expected state")
)

// State is the state of a job in its lifecycle.
type State string

func (s State) String() string { return string(s) }

// IsTerminal reports whether no further transition is permitted out of the
// state.
func (s State) IsTerminal() bool {
	switch s {
	case Success, Error:
		return true
	default:
		return false
	}
}

func (s State) Valid() bool {
	switch s {
	case Queued, Waiting, Running, Success, Error:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a job in state s may move to state to. A
// non-terminal state may "transition" to itself, which permits field updates
// that assert the current state without changing it.
func (s State) CanTransitionTo(to State) bool {
	switch s {
	case Queued:
		switch to {
		case Queued, Waiting, Error:
			return true
		}
	case Waiting:
		switch to {
		case Waiting, Queued, Running, Error:
			return true
		}
	case Running:
		switch to {
		case Running, Success, Error:
			return true
		}
	}
	return false
}

// ParseStates parses a list of state strings.
func ParseStates(ss []string) ([]State, error) {
	states := make([]State, len(ss))
	for i, s := range ss {
		states[i] = State(s)
		if !states[i].Valid() {
			return nil, errors.New("invalid job state: " + s)
		}
	}
	return states, nil
}
