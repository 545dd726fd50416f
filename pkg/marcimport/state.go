package marcimport

import "github.com/pkg/errors"

// State tracks where a job execution is in its lifecycle. Transitions are
// strictly ordered; nothing skips a state.
type State int

const (
	StateCreated State = iota
	StateProfileBound
	StateStreaming
	StatePolling
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateProfileBound:
		return "PROFILE_BOUND"
	case StateStreaming:
		return "STREAMING"
	case StatePolling:
		return "POLLING"
	case StateFinished:
		return "FINISHED"
	}
	return "UNKNOWN"
}

func (s State) next(to State) (State, error) {
	if to != s+1 {
		return s, errors.Errorf("illegal job state transition: %s -> %s", s, to)
	}
	return to, nil
}
