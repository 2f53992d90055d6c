package whip

import "fmt"

type stateError struct {
	state State
}

func errBadState(s State) error { return &stateError{state: s} }

func (e *stateError) Error() string {
	return fmt.Sprintf("operation not valid in state %q", e.state)
}
