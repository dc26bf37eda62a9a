package pevr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotPending is returned when approving or rejecting an action that is not awaiting approval
	ErrNotPending = errors.New("action is not pending approval")
	// ErrTerminal is returned when running a cycle on a finished action
	ErrTerminal = errors.New("action already finished")
	// ErrVerificationFailed marks a verification report that did not pass
	ErrVerificationFailed = errors.New("tests/lint failed")
	// ErrExecutionFailed marks an execution result that did not succeed
	ErrExecutionFailed = errors.New("execution failed")
)

// PhaseError ties a failure to the phase it happened in
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s phase: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// phaseOf returns the phase of a PhaseError in err's chain, or ""
func phaseOf(err error) Phase {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe.Phase
	}
	return ""
}
