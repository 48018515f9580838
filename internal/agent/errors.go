package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrMaxIterations indicates the loop ran out of iterations before the
	// model produced a terminal response.
	ErrMaxIterations = errors.New("iteration limit exceeded")

	// ErrNoModel indicates the orchestrator was built without a model.
	ErrNoModel = errors.New("no model configured")

	// ErrEmptyResponse indicates the model returned neither text nor tool calls.
	ErrEmptyResponse = errors.New("model returned an empty response")
)

// LoopPhase names a distinct phase in the orchestrator loop.
type LoopPhase string

const (
	PhaseCompose  LoopPhase = "compose"
	PhaseGenerate LoopPhase = "generate"
	PhaseConfirm  LoopPhase = "confirm"
	PhaseExecute  LoopPhase = "execute_tools"
	PhaseComplete LoopPhase = "complete"
)

// LoopError is an orchestration failure that ended a turn.
type LoopError struct {
	Phase     LoopPhase
	Iteration int
	Cause     error
}

// Error implements the error interface.
func (e *LoopError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("loop error at %s (iteration %d)", e.Phase, e.Iteration)
	}
	return fmt.Sprintf("loop error at %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *LoopError) Unwrap() error {
	return e.Cause
}

// PhaseOf returns the loop phase err was raised in, or "" when err is
// not a LoopError.
func PhaseOf(err error) LoopPhase {
	var le *LoopError
	if errors.As(err, &le) {
		return le.Phase
	}
	return ""
}
