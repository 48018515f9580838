package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestLoopError(t *testing.T) {
	tests := []struct {
		name string
		err  *LoopError
		want string
	}{
		{
			name: "with cause",
			err:  &LoopError{Phase: PhaseGenerate, Iteration: 3, Cause: errors.New("rate limited")},
			want: "loop error at generate (iteration 3): rate limited",
		},
		{
			name: "without cause",
			err:  &LoopError{Phase: PhaseComplete, Iteration: 20},
			want: "loop error at complete (iteration 20)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoopError_Unwrap(t *testing.T) {
	err := fmt.Errorf("turn failed: %w", &LoopError{Phase: PhaseComplete, Iteration: 20, Cause: ErrMaxIterations})
	if !errors.Is(err, ErrMaxIterations) {
		t.Fatal("expected errors.Is to find ErrMaxIterations")
	}
	if got := PhaseOf(err); got != PhaseComplete {
		t.Errorf("PhaseOf() = %q, want %q", got, PhaseComplete)
	}
	if got := PhaseOf(context.Canceled); got != "" {
		t.Errorf("PhaseOf(non-loop error) = %q, want empty", got)
	}
	if !strings.Contains(err.Error(), "iteration limit exceeded") {
		t.Errorf("message %q lacks cause", err.Error())
	}
}
