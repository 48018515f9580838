package tools

import (
	"errors"
	"fmt"
)

var (
	// ErrToolNotFound indicates a requested tool is not registered.
	ErrToolNotFound = errors.New("tool not found")

	// ErrInvalidArguments indicates arguments failed schema validation.
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// ErrorKind categorizes tool failures. It is carried on
// models.ToolCallResult.ErrorKind so the model and operators can tell
// failures apart.
type ErrorKind string

const (
	KindNotFound   ErrorKind = "not_found"
	KindValidation ErrorKind = "validation"
	KindExecution  ErrorKind = "execution"
	KindTimeout    ErrorKind = "timeout"
	KindPanic      ErrorKind = "panic"
	KindCancelled  ErrorKind = "cancelled"
	// KindFatal failures end the turn instead of becoming a tool result.
	KindFatal ErrorKind = "fatal"
)

// ToolError is a structured tool failure.
type ToolError struct {
	Kind  ErrorKind
	Tool  string
	Cause error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e.Tool == "" {
		return fmt.Sprintf("[tool:%s] %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("[tool:%s] %s: %v", e.Kind, e.Tool, e.Cause)
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error {
	return e.Cause
}

// Fatal marks err as fatal: the orchestrator stops the turn rather than
// handing the failure back to the model. Use it for failures the model
// cannot work around, such as the store being unavailable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &ToolError{Kind: KindFatal, Cause: err}
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var te *ToolError
	return errors.As(err, &te) && te.Kind == KindFatal
}
