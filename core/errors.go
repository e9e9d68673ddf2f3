package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced in messages and events.
type ErrorKind string

const (
	ErrorKindConfiguration     ErrorKind = "configuration"
	ErrorKindUnknownTool       ErrorKind = "unknown_tool"
	ErrorKindInvalidArguments  ErrorKind = "invalid_arguments"
	ErrorKindToolInvocation    ErrorKind = "tool_invocation"
	ErrorKindTimeout           ErrorKind = "timeout"
	ErrorKindCompletionService ErrorKind = "completion_service"
	ErrorKindCancelled         ErrorKind = "cancelled"
)

var (
	// ErrNotFound is returned by stores when an entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrThreadBusy is returned when a thread is already owned by a running execution.
	ErrThreadBusy = errors.New("thread is owned by another execution")
)

// ConfigurationError reports an invalid engine construction, such as a tool
// declaration no registration strategy accepts.
type ConfigurationError struct {
	Declaration string
	Reason      string
}

func (e *ConfigurationError) Error() string {
	if e.Declaration == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Declaration, e.Reason)
}

// NewConfigurationError describes decl by its dynamic type.
func NewConfigurationError(decl any, format string, args ...any) *ConfigurationError {
	d := ""
	if decl != nil {
		d = fmt.Sprintf("%T", decl)
		if s, ok := decl.(string); ok {
			d = fmt.Sprintf("%q", s)
		}
	}
	return &ConfigurationError{Declaration: d, Reason: fmt.Sprintf(format, args...)}
}

// ExecutionError terminates a run in the fatal_error state.
type ExecutionError struct {
	Kind ErrorKind
	Err  error
}

func (e *ExecutionError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// IsCancelled reports whether err is an ExecutionError caused by cancellation.
func IsCancelled(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee) && ee.Kind == ErrorKindCancelled
}
