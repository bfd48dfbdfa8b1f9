package agentloop

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrSessionIdentityMissing is returned before any state is touched when the
// caller did not supply a user identifier.
var ErrSessionIdentityMissing = errors.New("agentloop: session identity is missing a user id")

// ErrRecursionLimitExceeded is matched by RecursionLimitExceededError.
var ErrRecursionLimitExceeded = errors.New("agentloop: recursion limit exceeded")

// ErrSessionNotFound is returned by SessionStore.Get for unknown keys.
var ErrSessionNotFound = errors.New("agentloop: session not found")

// ErrStoreClosed is returned by a SessionStore after Close.
var ErrStoreClosed = errors.New("agentloop: session store is closed")

// ModelInvocationError reports a failed Decision Step. Nothing is appended
// to the conversation for the failed call.
type ModelInvocationError struct {
	Model string
	Cause error
}

func (e *ModelInvocationError) Error() string {
	if e.Model == "" {
		return fmt.Sprintf("model invocation failed: %v", e.Cause)
	}
	return fmt.Sprintf("model invocation failed (%s): %v", e.Model, e.Cause)
}

func (e *ModelInvocationError) Unwrap() error { return e.Cause }

// ToolNotFoundError is rendered in band when the model names an
// unregistered tool.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %q is not registered", e.Name)
}

// ToolExecutionError is rendered in band when a tool fails or panics.
type ToolExecutionError struct {
	Name  string
	Cause error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q failed: %v", e.Name, e.Cause)
}

func (e *ToolExecutionError) Unwrap() error { return e.Cause }

// RecursionLimitExceededError is returned when a turn completes Limit
// supersteps without a terminal answer. The conversation keeps everything
// appended up to that point.
type RecursionLimitExceededError struct {
	Limit      int
	Supersteps int
}

func (e *RecursionLimitExceededError) Error() string {
	return fmt.Sprintf("recursion limit of %d supersteps reached without a final answer", e.Limit)
}

func (e *RecursionLimitExceededError) Is(target error) bool {
	return target == ErrRecursionLimitExceeded
}

// StepTimeoutError reports a Decision or Dispatch step that ran past its
// deadline.
type StepTimeoutError struct {
	Step    string
	Timeout time.Duration
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("%s step timed out after %s", e.Step, e.Timeout)
}

func (e *StepTimeoutError) Unwrap() error { return context.DeadlineExceeded }
