package agent

import (
	"errors"
	"fmt"
)

// ErrCancelled marks a run that was stopped on request. It is terminal but
// not a failure; the run closes with finish reason "cancelled".
var ErrCancelled = errors.New("agent: run cancelled")

// ErrRunActive is returned when a message is sent to a variant that already
// has a stream in flight.
var ErrRunActive = errors.New("agent: a run is already active for this variant")

// ErrNotReady is returned when a blocking background job has not finished
// and the variant cannot accept messages yet.
var ErrNotReady = errors.New("agent: variant initialization not complete")

// ProviderTransportError wraps network or HTTP failures from a provider SDK.
// The run transitions to FAILED and the error is surfaced as an error part.
type ProviderTransportError struct {
	Provider string
	Model    string
	Err      error
}

func (e *ProviderTransportError) Error() string {
	return fmt.Sprintf("agent: %s transport failure for %s: %v", e.Provider, e.Model, e.Err)
}

func (e *ProviderTransportError) Unwrap() error { return e.Err }

// ToolExecutionError wraps I/O, timeout, or sandbox failures inside a tool.
// It is surfaced to the model as a structured tool result, never as a run
// failure.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("agent: tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// ContextOverflowError reports that even the sliding window alone exceeds
// the model's compression target. The call is still attempted with the
// window only.
type ContextOverflowError struct {
	TaskID string
	Model  string
	Tokens int
	Target int
}

func (e *ContextOverflowError) Error() string {
	return fmt.Sprintf("agent: context window for task %s exceeds target on %s: %d > %d tokens",
		e.TaskID, e.Model, e.Tokens, e.Target)
}

// PersistenceError wraps a store failure that exhausted its retries. The run
// transitions to FAILED.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("agent: persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
