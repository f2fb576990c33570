package evaluation

import (
	"fmt"

	"github.com/nvr-ai/seg-eval/dataset"
)

// ConfigurationError is returned by New for an invalid configuration or
// missing dependency. Nothing has been processed when it occurs.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid configuration: %s %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// DataExhaustedError is returned when the data source runs out before the
// requested number of steps.
type DataExhaustedError struct {
	// Processed is the number of steps completed before exhaustion.
	Processed int
	// Requested is the configured step count.
	Requested int
}

func (e *DataExhaustedError) Error() string {
	return fmt.Sprintf("data exhausted after %d of %d steps", e.Processed, e.Requested)
}

// Unwrap lets errors.Is match dataset.ErrExhausted.
func (e *DataExhaustedError) Unwrap() error { return dataset.ErrExhausted }

// ModelInvocationError wraps a failure of the model at a step.
type ModelInvocationError struct {
	Step int
	Err  error
}

func (e *ModelInvocationError) Error() string {
	return fmt.Sprintf("model invocation failed at step %d: %v", e.Step, e.Err)
}

func (e *ModelInvocationError) Unwrap() error { return e.Err }

// PersistenceError wraps a failure writing an output file.
type PersistenceError struct {
	Step int
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist step %d to %s: %v", e.Step, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
