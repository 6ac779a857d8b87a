package manager

import (
	"errors"
	"fmt"
)

// ExecutionError fails the job that requested the model, not the worker.
type ExecutionError struct {
	ModelID string
	LoRAID  string
	Op      string
	Err     error
}

func (e *ExecutionError) Error() string {
	id := e.ModelID
	if e.LoRAID != "" {
		id += "#" + e.LoRAID
	}
	return fmt.Sprintf("execution error: %s %s: %v", e.Op, id, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// IsExecutionError reports whether err is (or wraps) an ExecutionError.
func IsExecutionError(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee)
}

func execErr(op, model, lora string, err error) error {
	return &ExecutionError{ModelID: model, LoRAID: lora, Op: op, Err: err}
}

// ErrModelNotFound returns an error when a requested model id is not present in the catalog.
type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.id }

func ErrModelNotFound(id string) error { return modelNotFoundError{id: id} }

// IsModelNotFound reports whether the error indicates a missing model id.
func IsModelNotFound(err error) bool {
	var nf modelNotFoundError
	return errors.As(err, &nf)
}

var (
	errWeightsMissing = errors.New("weight file not found")
	errIneligibleType = errors.New("model type not enabled on this worker")
	errLoRAMismatch   = errors.New("lora trained for a different base model type")
	errLoRADisabled   = errors.New("lora overlays disabled")
	// The model id and the explicit lora argument name different overlays.
	errConflictingLoRA = errors.New("conflicting lora overlay")
)
