package saga

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned for an unknown saga id.
	ErrNotFound = errors.New("saga not found")
	// ErrConflict is returned by a Store when the version token does not match.
	ErrConflict = errors.New("saga version conflict")
	// ErrInvalidSteps means the step factory produced an unusable list.
	ErrInvalidSteps = errors.New("invalid saga steps")
	// ErrStepMismatch means the step factory no longer matches the persisted steps.
	ErrStepMismatch = errors.New("saga steps do not match persisted state")
	// ErrRetriesExhausted marks a step failure that triggered compensation.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrInvalidPayload means a raw payload could not be decoded into the saga data type.
	ErrInvalidPayload = errors.New("invalid saga payload")
)

// StepError wraps the failure of one step invocation.
type StepError struct {
	Step  string
	Index int
	Err   error
	Panic bool
}

func (e *StepError) Error() string {
	if e.Panic {
		return fmt.Sprintf("step %d (%s): panic: %v", e.Index, e.Step, e.Err)
	}
	return fmt.Sprintf("step %d (%s): %v", e.Index, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// CompensationError lists steps whose compensation failed. The saga is left FAILED.
type CompensationError struct {
	Steps []string
}

func (e *CompensationError) Error() string {
	return "compensation failed for steps: " + strings.Join(e.Steps, ", ")
}

// PersistenceError wraps a Store failure. It is always returned to the caller.
type PersistenceError struct {
	Op     string
	SagaID string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("saga store %s %s: %v", e.Op, e.SagaID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistenceErr(op, sagaID string, err error) error {
	return &PersistenceError{Op: op, SagaID: sagaID, Err: err}
}
