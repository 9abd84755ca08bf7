// Package saga drives long-running transactions as an ordered list of steps,
// each paired with a compensating action.
//
// Progress is persisted through a Store after every step transition so that a
// saga can be resumed after a crash. A failing step is retried with capped
// exponential backoff by suspending the saga; once the retry budget is spent
// every completed step is compensated in reverse order.
package saga

import (
	"context"
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a saga transaction.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusRunning      Status = "RUNNING"
	StatusSuspended    Status = "SUSPENDED"
	StatusCompleted    Status = "COMPLETED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
	StatusFailed       Status = "FAILED"
)

// IsTerminal reports whether no further transition is possible.
// FAILED is terminal but needs manual intervention.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailed:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuspended, StatusCompleted,
		StatusCompensating, StatusCompensated, StatusFailed:
		return true
	default:
		return false
	}
}

// StepStatus 单个步骤状态
type StepStatus string

const (
	StepPending            StepStatus = "PENDING"
	StepExecuting          StepStatus = "EXECUTING"
	StepCompleted          StepStatus = "COMPLETED"
	StepFailed             StepStatus = "FAILED"
	StepCompensating       StepStatus = "COMPENSATING"
	StepCompensated        StepStatus = "COMPENSATED"
	StepCompensationFailed StepStatus = "COMPENSATION_FAILED"
)

// Step is a saga unit of work with a compensating action.
// Steps hold no state of their own; everything mutable lives in Context.Data.
// Execute may run more than once for the same saga, so it must be idempotent.
type Step[T any] interface {
	Name() string
	Execute(ctx context.Context, sc *Context[T]) error
	Compensate(ctx context.Context, sc *Context[T]) error
}

// FuncStep is a Step built from plain functions. A nil Undo compensates as a no-op.
type FuncStep[T any] struct {
	StepName string
	Do       func(ctx context.Context, sc *Context[T]) error
	Undo     func(ctx context.Context, sc *Context[T]) error
}

func (s FuncStep[T]) Name() string { return s.StepName }

func (s FuncStep[T]) Execute(ctx context.Context, sc *Context[T]) error {
	if s.Do == nil {
		return nil
	}
	return s.Do(ctx, sc)
}

func (s FuncStep[T]) Compensate(ctx context.Context, sc *Context[T]) error {
	if s.Undo == nil {
		return nil
	}
	return s.Undo(ctx, sc)
}

// StepFactory builds the ordered step list of one saga type. It is called at the
// start of every Execute, Resume and Compensate and must return the same steps in
// the same order each time.
type StepFactory[T any] func() []Step[T]

// Context carries one in-flight execution. It is never shared between concurrent drivers.
type Context[T any] struct {
	ID            string
	Name          string
	Data          *T
	CorrelationID string
	TenantID      string
	CurrentStep   int
}

// StepState is the persisted progress of one configured step.
type StepState struct {
	Index       int        `json:"index"`
	Name        string     `json:"name"`
	Status      StepStatus `json:"status"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
	RetryCount  int        `json:"retryCount"`
}

// State is the persisted record of a saga execution.
type State struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Status        Status      `json:"status"`
	Payload       []byte      `json:"payload,omitempty"`
	CurrentStep   int         `json:"currentStep"`
	Steps         []StepState `json:"steps"`
	LastError     string      `json:"lastError,omitempty"`
	RetryCount    int         `json:"retryCount"`
	NextRetryAt   *time.Time  `json:"nextRetryAt,omitempty"`
	CorrelationID string      `json:"correlationId,omitempty"`
	TenantID      string      `json:"tenantId,omitempty"`
	// Version is the optimistic concurrency token. Zero means never saved.
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	if s.Payload != nil {
		out.Payload = append([]byte(nil), s.Payload...)
	}
	if s.Steps != nil {
		out.Steps = make([]StepState, len(s.Steps))
		for i, st := range s.Steps {
			st.StartedAt = cloneTime(st.StartedAt)
			st.CompletedAt = cloneTime(st.CompletedAt)
			out.Steps[i] = st
		}
	}
	out.NextRetryAt = cloneTime(s.NextRetryAt)
	out.CompletedAt = cloneTime(s.CompletedAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// Result is what Execute, Resume and Compensate report for business outcomes.
// Data is only set when Success is true.
type Result[T any] struct {
	Success bool
	SagaID  string
	Status  Status
	Data    *T
	Error   string
}

// NeedsIntervention reports whether an operator has to look at the saga.
func (r *Result[T]) NeedsIntervention() bool {
	return r != nil && r.Status == StatusFailed
}

// Outcome is a Result with the payload kept in encoded form.
type Outcome struct {
	Success bool            `json:"success"`
	SagaID  string          `json:"sagaId"`
	Status  Status          `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Store persists saga state. Save is an upsert keyed by ID with compare-and-swap
// on Version: a zero Version inserts, otherwise the stored version must match.
// On success the store increments state.Version. A mismatch yields ErrConflict.
type Store interface {
	Save(ctx context.Context, state *State) error
	Get(ctx context.Context, sagaID string) (*State, error)
	GetByStatus(ctx context.Context, status Status) ([]*State, error)
	// GetPendingRetries returns at most batchSize SUSPENDED sagas whose
	// NextRetryAt is not after now, earliest first.
	GetPendingRetries(ctx context.Context, now time.Time, batchSize int) ([]*State, error)
	Delete(ctx context.Context, sagaID string) error
}

// Clock abstracts time for timestamps and retry scheduling.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock is the wall clock in UTC.
var SystemClock Clock = systemClock{}

// Codec encodes the application payload into State.Payload.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// JSONCodec is the default payload codec.
var JSONCodec Codec = jsonCodec{}
