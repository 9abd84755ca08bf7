package saga

import (
	"context"
	"fmt"
)

// Driver is an Orchestrator with its payload type erased, so that sagas of
// different types can be dispatched by name.
type Driver interface {
	Name() string
	NewID() string
	Start(ctx context.Context, payload []byte, correlationID, tenantID string) (*Outcome, error)
	// StartWithID starts a saga under an id obtained from NewID.
	StartWithID(ctx context.Context, sagaID string, payload []byte, correlationID, tenantID string) (*Outcome, error)
	Resume(ctx context.Context, sagaID string) (*Outcome, error)
	Compensate(ctx context.Context, sagaID string) (*Outcome, error)
}

type erased[T any] struct {
	o *Orchestrator[T]
}

// Erase wraps o as a Driver. Payloads go through o's codec.
func Erase[T any](o *Orchestrator[T]) Driver {
	return erased[T]{o: o}
}

func (e erased[T]) Name() string { return e.o.Name() }

func (e erased[T]) NewID() string { return e.o.NewID() }

func (e erased[T]) Start(ctx context.Context, payload []byte, correlationID, tenantID string) (*Outcome, error) {
	return e.StartWithID(ctx, e.o.NewID(), payload, correlationID, tenantID)
}

func (e erased[T]) StartWithID(ctx context.Context, sagaID string, payload []byte, correlationID, tenantID string) (*Outcome, error) {
	var data T
	if len(payload) > 0 {
		if err := e.o.codec.Unmarshal(payload, &data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	res, err := e.o.ExecuteWithID(ctx, sagaID, data, correlationID, tenantID)
	if err != nil {
		return nil, err
	}
	return e.outcome(res)
}

func (e erased[T]) Resume(ctx context.Context, sagaID string) (*Outcome, error) {
	res, err := e.o.Resume(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	return e.outcome(res)
}

func (e erased[T]) Compensate(ctx context.Context, sagaID string) (*Outcome, error) {
	res, err := e.o.Compensate(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	return e.outcome(res)
}

func (e erased[T]) outcome(res *Result[T]) (*Outcome, error) {
	out := &Outcome{
		Success: res.Success,
		SagaID:  res.SagaID,
		Status:  res.Status,
		Error:   res.Error,
	}
	if res.Data != nil {
		raw, err := e.o.codec.Marshal(res.Data)
		if err != nil {
			return nil, fmt.Errorf("encode saga payload: %w", err)
		}
		out.Payload = raw
	}
	return out, nil
}
