package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/exchange/saga/pkg/tracing"
)

// Options configures an Orchestrator. Zero fields fall back to defaults.
type Options struct {
	Retry    RetryPolicy
	Clock    Clock
	Codec    Codec
	Listener Listener
	NewID    func() string
}

// DefaultOptions returns the options used when nil is passed to NewOrchestrator.
func DefaultOptions() *Options {
	return &Options{
		Retry: DefaultRetryPolicy,
		Clock: SystemClock,
		Codec: JSONCodec,
		NewID: uuid.NewString,
	}
}

// Orchestrator drives sagas of one type. It keeps no per-saga state and is safe
// for concurrent use across distinct saga ids; callers must serialize calls for
// the same id.
type Orchestrator[T any] struct {
	name     string
	store    Store
	steps    StepFactory[T]
	retry    RetryPolicy
	clock    Clock
	codec    Codec
	listener Listener
	newID    func() string
}

func NewOrchestrator[T any](name string, store Store, steps StepFactory[T], opts *Options) *Orchestrator[T] {
	if opts == nil {
		opts = DefaultOptions()
	}
	o := &Orchestrator[T]{
		name:     name,
		store:    store,
		steps:    steps,
		retry:    opts.Retry.normalized(),
		clock:    opts.Clock,
		codec:    opts.Codec,
		listener: opts.Listener,
		newID:    opts.NewID,
	}
	if o.clock == nil {
		o.clock = SystemClock
	}
	if o.codec == nil {
		o.codec = JSONCodec
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	return o
}

// Name returns the saga type handled by this orchestrator.
func (o *Orchestrator[T]) Name() string {
	return o.name
}

// NewID returns a fresh saga id from the configured generator.
func (o *Orchestrator[T]) NewID() string {
	return o.newID()
}

// Execute starts a new saga with a fresh id and drives it from the first step.
// Business failures come back as a Result; only store and configuration errors
// are returned as error.
func (o *Orchestrator[T]) Execute(ctx context.Context, data T, correlationID, tenantID string) (*Result[T], error) {
	return o.ExecuteWithID(ctx, o.newID(), data, correlationID, tenantID)
}

// ExecuteWithID is Execute with a caller-assigned saga id, so the caller can
// lock the id before the first save. An id already in the store yields a
// PersistenceError wrapping ErrConflict.
func (o *Orchestrator[T]) ExecuteWithID(ctx context.Context, sagaID string, data T, correlationID, tenantID string) (*Result[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sagaID == "" {
		return nil, errors.New("saga id is required")
	}
	steps, err := o.buildSteps()
	if err != nil {
		return nil, err
	}
	payload, err := o.codec.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode saga payload: %w", err)
	}

	now := o.clock.Now()
	state := &State{
		ID:            sagaID,
		Name:          o.name,
		Status:        StatusRunning,
		Payload:       payload,
		Steps:         make([]StepState, len(steps)),
		CorrelationID: correlationID,
		TenantID:      tenantID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for i, step := range steps {
		state.Steps[i] = StepState{Index: i, Name: step.Name(), Status: StepPending}
	}
	if err := o.save(ctx, state, "insert"); err != nil {
		return nil, err
	}
	o.emit(ctx, state, EventSagaStarted, -1, 0)

	sc := &Context[T]{
		ID:            state.ID,
		Name:          o.name,
		Data:          &data,
		CorrelationID: correlationID,
		TenantID:      tenantID,
	}
	return o.run(ctx, state, steps, sc)
}

// Resume continues a saga from its persisted step index. Terminal sagas are
// returned as stored; a saga caught mid-compensation continues compensating.
func (o *Orchestrator[T]) Resume(ctx context.Context, sagaID string) (*Result[T], error) {
	state, err := o.load(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if state.Status.IsTerminal() {
		return o.storedResult(state)
	}
	steps, err := o.stepsFor(state)
	if err != nil {
		return nil, err
	}
	if state.Status == StatusCompensating {
		return o.compensate(ctx, state, steps, state.CurrentStep)
	}

	sc, err := o.restore(state)
	if err != nil {
		return nil, err
	}
	state.Status = StatusRunning
	state.NextRetryAt = nil
	state.UpdatedAt = o.clock.Now()
	if err := o.save(ctx, state, "resume"); err != nil {
		return nil, err
	}
	o.emit(ctx, state, EventSagaResumed, -1, 0)
	return o.run(ctx, state, steps, sc)
}

// Compensate rolls back every completed step regardless of the retry budget.
func (o *Orchestrator[T]) Compensate(ctx context.Context, sagaID string) (*Result[T], error) {
	state, err := o.load(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if state.Status.IsTerminal() {
		return o.storedResult(state)
	}
	steps, err := o.stepsFor(state)
	if err != nil {
		return nil, err
	}
	if state.Status != StatusCompensating {
		state.Status = StatusCompensating
		state.NextRetryAt = nil
		state.UpdatedAt = o.clock.Now()
		if err := o.save(ctx, state, "compensate"); err != nil {
			return nil, err
		}
		o.emit(ctx, state, EventSagaCompensating, -1, 0)
	}
	return o.compensate(ctx, state, steps, state.CurrentStep)
}

type stepOutcome int

const (
	stepSucceeded stepOutcome = iota
	stepRetry
	stepExhausted
	stepCancelled
)

func (o *Orchestrator[T]) run(ctx context.Context, state *State, steps []Step[T], sc *Context[T]) (*Result[T], error) {
	for i := state.CurrentStep; i < len(steps); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ss := &state.Steps[i]
		now := o.clock.Now()
		state.CurrentStep = i
		sc.CurrentStep = i
		ss.Status = StepExecuting
		ss.StartedAt = timePtr(now)
		ss.CompletedAt = nil
		state.UpdatedAt = now
		// 执行前落盘，崩溃后从该步骤重入
		if err := o.save(ctx, state, "step-start"); err != nil {
			return nil, err
		}
		o.emit(ctx, state, EventStepStarted, i, 0)

		outcome, stepErr := o.attempt(ctx, steps[i], i, sc, state)
		elapsed := o.clock.Now().Sub(now)

		switch outcome {
		case stepCancelled:
			return nil, stepErr

		case stepSucceeded:
			payload, err := o.codec.Marshal(sc.Data)
			if err != nil {
				return nil, fmt.Errorf("encode saga payload: %w", err)
			}
			done := o.clock.Now()
			ss.Status = StepCompleted
			ss.CompletedAt = timePtr(done)
			ss.Error = ""
			state.Payload = payload
			state.CurrentStep = i + 1
			state.UpdatedAt = done
			if err := o.save(ctx, state, "step-complete"); err != nil {
				return nil, err
			}
			o.emit(ctx, state, EventStepCompleted, i, elapsed)

		case stepRetry:
			next := o.clock.Now().Add(o.retry.Delay(ss.RetryCount))
			state.Status = StatusSuspended
			state.NextRetryAt = &next
			state.UpdatedAt = o.clock.Now()
			if err := o.save(ctx, state, "suspend"); err != nil {
				return nil, err
			}
			o.emit(ctx, state, EventStepFailed, i, elapsed)
			o.emit(ctx, state, EventSagaSuspended, i, 0)
			return &Result[T]{SagaID: state.ID, Status: state.Status, Error: state.LastError}, nil

		case stepExhausted:
			state.Status = StatusCompensating
			state.LastError = fmt.Sprintf("%v: %s", ErrRetriesExhausted, state.LastError)
			state.NextRetryAt = nil
			state.UpdatedAt = o.clock.Now()
			if err := o.save(ctx, state, "exhausted"); err != nil {
				return nil, err
			}
			o.emit(ctx, state, EventStepFailed, i, elapsed)
			o.emit(ctx, state, EventSagaCompensating, i, 0)
			return o.compensate(ctx, state, steps, i-1)
		}
	}

	now := o.clock.Now()
	state.Status = StatusCompleted
	state.CurrentStep = len(steps)
	state.LastError = ""
	state.NextRetryAt = nil
	state.CompletedAt = timePtr(now)
	state.UpdatedAt = now
	if err := o.save(ctx, state, "complete"); err != nil {
		return nil, err
	}
	o.emit(ctx, state, EventSagaCompleted, -1, now.Sub(state.CreatedAt))
	return &Result[T]{Success: true, SagaID: state.ID, Status: state.Status, Data: sc.Data}, nil
}

// attempt runs one forward step and classifies the result. Failure bookkeeping
// is applied to state but not persisted.
func (o *Orchestrator[T]) attempt(ctx context.Context, step Step[T], i int, sc *Context[T], state *State) (stepOutcome, error) {
	err := o.invoke(ctx, "execute", step.Name(), i, sc, step.Execute)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return stepCancelled, ctxErr
	}
	if err == nil {
		return stepSucceeded, nil
	}

	ss := &state.Steps[i]
	ss.Status = StepFailed
	ss.Error = errorMessage(err)
	ss.RetryCount++
	state.RetryCount++
	state.LastError = err.Error()

	if o.retry.ShouldRetry(ss.RetryCount) {
		return stepRetry, err
	}
	return stepExhausted, err
}

func (o *Orchestrator[T]) compensate(ctx context.Context, state *State, steps []Step[T], from int) (*Result[T], error) {
	sc, err := o.restore(state)
	if err != nil {
		return nil, err
	}
	if from >= len(steps) {
		from = len(steps) - 1
	}

	var failed []string
	for j := from; j >= 0; j-- {
		ss := &state.Steps[j]
		// 只回滚已完成的步骤；COMPENSATING 表示上次补偿中途退出
		if ss.Status != StepCompleted && ss.Status != StepCompensating {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := o.clock.Now()
		sc.CurrentStep = j
		ss.Status = StepCompensating
		state.UpdatedAt = now
		if err := o.save(ctx, state, "compensate-start"); err != nil {
			return nil, err
		}
		o.emit(ctx, state, EventStepCompensating, j, 0)

		cerr := o.invoke(ctx, "compensate", steps[j].Name(), j, sc, steps[j].Compensate)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		elapsed := o.clock.Now().Sub(now)
		state.UpdatedAt = o.clock.Now()
		if cerr != nil {
			ss.Status = StepCompensationFailed
			ss.Error = errorMessage(cerr)
			failed = append(failed, ss.Name)
		} else {
			ss.Status = StepCompensated
		}
		if err := o.save(ctx, state, "compensate-step"); err != nil {
			return nil, err
		}
		if cerr != nil {
			o.emit(ctx, state, EventStepCompensationFailed, j, elapsed)
		} else {
			o.emit(ctx, state, EventStepCompensated, j, elapsed)
		}
	}

	// 补偿中断后重入时，之前失败的步骤也要计入
	for j := range state.Steps {
		if state.Steps[j].Status == StepCompensationFailed && !contains(failed, state.Steps[j].Name) {
			failed = append(failed, state.Steps[j].Name)
		}
	}

	now := o.clock.Now()
	state.NextRetryAt = nil
	state.UpdatedAt = now
	event := EventSagaCompensated
	if len(failed) > 0 {
		state.Status = StatusFailed
		state.LastError = (&CompensationError{Steps: failed}).Error()
		event = EventSagaFailed
	} else {
		state.Status = StatusCompensated
		state.CompletedAt = timePtr(now)
	}
	if err := o.save(ctx, state, "compensate-finish"); err != nil {
		return nil, err
	}
	o.emit(ctx, state, event, -1, 0)
	return o.failureResult(state), nil
}

// invoke runs fn inside a span and converts errors and panics into *StepError.
func (o *Orchestrator[T]) invoke(ctx context.Context, op, name string, i int, sc *Context[T], fn func(context.Context, *Context[T]) error) (err error) {
	spanCtx, span := tracing.StartStepSpan(ctx, op, o.name, sc.ID, name, i)
	panicked := false
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = &StepError{Step: name, Index: i, Err: fmt.Errorf("%v", r), Panic: true}
		}
		tracing.EndStep(span, err, panicked)
	}()

	if ferr := fn(spanCtx, sc); ferr != nil {
		return &StepError{Step: name, Index: i, Err: ferr}
	}
	return nil
}

func (o *Orchestrator[T]) buildSteps() ([]Step[T], error) {
	if o.steps == nil {
		return nil, fmt.Errorf("%w: saga %s has no step factory", ErrInvalidSteps, o.name)
	}
	steps := o.steps()
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: saga %s has no steps", ErrInvalidSteps, o.name)
	}
	seen := make(map[string]struct{}, len(steps))
	for i, step := range steps {
		if step == nil || step.Name() == "" {
			return nil, fmt.Errorf("%w: step %d of saga %s is unnamed", ErrInvalidSteps, i, o.name)
		}
		if _, ok := seen[step.Name()]; ok {
			return nil, fmt.Errorf("%w: duplicate step %q in saga %s", ErrInvalidSteps, step.Name(), o.name)
		}
		seen[step.Name()] = struct{}{}
	}
	return steps, nil
}

// stepsFor rebuilds the step list and checks it against the persisted step states.
func (o *Orchestrator[T]) stepsFor(state *State) ([]Step[T], error) {
	steps, err := o.buildSteps()
	if err != nil {
		return nil, err
	}
	if len(steps) != len(state.Steps) {
		return nil, fmt.Errorf("%w: saga %s has %d steps, factory built %d",
			ErrStepMismatch, state.ID, len(state.Steps), len(steps))
	}
	for i, step := range steps {
		if step.Name() != state.Steps[i].Name {
			return nil, fmt.Errorf("%w: saga %s step %d is %q, factory built %q",
				ErrStepMismatch, state.ID, i, state.Steps[i].Name, step.Name())
		}
	}
	if state.CurrentStep < 0 || state.CurrentStep > len(steps) {
		return nil, fmt.Errorf("%w: saga %s current step %d out of range", ErrStepMismatch, state.ID, state.CurrentStep)
	}
	return steps, nil
}

func (o *Orchestrator[T]) load(ctx context.Context, sagaID string) (*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	state, err := o.store.Get(ctx, sagaID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, sagaID)
		}
		return nil, persistenceErr("get", sagaID, err)
	}
	if state.Name != o.name {
		return nil, fmt.Errorf("%w: saga %s belongs to %q, not %q", ErrStepMismatch, sagaID, state.Name, o.name)
	}
	return state, nil
}

func (o *Orchestrator[T]) restore(state *State) (*Context[T], error) {
	data := new(T)
	if len(state.Payload) > 0 {
		if err := o.codec.Unmarshal(state.Payload, data); err != nil {
			return nil, fmt.Errorf("decode payload of saga %s: %w", state.ID, err)
		}
	}
	return &Context[T]{
		ID:            state.ID,
		Name:          state.Name,
		Data:          data,
		CorrelationID: state.CorrelationID,
		TenantID:      state.TenantID,
		CurrentStep:   state.CurrentStep,
	}, nil
}

func (o *Orchestrator[T]) storedResult(state *State) (*Result[T], error) {
	if state.Status != StatusCompleted {
		return o.failureResult(state), nil
	}
	sc, err := o.restore(state)
	if err != nil {
		return nil, err
	}
	return &Result[T]{Success: true, SagaID: state.ID, Status: state.Status, Data: sc.Data}, nil
}

func (o *Orchestrator[T]) failureResult(state *State) *Result[T] {
	msg := state.LastError
	if msg == "" {
		msg = "saga " + string(state.Status)
	}
	return &Result[T]{SagaID: state.ID, Status: state.Status, Error: msg}
}

func (o *Orchestrator[T]) save(ctx context.Context, state *State, op string) error {
	if err := o.store.Save(ctx, state); err != nil {
		return persistenceErr(op, state.ID, err)
	}
	return nil
}

func (o *Orchestrator[T]) emit(ctx context.Context, state *State, typ EventType, step int, d time.Duration) {
	if o.listener == nil {
		return
	}
	ev := Event{
		Type:          typ,
		SagaID:        state.ID,
		Saga:          state.Name,
		Status:        state.Status,
		StepIndex:     state.CurrentStep,
		Duration:      d,
		CorrelationID: state.CorrelationID,
		TenantID:      state.TenantID,
		Timestamp:     o.clock.Now(),
	}
	if step >= 0 && step < len(state.Steps) {
		ss := state.Steps[step]
		ev.Step = ss.Name
		ev.StepIndex = step
		ev.RetryCount = ss.RetryCount
		ev.Error = ss.Error
	} else {
		ev.RetryCount = state.RetryCount
		ev.Error = state.LastError
	}
	if typ == EventSagaSuspended {
		ev.NextRetryAt = cloneTime(state.NextRetryAt)
	}
	o.listener.OnEvent(ctx, ev)
}

// errorMessage strips the StepError envelope for the per-step error field.
func errorMessage(err error) string {
	var se *StepError
	if errors.As(err, &se) {
		if se.Panic {
			return "panic: " + se.Err.Error()
		}
		return se.Err.Error()
	}
	return err.Error()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
