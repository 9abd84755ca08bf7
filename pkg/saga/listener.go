package saga

import (
	"context"
	"time"

	"github.com/exchange/saga/pkg/logger"
)

// EventType names an engine transition.
type EventType string

const (
	EventSagaStarted            EventType = "saga.started"
	EventSagaResumed            EventType = "saga.resumed"
	EventStepStarted            EventType = "step.started"
	EventStepCompleted          EventType = "step.completed"
	EventStepFailed             EventType = "step.failed"
	EventSagaSuspended          EventType = "saga.suspended"
	EventSagaCompensating       EventType = "saga.compensating"
	EventStepCompensating       EventType = "step.compensating"
	EventStepCompensated        EventType = "step.compensated"
	EventStepCompensationFailed EventType = "step.compensation_failed"
	EventSagaCompleted          EventType = "saga.completed"
	EventSagaCompensated        EventType = "saga.compensated"
	EventSagaFailed             EventType = "saga.failed"
)

// Event is a structured step transition emitted by the orchestrator.
type Event struct {
	Type          EventType     `json:"type"`
	SagaID        string        `json:"sagaId"`
	Saga          string        `json:"saga"`
	Status        Status        `json:"status"`
	Step          string        `json:"step,omitempty"`
	StepIndex     int           `json:"stepIndex"`
	RetryCount    int           `json:"retryCount,omitempty"`
	Error         string        `json:"error,omitempty"`
	Duration      time.Duration `json:"duration,omitempty"`
	NextRetryAt   *time.Time    `json:"nextRetryAt,omitempty"`
	CorrelationID string        `json:"correlationId,omitempty"`
	TenantID      string        `json:"tenantId,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Listener receives engine events. Implementations must not block for long;
// OnEvent runs inline with the step loop.
type Listener interface {
	OnEvent(ctx context.Context, ev Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, ev Event)

func (f ListenerFunc) OnEvent(ctx context.Context, ev Event) { f(ctx, ev) }

type multiListener []Listener

func (m multiListener) OnEvent(ctx context.Context, ev Event) {
	for _, l := range m {
		l.OnEvent(ctx, ev)
	}
}

// MultiListener fans an event out to every non-nil listener.
func MultiListener(listeners ...Listener) Listener {
	out := make(multiListener, 0, len(listeners))
	for _, l := range listeners {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

type logListener struct {
	log *logger.Logger
}

// NewLogListener 将引擎事件写入结构化日志
func NewLogListener(log *logger.Logger) Listener {
	if log == nil {
		log = logger.Nop()
	}
	return &logListener{log: log}
}

func (l *logListener) OnEvent(ctx context.Context, ev Event) {
	fields := map[string]interface{}{
		"event":     string(ev.Type),
		"status":    string(ev.Status),
		"stepIndex": ev.StepIndex,
	}
	if ev.Step != "" {
		fields["step"] = ev.Step
	}
	if ev.RetryCount > 0 {
		fields["retryCount"] = ev.RetryCount
	}
	if ev.Duration > 0 {
		fields["durationMs"] = ev.Duration.Milliseconds()
	}
	if ev.NextRetryAt != nil {
		fields["nextRetryAt"] = ev.NextRetryAt.UnixMilli()
	}
	if ev.TenantID != "" {
		fields["tenantID"] = ev.TenantID
	}
	if ev.Error != "" {
		fields["error"] = ev.Error
	}

	log := l.log.WithContext(logger.ContextWithCorrelationID(ctx, ev.CorrelationID)).WithSaga(ev.SagaID, ev.Saga)
	switch ev.Type {
	case EventSagaFailed, EventStepCompensationFailed:
		log.Errorf("saga event", fields)
	case EventStepFailed, EventSagaSuspended, EventSagaCompensating:
		log.Warnf("saga event", fields)
	case EventStepStarted, EventStepCompensating:
		log.Debugf("saga event", fields)
	default:
		log.Infof("saga event", fields)
	}
}
