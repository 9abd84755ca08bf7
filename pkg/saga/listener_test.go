package saga

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/exchange/saga/pkg/logger"
)

func TestLogListenerWritesStructuredEvent(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogListener(logger.New("saga", &buf))

	l.OnEvent(context.Background(), Event{
		Type:          EventStepCompensationFailed,
		SagaID:        "s1",
		Saga:          "trip",
		Status:        StatusCompensating,
		Step:          "charge",
		StepIndex:     1,
		Error:         "refund rejected",
		CorrelationID: "corr-9",
	})

	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log: %v (%s)", err, buf.String())
	}
	if entry["level"] != "error" {
		t.Fatalf("expected error level, got %v", entry["level"])
	}
	for key, want := range map[string]string{
		"sagaID": "s1", "saga": "trip", "step": "charge",
		"event": "step.compensation_failed", "correlationID": "corr-9", "error": "refund rejected",
	} {
		if entry[key] != want {
			t.Fatalf("field %s = %v, want %s", key, entry[key], want)
		}
	}
}

func TestNilLoggerListenerIsSafe(t *testing.T) {
	l := NewLogListener(nil)
	l.OnEvent(context.Background(), Event{Type: EventSagaStarted})

	var buf bytes.Buffer
	info := NewLogListener(logger.New("saga", &buf).SetLevel("info"))
	info.OnEvent(context.Background(), Event{Type: EventStepStarted})
	if strings.TrimSpace(buf.String()) != "" {
		t.Fatalf("step.started should log at debug level")
	}
}
