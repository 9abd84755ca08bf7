package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	commonerrors "github.com/exchange/saga/pkg/errors"
	"github.com/exchange/saga/pkg/response"
	"github.com/exchange/saga/pkg/saga"
)

func TestSagaClientStart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/sagas" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req StartSagaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Name != "order-placement" || string(req.Payload) != `{"orderId":1}` {
			t.Fatalf("unexpected request %+v", req)
		}
		response.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"success": false, "sagaId": "s-1", "status": "FAILED", "error": "compensation failed for steps: freeze-balance",
			"needsIntervention": true,
		})
	}))
	defer server.Close()

	c := NewSagaClient(server.URL, time.Second)
	out, err := c.Start(context.Background(), &StartSagaRequest{Name: "order-placement", Payload: json.RawMessage(`{"orderId":1}`)})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if out.SagaID != "s-1" || out.Status != saga.StatusFailed || !out.NeedsIntervention {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestSagaClientGetAndList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/sagas/s-1":
			response.WriteJSON(w, http.StatusOK, SagaView{ID: "s-1", Name: "order-placement", Status: saga.StatusSuspended, Payload: json.RawMessage(`{"a":1}`)})
		case r.URL.Path == "/v1/sagas" && r.URL.Query().Get("status") == "SUSPENDED":
			response.WriteJSON(w, http.StatusOK, ListResponse{Sagas: []SagaView{{ID: "s-1"}, {ID: "s-2"}}})
		default:
			t.Fatalf("unexpected request %s", r.URL.String())
		}
	}))
	defer server.Close()

	c := NewSagaClient(server.URL, 0)
	view, err := c.Get(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Status != saga.StatusSuspended || string(view.Payload) != `{"a":1}` {
		t.Fatalf("unexpected view %+v", view)
	}
	list, err := c.List(context.Background(), saga.StatusSuspended)
	if err != nil || len(list) != 2 {
		t.Fatalf("list: %v %v", list, err)
	}
}

func TestSagaClientResumeCompensateDelete(t *testing.T) {
	var calls []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		response.WriteJSON(w, http.StatusOK, map[string]interface{}{"sagaId": "s-1", "status": "COMPENSATED"})
	}))
	defer server.Close()

	c := NewSagaClient(server.URL, time.Second)
	ctx := context.Background()
	if _, err := c.Resume(ctx, "s-1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	out, err := c.Compensate(ctx, "s-1")
	if err != nil || out.Status != saga.StatusCompensated {
		t.Fatalf("compensate: %+v %v", out, err)
	}
	if err := c.Delete(ctx, "s-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	want := []string{"POST /v1/sagas/s-1/resume", "POST /v1/sagas/s-1/compensate", "DELETE /v1/sagas/s-1"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
}

func TestSagaClientDecodesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		response.WriteErrorCode(w, r, commonerrors.CodeSagaNotFound, "saga not found")
	}))
	defer server.Close()

	c := NewSagaClient(server.URL, time.Second)
	_, err := c.Get(context.Background(), "missing")
	var apiErr *commonerrors.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *errors.Error, got %v", err)
	}
	if apiErr.Code != commonerrors.CodeSagaNotFound || apiErr.HTTPStatus() != http.StatusNotFound {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestSagaClientPlainStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := NewSagaClient(server.URL, time.Second)
	if err := c.Delete(context.Background(), "x"); err == nil || err.Error() != "status code: 502" {
		t.Fatalf("unexpected error %v", err)
	}
}
