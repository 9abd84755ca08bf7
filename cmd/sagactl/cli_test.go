package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/exchange/saga/internal/client"
	"github.com/exchange/saga/internal/handler"
	"github.com/exchange/saga/internal/service"
	commonerrors "github.com/exchange/saga/pkg/errors"
	"github.com/exchange/saga/pkg/saga"
)

type deposit struct {
	Amount int64 `json:"amount"`
	Booked bool  `json:"booked"`
}

func newTestServer(t *testing.T, failBooking bool) *httptest.Server {
	t.Helper()
	store := saga.NewMemoryStore()
	factory := func() []saga.Step[deposit] {
		return []saga.Step[deposit]{
			saga.FuncStep[deposit]{StepName: "book", Do: func(ctx context.Context, sc *saga.Context[deposit]) error {
				if failBooking {
					return errors.New("ledger offline")
				}
				sc.Data.Booked = true
				return nil
			}},
		}
	}
	opts := saga.DefaultOptions()
	opts.Retry.MaxRetries = 1

	svc := service.NewSagaService(store, nil, nil)
	if err := svc.Register(saga.Erase(saga.NewOrchestrator[deposit]("deposit", store, factory, opts))); err != nil {
		t.Fatalf("register: %v", err)
	}
	mux := http.NewServeMux()
	handler.New(svc, nil).Register(mux)
	srv := httptest.NewServer(handler.Wrap(mux, nil))
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := newCLI(&out).Exec(append([]string{"--addr", srv.URL}, args...))
	return out.String(), err
}

func TestStartAndGet(t *testing.T) {
	srv := newTestServer(t, false)

	out, err := run(t, srv, "start", "deposit", "--payload", `{"amount":7}`, "--tenant-id", "t-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	var res client.OutcomeResponse
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode start output %q: %v", out, err)
	}
	if !res.Success || res.Status != saga.StatusCompleted {
		t.Fatalf("unexpected outcome %+v", res)
	}

	out, err = run(t, srv, "get", res.SagaID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var view client.SagaView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("decode get output: %v", err)
	}
	var data deposit
	if err := json.Unmarshal(view.Payload, &data); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if view.TenantID != "t-1" || data.Amount != 7 || !data.Booked {
		t.Fatalf("unexpected view %+v payload=%s", view, view.Payload)
	}

	out, err = run(t, srv, "delete", res.SagaID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !strings.Contains(out, "deleted "+res.SagaID) {
		t.Fatalf("unexpected delete output %q", out)
	}
}

func TestPayloadFile(t *testing.T) {
	srv := newTestServer(t, false)
	path := filepath.Join(t.TempDir(), "payload.json")
	if err := os.WriteFile(path, []byte(`{"amount":3}`), 0o600); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	if _, err := run(t, srv, "start", "deposit", "--payload-file", path); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := run(t, srv, "start", "deposit", "--payload", "{", "--payload-file", path); err == nil {
		t.Fatal("expected conflict between payload flags")
	}
	if _, err := run(t, srv, "start", "deposit", "--payload", "{"); err == nil {
		t.Fatal("expected invalid json error")
	}
}

func TestListResumeCompensate(t *testing.T) {
	srv := newTestServer(t, true)

	out, err := run(t, srv, "start", "deposit")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	var res client.OutcomeResponse
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Status != saga.StatusSuspended {
		t.Fatalf("expected suspended, got %+v", res)
	}

	out, err = run(t, srv, "list", "--status", "suspended")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var list client.ListResponse
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Sagas) != 1 || list.Sagas[0].ID != res.SagaID {
		t.Fatalf("unexpected list %+v", list)
	}

	// 第二次失败用尽重试，进入补偿
	out, err = run(t, srv, "resume", res.SagaID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode resume: %v", err)
	}
	if res.Status != saga.StatusCompensated || res.Success {
		t.Fatalf("expected compensated, got %+v", res)
	}

	out, err = run(t, srv, "compensate", res.SagaID)
	if err != nil {
		t.Fatalf("compensate: %v", err)
	}
	if !strings.Contains(out, string(saga.StatusCompensated)) {
		t.Fatalf("terminal saga should be returned as stored, got %s", out)
	}

	if _, err := run(t, srv, "list", "--status", "bogus"); err == nil {
		t.Fatal("expected unknown status error")
	}
}

func TestServerErrorsSurface(t *testing.T) {
	srv := newTestServer(t, false)

	_, err := run(t, srv, "get", "missing")
	var apiErr *commonerrors.Error
	if !errors.As(err, &apiErr) || apiErr.Code != commonerrors.CodeSagaNotFound {
		t.Fatalf("expected SAGA_NOT_FOUND, got %v", err)
	}

	_, err = run(t, srv, "start", "payout")
	if !errors.As(err, &apiErr) || apiErr.Code != commonerrors.CodeUnknownSaga {
		t.Fatalf("expected UNKNOWN_SAGA, got %v", err)
	}

	if _, err := run(t, srv, "get"); err == nil {
		t.Fatal("expected argument error")
	}
}
