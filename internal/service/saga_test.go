package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	sagaredis "github.com/exchange/saga/pkg/redis"
	"github.com/exchange/saga/pkg/saga"
)

type transfer struct {
	Amount  int64 `json:"amount"`
	Debited bool  `json:"debited"`
}

type flakyCredit struct {
	failures int
}

func newTransferDriver(store saga.Store, credit *flakyCredit) saga.Driver {
	factory := func() []saga.Step[transfer] {
		return []saga.Step[transfer]{
			saga.FuncStep[transfer]{StepName: "debit", Do: func(ctx context.Context, sc *saga.Context[transfer]) error {
				sc.Data.Debited = true
				return nil
			}},
			saga.FuncStep[transfer]{StepName: "credit", Do: func(ctx context.Context, sc *saga.Context[transfer]) error {
				if credit.failures > 0 {
					credit.failures--
					return errors.New("credit unavailable")
				}
				return nil
			}},
		}
	}
	opts := saga.DefaultOptions()
	opts.Retry = saga.RetryPolicy{MaxRetries: 2, InitialDelay: time.Second, Multiplier: 2, MaxDelay: time.Minute}
	return saga.Erase(saga.NewOrchestrator[transfer]("transfer", store, factory, opts))
}

func newTestService(t *testing.T, credit *flakyCredit, locker Locker) (*SagaService, saga.Store) {
	t.Helper()
	store := saga.NewMemoryStore()
	svc := NewSagaService(store, locker, nil)
	if err := svc.Register(newTransferDriver(store, credit)); err != nil {
		t.Fatalf("register: %v", err)
	}
	return svc, store
}

func TestStartCompletes(t *testing.T) {
	svc, _ := newTestService(t, &flakyCredit{}, nil)

	out, err := svc.Start(context.Background(), &StartRequest{Name: "transfer", Payload: []byte(`{"amount":10}`)})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !out.Success || out.Status != saga.StatusCompleted {
		t.Fatalf("unexpected outcome %+v", out)
	}
	var data transfer
	if err := json.Unmarshal(out.Payload, &data); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if data.Amount != 10 || !data.Debited {
		t.Fatalf("unexpected payload %+v", data)
	}

	state, err := svc.Get(context.Background(), out.SagaID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if state.CorrelationID == "" {
		t.Fatalf("expected generated correlation id")
	}
}

func TestStartUnknownSaga(t *testing.T) {
	svc, _ := newTestService(t, &flakyCredit{}, nil)
	if _, err := svc.Start(context.Background(), &StartRequest{Name: "missing"}); !errors.Is(err, ErrUnknownSaga) {
		t.Fatalf("expected ErrUnknownSaga, got %v", err)
	}
	if _, err := svc.Start(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil request")
	}
}

func TestStartInvalidPayload(t *testing.T) {
	svc, _ := newTestService(t, &flakyCredit{}, nil)
	_, err := svc.Start(context.Background(), &StartRequest{Name: "transfer", Payload: []byte(`{`)})
	if !errors.Is(err, saga.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	svc, store := newTestService(t, &flakyCredit{}, nil)
	if err := svc.Register(newTransferDriver(store, &flakyCredit{})); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if err := svc.Register(nil); err == nil {
		t.Fatal("expected error for nil driver")
	}
	if names := svc.Names(); len(names) != 1 || names[0] != "transfer" {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestResumeSuspendedSaga(t *testing.T) {
	credit := &flakyCredit{failures: 1}
	svc, _ := newTestService(t, credit, nil)
	ctx := context.Background()

	out, err := svc.Start(ctx, &StartRequest{Name: "transfer", Payload: []byte(`{"amount":5}`), CorrelationID: "c-1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if out.Status != saga.StatusSuspended {
		t.Fatalf("expected suspended, got %s", out.Status)
	}
	suspended, err := svc.List(ctx, saga.StatusSuspended)
	if err != nil || len(suspended) != 1 {
		t.Fatalf("list suspended: %v %v", suspended, err)
	}

	out, err = svc.Resume(ctx, out.SagaID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if out.Status != saga.StatusCompleted {
		t.Fatalf("expected completed after resume, got %s", out.Status)
	}
}

func TestResumeBusy(t *testing.T) {
	locker := NewLocalLocker()
	credit := &flakyCredit{failures: 1}
	svc, _ := newTestService(t, credit, locker)
	ctx := context.Background()

	out, err := svc.Start(ctx, &StartRequest{Name: "transfer"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	unlock, ok, err := locker.TryLock(ctx, out.SagaID)
	if err != nil || !ok {
		t.Fatalf("pre-lock: %v %v", ok, err)
	}
	if _, err := svc.Resume(ctx, out.SagaID); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	unlock()
	if _, err := svc.Compensate(ctx, out.SagaID); err != nil {
		t.Fatalf("compensate after unlock: %v", err)
	}
}

func TestCompensateAndDelete(t *testing.T) {
	svc, _ := newTestService(t, &flakyCredit{failures: 1}, nil)
	ctx := context.Background()

	out, err := svc.Start(ctx, &StartRequest{Name: "transfer"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.Delete(ctx, out.SagaID); !errors.Is(err, ErrNotTerminal) {
		t.Fatalf("expected ErrNotTerminal, got %v", err)
	}

	out, err = svc.Compensate(ctx, out.SagaID)
	if err != nil {
		t.Fatalf("compensate: %v", err)
	}
	if out.Success || out.Status != saga.StatusCompensated {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if err := svc.Delete(ctx, out.SagaID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.Get(ctx, out.SagaID); !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResumeUnknownID(t *testing.T) {
	svc, _ := newTestService(t, &flakyCredit{}, nil)
	if _, err := svc.Resume(context.Background(), "nope"); !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResumeForeignSagaType(t *testing.T) {
	svc, store := newTestService(t, &flakyCredit{}, nil)
	ctx := context.Background()
	if err := store.Save(ctx, &saga.State{ID: "x", Name: "legacy", Status: saga.StatusSuspended}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := svc.Resume(ctx, "x"); !errors.Is(err, ErrUnknownSaga) {
		t.Fatalf("expected ErrUnknownSaga, got %v", err)
	}
}

func TestListInvalidStatus(t *testing.T) {
	svc, _ := newTestService(t, &flakyCredit{}, nil)
	if _, err := svc.List(context.Background(), saga.Status("DONE")); err == nil {
		t.Fatal("expected error for invalid status")
	}
}

func TestRedisLockerSerializesDrivers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := sagaredis.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = client.Close() })
	locker := sagaredis.NewLocker(client, "saga:lock:", time.Minute)

	svc, _ := newTestService(t, &flakyCredit{failures: 1}, locker)
	ctx := context.Background()
	out, err := svc.Start(ctx, &StartRequest{Name: "transfer"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	unlock, ok, err := locker.TryLock(ctx, out.SagaID)
	if err != nil || !ok {
		t.Fatalf("pre-lock: %v %v", ok, err)
	}
	if _, err := svc.Resume(ctx, out.SagaID); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	unlock()

	if _, err := svc.Resume(ctx, out.SagaID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if mr.Exists("saga:lock:" + out.SagaID) {
		t.Fatalf("lock should be released after resume")
	}
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()
	unlock, ok, _ := l.TryLock(ctx, "a")
	if !ok {
		t.Fatal("expected lock")
	}
	if _, ok, _ := l.TryLock(ctx, "a"); ok {
		t.Fatal("expected contention")
	}
	unlock()
	unlock()
	if _, ok, _ := l.TryLock(ctx, "a"); !ok {
		t.Fatal("expected lock after release")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, _, err := l.TryLock(cancelled, "b"); err == nil {
		t.Fatal("expected context error")
	}
}

func TestInFlightStartHoldsLock(t *testing.T) {
	store := saga.NewMemoryStore()
	svc := NewSagaService(store, nil, nil)

	entered := make(chan string, 1)
	release := make(chan struct{})
	factory := func() []saga.Step[transfer] {
		return []saga.Step[transfer]{
			saga.FuncStep[transfer]{StepName: "debit", Do: func(ctx context.Context, sc *saga.Context[transfer]) error {
				entered <- sc.ID
				<-release
				return nil
			}},
		}
	}
	if err := svc.Register(saga.Erase(saga.NewOrchestrator[transfer]("slow", store, factory, nil))); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx := context.Background()
	type result struct {
		out *saga.Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := svc.Start(ctx, &StartRequest{Name: "slow"})
		done <- result{out, err}
	}()

	var id string
	select {
	case id = <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("step not entered")
	}
	if _, err := svc.Resume(ctx, id); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy for resume of in-flight start, got %v", err)
	}
	if _, err := svc.Compensate(ctx, id); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy for compensate of in-flight start, got %v", err)
	}
	close(release)

	res := <-done
	if res.err != nil || res.out.SagaID != id || res.out.Status != saga.StatusCompleted {
		t.Fatalf("start: %+v %v", res.out, res.err)
	}
	// 完成后锁已释放
	if _, err := svc.Resume(ctx, id); err != nil {
		t.Fatalf("resume after start: %v", err)
	}
}
