package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/exchange/saga/pkg/saga"
)

func stateRowValues(s *saga.State) []driver.Value {
	var next, completed interface{}
	if s.NextRetryAt != nil {
		next = s.NextRetryAt.UnixMilli()
	}
	if s.CompletedAt != nil {
		completed = s.CompletedAt.UnixMilli()
	}
	return []driver.Value{
		s.ID, s.Name, string(s.Status), s.Payload, s.CurrentStep,
		[]byte(`[{"index":0,"name":"freeze-balance","status":"COMPLETED","retryCount":0},{"index":1,"name":"submit-order","status":"PENDING","retryCount":0}]`),
		s.LastError, s.RetryCount, next, s.CorrelationID, s.TenantID, s.Version,
		s.CreatedAt.UnixMilli(), s.UpdatedAt.UnixMilli(), completed,
	}
}

var stateColumnNames = []string{
	"saga_id", "name", "status", "payload", "current_step", "steps", "last_error", "retry_count",
	"next_retry_at_ms", "correlation_id", "tenant_id", "version", "created_at_ms", "updated_at_ms", "completed_at_ms",
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresInsert(t *testing.T) {
	store, mock := newMockStore(t)
	state := testState("s1", saga.StatusRunning, nil)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO exchange_saga.saga_states")).
		WithArgs("s1", "order-placement", "RUNNING", state.Payload, 1, sqlmock.AnyArg(), "", 0,
			nil, "corr-s1", "tenant-1", baseTime.UnixMilli(), baseTime.UnixMilli(), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Save(context.Background(), state); err != nil {
		t.Fatalf("save: %v", err)
	}
	if state.Version != 1 {
		t.Fatalf("expected version 1, got %d", state.Version)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresInsertDuplicateIsConflict(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO exchange_saga.saga_states")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := store.Save(context.Background(), testState("s1", saga.StatusRunning, nil))
	if !errors.Is(err, saga.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestPostgresUpdateUsesVersion(t *testing.T) {
	store, mock := newMockStore(t)
	state := testState("s1", saga.StatusSuspended, at(2*time.Second))
	state.Version = 4

	mock.ExpectExec(regexp.QuoteMeta("UPDATE exchange_saga.saga_states")).
		WithArgs("SUSPENDED", state.Payload, 1, sqlmock.AnyArg(), "", 0,
			baseTime.Add(2*time.Second).UnixMilli(), baseTime.UnixMilli(), nil, "s1", int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.Save(context.Background(), state); err != nil {
		t.Fatalf("save: %v", err)
	}
	if state.Version != 5 {
		t.Fatalf("expected version 5, got %d", state.Version)
	}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE exchange_saga.saga_states")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.Save(context.Background(), state); !errors.Is(err, saga.ErrConflict) {
		t.Fatalf("expected ErrConflict when no row matched, got %v", err)
	}
	if state.Version != 5 {
		t.Fatalf("version must not change on conflict, got %d", state.Version)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresGet(t *testing.T) {
	store, mock := newMockStore(t)
	want := testState("s1", saga.StatusSuspended, at(time.Second))
	want.Version = 3

	mock.ExpectQuery(regexp.QuoteMeta("FROM exchange_saga.saga_states WHERE saga_id = $1")).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows(stateColumnNames).AddRow(stateRowValues(want)...))

	got, err := store.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != saga.StatusSuspended || got.Version != 3 || len(got.Steps) != 2 {
		t.Fatalf("unexpected state %+v", got)
	}
	if got.NextRetryAt == nil || !got.NextRetryAt.Equal(*want.NextRetryAt) {
		t.Fatalf("nextRetryAt = %v, want %v", got.NextRetryAt, want.NextRetryAt)
	}
	if got.CompletedAt != nil {
		t.Fatalf("expected nil completedAt")
	}

	mock.ExpectQuery(regexp.QuoteMeta("WHERE saga_id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(stateColumnNames))
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresPendingRetries(t *testing.T) {
	store, mock := newMockStore(t)
	now := baseTime.Add(time.Minute)
	row := testState("s1", saga.StatusSuspended, at(time.Second))

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY next_retry_at_ms, saga_id")).
		WithArgs("SUSPENDED", now.UnixMilli(), 50).
		WillReturnRows(sqlmock.NewRows(stateColumnNames).AddRow(stateRowValues(row)...))

	due, err := store.GetPendingRetries(context.Background(), now, 50)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(due) != 1 || due[0].ID != "s1" {
		t.Fatalf("unexpected pending %v", due)
	}

	if none, err := store.GetPendingRetries(context.Background(), now, 0); err != nil || none != nil {
		t.Fatalf("zero batch should not query: %v %v", none, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresByStatusQueryError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = $1")).
		WithArgs("FAILED").
		WillReturnError(errors.New("connection reset"))

	if _, err := store.GetByStatus(context.Background(), saga.StatusFailed); err == nil {
		t.Fatal("expected error")
	}
}

func TestPostgresDelete(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM exchange_saga.saga_states")).
		WithArgs("s1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM exchange_saga.saga_states")).
		WithArgs("s2").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Delete(context.Background(), "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(context.Background(), "s2"); !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresMigrate(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS exchange_saga.saga_states")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !isUniqueViolation(&pq.Error{Code: "23505"}) {
		t.Fatal("expected pq unique violation")
	}
	if isUniqueViolation(&pq.Error{Code: "23503"}) {
		t.Fatal("foreign key violation is not unique violation")
	}
	if !isUniqueViolation(errors.New("duplicate key")) {
		t.Fatal("expected string fallback")
	}
	if isUniqueViolation(nil) {
		t.Fatal("nil is not a violation")
	}
}

func TestPostgresTimestampsAreMilliseconds(t *testing.T) {
	store, mock := newMockStore(t)
	fine := baseTime.Add(1234567 * time.Nanosecond)
	row := testState("s1", saga.StatusRunning, nil)
	row.CreatedAt = fine
	row.UpdatedAt = fine

	mock.ExpectQuery(regexp.QuoteMeta("WHERE saga_id = $1")).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows(stateColumnNames).AddRow(stateRowValues(row)...))

	got, err := store.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := baseTime.Add(time.Millisecond)
	if !got.CreatedAt.Equal(want) || !got.UpdatedAt.Equal(want) {
		t.Fatalf("timestamps = %v / %v, want %v", got.CreatedAt, got.UpdatedAt, want)
	}
}
