package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"

	"github.com/exchange/saga/pkg/saga"
)

func TestRedisStoreIndexes(t *testing.T) {
	store, mr := newMiniRedisStore(t)
	ctx := context.Background()

	state := testState("s1", saga.StatusSuspended, at(time.Second))
	if err := store.Save(ctx, state); err != nil {
		t.Fatalf("save: %v", err)
	}
	if ok, _ := mr.SIsMember("test:status:SUSPENDED", "s1"); !ok {
		t.Fatalf("expected status index")
	}
	score, err := mr.ZScore("test:retry", "s1")
	if err != nil || int64(score) != baseTime.Add(time.Second).UnixMilli() {
		t.Fatalf("retry score = %v (%v)", score, err)
	}

	state.Status = saga.StatusCompleted
	state.NextRetryAt = nil
	if err := store.Save(ctx, state); err != nil {
		t.Fatalf("save: %v", err)
	}
	if ok, _ := mr.SIsMember("test:status:SUSPENDED", "s1"); ok {
		t.Fatalf("old status index not cleared")
	}
	if ok, _ := mr.SIsMember("test:status:COMPLETED", "s1"); !ok {
		t.Fatalf("new status index missing")
	}
	if members, _ := mr.ZMembers("test:retry"); len(members) != 0 {
		t.Fatalf("retry index not cleared: %v", members)
	}
}

func TestRedisStoreSkipsDanglingIndex(t *testing.T) {
	store, mr := newMiniRedisStore(t)
	mr.SAdd("test:status:FAILED", "ghost")
	mr.ZAdd("test:retry", 1, "ghost")

	failed, err := store.GetByStatus(context.Background(), saga.StatusFailed)
	if err != nil || len(failed) != 0 {
		t.Fatalf("expected dangling id skipped, got %v %v", failed, err)
	}
	due, err := store.GetPendingRetries(context.Background(), baseTime, 10)
	if err != nil || len(due) != 0 {
		t.Fatalf("expected dangling retry skipped, got %v %v", due, err)
	}
}

func TestRedisStoreGetError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewRedisStore(client, "test:")

	mock.ExpectGet("test:state:s1").SetErr(errors.New("READONLY"))
	_, err := store.Get(context.Background(), "s1")
	if err == nil || errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected wrapped redis error, got %v", err)
	}

	mock.ExpectGet("test:state:s2").RedisNil()
	if _, err := store.Get(context.Background(), "s2"); !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	mock.ExpectSMembers("test:status:RUNNING").SetErr(errors.New("LOADING"))
	if _, err := store.GetByStatus(context.Background(), saga.StatusRunning); err == nil {
		t.Fatal("expected smembers error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
