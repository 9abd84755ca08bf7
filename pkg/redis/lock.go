package redis

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	releaseScript = `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	extendScript = `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`
)

// Lock 分布式锁
type Lock struct {
	client *Client
	key    string
	value  string
	ttl    time.Duration
}

// NewLock 创建锁
func NewLock(client *Client, key, value string, ttl time.Duration) *Lock {
	return &Lock{
		client: client,
		key:    key,
		value:  value,
		ttl:    ttl,
	}
}

// Acquire 获取锁
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
}

// Release 释放锁（仅释放自己持有的锁）
func (l *Lock) Release(ctx context.Context) error {
	return l.client.Eval(ctx, releaseScript, []string{l.key}, l.value).Err()
}

// Extend 延长锁时间
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	result, err := l.client.Eval(ctx, extendScript, []string{l.key}, l.value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}

// Locker 按 key 创建短期锁，持有期间后台续期
type Locker struct {
	client *Client
	prefix string
	ttl    time.Duration
}

// NewLocker 创建 Locker，prefix 为空时使用 "lock:"
func NewLocker(client *Client, prefix string, ttl time.Duration) *Locker {
	if prefix == "" {
		prefix = "lock:"
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Locker{client: client, prefix: prefix, ttl: ttl}
}

// TryLock 尝试获取 key 对应的锁。ok=false 表示已被他人持有。
// 返回的 unlock 会停止续期并释放锁，可重复调用。
func (l *Locker) TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error) {
	lock := NewLock(l.client, l.prefix+key, uuid.NewString(), l.ttl)
	ok, err = lock.Acquire(ctx)
	if err != nil || !ok {
		return func() {}, ok, err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				extCtx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
				held, err := lock.Extend(extCtx, l.ttl)
				cancel()
				if err == nil && !held {
					return
				}
			}
		}
	}()

	var once sync.Once
	unlock = func() {
		once.Do(func() {
			close(stop)
			<-done
			relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = lock.Release(relCtx)
		})
	}
	return unlock, true, nil
}
