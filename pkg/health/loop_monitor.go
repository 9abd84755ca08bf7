package health

import (
	"sync"
	"time"
)

// LoopMonitor 记录后台循环（重试扫描器、消费者）最近一次运行情况
type LoopMonitor struct {
	mu       sync.Mutex
	lastTick time.Time
	lastErr  string
	failures int
	runs     int64
}

// LoopSnapshot LoopMonitor 的只读快照
type LoopSnapshot struct {
	LastTick time.Time
	LastErr  string
	Failures int // 连续失败次数
	Runs     int64
}

func (m *LoopMonitor) Tick() {
	m.TickAt(time.Now())
}

func (m *LoopMonitor) TickAt(t time.Time) {
	m.mu.Lock()
	m.lastTick = t
	m.runs++
	m.mu.Unlock()
}

// SetError records the outcome of the latest run; nil resets the failure streak.
func (m *LoopMonitor) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		m.lastErr = ""
		m.failures = 0
		return
	}
	m.lastErr = err.Error()
	m.failures++
}

func (m *LoopMonitor) Snapshot() LoopSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return LoopSnapshot{LastTick: m.lastTick, LastErr: m.lastErr, Failures: m.failures, Runs: m.runs}
}

func (m *LoopMonitor) LastError() string {
	return m.Snapshot().LastErr
}

// Healthy returns whether the loop has ticked within maxAge.
// Before the first tick it returns ok=false and a zero age.
func (m *LoopMonitor) Healthy(now time.Time, maxAge time.Duration) (ok bool, age time.Duration, lastErr string) {
	s := m.Snapshot()
	if s.LastTick.IsZero() {
		return false, 0, s.LastErr
	}
	if maxAge <= 0 {
		maxAge = 10 * time.Second
	}
	if now.Before(s.LastTick) {
		return true, 0, s.LastErr
	}
	age = now.Sub(s.LastTick)
	return age <= maxAge, age, s.LastErr
}
