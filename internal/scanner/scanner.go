// Package scanner 周期性恢复到期的挂起 saga
package scanner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/exchange/saga/internal/metrics"
	"github.com/exchange/saga/internal/service"
	"github.com/exchange/saga/pkg/health"
	"github.com/exchange/saga/pkg/logger"
	"github.com/exchange/saga/pkg/saga"
)

// Resumer 推进单个 saga，由 service.SagaService 实现
type Resumer interface {
	Resume(ctx context.Context, sagaID string) (*saga.Outcome, error)
}

// Config 扫描配置
type Config struct {
	Interval   time.Duration
	BatchSize  int
	StaleAfter time.Duration
	// StaleInterval 中断 saga 的扫描间隔，默认 StaleAfter/2，不小于 Interval
	StaleInterval time.Duration
}

// Scanner 重试扫描器
type Scanner struct {
	store   saga.Store
	resumer Resumer
	cfg     Config
	clock   saga.Clock
	metrics *metrics.Metrics
	log     *logger.Logger
	loop    health.LoopMonitor
}

func New(store saga.Store, resumer Resumer, cfg Config, m *metrics.Metrics, log *logger.Logger) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.StaleInterval <= 0 {
		cfg.StaleInterval = cfg.StaleAfter / 2
		if cfg.StaleInterval < cfg.Interval {
			cfg.StaleInterval = cfg.Interval
		}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Scanner{
		store:   store,
		resumer: resumer,
		cfg:     cfg,
		clock:   saga.SystemClock,
		metrics: m,
		log:     log,
	}
}

// Monitor 供健康检查使用
func (s *Scanner) Monitor() *health.LoopMonitor {
	return &s.loop
}

// Interval 扫描间隔
func (s *Scanner) Interval() time.Duration {
	return s.cfg.Interval
}

// Start 按间隔调度重试扫描和中断 saga 扫描，阻塞到 ctx 结束并等待正在执行的扫描退出
func (s *Scanner) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.Interval), func() { s.safeRun(ctx, s.RunOnce) }); err != nil {
		return fmt.Errorf("schedule scanner: %w", err)
	}
	// 请求被取消或进程内驱动中断后留下的 RUNNING / COMPENSATING saga
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.StaleInterval), func() { s.safeRun(ctx, s.RecoverStale) }); err != nil {
		return fmt.Errorf("schedule stale recovery: %w", err)
	}

	s.loop.Tick()
	c.Start()
	s.log.Infof("saga scanner started", map[string]interface{}{
		"interval":      s.cfg.Interval.String(),
		"staleInterval": s.cfg.StaleInterval.String(),
		"staleAfter":    s.cfg.StaleAfter.String(),
		"batchSize":     s.cfg.BatchSize,
	})

	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info("saga scanner stopped")
	return nil
}

func (s *Scanner) safeRun(ctx context.Context, run func(context.Context) (int, error)) {
	defer func() {
		if r := recover(); r != nil {
			s.loop.SetError(fmt.Errorf("panic: %v", r))
			s.log.Errorf("saga scanner panic recovered", map[string]interface{}{
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			})
		}
	}()
	s.loop.Tick()
	_, err := run(ctx)
	s.loop.SetError(err)
}

// RunOnce 恢复一批到期的挂起 saga，返回成功推进的数量
func (s *Scanner) RunOnce(ctx context.Context) (int, error) {
	s.incRun(metrics.ScanRetry)
	due, err := s.store.GetPendingRetries(ctx, s.clock.Now(), s.cfg.BatchSize)
	if err != nil {
		s.incError(metrics.ScanRetry)
		s.log.WithError(err).Error("query pending retries failed")
		return 0, err
	}
	return s.resumeAll(ctx, metrics.ScanRetry, due)
}

// RecoverStale 恢复进程崩溃遗留的 RUNNING / COMPENSATING saga
func (s *Scanner) RecoverStale(ctx context.Context) (int, error) {
	s.incRun(metrics.ScanStale)
	cutoff := s.clock.Now().Add(-s.cfg.StaleAfter)

	var stale []*saga.State
	for _, status := range []saga.Status{saga.StatusRunning, saga.StatusCompensating} {
		states, err := s.store.GetByStatus(ctx, status)
		if err != nil {
			s.incError(metrics.ScanStale)
			return 0, fmt.Errorf("list %s sagas: %w", status, err)
		}
		for _, st := range states {
			if st.UpdatedAt.Before(cutoff) {
				stale = append(stale, st)
			}
		}
	}
	if len(stale) > 0 {
		s.log.Warnf("recovering stale sagas", map[string]interface{}{"count": len(stale)})
	}
	return s.resumeAll(ctx, metrics.ScanStale, stale)
}

func (s *Scanner) resumeAll(ctx context.Context, kind string, states []*saga.State) (int, error) {
	resumed := 0
	var firstErr error
	for _, st := range states {
		if ctx.Err() != nil {
			break
		}
		out, err := s.resumer.Resume(ctx, st.ID)
		switch {
		case errors.Is(err, service.ErrBusy):
			// 其他节点正在推进
			continue
		case err != nil:
			s.incError(kind)
			s.log.WithSaga(st.ID, st.Name).WithError(err).Warnf("resume saga failed", map[string]interface{}{"kind": kind})
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		resumed++
		s.log.WithSaga(st.ID, st.Name).Debugf("saga resumed", map[string]interface{}{
			"kind":   kind,
			"status": string(out.Status),
		})
	}
	if s.metrics != nil && resumed > 0 {
		s.metrics.AddScannerResumed(kind, resumed)
	}
	return resumed, firstErr
}

func (s *Scanner) incRun(kind string) {
	if s.metrics != nil {
		s.metrics.IncScannerRun(kind)
	}
}

func (s *Scanner) incError(kind string) {
	if s.metrics != nil {
		s.metrics.IncScannerError(kind)
	}
}
