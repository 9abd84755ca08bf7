// Package service saga 服务：按类型注册驱动，串行化同一 saga 的推进
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/exchange/saga/pkg/logger"
	"github.com/exchange/saga/pkg/saga"
)

var (
	// ErrUnknownSaga 未注册的 saga 类型
	ErrUnknownSaga = errors.New("unknown saga type")
	// ErrBusy 另一个 worker 正在推进该 saga
	ErrBusy = errors.New("saga is busy")
	// ErrNotTerminal 只允许删除终态 saga
	ErrNotTerminal = errors.New("saga is not terminal")
)

// SagaService saga 服务
type SagaService struct {
	store   saga.Store
	drivers map[string]saga.Driver
	locker  Locker
	newID   func() string
	log     *logger.Logger
}

// NewSagaService 创建服务，locker 为 nil 时使用进程内锁
func NewSagaService(store saga.Store, locker Locker, log *logger.Logger) *SagaService {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &SagaService{
		store:   store,
		drivers: make(map[string]saga.Driver),
		locker:  locker,
		newID:   uuid.NewString,
		log:     log,
	}
}

// Register 注册 saga 驱动，重复注册返回错误
func (s *SagaService) Register(d saga.Driver) error {
	if d == nil || d.Name() == "" {
		return errors.New("saga driver name is required")
	}
	if _, ok := s.drivers[d.Name()]; ok {
		return fmt.Errorf("saga %s already registered", d.Name())
	}
	s.drivers[d.Name()] = d
	return nil
}

// Names 已注册的 saga 类型
func (s *SagaService) Names() []string {
	names := make([]string, 0, len(s.drivers))
	for name := range s.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartRequest 启动请求
type StartRequest struct {
	Name          string
	Payload       []byte
	CorrelationID string
	TenantID      string
}

// Start 启动一个新 saga 并同步推进到挂起或终态
func (s *SagaService) Start(ctx context.Context, req *StartRequest) (*saga.Outcome, error) {
	if req == nil {
		return nil, errors.New("start request is required")
	}
	d, ok := s.drivers[req.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSaga, req.Name)
	}
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = s.newID()
	}
	ctx = logger.ContextWithCorrelationID(ctx, correlationID)

	// 先锁定新 id 再写入首个状态，扫描器等其他驱动方拿不到锁
	sagaID := d.NewID()
	unlock, ok, err := s.locker.TryLock(ctx, sagaID)
	if err != nil {
		return nil, fmt.Errorf("lock saga %s: %w", sagaID, err)
	}
	if !ok {
		return nil, ErrBusy
	}
	defer unlock()

	out, err := d.StartWithID(ctx, sagaID, req.Payload, correlationID, req.TenantID)
	if err != nil {
		s.log.WithContext(ctx).WithSaga(sagaID, req.Name).WithError(err).Errorf("start saga failed", nil)
		return nil, err
	}
	return out, nil
}

// Resume 恢复挂起或中断的 saga
func (s *SagaService) Resume(ctx context.Context, sagaID string) (*saga.Outcome, error) {
	return s.drive(ctx, sagaID, "resume", func(d saga.Driver) (*saga.Outcome, error) {
		return d.Resume(ctx, sagaID)
	})
}

// Compensate 运维触发的补偿
func (s *SagaService) Compensate(ctx context.Context, sagaID string) (*saga.Outcome, error) {
	return s.drive(ctx, sagaID, "compensate", func(d saga.Driver) (*saga.Outcome, error) {
		return d.Compensate(ctx, sagaID)
	})
}

func (s *SagaService) drive(ctx context.Context, sagaID, op string, fn func(saga.Driver) (*saga.Outcome, error)) (*saga.Outcome, error) {
	state, err := s.store.Get(ctx, sagaID)
	if err != nil {
		return nil, fmt.Errorf("load saga %s: %w", sagaID, err)
	}
	d, ok := s.drivers[state.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSaga, state.Name)
	}

	unlock, ok, err := s.locker.TryLock(ctx, sagaID)
	if err != nil {
		return nil, fmt.Errorf("lock saga %s: %w", sagaID, err)
	}
	if !ok {
		return nil, ErrBusy
	}
	defer unlock()

	ctx = logger.ContextWithCorrelationID(ctx, state.CorrelationID)
	out, err := fn(d)
	if err != nil {
		s.log.WithContext(ctx).WithSaga(sagaID, state.Name).WithError(err).
			Errorf(op+" saga failed", nil)
		return nil, err
	}
	return out, nil
}

// Get 查询 saga 状态
func (s *SagaService) Get(ctx context.Context, sagaID string) (*saga.State, error) {
	return s.store.Get(ctx, sagaID)
}

// List 按状态列出 saga
func (s *SagaService) List(ctx context.Context, status saga.Status) ([]*saga.State, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid saga status %q", status)
	}
	return s.store.GetByStatus(ctx, status)
}

// Delete 删除终态 saga（保留期清理）
func (s *SagaService) Delete(ctx context.Context, sagaID string) error {
	state, err := s.store.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	if !state.Status.IsTerminal() {
		return ErrNotTerminal
	}
	return s.store.Delete(ctx, sagaID)
}
