// Package trigger 从 Redis Stream 消费启动 saga 的命令
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/exchange/saga/internal/service"
	"github.com/exchange/saga/pkg/logger"
	sagaredis "github.com/exchange/saga/pkg/redis"
	"github.com/exchange/saga/pkg/saga"
)

// Starter 由 service.SagaService 实现
type Starter interface {
	Start(ctx context.Context, req *service.StartRequest) (*saga.Outcome, error)
}

// Command 启动命令
type Command struct {
	Name          string          `json:"name"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlationId"`
	TenantID      string          `json:"tenantId"`
}

// Trigger 消费命令流，同一条消息只启动一次 saga
type Trigger struct {
	client   *redis.Client
	starter  Starter
	dedupTTL time.Duration
	prefix   string
	log      *logger.Logger
}

// New prefix 为去重键前缀
func New(client *redis.Client, starter Starter, prefix string, log *logger.Logger) *Trigger {
	if prefix == "" {
		prefix = "saga:trigger:"
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Trigger{
		client:   client,
		starter:  starter,
		dedupTTL: 24 * time.Hour,
		prefix:   prefix,
		log:      log,
	}
}

// Consumer 构造绑定到 Handle 的消费者
func (t *Trigger) Consumer(stream, group, name string, opts *sagaredis.ConsumerOptions) *sagaredis.Consumer {
	sc := sagaredis.NewStreamClient(t.client, 0)
	return sagaredis.NewConsumer(sc, group, name, []string{stream}, t.Handle, opts, t.log)
}

// Handle 处理单条命令。无法解析或类型未知的命令直接进入死信流。
func (t *Trigger) Handle(ctx context.Context, msg *sagaredis.Message) error {
	var cmd Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		return fmt.Errorf("%w: decode command: %v", sagaredis.ErrPermanent, err)
	}
	cmd.Name = strings.TrimSpace(cmd.Name)
	if cmd.Name == "" {
		return fmt.Errorf("%w: saga name is required", sagaredis.ErrPermanent)
	}

	key := t.prefix + msg.Stream + ":" + msg.ID
	fresh, err := t.client.SetNX(ctx, key, "pending", t.dedupTTL).Result()
	if err != nil {
		return fmt.Errorf("dedup command %s: %w", msg.ID, err)
	}
	if !fresh {
		if sagaID, _ := t.client.Get(ctx, key).Result(); sagaID != "pending" {
			t.log.Infof("duplicate saga command skipped", map[string]interface{}{"msgID": msg.ID, "sagaID": sagaID})
			return nil
		}
		// 上次处理中断，重新启动
	}

	correlationID := cmd.CorrelationID
	if correlationID == "" {
		correlationID = msg.ID
	}
	out, err := t.starter.Start(ctx, &service.StartRequest{
		Name:          cmd.Name,
		Payload:       cmd.Payload,
		CorrelationID: correlationID,
		TenantID:      cmd.TenantID,
	})
	if err != nil {
		_ = t.client.Del(context.WithoutCancel(ctx), key).Err()
		if errors.Is(err, service.ErrUnknownSaga) || errors.Is(err, saga.ErrInvalidPayload) {
			return fmt.Errorf("%w: %v", sagaredis.ErrPermanent, err)
		}
		return err
	}

	if err := t.client.Set(context.WithoutCancel(ctx), key, out.SagaID, t.dedupTTL).Err(); err != nil {
		t.log.WithError(err).Warn("record saga command failed")
	}
	t.log.WithContext(logger.ContextWithCorrelationID(ctx, correlationID)).WithSaga(out.SagaID, cmd.Name).
		Infof("saga started from command", map[string]interface{}{"msgID": msg.ID, "status": string(out.Status)})
	return nil
}
