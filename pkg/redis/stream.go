package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/exchange/saga/pkg/logger"
)

// ErrPermanent 标记不可重试的处理失败，消息直接进入死信流
var ErrPermanent = errors.New("permanent failure")

// StreamClient Redis Streams 客户端
type StreamClient struct {
	client *redis.Client
	maxLen int64
}

// NewStreamClient 创建客户端；maxLen>0 时发布消息近似裁剪到该长度
func NewStreamClient(client *redis.Client, maxLen int64) *StreamClient {
	return &StreamClient{client: client, maxLen: maxLen}
}

// Publish 发布消息到 Stream
func (c *StreamClient) Publish(ctx context.Context, stream string, msg interface{}) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}
	if c.maxLen > 0 {
		args.MaxLen = c.maxLen
		args.Approx = true
	}

	id, err := c.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

// Message 消息
type Message struct {
	ID     string
	Stream string
	Data   []byte
}

// MessageHandler 消息处理函数
type MessageHandler func(ctx context.Context, msg *Message) error

// ConsumerOptions 消费者选项
type ConsumerOptions struct {
	BatchSize    int           // 每次读取的消息数
	BlockTime    time.Duration // 阻塞等待时间
	MaxRetries   int           // 超过后写入死信流
	ClaimMinIdle time.Duration // 认领空闲消息的最小时间
	// PendingCheckInterval 周期性处理 pending 的间隔
	PendingCheckInterval time.Duration
}

// DefaultConsumerOptions 默认选项
var DefaultConsumerOptions = ConsumerOptions{
	BatchSize:            10,
	BlockTime:            5 * time.Second,
	MaxRetries:           3,
	ClaimMinIdle:         30 * time.Second,
	PendingCheckInterval: 30 * time.Second,
}

// Consumer 消费者组成员
type Consumer struct {
	client   *StreamClient
	group    string
	consumer string
	streams  []string
	handler  MessageHandler
	opts     ConsumerOptions
	log      *logger.Logger
}

// NewConsumer 创建消费者，零值选项取默认值
func NewConsumer(client *StreamClient, group, consumer string, streams []string, handler MessageHandler, opts *ConsumerOptions, log *logger.Logger) *Consumer {
	o := DefaultConsumerOptions
	if opts != nil {
		o = *opts
		if o.BatchSize <= 0 {
			o.BatchSize = DefaultConsumerOptions.BatchSize
		}
		if o.BlockTime <= 0 {
			o.BlockTime = DefaultConsumerOptions.BlockTime
		}
		if o.ClaimMinIdle <= 0 {
			o.ClaimMinIdle = DefaultConsumerOptions.ClaimMinIdle
		}
		if o.PendingCheckInterval <= 0 {
			o.PendingCheckInterval = DefaultConsumerOptions.PendingCheckInterval
		}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Consumer{
		client:   client,
		group:    group,
		consumer: consumer,
		streams:  streams,
		handler:  handler,
		opts:     o,
		log:      log,
	}
}

// EnsureGroups 确保消费者组存在
func (c *Consumer) EnsureGroups(ctx context.Context) error {
	for _, stream := range c.streams {
		err := c.client.client.XGroupCreateMkStream(ctx, stream, c.group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group: %w", err)
		}
	}
	return nil
}

// Start 启动消费，阻塞直到 ctx 取消
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.EnsureGroups(ctx); err != nil {
		return err
	}
	if err := c.processPending(ctx); err != nil {
		return fmt.Errorf("process pending: %w", err)
	}
	return c.consume(ctx)
}

// processPending 认领并重新处理超时未 ACK 的消息
func (c *Consumer) processPending(ctx context.Context) error {
	for _, stream := range c.streams {
		for {
			pending, err := c.client.client.XPendingExt(ctx, &redis.XPendingExtArgs{
				Stream: stream,
				Group:  c.group,
				Start:  "-",
				End:    "+",
				Count:  int64(c.opts.BatchSize),
			}).Result()
			if err != nil {
				return fmt.Errorf("xpending: %w", err)
			}
			if len(pending) == 0 {
				break
			}

			ids := make([]string, 0, len(pending))
			dlqIDs := make(map[string]int64)
			for _, p := range pending {
				if p.Idle >= c.opts.ClaimMinIdle {
					ids = append(ids, p.ID)
					if c.opts.MaxRetries > 0 && p.RetryCount > int64(c.opts.MaxRetries) {
						dlqIDs[p.ID] = p.RetryCount
					}
				}
			}
			if len(ids) == 0 {
				break
			}

			messages, err := c.client.client.XClaim(ctx, &redis.XClaimArgs{
				Stream:   stream,
				Group:    c.group,
				Consumer: c.consumer,
				MinIdle:  c.opts.ClaimMinIdle,
				Messages: ids,
			}).Result()
			if err != nil {
				return fmt.Errorf("xclaim: %w", err)
			}

			for _, m := range messages {
				if retryCount, toDLQ := dlqIDs[m.ID]; toDLQ {
					if err := c.deadLetter(ctx, stream, &m, fmt.Sprintf("max retries exceeded: %d", retryCount)); err != nil {
						c.log.WithError(err).Errorf("dead letter failed", map[string]interface{}{"stream": stream, "msgID": m.ID})
					}
					continue
				}
				if err := c.processMessage(ctx, stream, m); err != nil {
					c.log.WithError(err).Warnf("process pending message failed", map[string]interface{}{"stream": stream, "msgID": m.ID})
				}
			}
		}
	}
	return nil
}

func (c *Consumer) consume(ctx context.Context) error {
	args := make([]string, 0, len(c.streams)*2)
	args = append(args, c.streams...)
	for range c.streams {
		args = append(args, ">")
	}

	pendingTicker := time.NewTicker(c.opts.PendingCheckInterval)
	defer pendingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pendingTicker.C:
			if err := c.processPending(ctx); err != nil && ctx.Err() == nil {
				c.log.WithError(err).Warn("process pending failed")
			}
		default:
		}

		results, err := c.client.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  args,
			Count:    int64(c.opts.BatchSize),
			Block:    c.opts.BlockTime,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("xreadgroup: %w", err)
		}

		for _, result := range results {
			for _, m := range result.Messages {
				if err := c.processMessage(ctx, result.Stream, m); err != nil {
					c.log.WithError(err).Warnf("process message failed", map[string]interface{}{"stream": result.Stream, "msgID": m.ID})
				}
			}
		}
	}
}

// processMessage 处理单条消息，成功后 ACK
func (c *Consumer) processMessage(ctx context.Context, stream string, m redis.XMessage) error {
	data, ok := m.Values["data"].(string)
	if !ok {
		// 无效消息，直接 ACK
		return c.Ack(ctx, stream, m.ID)
	}

	msg := &Message{
		ID:     m.ID,
		Stream: stream,
		Data:   []byte(data),
	}

	if err := c.handler(ctx, msg); err != nil {
		if errors.Is(err, ErrPermanent) {
			if dlqErr := c.deadLetter(ctx, stream, &m, err.Error()); dlqErr != nil {
				return dlqErr
			}
			return nil
		}
		if c.opts.MaxRetries > 0 {
			pending, pErr := c.client.client.XPendingExt(ctx, &redis.XPendingExtArgs{
				Stream: stream,
				Group:  c.group,
				Start:  m.ID,
				End:    m.ID,
				Count:  1,
			}).Result()
			if pErr == nil && len(pending) == 1 && pending[0].RetryCount > int64(c.opts.MaxRetries) {
				if dlqErr := c.deadLetter(ctx, stream, &m, err.Error()); dlqErr == nil {
					return nil
				}
			}
		}
		return err
	}

	// 已处理的消息即使在退出过程中也要 ACK
	return c.Ack(context.WithoutCancel(ctx), stream, m.ID)
}

// deadLetter 写入 {stream}:dlq 并 ACK 原消息
func (c *Consumer) deadLetter(ctx context.Context, stream string, m *redis.XMessage, reason string) error {
	_, err := c.client.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream + ":dlq",
		Values: map[string]interface{}{
			"stream":   stream,
			"msgId":    m.ID,
			"reason":   reason,
			"data":     m.Values["data"],
			"tsMs":     time.Now().UnixMilli(),
			"group":    c.group,
			"consumer": c.consumer,
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd dlq: %w", err)
	}
	return c.Ack(ctx, stream, m.ID)
}

// Ack 手动确认消息
func (c *Consumer) Ack(ctx context.Context, stream, id string) error {
	return c.client.client.XAck(ctx, stream, c.group, id).Err()
}
