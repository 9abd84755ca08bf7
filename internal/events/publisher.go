// Package events publishes saga engine events to Redis.
package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/exchange/saga/pkg/logger"
	sagaredis "github.com/exchange/saga/pkg/redis"
	"github.com/exchange/saga/pkg/saga"
)

const defaultChannel = "saga:events"

// Publisher 把引擎事件发布到 pub/sub 频道（实时推送）和 stream（可回放）
type Publisher struct {
	client        *redis.Client
	streams       *sagaredis.StreamClient
	channelFormat string
	stream        string
	timeout       time.Duration
	log           *logger.Logger
}

// NewPublisher channel 支持 {saga} 占位符按 saga 类型分频道；stream 为空时不写 stream
func NewPublisher(client *redis.Client, channel, stream string, maxLen int64, log *logger.Logger) *Publisher {
	if channel == "" {
		channel = defaultChannel
	}
	if log == nil {
		log = logger.Nop()
	}
	p := &Publisher{
		client:        client,
		channelFormat: channel,
		stream:        stream,
		timeout:       time.Second,
		log:           log,
	}
	if stream != "" {
		p.streams = sagaredis.NewStreamClient(client, maxLen)
	}
	return p
}

// Envelope 推送给订阅方的消息
type Envelope struct {
	Channel string     `json:"channel"`
	Event   string     `json:"event"`
	Data    saga.Event `json:"data"`
}

// OnEvent implements saga.Listener. 发布失败只记录日志，不影响 saga 推进。
func (p *Publisher) OnEvent(ctx context.Context, ev saga.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	if err := p.Publish(ctx, ev); err != nil {
		p.log.WithContext(ctx).WithSaga(ev.SagaID, ev.Saga).WithError(err).
			Warnf("publish saga event failed", map[string]interface{}{"event": string(ev.Type)})
	}
}

// Publish 发布单个事件
func (p *Publisher) Publish(ctx context.Context, ev saga.Event) error {
	env := Envelope{Channel: "saga", Event: string(ev.Type), Data: ev}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channelFor(ev.Saga), raw).Err(); err != nil {
		return err
	}
	if p.streams != nil {
		if _, err := p.streams.Publish(ctx, p.stream, env); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) channelFor(sagaName string) string {
	return strings.ReplaceAll(p.channelFormat, "{saga}", sagaName)
}
