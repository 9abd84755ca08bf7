package ws

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/exchange/saga/pkg/logger"
)

const defaultChannel = "saga:events"

// Consumer listens on the saga event channel and broadcasts to the hub.
type Consumer struct {
	client  *redis.Client
	hub     *Hub
	channel string
	log     *logger.Logger
}

// NewConsumer channel 含 {saga} 占位符时按模式订阅
func NewConsumer(client *redis.Client, hub *Hub, channel string, log *logger.Logger) *Consumer {
	if channel == "" {
		channel = defaultChannel
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Consumer{client: client, hub: hub, channel: channel, log: log}
}

// Run starts the pub/sub loop.
func (c *Consumer) Run(ctx context.Context) error {
	var pubsub *redis.PubSub
	if strings.Contains(c.channel, "{saga}") {
		pubsub = c.client.PSubscribe(ctx, strings.ReplaceAll(c.channel, "{saga}", "*"))
	} else {
		pubsub = c.client.Subscribe(ctx, c.channel)
	}
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			c.handleMessage(msg.Payload)
		}
	}
}

type sagaEvent struct {
	Event string `json:"event"`
	Data  struct {
		SagaID string `json:"sagaId"`
		Saga   string `json:"saga"`
	} `json:"data"`
}

func (c *Consumer) handleMessage(payload string) {
	var ev sagaEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		c.log.WithError(err).Warn("saga event decode error")
		return
	}
	if ev.Data.SagaID == "" {
		return
	}
	c.hub.Broadcast(ev.Data.SagaID, ev.Data.Saga, []byte(payload))
}
