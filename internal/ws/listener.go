package ws

import (
	"context"
	"encoding/json"

	"github.com/exchange/saga/internal/events"
	"github.com/exchange/saga/pkg/saga"
)

// HubListener 进程内直接推送事件，不经过 Redis（memory 存储模式）
func HubListener(hub *Hub) saga.Listener {
	return saga.ListenerFunc(func(_ context.Context, ev saga.Event) {
		raw, err := json.Marshal(events.Envelope{Channel: "saga", Event: string(ev.Type), Data: ev})
		if err != nil {
			return
		}
		hub.Broadcast(ev.SagaID, ev.Saga, raw)
	})
}
