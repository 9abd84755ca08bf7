// Package orderflow 下单流程 saga：冻结余额 -> 提交撮合 -> 通知用户
package orderflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/exchange/saga/internal/client"
	"github.com/exchange/saga/pkg/saga"
)

const (
	Name = "order-placement"

	StepFreezeBalance = "freeze-balance"
	StepSubmitOrder   = "submit-order"
	StepNotifyUser    = "notify-user"
)

// Order saga 载荷
type Order struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId,omitempty"`
	UserID        int64  `json:"userId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	OrderType     string `json:"type"`
	TimeInForce   string `json:"timeInForce,omitempty"`
	Price         int64  `json:"price"`
	Qty           int64  `json:"qty"`

	// 冻结资产：买单冻结计价币，卖单冻结基础币
	FreezeAsset  string `json:"freezeAsset"`
	FreezeAmount int64  `json:"freezeAmount"`

	Frozen    bool `json:"frozen,omitempty"`
	Submitted bool `json:"submitted,omitempty"`
	Notified  bool `json:"notified,omitempty"`
}

// Validate 校验下单载荷
func (o *Order) Validate() error {
	switch {
	case o.OrderID <= 0:
		return errors.New("orderId is required")
	case o.UserID <= 0:
		return errors.New("userId is required")
	case strings.TrimSpace(o.Symbol) == "":
		return errors.New("symbol is required")
	case o.Side != "BUY" && o.Side != "SELL":
		return fmt.Errorf("invalid side %q", o.Side)
	case o.Qty <= 0:
		return errors.New("qty must be positive")
	case o.FreezeAsset == "" || o.FreezeAmount <= 0:
		return errors.New("freeze asset and amount are required")
	}
	return nil
}

// Clearing 清算服务（余额冻结）
type Clearing interface {
	FreezeBalance(ctx context.Context, userID int64, asset string, amount int64, refID, idempotencyKey string) (*client.BalanceResponse, error)
	UnfreezeBalance(ctx context.Context, userID int64, asset string, amount int64, refID, idempotencyKey string) (*client.BalanceResponse, error)
}

// StreamPublisher 撮合输入流，由 pkg/redis.StreamClient 实现
type StreamPublisher interface {
	Publish(ctx context.Context, stream string, msg interface{}) (string, error)
}

// Deps saga 依赖
type Deps struct {
	Clearing    Clearing
	Orders      StreamPublisher
	OrderStream string
	Notifier    *Notifier
}

// OrderMessage 撮合引擎输入消息
type OrderMessage struct {
	Type          string `json:"type"` // NEW / CANCEL
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	UserID        int64  `json:"userId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side,omitempty"`
	OrderType     string `json:"orderType,omitempty"`
	TimeInForce   string `json:"timeInForce,omitempty"`
	Price         int64  `json:"price,omitempty"`
	Qty           int64  `json:"qty,omitempty"`
}

// New 创建下单 saga
func New(store saga.Store, deps Deps, opts *saga.Options) *saga.Orchestrator[Order] {
	if deps.OrderStream == "" {
		deps.OrderStream = "exchange:orders"
	}
	return saga.NewOrchestrator[Order](Name, store, deps.steps, opts)
}

func (d Deps) steps() []saga.Step[Order] {
	return []saga.Step[Order]{
		saga.FuncStep[Order]{StepName: StepFreezeBalance, Do: d.freeze, Undo: d.unfreeze},
		saga.FuncStep[Order]{StepName: StepSubmitOrder, Do: d.submit, Undo: d.cancel},
		saga.FuncStep[Order]{StepName: StepNotifyUser, Do: d.notify},
	}
}

// 幂等键由 saga id 派生，重试和崩溃恢复时保持不变
func idempotencyKey(sagaID, op string) string {
	return "saga:" + sagaID + ":" + op
}

func (d Deps) freeze(ctx context.Context, sc *saga.Context[Order]) error {
	o := sc.Data
	if err := o.Validate(); err != nil {
		return err
	}
	resp, err := d.Clearing.FreezeBalance(ctx, o.UserID, o.FreezeAsset, o.FreezeAmount,
		strconv.FormatInt(o.OrderID, 10), idempotencyKey(sc.ID, "freeze"))
	if err != nil {
		return fmt.Errorf("freeze balance: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("freeze balance rejected: %s", resp.ErrorCode)
	}
	o.Frozen = true
	return nil
}

func (d Deps) unfreeze(ctx context.Context, sc *saga.Context[Order]) error {
	o := sc.Data
	resp, err := d.Clearing.UnfreezeBalance(ctx, o.UserID, o.FreezeAsset, o.FreezeAmount,
		strconv.FormatInt(o.OrderID, 10), idempotencyKey(sc.ID, "unfreeze"))
	if err != nil {
		return fmt.Errorf("unfreeze balance: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("unfreeze balance rejected: %s", resp.ErrorCode)
	}
	o.Frozen = false
	return nil
}

func (d Deps) submit(ctx context.Context, sc *saga.Context[Order]) error {
	o := sc.Data
	msg := &OrderMessage{
		Type:          "NEW",
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		UserID:        o.UserID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		OrderType:     o.OrderType,
		TimeInForce:   o.TimeInForce,
		Price:         o.Price,
		Qty:           o.Qty,
	}
	if _, err := d.Orders.Publish(ctx, d.OrderStream, msg); err != nil {
		return fmt.Errorf("submit order: %w", err)
	}
	o.Submitted = true
	return nil
}

func (d Deps) cancel(ctx context.Context, sc *saga.Context[Order]) error {
	o := sc.Data
	msg := &OrderMessage{
		Type:          "CANCEL",
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		UserID:        o.UserID,
		Symbol:        o.Symbol,
	}
	if _, err := d.Orders.Publish(ctx, d.OrderStream, msg); err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	o.Submitted = false
	return nil
}

func (d Deps) notify(ctx context.Context, sc *saga.Context[Order]) error {
	o := sc.Data
	if d.Notifier != nil {
		if err := d.Notifier.Publish(ctx, o.UserID, "order", "created", o); err != nil {
			return fmt.Errorf("notify user: %w", err)
		}
	}
	o.Notified = true
	return nil
}

const privateUserEventChannelTemplate = "private:user:{userId}:events"

// Notifier 发布用户私有事件
type Notifier struct {
	client        *redis.Client
	channelFormat string
	hasUserID     bool
}

func NewNotifier(client *redis.Client, channel string) *Notifier {
	if channel == "" {
		channel = privateUserEventChannelTemplate
	}
	format, hasUserID := normalizeUserChannelFormat(channel)
	return &Notifier{
		client:        client,
		channelFormat: format,
		hasUserID:     hasUserID,
	}
}

// Publish 发布 {channel, event, data} 到用户频道
func (n *Notifier) Publish(ctx context.Context, userID int64, channel, event string, data interface{}) error {
	payload := map[string]interface{}{
		"user_id": userID,
		"channel": channel,
		"event":   event,
		"data":    data,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	target := n.channelFormat
	if n.hasUserID {
		target = fmt.Sprintf(n.channelFormat, userID)
	}
	return n.client.Publish(ctx, target, raw).Err()
}

func normalizeUserChannelFormat(template string) (string, bool) {
	if strings.Contains(template, "{userId}") {
		return strings.ReplaceAll(template, "{userId}", "%d"), true
	}
	return template, false
}
