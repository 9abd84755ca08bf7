package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

func TestNewConsumerFillsZeroOptions(t *testing.T) {
	client := NewStreamClient(goredis.NewClient(&goredis.Options{Addr: "localhost:6379"}), 0)
	opts := &ConsumerOptions{BatchSize: 5}

	consumer := NewConsumer(client, "group", "consumer", []string{"stream"}, func(ctx context.Context, msg *Message) error {
		return nil
	}, opts, nil)

	if consumer.opts.PendingCheckInterval != DefaultConsumerOptions.PendingCheckInterval {
		t.Fatalf("PendingCheckInterval = %v, want %v", consumer.opts.PendingCheckInterval, DefaultConsumerOptions.PendingCheckInterval)
	}
	if consumer.opts.BatchSize != 5 {
		t.Fatalf("BatchSize = %d, want 5", consumer.opts.BatchSize)
	}
	if consumer.opts.BlockTime != DefaultConsumerOptions.BlockTime {
		t.Fatalf("BlockTime = %v, want default", consumer.opts.BlockTime)
	}
}

func TestPublishTrimsStream(t *testing.T) {
	client, mr := newTestClient(t)
	sc := NewStreamClient(client.Client, 2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := sc.Publish(ctx, "saga:events", map[string]int{"n": i}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	entries, err := mr.Stream("saga:events")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(entries) > 5 || len(entries) == 0 {
		t.Fatalf("unexpected stream length %d", len(entries))
	}
	if _, err := sc.Publish(ctx, "saga:events", make(chan int)); err == nil {
		t.Fatalf("expected marshal error")
	}
}

func TestConsumerDeliversAndAcks(t *testing.T) {
	client, _ := newTestClient(t)
	sc := NewStreamClient(client.Client, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type command struct {
		Name string `json:"name"`
	}
	if _, err := sc.Publish(ctx, "saga:commands", command{Name: "order-placement"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := make(chan string, 1)
	consumer := NewConsumer(sc, "saga", "c1", []string{"saga:commands"}, func(ctx context.Context, msg *Message) error {
		var cmd command
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			return err
		}
		got <- cmd.Name
		cancel()
		return nil
	}, &ConsumerOptions{BatchSize: 10, BlockTime: 50 * time.Millisecond}, nil)

	err := consumer.Start(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	select {
	case name := <-got:
		if name != "order-placement" {
			t.Fatalf("unexpected command %q", name)
		}
	default:
		t.Fatalf("handler not invoked")
	}

	pending, err := client.XPending(context.Background(), "saga:commands", "saga").Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected message acked, %d pending", pending.Count)
	}
}

func TestConsumerLeavesFailedMessagePending(t *testing.T) {
	client, _ := newTestClient(t)
	sc := NewStreamClient(client.Client, 0)
	ctx := context.Background()

	consumer := NewConsumer(sc, "saga", "c1", []string{"saga:commands"}, func(ctx context.Context, msg *Message) error {
		return errors.New("unknown saga")
	}, &ConsumerOptions{MaxRetries: 0}, nil)
	if err := consumer.EnsureGroups(ctx); err != nil {
		t.Fatalf("ensure groups: %v", err)
	}
	if err := consumer.EnsureGroups(ctx); err != nil {
		t.Fatalf("ensure groups twice: %v", err)
	}

	if _, err := sc.Publish(ctx, "saga:commands", map[string]string{"name": "x"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	res, err := client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group: "saga", Consumer: "c1", Streams: []string{"saga:commands", ">"}, Count: 1, Block: -1,
	}).Result()
	if err != nil || len(res) != 1 || len(res[0].Messages) != 1 {
		t.Fatalf("read: %v %v", res, err)
	}

	if err := consumer.processMessage(ctx, "saga:commands", res[0].Messages[0]); err == nil {
		t.Fatalf("expected handler error")
	}
	pending, _ := client.XPending(ctx, "saga:commands", "saga").Result()
	if pending.Count != 1 {
		t.Fatalf("expected failed message to stay pending, got %d", pending.Count)
	}
}

func TestConsumerDeadLettersPermanentFailure(t *testing.T) {
	client, mr := newTestClient(t)
	sc := NewStreamClient(client.Client, 0)
	ctx := context.Background()

	consumer := NewConsumer(sc, "saga", "c1", []string{"saga:commands"}, func(ctx context.Context, msg *Message) error {
		return fmt.Errorf("%w: bad payload", ErrPermanent)
	}, nil, nil)
	if err := consumer.EnsureGroups(ctx); err != nil {
		t.Fatalf("ensure groups: %v", err)
	}
	if _, err := sc.Publish(ctx, "saga:commands", map[string]string{"name": "x"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	res, err := client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group: "saga", Consumer: "c1", Streams: []string{"saga:commands", ">"}, Count: 1, Block: -1,
	}).Result()
	if err != nil || len(res) != 1 {
		t.Fatalf("read: %v %v", res, err)
	}

	if err := consumer.processMessage(ctx, "saga:commands", res[0].Messages[0]); err != nil {
		t.Fatalf("permanent failure should be dead-lettered, got %v", err)
	}
	entries, err := mr.Stream("saga:commands:dlq")
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected 1 dlq entry, got %v (%v)", entries, err)
	}
	pending, _ := client.XPending(ctx, "saga:commands", "saga").Result()
	if pending.Count != 0 {
		t.Fatalf("expected original acked, %d pending", pending.Count)
	}
}
