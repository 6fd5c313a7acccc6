package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"dealroom/pkg/domain"
)

func TestOutboxRequeueAndAckSuccess(t *testing.T) {
	q, ctx, msg := newPendingDelivery(t)

	if err := q.requeueAndAck(ctx, msg); err != nil {
		t.Fatalf("requeue and ack: %v", err)
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read requeued message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one requeued message, got %+v", streams)
	}
	got := streams[0].Messages[0]
	if got.Values["room_id"] != "room-1" || got.Values["event"] != domain.EventTransactionUpdate {
		t.Fatalf("unexpected requeued payload: %+v", got.Values)
	}
}

func TestOutboxRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx, msg := newPendingDelivery(t)

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msg); err == nil {
		t.Fatalf("expected requeueAndAck to fail on canceled context")
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}

	streamLen, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != 1 {
		t.Fatalf("expected no new message in stream on failure, got len=%d", streamLen)
	}
}

func TestOutboxTracksDeliveryStatus(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: redisSrv.Addr()})
	q, err := NewRedisOutbox(OutboxConfig{Client: client, Stream: "test:notify"})
	if err != nil {
		t.Fatalf("new outbox: %v", err)
	}
	ctx := context.Background()

	d, err := q.Enqueue(ctx, domain.Event{Name: domain.EventTransactionUpdate, RoomID: "room-1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, ok, err := q.GetDelivery(ctx, d.ID)
	if err != nil || !ok {
		t.Fatalf("get delivery: ok=%v err=%v", ok, err)
	}
	if got.Status != StatusQueued {
		t.Fatalf("status = %q, want %q", got.Status, StatusQueued)
	}

	if err := q.markFailed(ctx, d.ID, "broker down"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, _, err = q.GetDelivery(ctx, d.ID)
	if err != nil {
		t.Fatalf("get delivery: %v", err)
	}
	if got.Status != StatusFailed || got.ErrorMessage != "broker down" {
		t.Fatalf("delivery = %+v, want failed with reason", got)
	}
}

func newPendingDelivery(t *testing.T) (*RedisOutbox, context.Context, redis.XMessage) {
	t.Helper()

	redisSrv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: redisSrv.Addr()})
	q, err := NewRedisOutbox(OutboxConfig{
		Client:     client,
		Stream:     "test:notify",
		Group:      "test-group",
		Consumer:   "consumer-1",
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new outbox: %v", err)
	}

	ctx := context.Background()
	q.ensureGroup(ctx)

	if _, err := q.Enqueue(ctx, domain.Event{Name: domain.EventTransactionUpdate, RoomID: "room-1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}

	return q, ctx, streams[0].Messages[0]
}
