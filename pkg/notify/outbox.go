package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"dealroom/internal/util"
	"dealroom/pkg/domain"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Delivery tracks one outbound notification through the outbox.
type Delivery struct {
	ID           string    `json:"id"`
	RoomID       string    `json:"roomId"`
	Event        string    `json:"event"`
	Payload      string    `json:"payload"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// RedisOutbox buffers room events in a Redis stream so external delivery
// (AMQP) survives broker hiccups. Store writes happen before enqueue;
// the outbox only ever re-delivers, never invents events.
type RedisOutbox struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	deliveryTTL  time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	once         sync.Once
}

type OutboxConfig struct {
	Client      *redis.Client
	Stream      string
	Group       string
	Consumer    string
	DeliveryTTL time.Duration
	MaxRetries  int
	Block       time.Duration
	ClaimIdle   time.Duration
	RetryDelay  time.Duration
	MaxLen      int64
	ReadCount   int64
	ClaimCount  int64
}

func NewRedisOutbox(cfg OutboxConfig) (*RedisOutbox, error) {
	if cfg.Client == nil {
		return nil, errors.New("outbox redis client required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "dealroom:notify"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "default"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	deliveryTTL := cfg.DeliveryTTL
	if deliveryTTL <= 0 {
		deliveryTTL = 24 * time.Hour
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 10
	}

	return &RedisOutbox{
		client:       cfg.Client,
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		deliveryTTL:  deliveryTTL,
		maxRetries:   maxRetries,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		maxLen:       maxLen,
		readCount:    readCount,
		claimCount:   claimCount,
	}, nil
}

// Enqueue records a room event for external delivery.
func (q *RedisOutbox) Enqueue(ctx context.Context, evt domain.Event) (Delivery, error) {
	if strings.TrimSpace(evt.RoomID) == "" {
		return Delivery{}, errors.New("roomId required")
	}
	if strings.TrimSpace(evt.Name) == "" {
		return Delivery{}, errors.New("event name required")
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return Delivery{}, fmt.Errorf("encode event: %w", err)
	}
	d := Delivery{
		ID:        util.NewID(),
		RoomID:    evt.RoomID,
		Event:     evt.Name,
		Payload:   string(payload),
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := q.writeStatus(ctx, d); err != nil {
		return Delivery{}, err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"delivery_id": d.ID,
			"room_id":     d.RoomID,
			"event":       d.Event,
			"payload":     d.Payload,
		},
	}).Err(); err != nil {
		return Delivery{}, err
	}
	return d, nil
}

// GetDelivery returns delivery status by id.
func (q *RedisOutbox) GetDelivery(ctx context.Context, id string) (Delivery, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Delivery{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.deliveryKey(id)).Result()
	if err != nil {
		return Delivery{}, false, err
	}
	if len(data) == 0 {
		return Delivery{}, false, nil
	}
	return decodeDelivery(id, data), true, nil
}

// Start launches consumer goroutines that hand each delivery to handler.
// Failed deliveries are retried up to maxRetries before being marked failed.
func (q *RedisOutbox) Start(ctx context.Context, concurrency int, handler func(context.Context, Delivery) error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

func (q *RedisOutbox) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		// BUSYGROUP means the group already exists; anything else will
		// surface again on the first XReadGroup.
		_ = q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	})
}

func (q *RedisOutbox) consumeLoop(ctx context.Context, consumer string, handler func(context.Context, Delivery) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisOutbox) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *RedisOutbox) handleMessage(ctx context.Context, msg redis.XMessage, handler func(context.Context, Delivery) error) {
	id, _ := msg.Values["delivery_id"].(string)
	roomID, _ := msg.Values["room_id"].(string)
	event, _ := msg.Values["event"].(string)
	payload, _ := msg.Values["payload"].(string)
	if id == "" || roomID == "" || event == "" {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	d, err := q.markProcessing(ctx, id, roomID, event, payload)
	if err != nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if err := handler(ctx, d); err == nil {
		_ = q.markDone(ctx, id)
		q.ackAndDel(ctx, msg.ID)
		return
	} else if d.Attempts >= q.maxRetries {
		_ = q.markFailed(ctx, id, err.Error())
		q.ackAndDel(ctx, msg.ID)
		return
	} else {
		_ = q.markQueued(ctx, id, err.Error())
	}
	if q.retryDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.retryDelay):
		}
	}
	_ = q.requeueAndAck(ctx, msg)
}

func (q *RedisOutbox) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *RedisOutbox) requeueAndAck(ctx context.Context, msg redis.XMessage) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: msg.Values,
	})
	pipe.XAck(ctx, q.stream, q.group, msg.ID)
	pipe.XDel(ctx, q.stream, msg.ID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisOutbox) markProcessing(ctx context.Context, id, roomID, event, payload string) (Delivery, error) {
	d, _, err := q.GetDelivery(ctx, id)
	if err != nil {
		return Delivery{}, err
	}
	if d.ID == "" {
		d = Delivery{ID: id}
	}
	if roomID != "" {
		d.RoomID = roomID
	}
	if event != "" {
		d.Event = event
	}
	if payload != "" {
		d.Payload = payload
	}
	d.Attempts++
	d.Status = StatusProcessing
	d.UpdatedAt = time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = d.UpdatedAt
	}
	if err := q.writeStatus(ctx, d); err != nil {
		return Delivery{}, err
	}
	return d, nil
}

func (q *RedisOutbox) markQueued(ctx context.Context, id, errMsg string) error {
	return q.setStatus(ctx, id, StatusQueued, errMsg)
}

func (q *RedisOutbox) markDone(ctx context.Context, id string) error {
	return q.setStatus(ctx, id, StatusDone, "")
}

func (q *RedisOutbox) markFailed(ctx context.Context, id, errMsg string) error {
	return q.setStatus(ctx, id, StatusFailed, errMsg)
}

func (q *RedisOutbox) setStatus(ctx context.Context, id, status, errMsg string) error {
	d, _, err := q.GetDelivery(ctx, id)
	if err != nil {
		return err
	}
	d.Status = status
	d.ErrorMessage = errMsg
	d.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, d)
}

func (q *RedisOutbox) writeStatus(ctx context.Context, d Delivery) error {
	key := q.deliveryKey(d.ID)
	payload := map[string]any{
		"id":        d.ID,
		"roomId":    d.RoomID,
		"event":     d.Event,
		"payload":   d.Payload,
		"status":    d.Status,
		"error":     d.ErrorMessage,
		"attempts":  strconv.Itoa(d.Attempts),
		"createdAt": d.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": d.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.deliveryTTL).Err()
	return nil
}

func (q *RedisOutbox) deliveryKey(id string) string {
	return fmt.Sprintf("delivery:%s:%s", q.stream, id)
}

func decodeDelivery(id string, data map[string]string) Delivery {
	d := Delivery{ID: id}
	d.RoomID = data["roomId"]
	d.Event = data["event"]
	d.Payload = data["payload"]
	d.Status = data["status"]
	d.ErrorMessage = data["error"]
	if v := data["attempts"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			d.Attempts = n
		}
	}
	if v := data["createdAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			d.CreatedAt = t
		}
	}
	if v := data["updatedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			d.UpdatedAt = t
		}
	}
	return d
}
