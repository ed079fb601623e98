// Package queue fans lecture work out to worker hosts over a Redis
// stream. The stream is transport only; the relational ledger remains the
// source of truth for completion, and every delivered lecture still goes
// through the lease protocol before any download starts.
package queue

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

	"lecturevault/internal/util"
	"lecturevault/pkg/domain"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Delivery tracks one dispatched lecture through the stream lifecycle.
type Delivery struct {
	ID           string                   `json:"id"`
	Lecture      domain.LectureDescriptor `json:"lecture"`
	Status       string                   `json:"status"`
	ErrorMessage string                   `json:"errorMessage,omitempty"`
	Attempts     int                      `json:"attempts"`
	CreatedAt    time.Time                `json:"createdAt"`
	UpdatedAt    time.Time                `json:"updatedAt"`
}

type LectureQueue struct {
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

type Config struct {
	Addr        string
	Password    string
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

func NewLectureQueue(cfg Config) (*LectureQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "workers"
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

	return &LectureQueue{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
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

// Enqueue publishes one lecture descriptor to the stream. The dispatcher
// calls this once per enumerated lecture.
func (q *LectureQueue) Enqueue(ctx context.Context, d domain.LectureDescriptor) (Delivery, error) {
	if d.BatchID == "" || d.LectureID == "" {
		return Delivery{}, errors.New("lecture descriptor requires batch and lecture ids")
	}
	delivery := Delivery{
		ID:        util.NewID(),
		Lecture:   d,
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := q.writeStatus(ctx, delivery); err != nil {
		return Delivery{}, err
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return Delivery{}, fmt.Errorf("encode descriptor: %w", err)
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"delivery_id": delivery.ID,
			"lecture":     string(payload),
		},
	}).Err(); err != nil {
		return Delivery{}, err
	}
	return delivery, nil
}

// GetDelivery looks up the status hash for one delivery.
func (q *LectureQueue) GetDelivery(ctx context.Context, deliveryID string) (Delivery, bool, error) {
	deliveryID = strings.TrimSpace(deliveryID)
	if deliveryID == "" {
		return Delivery{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.deliveryKey(deliveryID)).Result()
	if err != nil {
		return Delivery{}, false, err
	}
	if len(data) == 0 {
		return Delivery{}, false, nil
	}
	delivery, err := decodeDelivery(deliveryID, data)
	if err != nil {
		return Delivery{}, false, err
	}
	return delivery, true, nil
}

// Start launches consume loops. Handler errors requeue the lecture with
// bounded redelivery; deliveries abandoned mid-crash are reclaimed after
// claimIdle via XAutoClaim.
func (q *LectureQueue) Start(ctx context.Context, concurrency int, handler func(context.Context, domain.LectureDescriptor) error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

func (q *LectureQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			// best-effort; errors will surface on consume
		}
	})
}

func (q *LectureQueue) consumeLoop(ctx context.Context, consumer string, handler func(context.Context, domain.LectureDescriptor) error) {
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

func (q *LectureQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
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

func (q *LectureQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler func(context.Context, domain.LectureDescriptor) error) {
	deliveryID, _ := msg.Values["delivery_id"].(string)
	payload, _ := msg.Values["lecture"].(string)
	if deliveryID == "" || payload == "" {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	var lecture domain.LectureDescriptor
	if err := json.Unmarshal([]byte(payload), &lecture); err != nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	delivery, err := q.markProcessing(ctx, deliveryID, lecture)
	if err != nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	handlerErr := handler(ctx, lecture)
	if handlerErr == nil {
		_ = q.markDone(ctx, deliveryID)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if delivery.Attempts >= q.maxRetries {
		_ = q.markFailed(ctx, deliveryID, handlerErr.Error())
		q.ackAndDel(ctx, msg.ID)
		return
	}
	_ = q.markQueued(ctx, deliveryID, handlerErr.Error())
	if q.retryDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.retryDelay):
		}
	}
	_ = q.requeueAndAck(ctx, msg.ID, deliveryID, payload)
}

func (q *LectureQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *LectureQueue) requeueAndAck(ctx context.Context, msgID, deliveryID, payload string) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"delivery_id": deliveryID,
			"lecture":     payload,
		},
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *LectureQueue) markProcessing(ctx context.Context, deliveryID string, lecture domain.LectureDescriptor) (Delivery, error) {
	delivery, _, err := q.GetDelivery(ctx, deliveryID)
	if err != nil {
		return Delivery{}, err
	}
	if delivery.ID == "" {
		delivery = Delivery{ID: deliveryID}
	}
	delivery.Lecture = lecture
	delivery.Attempts++
	delivery.Status = StatusProcessing
	delivery.UpdatedAt = time.Now().UTC()
	if delivery.CreatedAt.IsZero() {
		delivery.CreatedAt = delivery.UpdatedAt
	}
	if err := q.writeStatus(ctx, delivery); err != nil {
		return Delivery{}, err
	}
	return delivery, nil
}

func (q *LectureQueue) markQueued(ctx context.Context, deliveryID, errMsg string) error {
	delivery, _, err := q.GetDelivery(ctx, deliveryID)
	if err != nil {
		return err
	}
	delivery.Status = StatusQueued
	delivery.ErrorMessage = errMsg
	delivery.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, delivery)
}

func (q *LectureQueue) markDone(ctx context.Context, deliveryID string) error {
	delivery, _, err := q.GetDelivery(ctx, deliveryID)
	if err != nil {
		return err
	}
	delivery.Status = StatusDone
	delivery.ErrorMessage = ""
	delivery.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, delivery)
}

func (q *LectureQueue) markFailed(ctx context.Context, deliveryID, errMsg string) error {
	delivery, _, err := q.GetDelivery(ctx, deliveryID)
	if err != nil {
		return err
	}
	delivery.Status = StatusFailed
	delivery.ErrorMessage = errMsg
	delivery.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, delivery)
}

func (q *LectureQueue) writeStatus(ctx context.Context, delivery Delivery) error {
	lecture, err := json.Marshal(delivery.Lecture)
	if err != nil {
		return fmt.Errorf("encode descriptor: %w", err)
	}
	payload := map[string]any{
		"id":        delivery.ID,
		"lecture":   string(lecture),
		"status":    delivery.Status,
		"error":     delivery.ErrorMessage,
		"attempts":  strconv.Itoa(delivery.Attempts),
		"createdAt": delivery.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": delivery.UpdatedAt.Format(time.RFC3339Nano),
	}
	key := q.deliveryKey(delivery.ID)
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.deliveryTTL).Err()
	return nil
}

func (q *LectureQueue) deliveryKey(deliveryID string) string {
	return fmt.Sprintf("delivery:%s:%s", q.stream, deliveryID)
}

func decodeDelivery(deliveryID string, data map[string]string) (Delivery, error) {
	delivery := Delivery{ID: deliveryID}
	if v := data["lecture"]; v != "" {
		_ = json.Unmarshal([]byte(v), &delivery.Lecture)
	}
	if v := data["status"]; v != "" {
		delivery.Status = v
	}
	if v := data["error"]; v != "" {
		delivery.ErrorMessage = v
	}
	if v := data["attempts"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			delivery.Attempts = n
		}
	}
	if v := data["createdAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			delivery.CreatedAt = t
		}
	}
	if v := data["updatedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			delivery.UpdatedAt = t
		}
	}
	return delivery, nil
}
