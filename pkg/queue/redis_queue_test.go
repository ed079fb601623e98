package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"lecturevault/pkg/domain"
)

func testLecture() domain.LectureDescriptor {
	return domain.LectureDescriptor{
		BatchID:     "batch-1",
		LectureID:   "L1",
		LectureName: "Wave Motion",
		SubjectSlug: "physics",
		ChapterName: "Waves",
	}
}

func TestLectureQueueRequeueAndAckSuccess(t *testing.T) {
	q, ctx, msgID, deliveryID, payload := newPendingQueueMessage(t)

	if err := q.requeueAndAck(ctx, msgID, deliveryID, payload); err != nil {
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
	if got.Values["delivery_id"] != deliveryID || got.Values["lecture"] != payload {
		t.Fatalf("unexpected requeued payload: %+v", got.Values)
	}
}

func TestLectureQueueRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx, msgID, deliveryID, payload := newPendingQueueMessage(t)

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msgID, deliveryID, payload); err == nil {
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

func TestLectureQueueHandleMessageSuccessAcks(t *testing.T) {
	q, ctx, msgID, deliveryID, payload := newPendingQueueMessage(t)

	var handled domain.LectureDescriptor
	q.handleMessage(ctx, redis.XMessage{
		ID:     msgID,
		Values: map[string]any{"delivery_id": deliveryID, "lecture": payload},
	}, func(_ context.Context, d domain.LectureDescriptor) error {
		handled = d
		return nil
	})

	if handled.LectureID != "L1" || handled.BatchID != "batch-1" {
		t.Fatalf("handler got %+v", handled)
	}
	delivery, found, err := q.GetDelivery(ctx, deliveryID)
	if err != nil || !found {
		t.Fatalf("get delivery = %v, %v", found, err)
	}
	if delivery.Status != StatusDone {
		t.Fatalf("status = %q, want done", delivery.Status)
	}
	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("pending = %d after ack", pending.Count)
	}
}

func TestLectureQueueExhaustedRetriesMarkFailed(t *testing.T) {
	q, ctx, msgID, deliveryID, payload := newPendingQueueMessage(t)
	q.maxRetries = 1

	q.handleMessage(ctx, redis.XMessage{
		ID:     msgID,
		Values: map[string]any{"delivery_id": deliveryID, "lecture": payload},
	}, func(context.Context, domain.LectureDescriptor) error {
		return errors.New("download broke")
	})

	delivery, found, err := q.GetDelivery(ctx, deliveryID)
	if err != nil || !found {
		t.Fatalf("get delivery = %v, %v", found, err)
	}
	if delivery.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", delivery.Status)
	}
	if delivery.ErrorMessage != "download broke" {
		t.Fatalf("error = %q", delivery.ErrorMessage)
	}
}

func newPendingQueueMessage(t *testing.T) (*LectureQueue, context.Context, string, string, string) {
	t.Helper()

	redisSrv := miniredis.RunT(t)
	q, err := NewLectureQueue(Config{
		Addr:       redisSrv.Addr(),
		Stream:     "test:lectures",
		Group:      "test-group",
		Consumer:   "consumer-1",
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	ctx := context.Background()
	q.ensureGroup(ctx)

	delivery, err := q.Enqueue(ctx, testLecture())
	if err != nil {
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

	payload, err := json.Marshal(delivery.Lecture)
	if err != nil {
		t.Fatalf("encode lecture: %v", err)
	}
	msg := streams[0].Messages[0]
	return q, ctx, msg.ID, delivery.ID, string(payload)
}
