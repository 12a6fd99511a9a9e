package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(newTestRedis(t), 2)
	now := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)
	subject := TelegramSubject(1, 10)

	for i, want := range []bool{true, true, false} {
		d, err := rl.Allow(context.Background(), subject, now)
		if err != nil {
			t.Fatalf("allow#%d: %v", i+1, err)
		}
		if d.Allowed != want || d.Used != int64(i+1) {
			t.Fatalf("allow#%d: expected allowed=%v used=%d, got allowed=%v used=%d", i+1, want, i+1, d.Allowed, d.Used)
		}
	}

	d, err := rl.Allow(context.Background(), TelegramSubject(1, 11), now)
	if err != nil {
		t.Fatalf("allow other user: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("other subjects must have their own window")
	}
	if !d.ResetAt.Equal(time.Date(2026, 2, 13, 11, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected reset time %s", d.ResetAt)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(nil, 0)
	d, err := rl.Allow(context.Background(), "api:127.0.0.1", time.Now())
	if err != nil || !d.Allowed {
		t.Fatalf("expected disabled limiter to allow, got %+v %v", d, err)
	}
}

func TestStreamQueueRoundTrip(t *testing.T) {
	ctx := context.Background()
	q := NewStreamQueue(newTestRedis(t), "test:jobs", "test-workers", "c1", 100*time.Millisecond)
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group twice: %v", err)
	}

	jobID, err := q.Enqueue(ctx, CallJob{Source: SourceAPI, System: "sys", User: "write a test", MaxTokens: 256})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if jobID == "" {
		t.Fatalf("expected generated job id")
	}

	msgs, err := q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	job := msgs[0].Job
	if job.JobID != jobID || job.User != "write a test" || job.MaxTokens != 256 || job.EnqueuedAt.IsZero() {
		t.Fatalf("unexpected job %+v", job)
	}

	if err := q.Ack(ctx, msgs[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestStreamQueueDropsMalformedEntries(t *testing.T) {
	ctx := context.Background()
	rdb := newTestRedis(t)
	q := NewStreamQueue(rdb, "test:jobs", "test-workers", "c1", 100*time.Millisecond)
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	if err := rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: "test:jobs",
		Values: map[string]any{"payload": "{not json"},
	}).Err(); err != nil {
		t.Fatalf("xadd: %v", err)
	}
	if err := rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: "test:jobs",
		Values: map[string]any{"payload": `{"user":"legacy"}`, "job_id": "from-field"},
	}).Err(); err != nil {
		t.Fatalf("xadd: %v", err)
	}

	msgs, err := q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Job.JobID != "from-field" || msgs[0].Job.User != "legacy" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	n, err := rdb.XLen(ctx, "test:jobs").Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if n != 1 {
		t.Fatalf("malformed entry still in stream, len=%d", n)
	}
}

func TestUpdateDeduplicator(t *testing.T) {
	d := NewUpdateDeduplicator(newTestRedis(t), time.Minute)
	first, err := d.MarkFirst(context.Background(), 42)
	if err != nil || !first {
		t.Fatalf("expected first delivery, got %v %v", first, err)
	}
	first, err = d.MarkFirst(context.Background(), 42)
	if err != nil || first {
		t.Fatalf("expected duplicate, got %v %v", first, err)
	}
}
