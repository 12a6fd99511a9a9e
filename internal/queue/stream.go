package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	SourceAPI      = "api"
	SourceTelegram = "telegram"
)

// CallJob is one queued prompt. ChatID and MessageID are only set for jobs
// that must be answered in a Telegram chat.
type CallJob struct {
	JobID      string    `json:"job_id"`
	Source     string    `json:"source"`
	ChatID     int64     `json:"chat_id,omitempty"`
	UserID     int64     `json:"user_id,omitempty"`
	MessageID  int64     `json:"message_id,omitempty"`
	System     string    `json:"system"`
	User       string    `json:"user"`
	MaxTokens  int       `json:"max_tokens,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
}

type StreamQueue struct {
	redis    *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
}

type Message struct {
	ID  string
	Job CallJob
}

// NewStreamQueue returns a consumer-group queue over a redis stream.
func NewStreamQueue(rdb *redis.Client, stream, group, consumer string, block time.Duration) *StreamQueue {
	return &StreamQueue{
		redis:    rdb,
		stream:   stream,
		group:    group,
		consumer: consumer,
		block:    block,
	}
}

// EnsureGroup creates the stream and consumer group if either is missing.
func (q *StreamQueue) EnsureGroup(ctx context.Context) error {
	if q == nil {
		return fmt.Errorf("queue is nil")
	}
	err := q.redis.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create stream group: %w", err)
	}
	return nil
}

// Enqueue adds job to the stream and returns the job id, assigning one when
// the job has none.
func (q *StreamQueue) Enqueue(ctx context.Context, job CallJob) (string, error) {
	if strings.TrimSpace(job.JobID) == "" {
		job.JobID = NewJobID()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	if err := q.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"payload": payload, "job_id": job.JobID},
	}).Err(); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return job.JobID, nil
}

// Read blocks up to the queue's block duration for at most count new jobs.
// Entries that cannot be decoded are acked and dropped so they do not stay
// pending in the group.
func (q *StreamQueue) Read(ctx context.Context, count int64) ([]Message, error) {
	res, err := q.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    count,
		Block:    q.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	var out []Message
	for _, s := range res {
		for _, m := range s.Messages {
			job, err := decodeJob(m.Values)
			if err != nil {
				if ackErr := q.Ack(ctx, m.ID); ackErr != nil {
					return out, fmt.Errorf("drop malformed entry %s: %w", m.ID, ackErr)
				}
				continue
			}
			out = append(out, Message{ID: m.ID, Job: job})
		}
	}
	return out, nil
}

func decodeJob(values map[string]any) (CallJob, error) {
	var b []byte
	switch v := values["payload"].(type) {
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return CallJob{}, fmt.Errorf("missing payload")
	}

	var job CallJob
	if err := json.Unmarshal(b, &job); err != nil {
		return CallJob{}, fmt.Errorf("unmarshal job: %w", err)
	}
	if job.JobID == "" {
		if id, ok := values["job_id"].(string); ok {
			job.JobID = id
		}
	}
	return job, nil
}

// Ack acknowledges messageID and removes it from the stream.
func (q *StreamQueue) Ack(ctx context.Context, messageID string) error {
	if err := q.redis.XAck(ctx, q.stream, q.group, messageID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.redis.XDel(ctx, q.stream, messageID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

// NewJobID returns a random 16 hex character id.
func NewJobID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("job-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
