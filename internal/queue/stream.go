package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// ReconcileJob asks the owning node to re-apply its presence state for one
// (room, user) pair after a failed durable write.
type ReconcileJob struct {
	JobID      string    `json:"job_id"`
	NodeID     string    `json:"node_id"`
	RoomID     string    `json:"room_id"`
	UserID     int64     `json:"user_id"`
	Reason     string    `json:"reason"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
}

// ReconcileStream is the stream name of a node's reconciliation jobs.
func ReconcileStream(prefix, nodeID string) string {
	return fmt.Sprintf("%s:reconcile:%s", strings.TrimSuffix(prefix, ":"), nodeID)
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
	Job ReconcileJob
}

func NewStreamQueue(rdb *redis.Client, stream, group, consumer string, block time.Duration) *StreamQueue {
	return &StreamQueue{
		redis:    rdb,
		stream:   stream,
		group:    group,
		consumer: consumer,
		block:    block,
	}
}

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

func (q *StreamQueue) Enqueue(ctx context.Context, job ReconcileJob) (string, error) {
	if strings.TrimSpace(job.JobID) == "" {
		job.JobID = ulid.Make().String()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	id, err := q.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"payload": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

// Read blocks up to the queue's block time for new jobs.
func (q *StreamQueue) Read(ctx context.Context, count int64) ([]Message, error) {
	return q.read(ctx, ">", count, q.block)
}

// ReadPending returns jobs delivered to this consumer but never acked, such
// as those in flight when the previous run of this node stopped.
func (q *StreamQueue) ReadPending(ctx context.Context, count int64) ([]Message, error) {
	return q.read(ctx, "0", count, -1)
}

func (q *StreamQueue) read(ctx context.Context, from string, count int64, block time.Duration) ([]Message, error) {
	res, err := q.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, from},
		Count:    count,
		Block:    block,
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
			job, ok := decodeJob(m.Values["payload"])
			if !ok {
				continue
			}
			out = append(out, Message{ID: m.ID, Job: job})
		}
	}
	return out, nil
}

func decodeJob(raw any) (ReconcileJob, bool) {
	var b []byte
	switch v := raw.(type) {
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return ReconcileJob{}, false
	}
	var job ReconcileJob
	if err := json.Unmarshal(b, &job); err != nil {
		return ReconcileJob{}, false
	}
	return job, true
}

func (q *StreamQueue) Ack(ctx context.Context, messageID string) error {
	if err := q.redis.XAck(ctx, q.stream, q.group, messageID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.redis.XDel(ctx, q.stream, messageID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

func (q *StreamQueue) Consumer() string {
	return q.consumer
}

func (q *StreamQueue) Stream() string {
	return q.stream
}

// Len returns the number of entries in the stream.
func (q *StreamQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.redis.XLen(ctx, q.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen: %w", err)
	}
	return n, nil
}
