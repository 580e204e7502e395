package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis list keys. LPUSH on the producer side, BLPOP on the consumer side:
// each message is delivered to at most one consumer.
const (
	ScanEventsKey = "scan_events"
	BulkJobsKey   = "bulk_jobs"
)

// ScanMessage is the wire format of one scan observation. The webhook target
// is copied from the link at resolution time and may be stale relative to
// later link edits.
type ScanMessage struct {
	LinkID          int64     `json:"link_id,string"`
	SourceIP        string    `json:"source_ip"`
	ClientSignature string    `json:"client_signature"`
	OccurredAt      time.Time `json:"occurred_at"`
	WebhookTarget   string    `json:"webhook_target,omitempty"`
}

// BulkJobMessage is the wire format of one bulk generation job descriptor.
type BulkJobMessage struct {
	JobID        string          `json:"job_id"`
	OwnerID      string          `json:"owner_id"`
	InputRef     string          `json:"input_ref"`
	BaseTemplate string          `json:"base_template,omitempty"`
	StyleConfig  json.RawMessage `json:"style_config,omitempty"`
}

// Queue is a durable at-least-once queue over Redis lists.
type Queue struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

func (q *Queue) EnqueueScan(ctx context.Context, msg ScanMessage) error {
	return q.push(ctx, ScanEventsKey, msg)
}

// DequeueScan blocks until a scan message arrives or the context is
// cancelled. An idle worker stays parked on the BLPOP rather than polling.
func (q *Queue) DequeueScan(ctx context.Context) (*ScanMessage, error) {
	var msg ScanMessage
	if err := q.pop(ctx, ScanEventsKey, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (q *Queue) EnqueueBulkJob(ctx context.Context, msg BulkJobMessage) error {
	return q.push(ctx, BulkJobsKey, msg)
}

func (q *Queue) DequeueBulkJob(ctx context.Context) (*BulkJobMessage, error) {
	var msg BulkJobMessage
	if err := q.pop(ctx, BulkJobsKey, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (q *Queue) push(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", key, err)
	}
	if err := q.rdb.LPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", key, err)
	}
	return nil
}

func (q *Queue) pop(ctx context.Context, key string, v any) error {
	// 0 means block indefinitely; cancellation comes from ctx.
	res, err := q.rdb.BLPop(ctx, 0, key).Result()
	if err != nil {
		return fmt.Errorf("dequeue %s: %w", key, err)
	}
	if len(res) != 2 {
		return fmt.Errorf("dequeue %s: unexpected reply of %d elements", key, len(res))
	}
	if err := json.Unmarshal([]byte(res[1]), v); err != nil {
		return fmt.Errorf("parse %s message: %w", key, err)
	}
	return nil
}
