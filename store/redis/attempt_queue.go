package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/redis/go-redis/v9"
)

const defaultQueuePrefix = "formhooks:queue"

type QueueOption func(*AttemptQueue)

func WithQueuePrefix(prefix string) QueueOption {
	return func(q *AttemptQueue) {
		if trimmed := strings.Trim(strings.TrimSpace(prefix), ":"); trimmed != "" {
			q.prefix = trimmed
		}
	}
}

func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *AttemptQueue) {
		if now != nil {
			q.now = now
		}
	}
}

// AttemptQueue is a go-job queue kept in three Redis keys: a sorted set of
// ready messages scored by visibility time, a hash of in-flight messages and
// a dead-letter list. Identical messages collapse into one member.
type AttemptQueue struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewAttemptQueue(client redis.UniversalClient, opts ...QueueOption) (*AttemptQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redisstore: redis client is required")
	}
	q := &AttemptQueue{
		client: client,
		prefix: defaultQueuePrefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q, nil
}

func (q *AttemptQueue) readyKey() string    { return q.prefix + ":ready" }
func (q *AttemptQueue) inflightKey() string { return q.prefix + ":inflight" }
func (q *AttemptQueue) deadKey() string     { return q.prefix + ":dead" }

func (q *AttemptQueue) Enqueue(ctx context.Context, msg *job.ExecutionMessage) error {
	member, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	if err := q.client.ZAdd(ctx, q.readyKey(), redis.Z{
		Score:  score(q.now()),
		Member: member,
	}).Err(); err != nil {
		return fmt.Errorf("redisstore: enqueue: %w", err)
	}
	return nil
}

// Dequeue returns the oldest visible message, or nil when none is due.
// The message moves to the in-flight hash until it is acked or nacked.
func (q *AttemptQueue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	members, err := q.client.ZRangeByScore(ctx, q.readyKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(score(q.now()), 'f', -1, 64),
		Count: 1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: dequeue: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	member := members[0]
	removed, err := q.client.ZRem(ctx, q.readyKey(), member).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: claim message: %w", err)
	}
	if removed == 0 {
		// another consumer claimed it first
		return nil, nil
	}
	if err := q.client.HSet(ctx, q.inflightKey(), member, q.now().Unix()).Err(); err != nil {
		_ = q.client.ZAdd(ctx, q.readyKey(), redis.Z{Score: score(q.now()), Member: member}).Err()
		return nil, fmt.Errorf("redisstore: mark in flight: %w", err)
	}
	msg, err := decodeMessage(member)
	if err != nil {
		return nil, err
	}
	return &queueDelivery{queue: q, member: member, msg: msg}, nil
}

// RecoverInFlight returns messages left in flight by a stopped consumer to
// the ready set.
func (q *AttemptQueue) RecoverInFlight(ctx context.Context) (int, error) {
	members, err := q.client.HKeys(ctx, q.inflightKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redisstore: list in-flight messages: %w", err)
	}
	if len(members) == 0 {
		return 0, nil
	}
	at := score(q.now())
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, member := range members {
			pipe.ZAdd(ctx, q.readyKey(), redis.Z{Score: at, Member: member})
		}
		pipe.HDel(ctx, q.inflightKey(), members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redisstore: recover in-flight messages: %w", err)
	}
	return len(members), nil
}

// Depth reports the ready, in-flight and dead-lettered message counts.
func (q *AttemptQueue) Depth(ctx context.Context) (ready, inflight, dead int64, err error) {
	if ready, err = q.client.ZCard(ctx, q.readyKey()).Result(); err != nil {
		return 0, 0, 0, fmt.Errorf("redisstore: queue depth: %w", err)
	}
	if inflight, err = q.client.HLen(ctx, q.inflightKey()).Result(); err != nil {
		return 0, 0, 0, fmt.Errorf("redisstore: queue depth: %w", err)
	}
	if dead, err = q.client.LLen(ctx, q.deadKey()).Result(); err != nil {
		return 0, 0, 0, fmt.Errorf("redisstore: queue depth: %w", err)
	}
	return ready, inflight, dead, nil
}

type queueDelivery struct {
	queue  *AttemptQueue
	member string
	msg    *job.ExecutionMessage
}

func (d *queueDelivery) Message() *job.ExecutionMessage {
	return d.msg
}

func (d *queueDelivery) Ack(ctx context.Context) error {
	if err := d.queue.client.HDel(ctx, d.queue.inflightKey(), d.member).Err(); err != nil {
		return fmt.Errorf("redisstore: ack: %w", err)
	}
	return nil
}

func (d *queueDelivery) Nack(ctx context.Context, opts queue.NackOptions) error {
	q := d.queue
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, q.inflightKey(), d.member)
		switch {
		case opts.DeadLetter:
			pipe.LPush(ctx, q.deadKey(), d.member)
		case opts.Requeue:
			delay := opts.Delay
			if delay < 0 {
				delay = 0
			}
			pipe.ZAdd(ctx, q.readyKey(), redis.Z{Score: score(q.now().Add(delay)), Member: d.member})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: nack: %w", err)
	}
	return nil
}

type queueEnvelope struct {
	JobID          string         `json:"job_id"`
	ScriptPath     string         `json:"script_path,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	DedupPolicy    string         `json:"dedup_policy,omitempty"`
}

func encodeMessage(msg *job.ExecutionMessage) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("redisstore: execution message is required")
	}
	if strings.TrimSpace(msg.JobID) == "" {
		return "", fmt.Errorf("redisstore: job id is required")
	}
	raw, err := json.Marshal(queueEnvelope{
		JobID:          msg.JobID,
		ScriptPath:     msg.ScriptPath,
		Parameters:     msg.Parameters,
		IdempotencyKey: msg.IdempotencyKey,
		DedupPolicy:    string(msg.DedupPolicy),
	})
	if err != nil {
		return "", fmt.Errorf("redisstore: encode message: %w", err)
	}
	return string(raw), nil
}

func decodeMessage(member string) (*job.ExecutionMessage, error) {
	var envelope queueEnvelope
	if err := json.Unmarshal([]byte(member), &envelope); err != nil {
		return nil, fmt.Errorf("redisstore: decode message: %w", err)
	}
	return &job.ExecutionMessage{
		JobID:          envelope.JobID,
		ScriptPath:     envelope.ScriptPath,
		Parameters:     envelope.Parameters,
		IdempotencyKey: envelope.IdempotencyKey,
		DedupPolicy:    job.DeduplicationPolicy(envelope.DedupPolicy),
	}, nil
}

func score(at time.Time) float64 {
	return float64(at.UnixMilli())
}

var (
	_ queue.Enqueuer = (*AttemptQueue)(nil)
	_ queue.Dequeuer = (*AttemptQueue)(nil)
)
