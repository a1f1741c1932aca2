package redisstore

import (
	"testing"

	job "github.com/goliatone/go-job"
	"github.com/redis/go-redis/v9"
)

func TestNewAttemptQueue_RequiresClient(t *testing.T) {
	if _, err := NewAttemptQueue(nil); err == nil {
		t.Fatalf("expected error without client")
	}
}

func TestAttemptQueue_KeysUsePrefix(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer func() { _ = client.Close() }()

	q, err := NewAttemptQueue(client, WithQueuePrefix(" tenant-a:queue: "))
	if err != nil {
		t.Fatalf("new attempt queue: %v", err)
	}
	if q.readyKey() != "tenant-a:queue:ready" || q.inflightKey() != "tenant-a:queue:inflight" || q.deadKey() != "tenant-a:queue:dead" {
		t.Fatalf("unexpected keys %q %q %q", q.readyKey(), q.inflightKey(), q.deadKey())
	}
}

func TestEncodeMessage_IsStableAndDecodes(t *testing.T) {
	msg := &job.ExecutionMessage{
		JobID:          "formhooks.retry.attempt",
		ScriptPath:     "formhooks.retry.attempt",
		Parameters:     map[string]any{"subscription_id": "sub_1", "fingerprint": "fp", "attempt_number": 2},
		IdempotencyKey: "sub_1:fp#2",
		DedupPolicy:    job.DeduplicationPolicy("drop"),
	}
	first, err := encodeMessage(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	second, err := encodeMessage(msg)
	if err != nil {
		t.Fatalf("encode again: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical members for identical messages")
	}

	decoded, err := decodeMessage(first)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.JobID != msg.JobID || decoded.IdempotencyKey != msg.IdempotencyKey {
		t.Fatalf("unexpected decoded message: %+v", decoded)
	}
	if decoded.Parameters["attempt_number"] != float64(2) {
		t.Fatalf("expected JSON number for attempt_number, got %#v", decoded.Parameters["attempt_number"])
	}
}

func TestEncodeMessage_RejectsMissingJobID(t *testing.T) {
	if _, err := encodeMessage(nil); err == nil {
		t.Fatalf("expected nil message to fail")
	}
	if _, err := encodeMessage(&job.ExecutionMessage{}); err == nil {
		t.Fatalf("expected blank job id to fail")
	}
}
