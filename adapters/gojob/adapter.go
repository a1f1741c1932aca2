// Package gojob runs retry attempts through a go-job queue instead of
// in-process timers.
package gojob

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-formhooks/core"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
)

const (
	JobIDRetryAttempt = "formhooks.retry.attempt"

	paramSubscriptionID = "subscription_id"
	paramFingerprint    = "fingerprint"
	paramAttemptNumber  = "attempt_number"
	paramNotBefore      = "not_before"
)

// RetryPolicy bounds how often a queue delivery is handed back after the
// attempt runner itself failed. Delivery failures are the engine's concern
// and never reach this policy.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// NormalizeAttempt enforces bounded retry behavior for a nack operation.
func (p RetryPolicy) NormalizeAttempt(opts queue.NackOptions, attempt int) queue.NackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if out.DeadLetter {
		out.Requeue = false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		if p.DeadLetterOnMax || out.DeadLetter {
			out.DeadLetter = true
		}
	}
	if !out.Requeue && !out.DeadLetter {
		out.Requeue = true
	}
	return out
}

// AttemptMessage is the queue payload for one scheduled attempt.
type AttemptMessage struct {
	Key           core.AttemptKey
	AttemptNumber int
	NotBefore     time.Time
}

func (m AttemptMessage) IdempotencyKey() string {
	return m.Key.String() + "#" + strconv.Itoa(m.AttemptNumber)
}

// ToExecutionMessage maps a scheduled attempt to a go-job message.
func ToExecutionMessage(attempt core.DeliveryAttempt) *job.ExecutionMessage {
	msg := AttemptMessage{
		Key:           attempt.Key,
		AttemptNumber: attempt.AttemptNumber,
		NotBefore:     attempt.ScheduledAt.UTC(),
	}
	return &job.ExecutionMessage{
		JobID:      JobIDRetryAttempt,
		ScriptPath: JobIDRetryAttempt,
		Parameters: map[string]any{
			paramSubscriptionID: strings.TrimSpace(msg.Key.SubscriptionID),
			paramFingerprint:    strings.TrimSpace(msg.Key.Fingerprint),
			paramAttemptNumber:  msg.AttemptNumber,
			paramNotBefore:      msg.NotBefore.Format(time.RFC3339Nano),
		},
		IdempotencyKey: msg.IdempotencyKey(),
		DedupPolicy:    job.DeduplicationPolicy("drop"),
	}
}

// FromExecutionMessage parses a go-job message produced by ToExecutionMessage.
func FromExecutionMessage(msg *job.ExecutionMessage) (AttemptMessage, error) {
	if msg == nil {
		return AttemptMessage{}, fmt.Errorf("gojob: execution message is required")
	}
	if strings.TrimSpace(msg.JobID) != JobIDRetryAttempt {
		return AttemptMessage{}, fmt.Errorf("gojob: unexpected job id %q", msg.JobID)
	}
	key := core.AttemptKey{
		SubscriptionID: stringParam(msg.Parameters, paramSubscriptionID),
		Fingerprint:    stringParam(msg.Parameters, paramFingerprint),
	}
	if err := key.Validate(); err != nil {
		return AttemptMessage{}, fmt.Errorf("gojob: %w", err)
	}
	number, err := intParam(msg.Parameters, paramAttemptNumber)
	if err != nil {
		return AttemptMessage{}, err
	}
	out := AttemptMessage{Key: key, AttemptNumber: number}
	if raw := stringParam(msg.Parameters, paramNotBefore); raw != "" {
		notBefore, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return AttemptMessage{}, fmt.Errorf("gojob: invalid not_before %q: %w", raw, err)
		}
		out.NotBefore = notBefore.UTC()
	}
	return out, nil
}

func stringParam(params map[string]any, key string) string {
	value, ok := params[key]
	if !ok || value == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(value))
}

// intParam accepts the numeric shapes a JSON-backed queue may hand back.
func intParam(params map[string]any, key string) (int, error) {
	switch value := params[key].(type) {
	case int:
		return value, nil
	case int64:
		return int(value), nil
	case float64:
		return int(value), nil
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, fmt.Errorf("gojob: invalid %s %q", key, value)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("gojob: %s is required", key)
	}
}
