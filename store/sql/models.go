package sqlstore

import (
	"strings"
	"time"

	"github.com/goliatone/go-formhooks/core"
	"github.com/goliatone/go-formhooks/ratelimit"
	"github.com/uptrace/bun"
)

type subscriptionRecord struct {
	bun.BaseModel `bun:"table:formhooks_subscriptions,alias:fs"`

	ID                  string         `bun:"id,pk"`
	FormID              string         `bun:"form_id,notnull"`
	TargetURL           string         `bun:"target_url,notnull"`
	RemoteHookID        string         `bun:"remote_hook_id,notnull"`
	EncryptedSecret     []byte         `bun:"encrypted_secret"`
	Status              string         `bun:"status,notnull"`
	ConsecutiveFailures int            `bun:"consecutive_failures,notnull"`
	LastError           string         `bun:"last_error,notnull"`
	LastSyncedAt        *time.Time     `bun:"last_synced_at,nullzero"`
	DisabledAt          *time.Time     `bun:"disabled_at,nullzero"`
	Metadata            map[string]any `bun:"metadata,type:jsonb,notnull"`
	CreatedAt           time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt           time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type attemptRecord struct {
	bun.BaseModel `bun:"table:formhooks_delivery_attempts,alias:fda"`

	ID                  string            `bun:"id,pk"`
	SubscriptionID      string            `bun:"subscription_id,notnull"`
	Fingerprint         string            `bun:"fingerprint,notnull"`
	AttemptNumber       int               `bun:"attempt_number,notnull"`
	FirstAttemptAt      time.Time         `bun:"first_attempt_at,notnull"`
	ScheduledAt         time.Time         `bun:"scheduled_at,notnull"`
	NextIntervalSeconds int64             `bun:"next_interval_seconds,notnull"`
	Status              string            `bun:"status,notnull"`
	LastError           string            `bun:"last_error,notnull"`
	LastErrorMessage    string            `bun:"last_error_message,notnull"`
	Payload             []byte            `bun:"payload"`
	Headers             map[string]string `bun:"headers,type:jsonb,notnull"`
	UpdatedAt           time.Time         `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type rateLimitStateRecord struct {
	bun.BaseModel `bun:"table:formhooks_rate_limit_state,alias:frl"`

	ID                string     `bun:"id,pk"`
	ProviderID        string     `bun:"provider_id,notnull"`
	BucketKey         string     `bun:"bucket_key,notnull"`
	Limit             int        `bun:"limit,notnull"`
	Remaining         int        `bun:"remaining,notnull"`
	ResetAt           *time.Time `bun:"reset_at,nullzero"`
	RetryAfterSeconds *int       `bun:"retry_after_seconds"`
	ThrottledUntil    *time.Time `bun:"throttled_until,nullzero"`
	LastStatus        int        `bun:"last_status,notnull"`
	Attempts          int        `bun:"attempts,notnull"`
	CreatedAt         time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func newSubscriptionRecord(sub core.Subscription) *subscriptionRecord {
	return &subscriptionRecord{
		ID:                  strings.TrimSpace(sub.ID),
		FormID:              strings.TrimSpace(sub.FormID),
		TargetURL:           strings.TrimSpace(sub.TargetURL),
		RemoteHookID:        strings.TrimSpace(sub.RemoteHookID),
		EncryptedSecret:     append([]byte(nil), sub.EncryptedSecret...),
		Status:              string(sub.Status),
		ConsecutiveFailures: sub.ConsecutiveFailures,
		LastError:           sub.LastError,
		LastSyncedAt:        copyTimePointer(sub.LastSyncedAt),
		DisabledAt:          copyTimePointer(sub.DisabledAt),
		Metadata:            copyAnyMap(sub.Metadata),
		CreatedAt:           sub.CreatedAt.UTC(),
		UpdatedAt:           sub.UpdatedAt.UTC(),
	}
}

func (r *subscriptionRecord) toDomain() core.Subscription {
	if r == nil {
		return core.Subscription{}
	}
	return core.Subscription{
		ID:                  r.ID,
		FormID:              r.FormID,
		TargetURL:           r.TargetURL,
		RemoteHookID:        r.RemoteHookID,
		EncryptedSecret:     append([]byte(nil), r.EncryptedSecret...),
		Status:              core.SubscriptionStatus(r.Status),
		ConsecutiveFailures: r.ConsecutiveFailures,
		LastError:           r.LastError,
		LastSyncedAt:        copyTimePointer(r.LastSyncedAt),
		DisabledAt:          copyTimePointer(r.DisabledAt),
		Metadata:            copyAnyMap(r.Metadata),
		CreatedAt:           r.CreatedAt.UTC(),
		UpdatedAt:           r.UpdatedAt.UTC(),
	}
}

func newAttemptRecord(attempt core.DeliveryAttempt) *attemptRecord {
	return &attemptRecord{
		ID:                  attempt.Key.String(),
		SubscriptionID:      strings.TrimSpace(attempt.Key.SubscriptionID),
		Fingerprint:         strings.TrimSpace(attempt.Key.Fingerprint),
		AttemptNumber:       attempt.AttemptNumber,
		FirstAttemptAt:      attempt.FirstAttemptAt.UTC(),
		ScheduledAt:         attempt.ScheduledAt.UTC(),
		NextIntervalSeconds: attempt.NextIntervalSeconds,
		Status:              string(attempt.Status),
		LastError:           string(attempt.LastError),
		LastErrorMessage:    attempt.LastErrorMessage,
		Payload:             append([]byte(nil), attempt.Payload...),
		Headers:             copyStringMap(attempt.Headers),
		UpdatedAt:           attempt.UpdatedAt.UTC(),
	}
}

func (r *attemptRecord) toDomain() core.DeliveryAttempt {
	if r == nil {
		return core.DeliveryAttempt{}
	}
	return core.DeliveryAttempt{
		Key: core.AttemptKey{
			SubscriptionID: r.SubscriptionID,
			Fingerprint:    r.Fingerprint,
		},
		AttemptNumber:       r.AttemptNumber,
		FirstAttemptAt:      r.FirstAttemptAt.UTC(),
		ScheduledAt:         r.ScheduledAt.UTC(),
		NextIntervalSeconds: r.NextIntervalSeconds,
		Status:              core.AttemptStatus(r.Status),
		LastError:           core.ErrorKind(r.LastError),
		LastErrorMessage:    r.LastErrorMessage,
		Payload:             append([]byte(nil), r.Payload...),
		Headers:             copyStringMap(r.Headers),
		UpdatedAt:           r.UpdatedAt.UTC(),
	}
}

func (r *rateLimitStateRecord) toDomain() ratelimit.State {
	if r == nil {
		return ratelimit.State{}
	}
	state := ratelimit.State{
		Key: core.RateLimitKey{
			ProviderID: r.ProviderID,
			BucketKey:  r.BucketKey,
		},
		Limit:          r.Limit,
		Remaining:      r.Remaining,
		ResetAt:        copyTimePointer(r.ResetAt),
		ThrottledUntil: copyTimePointer(r.ThrottledUntil),
		LastStatus:     r.LastStatus,
		Attempts:       r.Attempts,
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
	if r.RetryAfterSeconds != nil && *r.RetryAfterSeconds > 0 {
		value := time.Duration(*r.RetryAfterSeconds) * time.Second
		state.RetryAfter = &value
	}
	return state
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func copyStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func copyTimePointer(input *time.Time) *time.Time {
	if input == nil {
		return nil
	}
	value := input.UTC()
	return &value
}
