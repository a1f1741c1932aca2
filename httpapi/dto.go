package httpapi

import (
	"time"

	"github.com/goliatone/go-formhooks/core"
)

type createSubscriptionRequest struct {
	FormID    string         `json:"form_id"`
	TargetURL string         `json:"target_url"`
	Secret    string         `json:"secret,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type updateSubscriptionRequest struct {
	TargetURL string `json:"target_url"`
}

// subscriptionResponse never carries the secret; it is returned once, on
// create, in createdResponse.
type subscriptionResponse struct {
	ID                  string         `json:"id"`
	FormID              string         `json:"form_id"`
	TargetURL           string         `json:"target_url"`
	RemoteHookID        string         `json:"remote_hook_id,omitempty"`
	Status              string         `json:"status"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	LastError           string         `json:"last_error,omitempty"`
	LastSyncedAt        *time.Time     `json:"last_synced_at,omitempty"`
	DisabledAt          *time.Time     `json:"disabled_at,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

type createdResponse struct {
	Subscription subscriptionResponse `json:"subscription"`
	Secret       string               `json:"secret"`
}

type attemptResponse struct {
	SubscriptionID      string    `json:"subscription_id"`
	Fingerprint         string    `json:"fingerprint"`
	AttemptNumber       int       `json:"attempt_number"`
	Status              string    `json:"status"`
	FirstAttemptAt      time.Time `json:"first_attempt_at"`
	ScheduledAt         time.Time `json:"scheduled_at"`
	NextIntervalSeconds int64     `json:"next_interval_seconds"`
	LastError           string    `json:"last_error,omitempty"`
	LastErrorMessage    string    `json:"last_error_message,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}

type inboundResponse struct {
	Accepted bool           `json:"accepted"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message  string `json:"message"`
	Category string `json:"category"`
	Code     int    `json:"code"`
	TextCode string `json:"text_code"`
}

func toSubscriptionResponse(sub core.Subscription) subscriptionResponse {
	return subscriptionResponse{
		ID:                  sub.ID,
		FormID:              sub.FormID,
		TargetURL:           sub.TargetURL,
		RemoteHookID:        sub.RemoteHookID,
		Status:              string(sub.Status),
		ConsecutiveFailures: sub.ConsecutiveFailures,
		LastError:           sub.LastError,
		LastSyncedAt:        sub.LastSyncedAt,
		DisabledAt:          sub.DisabledAt,
		Metadata:            sub.Metadata,
		CreatedAt:           sub.CreatedAt,
		UpdatedAt:           sub.UpdatedAt,
	}
}

func toAttemptResponse(attempt core.DeliveryAttempt) attemptResponse {
	return attemptResponse{
		SubscriptionID:      attempt.Key.SubscriptionID,
		Fingerprint:         attempt.Key.Fingerprint,
		AttemptNumber:       attempt.AttemptNumber,
		Status:              string(attempt.Status),
		FirstAttemptAt:      attempt.FirstAttemptAt,
		ScheduledAt:         attempt.ScheduledAt,
		NextIntervalSeconds: attempt.NextIntervalSeconds,
		LastError:           string(attempt.LastError),
		LastErrorMessage:    attempt.LastErrorMessage,
		UpdatedAt:           attempt.UpdatedAt,
	}
}
