package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type InboundRequest struct {
	SubscriptionID string
	Headers        map[string]string
	Body           []byte
	ReceivedAt     time.Time
	Metadata       map[string]any
}

type InboundResult struct {
	Accepted   bool
	StatusCode int
	Metadata   map[string]any
}

// OutboundRequest is a provider call. Path is relative to the provider base
// URL; direct egress joins them, relay egress forwards the path as is.
type OutboundRequest struct {
	Method        string
	Path          string
	Query         map[string]string
	Headers       map[string]string
	Body          []byte
	CorrelationID string
	Timeout       time.Duration
}

type OutboundResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Metadata   map[string]any
}

// EgressDispatcher sends provider calls through the shared rate limiter.
// Non-2xx responses are returned as responses, not errors.
type EgressDispatcher interface {
	Kind() string
	Send(ctx context.Context, req OutboundRequest) (OutboundResponse, error)
}

type RateLimiter interface {
	Acquire(ctx context.Context, cost float64) error
}

type RateLimitKey struct {
	ProviderID string
	BucketKey  string
}

type ProviderResponseMeta struct {
	StatusCode int
	Headers    map[string]string
	RetryAfter *time.Duration
	Metadata   map[string]any
}

type RateLimitPolicy interface {
	BeforeCall(ctx context.Context, key RateLimitKey) error
	AfterCall(ctx context.Context, key RateLimitKey, res ProviderResponseMeta) error
}

type RemoteHook struct {
	ID        string
	FormID    string
	TargetURL string
	Enabled   bool
	Metadata  map[string]any
}

type CreateHookInput struct {
	FormID    string
	TargetURL string
	Secret    string
}

// HookRegistry is the provider registration API.
type HookRegistry interface {
	CreateHook(ctx context.Context, in CreateHookInput) (RemoteHook, error)
	UpdateHook(ctx context.Context, hookID string, targetURL string) (RemoteHook, error)
	DeleteHook(ctx context.Context, hookID string) error
	GetHook(ctx context.Context, hookID string) (RemoteHook, error)
}

type SubscriptionFilter struct {
	FormID string
	Status SubscriptionStatus
	Limit  int
	Offset int
}

type SubscriptionStore interface {
	Create(ctx context.Context, sub Subscription) (Subscription, error)
	Get(ctx context.Context, id string) (Subscription, error)
	List(ctx context.Context, filter SubscriptionFilter) ([]Subscription, error)
	Update(ctx context.Context, sub Subscription) (Subscription, error)
	Delete(ctx context.Context, id string) error
}

type AttemptStore interface {
	Save(ctx context.Context, attempt DeliveryAttempt) error
	Get(ctx context.Context, key AttemptKey) (DeliveryAttempt, error)
	ListBySubscription(ctx context.Context, subscriptionID string) ([]DeliveryAttempt, error)
}

type SecretProvider interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// ReplayLedger remembers inbound requests that were already accepted.
// Release drops a claim so that a request the engine failed to take
// ownership of can be redelivered.
type ReplayLedger interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Delivery is the payload handed to the processing collaborator, both on
// first receipt and on every retry.
type Delivery struct {
	SubscriptionID string
	FormID         string
	Fingerprint    string
	AttemptNumber  int
	Headers        map[string]string
	Payload        []byte
}

type DeliveryProcessor interface {
	Process(ctx context.Context, delivery Delivery) error
}

type DeliveryProcessorFunc func(ctx context.Context, delivery Delivery) error

func (f DeliveryProcessorFunc) Process(ctx context.Context, delivery Delivery) error {
	return f(ctx, delivery)
}

type StatusListener func(ctx context.Context, change StatusChange)
