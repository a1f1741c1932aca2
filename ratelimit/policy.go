package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-formhooks/core"
)

var ErrStateNotFound = errors.New("ratelimit: state not found")

// State is what the provider last told us about a bucket.
type State struct {
	Key            core.RateLimitKey
	Limit          int
	Remaining      int
	ResetAt        *time.Time
	RetryAfter     *time.Duration
	ThrottledUntil *time.Time
	LastStatus     int
	Attempts       int
	UpdatedAt      time.Time
}

type StateStore interface {
	Get(ctx context.Context, key core.RateLimitKey) (State, error)
	Upsert(ctx context.Context, state State) error
}

// ThrottledError is returned by BeforeCall while the provider asked us to
// back off.
type ThrottledError struct {
	Key        core.RateLimitKey
	RetryAfter time.Duration
}

func (e ThrottledError) Error() string {
	return fmt.Sprintf("ratelimit: %s/%s throttled for %s", e.Key.ProviderID, e.Key.BucketKey, e.RetryAfter)
}

// AsError converts the throttle into the RATE_LIMIT_EXCEEDED taxonomy error
// so that retry classification treats it as transient.
func (e ThrottledError) AsError() *goerrors.Error {
	metadata := map[string]any{
		"provider_id": e.Key.ProviderID,
		"bucket_key":  e.Key.BucketKey,
	}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return core.NewRateLimitExceededError(e.Error(), metadata)
}

// AdaptivePolicy honours provider throttle signals (429, Retry-After and
// X-RateLimit-* headers). It complements the token bucket: the bucket keeps
// us under the configured rate, the policy reacts when the provider
// disagrees.
type AdaptivePolicy struct {
	Store          StateStore
	Now            func() time.Time
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func NewAdaptivePolicy(store StateStore) *AdaptivePolicy {
	if store == nil {
		store = NewMemoryStateStore()
	}
	return &AdaptivePolicy{
		Store:          store,
		Now:            func() time.Time { return time.Now().UTC() },
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
	}
}

func (p *AdaptivePolicy) BeforeCall(ctx context.Context, key core.RateLimitKey) error {
	if p == nil || p.Store == nil {
		return nil
	}
	key = normalizeKey(key)
	state, err := p.Store.Get(ctx, key)
	if errors.Is(err, ErrStateNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	now := p.now()
	if state.ThrottledUntil != nil && now.Before(*state.ThrottledUntil) {
		return ThrottledError{Key: key, RetryAfter: state.ThrottledUntil.Sub(now)}.AsError()
	}
	if state.Remaining == 0 && state.ResetAt != nil && now.Before(*state.ResetAt) {
		return ThrottledError{Key: key, RetryAfter: state.ResetAt.Sub(now)}.AsError()
	}
	return nil
}

func (p *AdaptivePolicy) AfterCall(ctx context.Context, key core.RateLimitKey, res core.ProviderResponseMeta) error {
	if p == nil || p.Store == nil {
		return nil
	}
	key = normalizeKey(key)
	state, err := p.Store.Get(ctx, key)
	switch {
	case errors.Is(err, ErrStateNotFound):
		state = State{Key: key}
	case err != nil:
		return err
	}

	now := p.now()
	state.LastStatus = res.StatusCode
	state.UpdatedAt = now

	signalled := false
	if limit, ok := headerInt(res.Headers, "x-ratelimit-limit"); ok {
		state.Limit = limit
		signalled = true
	}
	if remaining, ok := headerInt(res.Headers, "x-ratelimit-remaining"); ok {
		state.Remaining = remaining
		signalled = true
	}
	if resetAt, ok := headerResetAt(res.Headers); ok {
		state.ResetAt = &resetAt
		signalled = true
	}
	retryAfter, hasRetryAfter := retryAfterHint(res, now)
	state.RetryAfter = nil
	if hasRetryAfter {
		state.RetryAfter = &retryAfter
		signalled = true
	}

	throttled := res.StatusCode == 429 ||
		(res.StatusCode < 500 && signalled && state.Remaining == 0)
	if !throttled {
		state.Attempts = 0
		state.ThrottledUntil = nil
		return p.Store.Upsert(ctx, state)
	}

	state.Attempts++
	delay := retryAfter
	if !hasRetryAfter {
		delay = p.backoff(state.Attempts)
	}
	until := now.Add(delay)
	state.ThrottledUntil = &until
	return p.Store.Upsert(ctx, state)
}

func (p *AdaptivePolicy) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *AdaptivePolicy) backoff(attempt int) time.Duration {
	delay := p.InitialBackoff
	if delay <= 0 {
		delay = time.Second
	}
	ceiling := p.MaxBackoff
	if ceiling <= 0 {
		ceiling = time.Minute
	}
	for i := 1; i < attempt && delay < ceiling; i++ {
		delay *= 2
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}

func retryAfterHint(res core.ProviderResponseMeta, now time.Time) (time.Duration, bool) {
	if res.RetryAfter != nil && *res.RetryAfter > 0 {
		return *res.RetryAfter, true
	}
	raw := headerValue(res.Headers, "retry-after")
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	for _, layout := range []string{time.RFC1123, time.RFC1123Z} {
		if at, err := time.Parse(layout, raw); err == nil && at.After(now) {
			return at.Sub(now), true
		}
	}
	return 0, false
}

func headerInt(headers map[string]string, key string) (int, bool) {
	value := headerValue(headers, key)
	if value == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func headerResetAt(headers map[string]string) (time.Time, bool) {
	unix, err := strconv.ParseInt(headerValue(headers, "x-ratelimit-reset"), 10, 64)
	if err != nil || unix <= 0 {
		return time.Time{}, false
	}
	return time.Unix(unix, 0).UTC(), true
}

func headerValue(headers map[string]string, key string) string {
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), key) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func normalizeKey(key core.RateLimitKey) core.RateLimitKey {
	return core.RateLimitKey{
		ProviderID: strings.ToLower(strings.TrimSpace(key.ProviderID)),
		BucketKey:  strings.ToLower(strings.TrimSpace(key.BucketKey)),
	}
}

type MemoryStateStore struct {
	mu    sync.RWMutex
	items map[core.RateLimitKey]State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{items: map[core.RateLimitKey]State{}}
}

func (s *MemoryStateStore) Get(_ context.Context, key core.RateLimitKey) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.items[normalizeKey(key)]
	if !ok {
		return State{}, ErrStateNotFound
	}
	return state, nil
}

func (s *MemoryStateStore) Upsert(_ context.Context, state State) error {
	state.Key = normalizeKey(state.Key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[state.Key] = state
	return nil
}

var _ core.RateLimitPolicy = (*AdaptivePolicy)(nil)
