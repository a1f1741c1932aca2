package sqlstore

import (
	"context"
	"fmt"

	"github.com/goliatone/go-formhooks/core"
	"github.com/goliatone/go-formhooks/ratelimit"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const rateLimitStateCacheKeyPrefix = "formhooks::ratelimit_state::v1"

var errCachedRateLimitsNotConfigured = fmt.Errorf("sqlstore: cached rate-limit state store is not configured")

// CachedRateLimitStateStore caches downstream throttle state between
// deliveries. Upsert writes through and evicts, so the next BeforeCall sees
// the state AfterCall just recorded.
type CachedRateLimitStateStore struct {
	base    ratelimit.StateStore
	entries readThrough[ratelimit.State]
}

func NewCachedRateLimitStateStore(
	base ratelimit.StateStore,
	cacheService repositorycache.CacheService,
) (*CachedRateLimitStateStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base rate-limit state store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: rate-limit cache service is required")
	}
	return &CachedRateLimitStateStore{
		base:    base,
		entries: newReadThrough(cacheService, rateLimitStateCacheKeyPrefix, cloneRateLimitState),
	}, nil
}

// RateLimitStateCacheKey normalizes key before building the cache key, so
// differently cased keys share one entry.
func RateLimitStateCacheKey(key core.RateLimitKey) (string, error) {
	normalized := normalizeRateLimitKey(key)
	if err := validateRateLimitKey(normalized); err != nil {
		return "", err
	}
	return cacheKey(rateLimitStateCacheKeyPrefix, normalized.ProviderID, normalized.BucketKey)
}

func (s *CachedRateLimitStateStore) Get(ctx context.Context, key core.RateLimitKey) (ratelimit.State, error) {
	if s == nil || s.base == nil || !s.entries.configured() {
		return ratelimit.State{}, errCachedRateLimitsNotConfigured
	}
	key = normalizeRateLimitKey(key)
	entryKey, err := RateLimitStateCacheKey(key)
	if err != nil {
		return ratelimit.State{}, err
	}
	return s.entries.get(ctx, entryKey, func(ctx context.Context) (ratelimit.State, error) {
		return s.base.Get(ctx, key)
	})
}

func (s *CachedRateLimitStateStore) Upsert(ctx context.Context, state ratelimit.State) error {
	if s == nil || s.base == nil || !s.entries.configured() {
		return errCachedRateLimitsNotConfigured
	}
	state.Key = normalizeRateLimitKey(state.Key)
	entryKey, err := RateLimitStateCacheKey(state.Key)
	if err != nil {
		return err
	}
	if err := s.base.Upsert(ctx, state); err != nil {
		return err
	}
	return s.entries.evict(ctx, entryKey)
}

func cloneRateLimitState(state ratelimit.State) ratelimit.State {
	out := state
	out.Key = normalizeRateLimitKey(state.Key)
	out.ResetAt = copyTimePointer(state.ResetAt)
	out.ThrottledUntil = copyTimePointer(state.ThrottledUntil)
	if state.RetryAfter != nil {
		retryAfter := *state.RetryAfter
		out.RetryAfter = &retryAfter
	}
	return out
}

var _ ratelimit.StateStore = (*CachedRateLimitStateStore)(nil)
