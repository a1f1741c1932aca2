package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-formhooks/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const subscriptionCacheKeyPrefix = "formhooks::subscription::v1"

// CachedSubscriptionStore serves Get from the cache and evicts on every
// write that goes through it. Inbound requests resolve their subscription
// on each call, so Get is the hot path; List is never cached.
type CachedSubscriptionStore struct {
	base    core.SubscriptionStore
	entries readThrough[core.Subscription]
}

func NewCachedSubscriptionStore(
	base core.SubscriptionStore,
	cacheService repositorycache.CacheService,
) (*CachedSubscriptionStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base subscription store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: subscription cache service is required")
	}
	return &CachedSubscriptionStore{
		base:    base,
		entries: newReadThrough(cacheService, subscriptionCacheKeyPrefix, cloneSubscription),
	}, nil
}

func SubscriptionCacheKey(id string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("sqlstore: subscription id is required")
	}
	return cacheKey(subscriptionCacheKeyPrefix, id)
}

func (s *CachedSubscriptionStore) ready() error {
	if s == nil || s.base == nil || !s.entries.configured() {
		return fmt.Errorf("sqlstore: cached subscription store is not configured")
	}
	return nil
}

func (s *CachedSubscriptionStore) Create(ctx context.Context, sub core.Subscription) (core.Subscription, error) {
	if err := s.ready(); err != nil {
		return core.Subscription{}, err
	}
	created, err := s.base.Create(ctx, sub)
	if err != nil {
		return core.Subscription{}, err
	}
	if err := s.evict(ctx, created.ID); err != nil {
		return core.Subscription{}, err
	}
	return created, nil
}

func (s *CachedSubscriptionStore) Get(ctx context.Context, id string) (core.Subscription, error) {
	if err := s.ready(); err != nil {
		return core.Subscription{}, err
	}
	key, err := SubscriptionCacheKey(id)
	if err != nil {
		return core.Subscription{}, err
	}
	id = strings.TrimSpace(id)
	return s.entries.get(ctx, key, func(ctx context.Context) (core.Subscription, error) {
		return s.base.Get(ctx, id)
	})
}

func (s *CachedSubscriptionStore) List(ctx context.Context, filter core.SubscriptionFilter) ([]core.Subscription, error) {
	if s == nil || s.base == nil {
		return nil, fmt.Errorf("sqlstore: cached subscription store is not configured")
	}
	return s.base.List(ctx, filter)
}

func (s *CachedSubscriptionStore) Update(ctx context.Context, sub core.Subscription) (core.Subscription, error) {
	if err := s.ready(); err != nil {
		return core.Subscription{}, err
	}
	updated, err := s.base.Update(ctx, sub)
	if err != nil {
		return core.Subscription{}, err
	}
	if err := s.evict(ctx, updated.ID); err != nil {
		return core.Subscription{}, err
	}
	return updated, nil
}

func (s *CachedSubscriptionStore) Delete(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.base.Delete(ctx, id); err != nil {
		return err
	}
	return s.evict(ctx, id)
}

func (s *CachedSubscriptionStore) evict(ctx context.Context, id string) error {
	key, err := SubscriptionCacheKey(id)
	if err != nil {
		return err
	}
	return s.entries.evict(ctx, key)
}

func cloneSubscription(in core.Subscription) core.Subscription {
	out := in
	out.EncryptedSecret = append([]byte(nil), in.EncryptedSecret...)
	out.LastSyncedAt = copyTimePointer(in.LastSyncedAt)
	out.DisabledAt = copyTimePointer(in.DisabledAt)
	if in.Metadata != nil {
		out.Metadata = copyAnyMap(in.Metadata)
	}
	return out
}

var _ core.SubscriptionStore = (*CachedSubscriptionStore)(nil)
