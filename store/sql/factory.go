package sqlstore

import (
	"fmt"

	"github.com/goliatone/go-formhooks/core"
	"github.com/goliatone/go-formhooks/ratelimit"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/uptrace/bun"
)

type FactoryOption func(*RepositoryFactory)

// WithCacheService fronts subscription and rate-limit state reads with the
// given cache.
func WithCacheService(cacheService repositorycache.CacheService) FactoryOption {
	return func(f *RepositoryFactory) {
		if f != nil {
			f.cache = cacheService
		}
	}
}

type RepositoryFactory struct {
	db    *bun.DB
	cache repositorycache.CacheService

	subscriptionStore   core.SubscriptionStore
	attemptStore        *AttemptStore
	rateLimitStateStore ratelimit.StateStore
}

func NewRepositoryFactory(opts ...FactoryOption) *RepositoryFactory {
	factory := &RepositoryFactory{}
	for _, opt := range opts {
		if opt != nil {
			opt(factory)
		}
	}
	return factory
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) error {
	if f == nil {
		return fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return err
		}
		f.db = db
	}
	if f.subscriptionStore != nil && f.attemptStore != nil {
		return nil
	}
	return f.initStores()
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) SubscriptionStore() core.SubscriptionStore {
	if f == nil {
		return nil
	}
	return f.subscriptionStore
}

func (f *RepositoryFactory) AttemptStore() *AttemptStore {
	if f == nil {
		return nil
	}
	return f.attemptStore
}

func (f *RepositoryFactory) RateLimitStateStore() ratelimit.StateStore {
	if f == nil {
		return nil
	}
	return f.rateLimitStateStore
}

func (f *RepositoryFactory) initStores() error {
	subscriptionStore, err := NewSubscriptionStore(f.db)
	if err != nil {
		return err
	}
	attemptStore, err := NewAttemptStore(f.db)
	if err != nil {
		return err
	}
	rateLimitStateStore, err := NewRateLimitStateStore(f.db)
	if err != nil {
		return err
	}

	f.subscriptionStore = subscriptionStore
	f.attemptStore = attemptStore
	f.rateLimitStateStore = rateLimitStateStore
	if f.cache == nil {
		return nil
	}

	cachedSubscriptions, err := NewCachedSubscriptionStore(subscriptionStore, f.cache)
	if err != nil {
		return err
	}
	cachedRateLimits, err := NewCachedRateLimitStateStore(rateLimitStateStore, f.cache)
	if err != nil {
		return err
	}
	f.subscriptionStore = cachedSubscriptions
	f.rateLimitStateStore = cachedRateLimits
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
