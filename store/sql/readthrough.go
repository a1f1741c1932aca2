package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

// readThrough fronts one record type with the repository cache. Keys are
// prefix::<segment>... with each segment path-escaped; values are cloned on
// the way in and out so callers never share cached maps or pointers.
type readThrough[T any] struct {
	cache  repositorycache.CacheService
	prefix string
	clone  func(T) T
}

func newReadThrough[T any](cache repositorycache.CacheService, prefix string, clone func(T) T) readThrough[T] {
	if clone == nil {
		clone = func(value T) T { return value }
	}
	return readThrough[T]{cache: cache, prefix: prefix, clone: clone}
}

func cacheKey(prefix string, segments ...string) (string, error) {
	parts := make([]string, 0, len(segments)+1)
	parts = append(parts, prefix)
	for _, segment := range segments {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			return "", fmt.Errorf("sqlstore: cache key segment is required")
		}
		parts = append(parts, url.PathEscape(segment))
	}
	return strings.Join(parts, "::"), nil
}

func (r readThrough[T]) configured() bool {
	return r.cache != nil
}

func (r readThrough[T]) get(ctx context.Context, key string, fetch func(context.Context) (T, error)) (T, error) {
	value, err := repositorycache.GetOrFetch(ctx, r.cache, key, func(ctx context.Context) (T, error) {
		fetched, err := fetch(ctx)
		if err != nil {
			var zero T
			return zero, err
		}
		return r.clone(fetched), nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return r.clone(value), nil
}

func (r readThrough[T]) evict(ctx context.Context, key string) error {
	return r.cache.Delete(ctx, key)
}
