package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-formhooks/core"
)

type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]core.Subscription
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string]core.Subscription{}}
}

func (s *MemoryStore) Create(_ context.Context, sub core.Subscription) (core.Subscription, error) {
	id := strings.TrimSpace(sub.ID)
	if id == "" {
		return core.Subscription{}, fmt.Errorf("lifecycle: subscription id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[id]; exists {
		return core.Subscription{}, fmt.Errorf("lifecycle: subscription %q already exists", id)
	}
	sub.ID = id
	s.items[id] = cloneSubscription(sub)
	return cloneSubscription(sub), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (core.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.items[strings.TrimSpace(id)]
	if !ok {
		return core.Subscription{}, fmt.Errorf("%w: %s", core.ErrSubscriptionNotFound, id)
	}
	return cloneSubscription(sub), nil
}

func (s *MemoryStore) List(_ context.Context, filter core.SubscriptionFilter) ([]core.Subscription, error) {
	s.mu.RLock()
	out := make([]core.Subscription, 0, len(s.items))
	for _, sub := range s.items {
		if filter.FormID != "" && sub.FormID != filter.FormID {
			continue
		}
		if filter.Status != "" && sub.Status != filter.Status {
			continue
		}
		out = append(out, cloneSubscription(sub))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []core.Subscription{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, sub core.Subscription) (core.Subscription, error) {
	id := strings.TrimSpace(sub.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return core.Subscription{}, fmt.Errorf("%w: %s", core.ErrSubscriptionNotFound, id)
	}
	s.items[id] = cloneSubscription(sub)
	return cloneSubscription(sub), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return fmt.Errorf("%w: %s", core.ErrSubscriptionNotFound, id)
	}
	delete(s.items, id)
	return nil
}

func cloneSubscription(in core.Subscription) core.Subscription {
	out := in
	out.EncryptedSecret = append([]byte(nil), in.EncryptedSecret...)
	if in.LastSyncedAt != nil {
		value := *in.LastSyncedAt
		out.LastSyncedAt = &value
	}
	if in.DisabledAt != nil {
		value := *in.DisabledAt
		out.DisabledAt = &value
	}
	if in.Metadata != nil {
		out.Metadata = make(map[string]any, len(in.Metadata))
		for key, value := range in.Metadata {
			out.Metadata[key] = value
		}
	}
	return out
}

var _ core.SubscriptionStore = (*MemoryStore)(nil)
