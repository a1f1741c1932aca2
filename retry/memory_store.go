package retry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-formhooks/core"
)

type MemoryAttemptStore struct {
	mu    sync.RWMutex
	items map[string]core.DeliveryAttempt
}

func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{items: map[string]core.DeliveryAttempt{}}
}

func (s *MemoryAttemptStore) Save(_ context.Context, attempt core.DeliveryAttempt) error {
	if err := attempt.Key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[attempt.Key.String()] = cloneAttempt(attempt)
	return nil
}

func (s *MemoryAttemptStore) Get(_ context.Context, key core.AttemptKey) (core.DeliveryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attempt, ok := s.items[key.String()]
	if !ok {
		return core.DeliveryAttempt{}, fmt.Errorf("%w: %s", core.ErrAttemptNotFound, key)
	}
	return cloneAttempt(attempt), nil
}

func (s *MemoryAttemptStore) ListBySubscription(_ context.Context, subscriptionID string) ([]core.DeliveryAttempt, error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	s.mu.RLock()
	out := make([]core.DeliveryAttempt, 0)
	for _, attempt := range s.items {
		if attempt.Key.SubscriptionID == subscriptionID {
			out = append(out, cloneAttempt(attempt))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstAttemptAt.Equal(out[j].FirstAttemptAt) {
			return out[i].Key.Fingerprint < out[j].Key.Fingerprint
		}
		return out[i].FirstAttemptAt.Before(out[j].FirstAttemptAt)
	})
	return out, nil
}

// ListOpen returns pending and in-flight attempts ordered by due time.
func (s *MemoryAttemptStore) ListOpen(context.Context) ([]core.DeliveryAttempt, error) {
	s.mu.RLock()
	out := make([]core.DeliveryAttempt, 0)
	for _, attempt := range s.items {
		if attempt.Status == core.AttemptStatusPending || attempt.Status == core.AttemptStatusInFlight {
			out = append(out, cloneAttempt(attempt))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].Key.String() < out[j].Key.String()
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	return out, nil
}

func cloneAttempt(in core.DeliveryAttempt) core.DeliveryAttempt {
	out := in
	out.Payload = append([]byte(nil), in.Payload...)
	if in.Headers != nil {
		out.Headers = make(map[string]string, len(in.Headers))
		for key, value := range in.Headers {
			out.Headers[key] = value
		}
	}
	return out
}

var _ core.AttemptStore = (*MemoryAttemptStore)(nil)
