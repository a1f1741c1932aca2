package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type LockHandle interface {
	Unlock(ctx context.Context) error
}

// SubscriptionLocker serializes operations on one subscription. Unrelated
// subscriptions never contend.
type SubscriptionLocker interface {
	Acquire(ctx context.Context, subscriptionID string) (LockHandle, error)
}

type lockEntry struct {
	slot chan struct{}
	refs int
}

type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{entries: map[string]*lockEntry{}}
}

func (l *MemoryLocker) Acquire(ctx context.Context, subscriptionID string) (LockHandle, error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return nil, fmt.Errorf("lifecycle: lock key is required")
	}
	l.mu.Lock()
	entry, ok := l.entries[subscriptionID]
	if !ok {
		entry = &lockEntry{slot: make(chan struct{}, 1)}
		l.entries[subscriptionID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.slot <- struct{}{}:
		return &memoryLockHandle{locker: l, key: subscriptionID, entry: entry}, nil
	case <-ctx.Done():
		l.dropRef(subscriptionID, entry)
		return nil, ctx.Err()
	}
}

// Held reports how many callers hold or wait for key.
func (l *MemoryLocker) Held(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.entries[key]; ok {
		return entry.refs
	}
	return 0
}

func (l *MemoryLocker) dropRef(key string, entry *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs <= 0 && l.entries[key] == entry {
		delete(l.entries, key)
	}
}

type memoryLockHandle struct {
	once   sync.Once
	locker *MemoryLocker
	key    string
	entry  *lockEntry
}

func (h *memoryLockHandle) Unlock(context.Context) error {
	h.once.Do(func() {
		<-h.entry.slot
		h.locker.dropRef(h.key, h.entry)
	})
	return nil
}
