package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	defaultReplayLedgerTTL        = 10 * time.Minute
	defaultReplayLedgerMaxEntries = 16384
)

// MemoryReplayLedger remembers claimed inbound request keys until their TTL
// passes. When full, the entry closest to expiry is evicted first.
type MemoryReplayLedger struct {
	mu         sync.Mutex
	defaultTTL time.Duration
	maxEntries int
	entries    map[string]time.Time
	Now        func() time.Time
}

func NewMemoryReplayLedger(defaultTTL time.Duration, maxEntries int) *MemoryReplayLedger {
	if defaultTTL <= 0 {
		defaultTTL = defaultReplayLedgerTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultReplayLedgerMaxEntries
	}
	return &MemoryReplayLedger{
		defaultTTL: defaultTTL,
		maxEntries: maxEntries,
		entries:    map[string]time.Time{},
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Claim returns true the first time key is seen within ttl.
func (l *MemoryReplayLedger) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if l == nil {
		return false, fmt.Errorf("core: replay ledger is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false, fmt.Errorf("core: replay key is required")
	}
	if ttl <= 0 {
		ttl = l.defaultTTL
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if expiresAt, ok := l.entries[key]; ok && now.Before(expiresAt) {
		return false, nil
	}
	l.purgeLocked(now)
	for len(l.entries) >= l.maxEntries {
		l.evictSoonestLocked()
	}
	l.entries[key] = now.Add(ttl)
	return true, nil
}

func (l *MemoryReplayLedger) Release(_ context.Context, key string) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, strings.TrimSpace(key))
	return nil
}

func (l *MemoryReplayLedger) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *MemoryReplayLedger) now() time.Time {
	if l != nil && l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

func (l *MemoryReplayLedger) purgeLocked(now time.Time) {
	for key, expiresAt := range l.entries {
		if !now.Before(expiresAt) {
			delete(l.entries, key)
		}
	}
}

func (l *MemoryReplayLedger) evictSoonestLocked() {
	var (
		victim  string
		soonest time.Time
	)
	for key, expiresAt := range l.entries {
		if victim == "" || expiresAt.Before(soonest) {
			victim = key
			soonest = expiresAt
		}
	}
	delete(l.entries, victim)
}
