// Package redisstore keeps state that has to be shared between daemon
// instances in Redis.
package redisstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-formhooks/core"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "formhooks:replay"
	defaultTTL       = 10 * time.Minute
)

type Option func(*ReplayLedger)

func WithKeyPrefix(prefix string) Option {
	return func(l *ReplayLedger) {
		if trimmed := strings.Trim(strings.TrimSpace(prefix), ":"); trimmed != "" {
			l.prefix = trimmed
		}
	}
}

func WithDefaultTTL(ttl time.Duration) Option {
	return func(l *ReplayLedger) {
		if ttl > 0 {
			l.defaultTTL = ttl
		}
	}
}

// ReplayLedger claims inbound request keys with SET NX so a replay is
// rejected no matter which instance received the first copy.
type ReplayLedger struct {
	client     redis.UniversalClient
	prefix     string
	defaultTTL time.Duration
}

func NewReplayLedger(client redis.UniversalClient, opts ...Option) (*ReplayLedger, error) {
	if client == nil {
		return nil, fmt.Errorf("redisstore: redis client is required")
	}
	ledger := &ReplayLedger{
		client:     client,
		prefix:     defaultKeyPrefix,
		defaultTTL: defaultTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ledger)
		}
	}
	return ledger, nil
}

// Connect dials addr and pings it before returning the client.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstore: connecting to redis: %w", err)
	}
	return client, nil
}

func (l *ReplayLedger) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	redisKey, err := l.key(key)
	if err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = l.defaultTTL
	}
	claimed, err := l.client.SetNX(ctx, redisKey, time.Now().UTC().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redisstore: claim replay key: %w", err)
	}
	return claimed, nil
}

func (l *ReplayLedger) Release(ctx context.Context, key string) error {
	redisKey, err := l.key(key)
	if err != nil {
		return err
	}
	if err := l.client.Del(ctx, redisKey).Err(); err != nil {
		return fmt.Errorf("redisstore: release replay key: %w", err)
	}
	return nil
}

// Key returns the Redis key used for a replay key.
func (l *ReplayLedger) Key(key string) (string, error) {
	return l.key(key)
}

func (l *ReplayLedger) key(key string) (string, error) {
	if l == nil || l.client == nil {
		return "", fmt.Errorf("redisstore: replay ledger is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("redisstore: replay key is required")
	}
	return l.prefix + ":" + key, nil
}

var _ core.ReplayLedger = (*ReplayLedger)(nil)
