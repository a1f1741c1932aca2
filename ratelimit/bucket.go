package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-formhooks/core"
)

// slidingWindow is the interval over which the bucket caps completed
// acquisitions at the configured per-second capacity.
const slidingWindow = time.Second

// Snapshot is a point-in-time copy of the bucket accounting. Tokens is
// negative while callers are queued behind a reservation.
type Snapshot struct {
	CapacityPerSecond float64
	Tokens            float64
	LastRefillAt      time.Time
	Waiting           int
}

// TokenBucket is the process-wide outbound limiter. Every Acquire reserves
// its slot under the lock and then waits on a timer with the lock released,
// so callers are served in the order they reserved.
//
// In addition to the refill accounting the bucket remembers the reservation
// times still inside the sliding window; a new reservation is never placed
// less than one second after the one capacity slots before it. That keeps a
// full bucket plus its refill from completing more than capacity
// acquisitions inside any one-second interval. A wait that is abandoned
// takes its reservation back out, so later callers are not queued behind it.
type TokenBucket struct {
	mu           sync.Mutex
	rate         float64
	slots        int
	tokens       float64
	lastRefillAt time.Time
	reserved     []reservation
	seq          uint64
	waiting      int

	// Now is the clock used for refill accounting.
	Now func() time.Time
	// MaxWait bounds a single Acquire. Zero means the wait is bounded only
	// by the caller context.
	MaxWait time.Duration
}

// reservation is one granted slot. reserved is kept in at order.
type reservation struct {
	id uint64
	at time.Time
}

func NewTokenBucket(capacityPerSecond float64) (*TokenBucket, error) {
	if capacityPerSecond <= 0 || math.IsNaN(capacityPerSecond) || math.IsInf(capacityPerSecond, 0) {
		return nil, fmt.Errorf("ratelimit: capacity per second must be a positive number, got %v", capacityPerSecond)
	}
	slots := int(math.Floor(capacityPerSecond))
	if slots < 1 {
		slots = 1
	}
	bucket := &TokenBucket{
		rate:   capacityPerSecond,
		slots:  slots,
		tokens: capacityPerSecond,
		Now:    time.Now,
	}
	bucket.lastRefillAt = bucket.now()
	return bucket, nil
}

// Acquire blocks until cost tokens are available and deducts them. A
// canceled context or a wait longer than MaxWait returns a
// RATE_LIMIT_EXCEEDED error, gives the tokens back and frees the slot.
func (b *TokenBucket) Acquire(ctx context.Context, cost float64) error {
	if b == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if cost <= 0 {
		cost = 1
	}
	if err := ctx.Err(); err != nil {
		return waitError(err, 0)
	}

	id, wait := b.reserve(cost)
	if wait <= 0 {
		return nil
	}
	if b.MaxWait > 0 && wait > b.MaxWait {
		b.cancel(id, cost)
		return goerrors.New("ratelimit: wait exceeds configured maximum", goerrors.CategoryRateLimit).
			WithCode(http.StatusTooManyRequests).
			WithTextCode(string(core.ErrorKindRateLimitExceeded)).
			WithMetadata(map[string]any{
				"wait_ms":     wait.Milliseconds(),
				"max_wait_ms": b.MaxWait.Milliseconds(),
			})
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		b.done()
		return nil
	case <-ctx.Done():
		b.cancel(id, cost)
		return waitError(ctx.Err(), wait)
	}
}

func (b *TokenBucket) Snapshot() Snapshot {
	if b == nil {
		return Snapshot{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.now())
	return Snapshot{
		CapacityPerSecond: b.rate,
		Tokens:            b.tokens,
		LastRefillAt:      b.lastRefillAt,
		Waiting:           b.waiting,
	}
}

func (b *TokenBucket) reserve(cost float64) (uint64, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.refillLocked(now)
	b.pruneLocked(now)
	b.tokens -= cost

	at := now
	if b.tokens < 0 {
		at = now.Add(time.Duration(math.Ceil(-b.tokens / b.rate * float64(time.Second))))
	}
	if n := len(b.reserved); n > 0 {
		if last := b.reserved[n-1].at; at.Before(last) {
			at = last
		}
		if n >= b.slots {
			if earliest := b.reserved[n-b.slots].at.Add(slidingWindow); at.Before(earliest) {
				at = earliest
			}
		}
	}
	b.seq++
	b.reserved = append(b.reserved, reservation{id: b.seq, at: at})

	wait := at.Sub(now)
	if wait > 0 {
		b.waiting++
	}
	return b.seq, wait
}

// done ends a wait that was served.
func (b *TokenBucket) done() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.waiting > 0 {
		b.waiting--
	}
}

// cancel ends an abandoned wait: the reservation leaves the window and its
// tokens go back to the bucket. Reservations already queued after it keep
// their times; new ones are placed against what remains.
func (b *TokenBucket) cancel(id uint64, refund float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.refillLocked(now)
	for i, r := range b.reserved {
		if r.id == id {
			b.reserved = append(b.reserved[:i], b.reserved[i+1:]...)
			break
		}
	}
	if refund > 0 {
		b.tokens = math.Min(b.tokens+refund, b.rate)
	}
	if b.waiting > 0 {
		b.waiting--
	}
}

// pruneLocked drops reservations that can no longer constrain a new one.
func (b *TokenBucket) pruneLocked(now time.Time) {
	drop := 0
	for drop < len(b.reserved) && !b.reserved[drop].at.Add(slidingWindow).After(now) {
		drop++
	}
	if drop > 0 {
		b.reserved = append(b.reserved[:0], b.reserved[drop:]...)
	}
}

func (b *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefillAt)
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.tokens+elapsed.Seconds()*b.rate, b.rate)
	b.lastRefillAt = now
}

func (b *TokenBucket) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func waitError(cause error, wait time.Duration) error {
	metadata := map[string]any{}
	if wait > 0 {
		metadata["wait_ms"] = wait.Milliseconds()
	}
	err := goerrors.Wrap(cause, goerrors.CategoryRateLimit, "ratelimit: acquire interrupted").
		WithCode(http.StatusTooManyRequests).
		WithTextCode(string(core.ErrorKindRateLimitExceeded))
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

var _ core.RateLimiter = (*TokenBucket)(nil)
