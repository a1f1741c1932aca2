package retry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goliatone/go-formhooks/core"
)

// AttemptRunner executes the attempt stored under key when it becomes due.
type AttemptRunner func(ctx context.Context, key core.AttemptKey) error

// Scheduler wakes the engine when a pending attempt is due. Waits are
// timers or queue deliveries, never sleeping goroutines, so Cancel takes
// effect immediately.
type Scheduler interface {
	Bind(run AttemptRunner)
	Schedule(ctx context.Context, attempt core.DeliveryAttempt) error
	Cancel(ctx context.Context, key core.AttemptKey) error
	Close() error
}

type TimerScheduler struct {
	mu     sync.Mutex
	run    AttemptRunner
	timers map[string]*time.Timer
	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
	// OnError receives runner failures; they are otherwise dropped.
	OnError func(key core.AttemptKey, err error)
}

func NewTimerScheduler() *TimerScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &TimerScheduler{
		timers: map[string]*time.Timer{},
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *TimerScheduler) Bind(run AttemptRunner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run = run
}

func (s *TimerScheduler) Schedule(_ context.Context, attempt core.DeliveryAttempt) error {
	key := attempt.Key
	delay := attempt.ScheduledAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("retry: scheduler is closed")
	}
	if s.run == nil {
		return fmt.Errorf("retry: scheduler is not bound to an engine")
	}
	if existing, ok := s.timers[key.String()]; ok && existing.Stop() {
		s.wg.Done()
	}
	run := s.run
	s.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		current, ok := s.timers[key.String()]
		if ok && current == timer {
			delete(s.timers, key.String())
		}
		s.mu.Unlock()
		if !ok || current != timer {
			return
		}
		if err := run(s.ctx, key); err != nil && s.OnError != nil {
			s.OnError(key, err)
		}
	})
	s.timers[key.String()] = timer
	return nil
}

func (s *TimerScheduler) Cancel(_ context.Context, key core.AttemptKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[key.String()]; ok {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, key.String())
	}
	return nil
}

// Pending returns the number of armed timers.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close stops every timer and waits for running attempts to return.
func (s *TimerScheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for key, timer := range s.timers {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, key)
	}
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
	return nil
}

type ScheduledAttempt struct {
	Key core.AttemptKey
	At  time.Time
}

// ManualScheduler runs attempts only when the test clock is advanced.
type ManualScheduler struct {
	mu      sync.Mutex
	run     AttemptRunner
	now     time.Time
	pending map[string]ScheduledAttempt
}

func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start.UTC(), pending: map[string]ScheduledAttempt{}}
}

func (s *ManualScheduler) Bind(run AttemptRunner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run = run
}

// Now is the scheduler clock; pass it to the engine with WithClock.
func (s *ManualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *ManualScheduler) Schedule(_ context.Context, attempt core.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[attempt.Key.String()] = ScheduledAttempt{Key: attempt.Key, At: attempt.ScheduledAt}
	return nil
}

func (s *ManualScheduler) Cancel(_ context.Context, key core.AttemptKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, key.String())
	return nil
}

func (s *ManualScheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = map[string]ScheduledAttempt{}
	return nil
}

// Pending lists scheduled attempts ordered by due time.
func (s *ManualScheduler) Pending() []ScheduledAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

// Advance moves the clock forward by d, running each attempt that falls due
// at its own scheduled time.
func (s *ManualScheduler) Advance(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()
	return s.AdvanceTo(ctx, target)
}

func (s *ManualScheduler) AdvanceTo(ctx context.Context, target time.Time) error {
	for {
		s.mu.Lock()
		due := s.sortedLocked()
		if len(due) == 0 || due[0].At.After(target) {
			if target.After(s.now) {
				s.now = target
			}
			s.mu.Unlock()
			return nil
		}
		next := due[0]
		delete(s.pending, next.Key.String())
		if next.At.After(s.now) {
			s.now = next.At
		}
		run := s.run
		s.mu.Unlock()

		if run == nil {
			return fmt.Errorf("retry: scheduler is not bound to an engine")
		}
		if err := run(ctx, next.Key); err != nil {
			return err
		}
	}
}

func (s *ManualScheduler) sortedLocked() []ScheduledAttempt {
	out := make([]ScheduledAttempt, 0, len(s.pending))
	for _, item := range s.pending {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].Key.String() < out[j].Key.String()
		}
		return out[i].At.Before(out[j].At)
	})
	return out
}

var (
	_ Scheduler = (*TimerScheduler)(nil)
	_ Scheduler = (*ManualScheduler)(nil)
)
