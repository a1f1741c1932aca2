package gojob

import (
	"context"
	"fmt"
	"sync"

	"github.com/goliatone/go-formhooks/core"
	"github.com/goliatone/go-formhooks/retry"

	"github.com/goliatone/go-job/queue"
)

// QueueScheduler publishes due attempts to a go-job queue. Queue messages
// cannot be withdrawn, so Cancel only forgets the key and the worker drops
// any delivery that no longer matches the latest scheduled attempt.
type QueueScheduler struct {
	enqueuer queue.Enqueuer

	mu      sync.Mutex
	run     retry.AttemptRunner
	pending map[string]int
	closed  bool
}

func NewQueueScheduler(enqueuer queue.Enqueuer) *QueueScheduler {
	return &QueueScheduler{
		enqueuer: enqueuer,
		pending:  map[string]int{},
	}
}

func (s *QueueScheduler) Bind(run retry.AttemptRunner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run = run
}

func (s *QueueScheduler) Schedule(ctx context.Context, attempt core.DeliveryAttempt) error {
	if s == nil || s.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	if err := attempt.Key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("gojob: scheduler is closed")
	}
	previous, hadPrevious := s.pending[attempt.Key.String()]
	s.pending[attempt.Key.String()] = attempt.AttemptNumber
	s.mu.Unlock()

	if err := s.enqueuer.Enqueue(ctx, ToExecutionMessage(attempt)); err != nil {
		s.mu.Lock()
		if current, ok := s.pending[attempt.Key.String()]; ok && current == attempt.AttemptNumber {
			if hadPrevious {
				s.pending[attempt.Key.String()] = previous
			} else {
				delete(s.pending, attempt.Key.String())
			}
		}
		s.mu.Unlock()
		return fmt.Errorf("gojob: enqueue attempt: %w", err)
	}
	return nil
}

func (s *QueueScheduler) Cancel(_ context.Context, key core.AttemptKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, key.String())
	return nil
}

func (s *QueueScheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.pending = map[string]int{}
	return nil
}

// Pending returns the number of keys with a live scheduled attempt.
func (s *QueueScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// current reports whether msg is the latest attempt scheduled for its key.
func (s *QueueScheduler) current(msg AttemptMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	number, ok := s.pending[msg.Key.String()]
	return ok && number == msg.AttemptNumber
}

// settle forgets msg unless its key was rescheduled while it ran.
func (s *QueueScheduler) settle(msg AttemptMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if number, ok := s.pending[msg.Key.String()]; ok && number == msg.AttemptNumber {
		delete(s.pending, msg.Key.String())
	}
}

func (s *QueueScheduler) runner() retry.AttemptRunner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run
}

var _ retry.Scheduler = (*QueueScheduler)(nil)
