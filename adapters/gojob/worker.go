package gojob

import (
	"context"
	"errors"
	"fmt"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

const defaultPollInterval = 250 * time.Millisecond

type WorkerOption func(*Worker)

func WithRetryPolicy(policy RetryPolicy) WorkerOption {
	return func(w *Worker) {
		w.policy = policy
	}
}

func WithHook(hook worker.Hook) WorkerOption {
	return func(w *Worker) {
		if hook != nil {
			w.hook = hook
		}
	}
}

func WithLogger(logger job.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func WithPollInterval(interval time.Duration) WorkerOption {
	return func(w *Worker) {
		if interval > 0 {
			w.pollInterval = interval
		}
	}
}

func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// Worker drains retry attempt deliveries and hands each one to the
// scheduler's bound runner once it is due.
type Worker struct {
	dequeuer     queue.Dequeuer
	scheduler    *QueueScheduler
	policy       RetryPolicy
	hook         worker.Hook
	logger       job.Logger
	pollInterval time.Duration
	now          func() time.Time
}

func NewWorker(dequeuer queue.Dequeuer, scheduler *QueueScheduler, opts ...WorkerOption) (*Worker, error) {
	if dequeuer == nil {
		return nil, fmt.Errorf("gojob: dequeuer is required")
	}
	if scheduler == nil {
		return nil, fmt.Errorf("gojob: scheduler is required")
	}
	w := &Worker{
		dequeuer:     dequeuer,
		scheduler:    scheduler,
		policy:       RetryPolicy{MaxAttempts: 5, MaxDelay: time.Minute},
		pollInterval: defaultPollInterval,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w, nil
}

// Run processes deliveries until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		handled, err := w.ProcessNext(ctx)
		if err != nil && ctx.Err() == nil {
			w.warn("retry worker step failed", "error", err)
		}
		if handled && err == nil {
			continue
		}
		timer := time.NewTimer(w.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// ProcessNext handles at most one delivery. It reports false when the queue
// had nothing to hand out.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	delivery, err := w.dequeuer.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if delivery == nil {
		return false, nil
	}
	return true, w.handle(ctx, delivery)
}

func (w *Worker) handle(ctx context.Context, delivery queue.Delivery) error {
	raw := delivery.Message()
	msg, err := FromExecutionMessage(raw)
	if err != nil {
		w.warn("dropping malformed retry delivery", "error", err)
		return delivery.Nack(ctx, queue.NackOptions{DeadLetter: true, Reason: err.Error()})
	}
	if !w.scheduler.current(msg) {
		return delivery.Ack(ctx)
	}
	if wait := msg.NotBefore.Sub(w.now()); wait > 0 {
		return delivery.Nack(ctx, queue.NackOptions{Delay: wait, Requeue: true, Reason: "not due"})
	}

	run := w.scheduler.runner()
	if run == nil {
		return delivery.Nack(ctx, queue.NackOptions{Delay: w.pollInterval, Requeue: true, Reason: "scheduler not bound"})
	}

	event := worker.Event{Message: raw, Delivery: delivery, Attempt: msg.AttemptNumber, StartedAt: w.now()}
	w.onStart(ctx, event)
	runErr := run(ctx, msg.Key)
	event.Duration = w.now().Sub(event.StartedAt)

	if runErr == nil {
		w.scheduler.settle(msg)
		w.onSuccess(ctx, event)
		return delivery.Ack(ctx)
	}

	event.Err = runErr
	opts := w.policy.NormalizeAttempt(queue.NackOptions{
		Delay:   backoffFor(msg.AttemptNumber),
		Requeue: true,
		Reason:  runErr.Error(),
	}, msg.AttemptNumber)
	event.Delay = opts.Delay
	if opts.Requeue {
		w.onRetry(ctx, event)
	} else {
		w.scheduler.settle(msg)
		w.onFailure(ctx, event)
	}
	if err := delivery.Nack(ctx, opts); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

func backoffFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * time.Second
}

func (w *Worker) onStart(ctx context.Context, event worker.Event) {
	if w.hook != nil {
		w.hook.OnStart(ctx, event)
	}
}

func (w *Worker) onSuccess(ctx context.Context, event worker.Event) {
	if w.hook != nil {
		w.hook.OnSuccess(ctx, event)
	}
}

func (w *Worker) onFailure(ctx context.Context, event worker.Event) {
	if w.hook != nil {
		w.hook.OnFailure(ctx, event)
	}
	w.warn("retry attempt dead-lettered", "attempt", event.Attempt, "error", event.Err)
}

func (w *Worker) onRetry(ctx context.Context, event worker.Event) {
	if w.hook != nil {
		w.hook.OnRetry(ctx, event)
	}
}

func (w *Worker) warn(message string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Warn(message, args...)
}
