// Package retry owns delivery attempts after the first inline try fails.
//
// The engine schedules attempts on an exponential backoff capped by a total
// retry budget, runs at most one attempt per (subscription, payload) key at
// a time, and decides which failures are terminal. It disables subscriptions
// that fail permanently or whose rolling window of recent outcomes holds
// nothing but failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-formhooks/core"
)

var ErrEngineClosed = errors.New("retry: engine is closed")

// SubscriptionGate is the lifecycle surface the engine drives.
type SubscriptionGate interface {
	Get(ctx context.Context, id string) (core.Subscription, error)
	MarkSuccess(ctx context.Context, id string) (core.Subscription, error)
	MarkTransientFailure(ctx context.Context, id string, cause error) (core.Subscription, error)
	Disable(ctx context.Context, id string, reason string) (core.Subscription, error)
}

type Option func(*Engine)

func WithScheduler(scheduler Scheduler) Option {
	return func(e *Engine) {
		if scheduler != nil {
			e.scheduler = scheduler
		}
	}
}

func WithAttemptStore(store core.AttemptStore) Option {
	return func(e *Engine) {
		if store != nil {
			e.store = store
		}
	}
}

func WithObserver(observer *core.Observer) Option {
	return func(e *Engine) {
		if observer != nil {
			e.observer = observer
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

type tracked struct {
	attempt core.DeliveryAttempt
	epoch   uint64
}

type subscriptionState struct {
	window   *RollingWindow
	disabled bool
	// epoch changes whenever the subscription is disabled; attempts started
	// under an older epoch are discarded for scheduling.
	epoch uint64
}

// settlement is what has to happen outside the engine lock once an
// attempt outcome is decided.
type settlement struct {
	schedule bool
	success  bool
	degrade  error
	disable  string
}

type Engine struct {
	schedule   Schedule
	windowSize int
	processor  core.DeliveryProcessor
	gate       SubscriptionGate
	store      core.AttemptStore
	scheduler  Scheduler
	observer   *core.Observer
	now        func() time.Time

	mu     sync.Mutex
	active map[string]*tracked
	subs   map[string]*subscriptionState
	closed bool
}

func NewEngine(
	cfg core.RetryConfig,
	processor core.DeliveryProcessor,
	gate SubscriptionGate,
	opts ...Option,
) (*Engine, error) {
	schedule, err := NewSchedule(cfg.InitialInterval, cfg.MaxDuration)
	if err != nil {
		return nil, err
	}
	if cfg.WindowSize < 1 {
		return nil, fmt.Errorf("retry: window size must be positive")
	}
	if processor == nil {
		return nil, fmt.Errorf("retry: delivery processor is required")
	}
	if gate == nil {
		return nil, fmt.Errorf("retry: subscription gate is required")
	}
	e := &Engine{
		schedule:   schedule,
		windowSize: cfg.WindowSize,
		processor:  processor,
		gate:       gate,
		store:      NewMemoryAttemptStore(),
		observer:   core.NewObserver("formhooks.retry", nil, nil, nil),
		now:        func() time.Time { return time.Now().UTC() },
		active:     map[string]*tracked{},
		subs:       map[string]*subscriptionState{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.scheduler == nil {
		e.scheduler = NewTimerScheduler()
	}
	e.scheduler.Bind(e.Execute)
	return e, nil
}

func (e *Engine) Schedule() Schedule {
	return e.schedule
}

// Enqueue takes over a delivery whose first attempt failed with cause. A key
// that already has a pending or running attempt is left alone and its
// current attempt is returned.
func (e *Engine) Enqueue(ctx context.Context, delivery core.Delivery, cause error) (attempt core.DeliveryAttempt, err error) {
	startedAt := time.Now()
	key := core.AttemptKey{
		SubscriptionID: strings.TrimSpace(delivery.SubscriptionID),
		Fingerprint:    strings.TrimSpace(delivery.Fingerprint),
	}
	if key.Fingerprint == "" && len(delivery.Payload) > 0 {
		key.Fingerprint = core.PayloadFingerprint(delivery.Payload)
	}
	defer func() {
		e.observer.Observe(ctx, startedAt, "retry_enqueue", err, attemptFields(attempt, key))
	}()
	if err := key.Validate(); err != nil {
		return core.DeliveryAttempt{}, err
	}
	if cause == nil {
		cause = core.NewTransientNetworkError(nil, "delivery failed", nil)
	}
	sub, err := e.gate.Get(ctx, key.SubscriptionID)
	if err != nil {
		return core.DeliveryAttempt{}, err
	}
	now := e.now()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return core.DeliveryAttempt{}, ErrEngineClosed
	}
	state := e.stateLocked(key.SubscriptionID)
	if sub.Status == core.SubscriptionStatusDisabled {
		state.disabled = true
	}
	if state.disabled {
		e.mu.Unlock()
		return core.DeliveryAttempt{}, fmt.Errorf("%w: %s", core.ErrSubscriptionDisabled, key.SubscriptionID)
	}
	if existing, ok := e.active[key.String()]; ok {
		current := cloneAttempt(existing.attempt)
		e.mu.Unlock()
		return current, nil
	}

	attempt = core.DeliveryAttempt{
		Key:            key,
		AttemptNumber:  1,
		FirstAttemptAt: now,
		ScheduledAt:    now,
		Status:         core.AttemptStatusInFlight,
		Payload:        append([]byte(nil), delivery.Payload...),
		Headers:        copyHeaders(delivery.Headers),
		UpdatedAt:      now,
	}
	out := e.settleFailureLocked(state, &attempt, cause, now)
	if out.schedule {
		e.active[key.String()] = &tracked{attempt: cloneAttempt(attempt), epoch: state.epoch}
	}
	e.mu.Unlock()

	if err := e.apply(ctx, attempt, out); err != nil {
		return attempt, err
	}
	return attempt, nil
}

// Execute runs the pending attempt stored under key. Schedulers call it when
// the attempt is due; unknown or no longer pending keys are ignored.
func (e *Engine) Execute(ctx context.Context, key core.AttemptKey) (err error) {
	sub, err := e.gate.Get(ctx, key.SubscriptionID)
	switch {
	case errors.Is(err, core.ErrSubscriptionNotFound):
		e.cancelSubscription(ctx, key.SubscriptionID, "subscription not found")
		return nil
	case err != nil:
		return err
	case sub.Status == core.SubscriptionStatusDisabled:
		e.cancelSubscription(ctx, key.SubscriptionID, "subscription disabled")
		return nil
	}

	e.mu.Lock()
	t, ok := e.active[key.String()]
	if !ok || t.attempt.Status != core.AttemptStatusPending {
		e.mu.Unlock()
		return nil
	}
	state := e.stateLocked(key.SubscriptionID)
	if state.disabled || e.closed {
		e.mu.Unlock()
		return nil
	}
	if err := t.attempt.TransitionTo(core.AttemptStatusInFlight, e.now()); err != nil {
		e.mu.Unlock()
		return err
	}
	running := cloneAttempt(t.attempt)
	epoch := t.epoch
	e.mu.Unlock()

	startedAt := time.Now()
	if err := e.store.Save(ctx, running); err != nil {
		e.observer.Warn(ctx, "persist in-flight attempt failed", map[string]any{
			"subscription_id": key.SubscriptionID,
			"error":           err.Error(),
		})
	}
	processErr := e.processor.Process(ctx, core.Delivery{
		SubscriptionID: key.SubscriptionID,
		FormID:         sub.FormID,
		Fingerprint:    key.Fingerprint,
		AttemptNumber:  running.AttemptNumber,
		Headers:        copyHeaders(running.Headers),
		Payload:        append([]byte(nil), running.Payload...),
	})
	now := e.now()

	e.mu.Lock()
	state = e.stateLocked(key.SubscriptionID)
	current, still := e.active[key.String()]
	if !still || current != t || state.epoch != epoch || state.disabled {
		if still && current == t {
			delete(e.active, key.String())
		}
		e.mu.Unlock()
		discarded := discardedOutcome(running, processErr, now)
		e.observer.Observe(ctx, startedAt, "retry_attempt", processErr, withField(attemptFields(discarded, key), "discarded", true))
		return e.store.Save(ctx, discarded)
	}

	var out settlement
	if processErr == nil {
		if err := t.attempt.TransitionTo(core.AttemptStatusSucceeded, now); err != nil {
			e.mu.Unlock()
			return err
		}
		t.attempt.LastError = core.ErrorKindNone
		t.attempt.LastErrorMessage = ""
		state.window.Record(true)
		out.success = true
	} else {
		out = e.settleFailureLocked(state, &t.attempt, processErr, now)
	}
	if !out.schedule {
		delete(e.active, key.String())
	}
	settled := cloneAttempt(t.attempt)
	e.mu.Unlock()

	e.observer.Observe(ctx, startedAt, "retry_attempt", processErr, attemptFields(settled, key))
	return e.apply(ctx, settled, out)
}

// RecordSuccess notes a delivery that succeeded on its first attempt.
func (e *Engine) RecordSuccess(ctx context.Context, subscriptionID string) error {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return fmt.Errorf("retry: subscription id is required")
	}
	e.mu.Lock()
	state := e.stateLocked(subscriptionID)
	if state.disabled {
		e.mu.Unlock()
		return nil
	}
	state.window.Record(true)
	e.mu.Unlock()

	_, err := e.gate.MarkSuccess(ctx, subscriptionID)
	return err
}

// HandleStatusChange is the lifecycle listener. Disabling or deleting a
// subscription cancels its pending attempts; re-enabling clears the window.
func (e *Engine) HandleStatusChange(ctx context.Context, change core.StatusChange) {
	switch {
	case change.Deleted || change.To == core.SubscriptionStatusDisabled:
		reason := change.Reason
		if change.Deleted {
			reason = "subscription deleted"
		}
		e.cancelSubscription(ctx, change.SubscriptionID, reason)
	case change.From == core.SubscriptionStatusDisabled && change.To == core.SubscriptionStatusActive:
		e.mu.Lock()
		state := e.stateLocked(change.SubscriptionID)
		state.disabled = false
		state.window.Reset()
		e.mu.Unlock()
	}
}

// Restore re-arms attempts loaded from the attempt store, e.g. after a
// restart. Attempts that were running when the process stopped run again.
func (e *Engine) Restore(ctx context.Context, attempts []core.DeliveryAttempt) (int, error) {
	now := e.now()
	var restored []core.DeliveryAttempt
	e.mu.Lock()
	for _, attempt := range attempts {
		if attempt.Status != core.AttemptStatusPending && attempt.Status != core.AttemptStatusInFlight {
			continue
		}
		if _, exists := e.active[attempt.Key.String()]; exists {
			continue
		}
		state := e.stateLocked(attempt.Key.SubscriptionID)
		if state.disabled {
			continue
		}
		attempt = cloneAttempt(attempt)
		if attempt.Status == core.AttemptStatusInFlight {
			attempt.Status = core.AttemptStatusPending
			attempt.ScheduledAt = now
			attempt.UpdatedAt = now
		}
		e.active[attempt.Key.String()] = &tracked{attempt: attempt, epoch: state.epoch}
		restored = append(restored, attempt)
	}
	e.mu.Unlock()

	for _, attempt := range restored {
		if err := e.scheduler.Schedule(ctx, attempt); err != nil {
			return 0, err
		}
	}
	return len(restored), nil
}

// Attempt returns the pending or running attempt for key.
func (e *Engine) Attempt(key core.AttemptKey) (core.DeliveryAttempt, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.active[key.String()]
	if !ok {
		return core.DeliveryAttempt{}, false
	}
	return cloneAttempt(t.attempt), true
}

// Window returns the subscription's recent outcomes, oldest first.
func (e *Engine) Window(subscriptionID string) []bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state, ok := e.subs[strings.TrimSpace(subscriptionID)]; ok {
		return state.window.Outcomes()
	}
	return nil
}

func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

func (e *Engine) Attempts(ctx context.Context, subscriptionID string) ([]core.DeliveryAttempt, error) {
	return e.store.ListBySubscription(ctx, subscriptionID)
}

func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	return e.scheduler.Close()
}

func (e *Engine) settleFailureLocked(state *subscriptionState, attempt *core.DeliveryAttempt, cause error, now time.Time) settlement {
	state.window.Record(false)
	attempt.LastError = core.KindOf(cause)
	if attempt.LastError == core.ErrorKindNone {
		attempt.LastError = core.ErrorKindTransientNetwork
	}
	attempt.LastErrorMessage = cause.Error()

	var out settlement
	switch {
	case core.Classify(cause) == core.FailurePermanent:
		_ = attempt.TransitionTo(core.AttemptStatusFailed, now)
		state.disabled = true
		out.disable = "permanent failure: " + cause.Error()
	case state.window.Exhausted():
		_ = attempt.TransitionTo(core.AttemptStatusFailed, now)
		state.disabled = true
		out.disable = fmt.Sprintf("last %d deliveries failed", e.windowSize)
	default:
		out.degrade = cause
		step, ok := e.schedule.Next(attempt.AttemptNumber)
		nextAt := now.Add(step.Interval)
		if ok && nextAt.Sub(attempt.FirstAttemptAt) <= e.schedule.MaxDuration {
			attempt.AttemptNumber = step.Attempt
			attempt.ScheduledAt = nextAt
			attempt.NextIntervalSeconds = int64(step.Interval / time.Second)
			_ = attempt.TransitionTo(core.AttemptStatusPending, now)
			out.schedule = true
			break
		}
		attempt.NextIntervalSeconds = 0
		attempt.LastError = core.ErrorKindRetryExhausted
		attempt.LastErrorMessage = core.NewRetryExhaustedError(
			fmt.Sprintf("retry budget of %s exhausted after attempt %d: %s", e.schedule.MaxDuration, attempt.AttemptNumber, cause.Error()),
			nil,
		).Error()
		_ = attempt.TransitionTo(core.AttemptStatusExhausted, now)
	}
	return out
}

func (e *Engine) apply(ctx context.Context, attempt core.DeliveryAttempt, out settlement) error {
	var errs []error
	if err := e.store.Save(ctx, attempt); err != nil {
		errs = append(errs, err)
	}
	if out.schedule {
		if err := e.scheduler.Schedule(ctx, attempt); err != nil {
			errs = append(errs, err)
		}
	}
	if out.success {
		if _, err := e.gate.MarkSuccess(ctx, attempt.Key.SubscriptionID); err != nil {
			errs = append(errs, err)
		}
	}
	if out.degrade != nil {
		if _, err := e.gate.MarkTransientFailure(ctx, attempt.Key.SubscriptionID, out.degrade); err != nil {
			errs = append(errs, err)
		}
	}
	if out.disable != "" {
		if _, err := e.gate.Disable(ctx, attempt.Key.SubscriptionID, out.disable); err != nil {
			errs = append(errs, err)
			e.reopen(attempt.Key.SubscriptionID)
		} else {
			e.cancelSubscription(ctx, attempt.Key.SubscriptionID, out.disable)
		}
	}
	return errors.Join(errs...)
}

// reopen undoes the disabled mark set while settling an attempt when the
// gate could not record the disable. The subscription is still live, so
// the engine keeps serving it and the next failure tries again.
func (e *Engine) reopen(subscriptionID string) {
	e.mu.Lock()
	e.stateLocked(subscriptionID).disabled = false
	e.mu.Unlock()
}

func (e *Engine) cancelSubscription(ctx context.Context, subscriptionID string, reason string) {
	now := e.now()
	e.mu.Lock()
	state := e.stateLocked(subscriptionID)
	if !state.disabled {
		state.disabled = true
	}
	state.epoch++
	var cancelled []core.DeliveryAttempt
	for key, t := range e.active {
		if t.attempt.Key.SubscriptionID != subscriptionID || t.attempt.Status != core.AttemptStatusPending {
			continue
		}
		_ = t.attempt.TransitionTo(core.AttemptStatusFailed, now)
		t.attempt.LastErrorMessage = "cancelled: " + reason
		cancelled = append(cancelled, cloneAttempt(t.attempt))
		delete(e.active, key)
	}
	e.mu.Unlock()

	for _, attempt := range cancelled {
		_ = e.scheduler.Cancel(ctx, attempt.Key)
		if err := e.store.Save(ctx, attempt); err != nil {
			e.observer.Warn(ctx, "persist cancelled attempt failed", map[string]any{
				"subscription_id": subscriptionID,
				"error":           err.Error(),
			})
		}
	}
	if len(cancelled) > 0 {
		e.observer.Info(ctx, "pending attempts cancelled", map[string]any{
			"subscription_id": subscriptionID,
			"cancelled":       len(cancelled),
			"reason":          reason,
		})
	}
}

func (e *Engine) stateLocked(subscriptionID string) *subscriptionState {
	state, ok := e.subs[subscriptionID]
	if !ok {
		state = &subscriptionState{window: NewRollingWindow(e.windowSize)}
		e.subs[subscriptionID] = state
	}
	return state
}

// discardedOutcome records what a run that outlived its subscription did,
// without feeding it back into scheduling.
func discardedOutcome(attempt core.DeliveryAttempt, processErr error, now time.Time) core.DeliveryAttempt {
	attempt = cloneAttempt(attempt)
	attempt.NextIntervalSeconds = 0
	if processErr == nil {
		_ = attempt.TransitionTo(core.AttemptStatusSucceeded, now)
		attempt.LastErrorMessage = "outcome discarded: subscription disabled"
		return attempt
	}
	_ = attempt.TransitionTo(core.AttemptStatusFailed, now)
	attempt.LastError = core.KindOf(processErr)
	attempt.LastErrorMessage = "outcome discarded: " + processErr.Error()
	return attempt
}

func attemptFields(attempt core.DeliveryAttempt, key core.AttemptKey) map[string]any {
	fields := map[string]any{
		"subscription_id": key.SubscriptionID,
		"fingerprint":     key.Fingerprint,
	}
	if attempt.AttemptNumber > 0 {
		fields["attempt"] = attempt.AttemptNumber
		fields["attempt_status"] = string(attempt.Status)
	}
	if attempt.Status == core.AttemptStatusPending {
		fields["scheduled_at"] = attempt.ScheduledAt.Format(time.RFC3339)
	}
	return fields
}

func withField(fields map[string]any, key string, value any) map[string]any {
	fields[key] = value
	return fields
}

func copyHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
