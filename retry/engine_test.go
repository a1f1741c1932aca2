package retry

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-formhooks/core"
	"github.com/goliatone/go-formhooks/lifecycle"
	"github.com/goliatone/go-formhooks/providers/devkit"
	"github.com/goliatone/go-formhooks/providers/forms"
	"github.com/goliatone/go-formhooks/security"
)

var errDownstream = core.NewTransientNetworkError(nil, "downstream timeout", nil)

type scriptedProcessor struct {
	mu    sync.Mutex
	errs  []error
	calls []core.Delivery
	block chan struct{}
	ran   chan struct{}
}

func (p *scriptedProcessor) Process(_ context.Context, delivery core.Delivery) error {
	p.mu.Lock()
	p.calls = append(p.calls, delivery)
	var err error
	if len(p.errs) > 0 {
		err = p.errs[0]
		p.errs = p.errs[1:]
	}
	block, ran := p.block, p.ran
	p.mu.Unlock()
	if ran != nil {
		ran <- struct{}{}
	}
	if block != nil {
		<-block
	}
	return err
}

func (p *scriptedProcessor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type engineFixture struct {
	engine    *Engine
	manager   *lifecycle.Manager
	scheduler *ManualScheduler
	store     *MemoryAttemptStore
	api       *devkit.FormsAPI
	processor *scriptedProcessor
	sub       core.Subscription
}

func newEngineFixture(t *testing.T, cfg core.RetryConfig, processErrs ...error) engineFixture {
	t.Helper()
	start := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	scheduler := NewManualScheduler(start)
	api := devkit.NewFormsAPI()
	client, err := forms.New(api, forms.Config{})
	if err != nil {
		t.Fatalf("new forms client: %v", err)
	}
	secrets, err := security.NewAppKeySecretProviderFromString("retry-test-key")
	if err != nil {
		t.Fatalf("new secrets: %v", err)
	}
	manager, err := lifecycle.NewManager(lifecycle.NewMemoryStore(), client, secrets, lifecycle.WithClock(scheduler.Now))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	processor := &scriptedProcessor{errs: processErrs}
	store := NewMemoryAttemptStore()
	engine, err := NewEngine(cfg, processor, manager,
		WithScheduler(scheduler),
		WithAttemptStore(store),
		WithClock(scheduler.Now),
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	manager.Subscribe(engine.HandleStatusChange)

	created, err := manager.Create(context.Background(), lifecycle.CreateInput{
		FormID:    "form_1",
		TargetURL: "https://hooks.example.test/in",
	})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	return engineFixture{
		engine:    engine,
		manager:   manager,
		scheduler: scheduler,
		store:     store,
		api:       api,
		processor: processor,
		sub:       created.Subscription,
	}
}

func defaultRetryConfig() core.RetryConfig {
	return core.RetryConfig{InitialInterval: 2 * time.Minute, MaxDuration: 10 * time.Hour, WindowSize: 10}
}

func (f engineFixture) delivery(payload string) core.Delivery {
	return core.Delivery{
		SubscriptionID: f.sub.ID,
		FormID:         f.sub.FormID,
		Fingerprint:    core.PayloadFingerprint([]byte(payload)),
		AttemptNumber:  1,
		Headers:        map[string]string{"Content-Type": "application/json"},
		Payload:        []byte(payload),
	}
}

func (f engineFixture) status(t *testing.T) core.SubscriptionStatus {
	t.Helper()
	sub, err := f.manager.Get(context.Background(), f.sub.ID)
	if err != nil {
		t.Fatalf("load subscription: %v", err)
	}
	return sub.Status
}

func TestEngine_TransientFailuresThenSuccess(t *testing.T) {
	f := newEngineFixture(t, defaultRetryConfig(), errDownstream, nil)
	ctx := context.Background()
	start := f.scheduler.Now()

	attempt, err := f.engine.Enqueue(ctx, f.delivery(`{"a":1}`), errDownstream)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if attempt.Status != core.AttemptStatusPending || attempt.AttemptNumber != 2 {
		t.Fatalf("expected attempt 2 pending, got %+v", attempt)
	}
	if attempt.ScheduledAt.Sub(start) != 2*time.Minute || attempt.NextIntervalSeconds != 120 {
		t.Fatalf("expected attempt 2 at +2m, got %s", attempt.ScheduledAt.Sub(start))
	}
	if f.status(t) != core.SubscriptionStatusDegraded {
		t.Fatalf("expected degraded after first failure")
	}

	if err := f.scheduler.Advance(ctx, 2*time.Minute); err != nil {
		t.Fatalf("advance to attempt 2: %v", err)
	}
	third, ok := f.engine.Attempt(attempt.Key)
	if !ok || third.AttemptNumber != 3 || third.Status != core.AttemptStatusPending {
		t.Fatalf("expected attempt 3 pending, got %+v ok=%v", third, ok)
	}
	if third.ScheduledAt.Sub(start) != 6*time.Minute {
		t.Fatalf("expected attempt 3 at cumulative +6m, got %s", third.ScheduledAt.Sub(start))
	}

	if err := f.scheduler.Advance(ctx, 4*time.Minute); err != nil {
		t.Fatalf("advance to attempt 3: %v", err)
	}
	stored, err := f.store.Get(ctx, attempt.Key)
	if err != nil {
		t.Fatalf("load attempt: %v", err)
	}
	if stored.Status != core.AttemptStatusSucceeded || stored.AttemptNumber != 3 {
		t.Fatalf("expected attempt 3 succeeded, got %+v", stored)
	}
	window := f.engine.Window(f.sub.ID)
	if len(window) != 3 || !window[len(window)-1] {
		t.Fatalf("expected success at the window tail, got %v", window)
	}
	if f.status(t) != core.SubscriptionStatusActive {
		t.Fatalf("expected subscription back to active, got %s", f.status(t))
	}
	if f.processor.callCount() != 2 {
		t.Fatalf("expected two retried runs, got %d", f.processor.callCount())
	}
	if f.engine.ActiveCount() != 0 || len(f.scheduler.Pending()) != 0 {
		t.Fatalf("expected nothing left scheduled")
	}
}

func TestEngine_DeduplicatesPendingKey(t *testing.T) {
	f := newEngineFixture(t, defaultRetryConfig())
	ctx := context.Background()

	first, err := f.engine.Enqueue(ctx, f.delivery(`{"dup":true}`), errDownstream)
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	second, err := f.engine.Enqueue(ctx, f.delivery(`{"dup":true}`), errDownstream)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if second.AttemptNumber != first.AttemptNumber || !second.ScheduledAt.Equal(first.ScheduledAt) {
		t.Fatalf("expected duplicate enqueue to return the existing attempt")
	}
	if got := len(f.scheduler.Pending()); got != 1 {
		t.Fatalf("expected exactly one queued attempt, got %d", got)
	}
	if got := len(f.engine.Window(f.sub.ID)); got != 1 {
		t.Fatalf("expected duplicate not to count as an outcome, got %d", got)
	}
}

func TestEngine_PermanentFailureDisablesAndRejectsNewWork(t *testing.T) {
	f := newEngineFixture(t, defaultRetryConfig())
	ctx := context.Background()

	pending, err := f.engine.Enqueue(ctx, f.delivery(`{"n":1}`), errDownstream)
	if err != nil {
		t.Fatalf("enqueue transient: %v", err)
	}
	gone := core.NewPermanentProviderError("target gone", http.StatusGone, nil)
	failed, err := f.engine.Enqueue(ctx, f.delivery(`{"n":2}`), gone)
	if err != nil {
		t.Fatalf("enqueue permanent: %v", err)
	}
	if failed.Status != core.AttemptStatusFailed || failed.LastError != core.ErrorKindPermanentProvider {
		t.Fatalf("expected failed attempt, got %+v", failed)
	}
	if f.status(t) != core.SubscriptionStatusDisabled {
		t.Fatalf("expected disabled subscription, got %s", f.status(t))
	}
	cancelled, _ := f.store.Get(ctx, pending.Key)
	if cancelled.Status != core.AttemptStatusFailed {
		t.Fatalf("expected pending attempt cancelled, got %s", cancelled.Status)
	}
	if len(f.scheduler.Pending()) != 0 {
		t.Fatalf("expected no scheduled attempts after disable")
	}
	if _, err := f.engine.Enqueue(ctx, f.delivery(`{"n":3}`), errDownstream); !errors.Is(err, core.ErrSubscriptionDisabled) {
		t.Fatalf("expected enqueue on disabled subscription to be rejected, got %v", err)
	}
}

type failingDisableGate struct {
	*lifecycle.Manager
	disables int
}

func (g *failingDisableGate) Disable(context.Context, string, string) (core.Subscription, error) {
	g.disables++
	return core.Subscription{}, errors.New("subscription store unavailable")
}

func TestEngine_FailedDisableKeepsServingSubscription(t *testing.T) {
	f := newEngineFixture(t, defaultRetryConfig())
	ctx := context.Background()
	gate := &failingDisableGate{Manager: f.manager}
	engine, err := NewEngine(defaultRetryConfig(), f.processor, gate,
		WithScheduler(NewManualScheduler(f.scheduler.Now())),
		WithAttemptStore(f.store),
		WithClock(f.scheduler.Now),
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	gone := core.NewPermanentProviderError("target gone", http.StatusGone, nil)
	if _, err := engine.Enqueue(ctx, f.delivery(`{"n":1}`), gone); err == nil {
		t.Fatalf("expected the disable failure to be reported")
	}
	if gate.disables != 1 {
		t.Fatalf("expected one disable call, got %d", gate.disables)
	}
	if f.status(t) == core.SubscriptionStatusDisabled {
		t.Fatalf("expected subscription left enabled by the failed disable")
	}

	attempt, err := engine.Enqueue(ctx, f.delivery(`{"n":2}`), errDownstream)
	if err != nil {
		t.Fatalf("expected enqueue to be accepted after the failed disable, got %v", err)
	}
	if attempt.Status != core.AttemptStatusPending {
		t.Fatalf("expected a pending retry, got %s", attempt.Status)
	}
}

func TestEngine_RejectedDeliveryIsRetriedNotDisabled(t *testing.T) {
	f := newEngineFixture(t, defaultRetryConfig())
	ctx := context.Background()

	rejected := core.ResponseError("forward_delivery", core.OutboundResponse{StatusCode: http.StatusUnprocessableEntity})
	attempt, err := f.engine.Enqueue(ctx, f.delivery(`{"n":1}`), rejected)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if attempt.Status != core.AttemptStatusPending {
		t.Fatalf("expected a pending retry for a 422 answer, got %s", attempt.Status)
	}
	if f.status(t) == core.SubscriptionStatusDisabled {
		t.Fatalf("expected a single rejected delivery not to disable the subscription")
	}
}

func TestEngine_RollingWindowDisablesSilentlyDeadSubscription(t *testing.T) {
	cfg := defaultRetryConfig()
	cfg.WindowSize = 3
	f := newEngineFixture(t, cfg)
	ctx := context.Background()

	for _, payload := range []string{`{"n":1}`, `{"n":2}`} {
		if _, err := f.engine.Enqueue(ctx, f.delivery(payload), errDownstream); err != nil {
			t.Fatalf("enqueue %s: %v", payload, err)
		}
	}
	if f.status(t) != core.SubscriptionStatusDegraded {
		t.Fatalf("expected degraded before the window fills")
	}
	last, err := f.engine.Enqueue(ctx, f.delivery(`{"n":3}`), errDownstream)
	if err != nil {
		t.Fatalf("third enqueue: %v", err)
	}
	if last.Status != core.AttemptStatusFailed {
		t.Fatalf("expected window-closing attempt to fail, got %s", last.Status)
	}
	if f.status(t) != core.SubscriptionStatusDisabled {
		t.Fatalf("expected disabled subscription, got %s", f.status(t))
	}
	if f.engine.ActiveCount() != 0 || len(f.scheduler.Pending()) != 0 {
		t.Fatalf("expected pending attempts cancelled")
	}
}

func TestEngine_InterveningSuccessKeepsSubscriptionEnabled(t *testing.T) {
	cfg := defaultRetryConfig()
	cfg.WindowSize = 3
	f := newEngineFixture(t, cfg)
	ctx := context.Background()

	f.engine.Enqueue(ctx, f.delivery(`{"n":1}`), errDownstream)
	f.engine.Enqueue(ctx, f.delivery(`{"n":2}`), errDownstream)
	if err := f.engine.RecordSuccess(ctx, f.sub.ID); err != nil {
		t.Fatalf("record success: %v", err)
	}
	if f.status(t) != core.SubscriptionStatusActive {
		t.Fatalf("expected success to restore active, got %s", f.status(t))
	}
	f.engine.Enqueue(ctx, f.delivery(`{"n":3}`), errDownstream)
	if status := f.status(t); status == core.SubscriptionStatusDisabled {
		t.Fatalf("expected subscription to stay enabled, got %s", status)
	}
}

func TestEngine_ExhaustsWhenBudgetRunsOut(t *testing.T) {
	cfg := core.RetryConfig{InitialInterval: time.Minute, MaxDuration: 3 * time.Minute, WindowSize: 10}
	f := newEngineFixture(t, cfg, errDownstream, errDownstream)
	ctx := context.Background()

	attempt, err := f.engine.Enqueue(ctx, f.delivery(`{"x":1}`), errDownstream)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := f.scheduler.Advance(ctx, 3*time.Minute); err != nil {
		t.Fatalf("advance: %v", err)
	}
	stored, err := f.store.Get(ctx, attempt.Key)
	if err != nil {
		t.Fatalf("load attempt: %v", err)
	}
	if stored.Status != core.AttemptStatusExhausted || stored.LastError != core.ErrorKindRetryExhausted {
		t.Fatalf("expected exhausted attempt, got %+v", stored)
	}
	if stored.AttemptNumber != 3 {
		t.Fatalf("expected exhaustion after attempt 3, got %d", stored.AttemptNumber)
	}
	if f.status(t) == core.SubscriptionStatusDisabled {
		t.Fatalf("exhaustion alone must not disable the subscription")
	}
}

func TestEngine_InFlightOutcomeDiscardedAfterDisable(t *testing.T) {
	f := newEngineFixture(t, defaultRetryConfig(), errDownstream)
	f.processor.block = make(chan struct{})
	f.processor.ran = make(chan struct{}, 1)
	ctx := context.Background()

	attempt, err := f.engine.Enqueue(ctx, f.delivery(`{"slow":true}`), errDownstream)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- f.scheduler.Advance(ctx, 2*time.Minute)
	}()
	<-f.processor.ran

	if _, err := f.manager.Disable(ctx, f.sub.ID, "operator"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	close(f.processor.block)
	if err := <-done; err != nil {
		t.Fatalf("advance: %v", err)
	}

	stored, _ := f.store.Get(ctx, attempt.Key)
	if stored.Status != core.AttemptStatusFailed || stored.AttemptNumber != 2 {
		t.Fatalf("expected in-flight outcome recorded without reschedule, got %+v", stored)
	}
	if f.engine.ActiveCount() != 0 || len(f.scheduler.Pending()) != 0 {
		t.Fatalf("expected discarded run not to reschedule")
	}
	if got := len(f.engine.Window(f.sub.ID)); got != 1 {
		t.Fatalf("expected discarded outcome to stay out of the window, got %d entries", got)
	}
}

func TestEngine_SyncFindsHookGoneAndBlocksEnqueue(t *testing.T) {
	f := newEngineFixture(t, defaultRetryConfig())
	ctx := context.Background()

	pending, err := f.engine.Enqueue(ctx, f.delivery(`{"p":1}`), errDownstream)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.api.Remove(f.sub.RemoteHookID)
	sub, err := f.manager.Sync(ctx, f.sub.ID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if sub.Status != core.SubscriptionStatusDisabled {
		t.Fatalf("expected sync to disable, got %s", sub.Status)
	}
	if _, ok := f.engine.Attempt(pending.Key); ok {
		t.Fatalf("expected pending attempt cancelled")
	}
	if _, err := f.engine.Enqueue(ctx, f.delivery(`{"p":2}`), errDownstream); !errors.Is(err, core.ErrSubscriptionDisabled) {
		t.Fatalf("expected enqueue rejected, got %v", err)
	}

	if _, err := f.manager.ReEnable(ctx, f.sub.ID); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	if _, err := f.engine.Enqueue(ctx, f.delivery(`{"p":3}`), errDownstream); err != nil {
		t.Fatalf("expected enqueue after re-enable, got %v", err)
	}
	if len(f.engine.Window(f.sub.ID)) != 1 {
		t.Fatalf("expected window cleared on re-enable")
	}
}

func TestEngine_RestoreRearmsStoredAttempts(t *testing.T) {
	f := newEngineFixture(t, defaultRetryConfig(), nil)
	ctx := context.Background()
	now := f.scheduler.Now()
	key := core.AttemptKey{SubscriptionID: f.sub.ID, Fingerprint: "fp_restored"}

	restored, err := f.engine.Restore(ctx, []core.DeliveryAttempt{
		{Key: key, AttemptNumber: 4, FirstAttemptAt: now.Add(-time.Hour), ScheduledAt: now.Add(time.Minute), Status: core.AttemptStatusPending, Payload: []byte("{}")},
		{Key: core.AttemptKey{SubscriptionID: f.sub.ID, Fingerprint: "fp_done"}, Status: core.AttemptStatusSucceeded},
	})
	if err != nil || restored != 1 {
		t.Fatalf("restore: restored=%d err=%v", restored, err)
	}
	if err := f.scheduler.Advance(ctx, time.Minute); err != nil {
		t.Fatalf("advance: %v", err)
	}
	stored, err := f.store.Get(ctx, key)
	if err != nil || stored.Status != core.AttemptStatusSucceeded {
		t.Fatalf("expected restored attempt to run, got %+v err=%v", stored, err)
	}
	if f.processor.calls[0].FormID != f.sub.FormID || f.processor.calls[0].AttemptNumber != 4 {
		t.Fatalf("unexpected retried delivery: %+v", f.processor.calls[0])
	}
}

func TestEngine_ClosedRejectsEnqueue(t *testing.T) {
	f := newEngineFixture(t, defaultRetryConfig())
	if err := f.engine.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := f.engine.Enqueue(context.Background(), f.delivery("{}"), errDownstream); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("expected closed engine error, got %v", err)
	}
}

func TestMemoryAttemptStore_Conformance(t *testing.T) {
	if err := devkit.ValidateAttemptStoreConformance(context.Background(), NewMemoryAttemptStore()); err != nil {
		t.Fatalf("memory attempt store conformance: %v", err)
	}
}

func TestTimerScheduler_RunsAndCancels(t *testing.T) {
	scheduler := NewTimerScheduler()
	defer scheduler.Close()
	ran := make(chan core.AttemptKey, 2)
	scheduler.Bind(func(_ context.Context, key core.AttemptKey) error {
		ran <- key
		return nil
	})

	due := core.AttemptKey{SubscriptionID: "sub_1", Fingerprint: "due"}
	cancelled := core.AttemptKey{SubscriptionID: "sub_1", Fingerprint: "cancelled"}
	now := time.Now()
	if err := scheduler.Schedule(context.Background(), core.DeliveryAttempt{Key: due, ScheduledAt: now.Add(10 * time.Millisecond)}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := scheduler.Schedule(context.Background(), core.DeliveryAttempt{Key: cancelled, ScheduledAt: now.Add(20 * time.Millisecond)}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	scheduler.Cancel(context.Background(), cancelled)

	select {
	case key := <-ran:
		if key != due {
			t.Fatalf("unexpected key %v", key)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected due attempt to run")
	}
	select {
	case key := <-ran:
		t.Fatalf("expected cancelled attempt not to run, got %v", key)
	case <-time.After(60 * time.Millisecond):
	}
	if scheduler.Pending() != 0 {
		t.Fatalf("expected no armed timers")
	}
}
