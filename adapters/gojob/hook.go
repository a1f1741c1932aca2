package gojob

import (
	"context"

	"github.com/goliatone/go-formhooks/core"

	"github.com/goliatone/go-job/queue/worker"
)

// ObserverHook reports worker events through a core.Observer.
type ObserverHook struct {
	observer *core.Observer
}

func NewObserverHook(observer *core.Observer) *ObserverHook {
	return &ObserverHook{observer: observer}
}

func (h *ObserverHook) OnStart(ctx context.Context, event worker.Event) {
	if h == nil {
		return
	}
	h.observer.Debug(ctx, "retry delivery started", eventFields(event))
}

func (h *ObserverHook) OnSuccess(ctx context.Context, event worker.Event) {
	if h == nil {
		return
	}
	h.observer.Observe(ctx, event.StartedAt, "queue_attempt", nil, eventFields(event))
}

func (h *ObserverHook) OnFailure(ctx context.Context, event worker.Event) {
	if h == nil {
		return
	}
	h.observer.Observe(ctx, event.StartedAt, "queue_attempt", event.Err, eventFields(event))
}

func (h *ObserverHook) OnRetry(ctx context.Context, event worker.Event) {
	if h == nil {
		return
	}
	fields := eventFields(event)
	fields["delay_ms"] = event.Delay.Milliseconds()
	if event.Err != nil {
		fields["error"] = event.Err.Error()
	}
	h.observer.Warn(ctx, "retry delivery requeued", fields)
}

func eventFields(event worker.Event) map[string]any {
	fields := map[string]any{"attempt": event.Attempt}
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	if parsed, err := FromExecutionMessage(message); err == nil {
		fields["subscription_id"] = parsed.Key.SubscriptionID
		fields["fingerprint"] = parsed.Key.Fingerprint
	}
	return fields
}

var _ worker.Hook = (*ObserverHook)(nil)
