package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-formhooks/core"
)

type stubSubscriptions struct {
	items map[string]core.Subscription
}

func (s stubSubscriptions) Get(_ context.Context, id string) (core.Subscription, error) {
	sub, ok := s.items[id]
	if !ok {
		return core.Subscription{}, fmt.Errorf("lookup %s: %w", id, core.ErrSubscriptionNotFound)
	}
	return sub, nil
}

type stubSecrets struct {
	secret string
}

func (s stubSecrets) SecretFor(context.Context, core.Subscription) (string, error) {
	return s.secret, nil
}

type recordingRetry struct {
	mu        sync.Mutex
	enqueued  []core.Delivery
	causes    []error
	successes []string
	enqueue   func(core.Delivery) (core.DeliveryAttempt, error)
}

func (r *recordingRetry) Enqueue(_ context.Context, delivery core.Delivery, cause error) (core.DeliveryAttempt, error) {
	r.mu.Lock()
	r.enqueued = append(r.enqueued, delivery)
	r.causes = append(r.causes, cause)
	r.mu.Unlock()
	if r.enqueue != nil {
		return r.enqueue(delivery)
	}
	return core.DeliveryAttempt{
		Key:           core.AttemptKey{SubscriptionID: delivery.SubscriptionID, Fingerprint: delivery.Fingerprint},
		AttemptNumber: 2,
		Status:        core.AttemptStatusPending,
	}, nil
}

func (r *recordingRetry) RecordSuccess(_ context.Context, subscriptionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes = append(r.successes, subscriptionID)
	return nil
}

type countingProcessor struct {
	calls int
	err   error
}

func (p *countingProcessor) Process(context.Context, core.Delivery) error {
	p.calls++
	return p.err
}

var pipelineNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestPipeline(processor core.DeliveryProcessor, retry RetryScheduler) *Pipeline {
	subs := stubSubscriptions{items: map[string]core.Subscription{
		"sub_1": {ID: "sub_1", FormID: "frm_1", Status: core.SubscriptionStatusActive},
	}}
	pipeline := NewPipeline(core.DefaultConfig(), subs, stubSecrets{secret: testSecret}, processor, retry)
	pipeline.Ledger = core.NewMemoryReplayLedger(time.Minute, 0)
	return pipeline
}

func signedRequest(body []byte, at time.Time) core.InboundRequest {
	cfg := core.DefaultConfig()
	signature, timestamp := NewSignatureVerifier(cfg.Signature.Encoding).Sign(body, testSecret, at)
	return core.InboundRequest{
		SubscriptionID: "sub_1",
		Headers: map[string]string{
			cfg.Signature.SignatureHeader: signature,
			cfg.Signature.TimestampHeader: timestamp,
			"Content-Type":                "application/json",
		},
		Body:       body,
		ReceivedAt: at,
	}
}

func TestPipeline_SuccessAcknowledgesAndRecordsSuccess(t *testing.T) {
	processor := &countingProcessor{}
	retry := &recordingRetry{}
	pipeline := newTestPipeline(processor, retry)

	result, err := pipeline.Handle(context.Background(), signedRequest([]byte(`{"ok":true}`), pipelineNow))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !result.Accepted || result.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 ack, got %+v", result)
	}
	if processor.calls != 1 {
		t.Fatalf("expected processor called once, got %d", processor.calls)
	}
	if len(retry.successes) != 1 || retry.successes[0] != "sub_1" {
		t.Fatalf("expected success recorded for sub_1, got %v", retry.successes)
	}
	if len(retry.enqueued) != 0 {
		t.Fatalf("expected no retry work")
	}
}

func TestPipeline_InvalidSignatureIsRejectedWithoutProcessing(t *testing.T) {
	processor := &countingProcessor{}
	retry := &recordingRetry{}
	pipeline := newTestPipeline(processor, retry)

	req := signedRequest([]byte(`{"ok":true}`), pipelineNow)
	req.Body = []byte(`{"ok":false}`)
	result, err := pipeline.Handle(context.Background(), req)
	if core.KindOf(err) != core.ErrorKindSignatureInvalid {
		t.Fatalf("expected SIGNATURE_INVALID, got %v", err)
	}
	if result.Accepted || result.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 rejection, got %+v", result)
	}
	if processor.calls != 0 || len(retry.enqueued) != 0 {
		t.Fatalf("rejected requests must not be processed or retried")
	}
}

func TestPipeline_StaleTimestampIsReplay(t *testing.T) {
	pipeline := newTestPipeline(&countingProcessor{}, &recordingRetry{})
	req := signedRequest([]byte(`{}`), pipelineNow)
	req.ReceivedAt = pipelineNow.Add(10 * time.Minute)

	result, err := pipeline.Handle(context.Background(), req)
	if core.KindOf(err) != core.ErrorKindReplayDetected {
		t.Fatalf("expected REPLAY_DETECTED, got %v", err)
	}
	if result.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", result.StatusCode)
	}
}

func TestPipeline_ProcessingFailureEnqueuesRetryAndAcks(t *testing.T) {
	cause := core.NewTransientNetworkError(errors.New("downstream timeout"), "forward failed", nil)
	processor := &countingProcessor{err: cause}
	retry := &recordingRetry{}
	pipeline := newTestPipeline(processor, retry)

	body := []byte(`{"answers":{"q1":"no"}}`)
	result, err := pipeline.Handle(context.Background(), signedRequest(body, pipelineNow))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !result.Accepted || result.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 ack, got %+v", result)
	}
	if result.Metadata["retry_scheduled"] != true {
		t.Fatalf("expected retry_scheduled marker, got %+v", result.Metadata)
	}
	if len(retry.enqueued) != 1 {
		t.Fatalf("expected one enqueue, got %d", len(retry.enqueued))
	}
	delivery := retry.enqueued[0]
	if delivery.Fingerprint != core.PayloadFingerprint(body) || delivery.AttemptNumber != 1 {
		t.Fatalf("unexpected delivery %+v", delivery)
	}
	if !errors.Is(retry.causes[0], cause) {
		t.Fatalf("expected processing error handed to retry engine")
	}
}

func TestPipeline_DisabledSubscriptionStillAcks(t *testing.T) {
	retry := &recordingRetry{enqueue: func(core.Delivery) (core.DeliveryAttempt, error) {
		return core.DeliveryAttempt{}, core.ErrSubscriptionDisabled
	}}
	pipeline := newTestPipeline(&countingProcessor{err: errors.New("boom")}, retry)

	result, err := pipeline.Handle(context.Background(), signedRequest([]byte(`{}`), pipelineNow))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !result.Accepted || result.Metadata["retry_scheduled"] != false {
		t.Fatalf("expected ack without retry, got %+v", result)
	}
}

func TestPipeline_DuplicateRequestIsDeduped(t *testing.T) {
	processor := &countingProcessor{}
	pipeline := newTestPipeline(processor, &recordingRetry{})
	req := signedRequest([]byte(`{"n":1}`), pipelineNow)

	if _, err := pipeline.Handle(context.Background(), req); err != nil {
		t.Fatalf("first: %v", err)
	}
	result, err := pipeline.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if result.Metadata["deduped"] != true || !result.Accepted {
		t.Fatalf("expected deduped ack, got %+v", result)
	}
	if processor.calls != 1 {
		t.Fatalf("expected duplicate not to be processed again, got %d calls", processor.calls)
	}
}

func TestPipeline_EnqueueFailureReleasesReplayClaim(t *testing.T) {
	failing := true
	retry := &recordingRetry{enqueue: func(d core.Delivery) (core.DeliveryAttempt, error) {
		if failing {
			return core.DeliveryAttempt{}, errors.New("attempt store unavailable")
		}
		return core.DeliveryAttempt{Status: core.AttemptStatusPending}, nil
	}}
	processor := &countingProcessor{err: errors.New("boom")}
	pipeline := newTestPipeline(processor, retry)
	req := signedRequest([]byte(`{"n":2}`), pipelineNow)

	result, err := pipeline.Handle(context.Background(), req)
	if err == nil || result.Accepted {
		t.Fatalf("expected internal failure to be surfaced, got %+v %v", result, err)
	}

	failing = false
	result, err = pipeline.Handle(context.Background(), req)
	if err != nil || result.StatusCode != http.StatusAccepted {
		t.Fatalf("expected redelivery to be processed, got %+v %v", result, err)
	}
	if processor.calls != 2 {
		t.Fatalf("expected two processing runs, got %d", processor.calls)
	}
}

func TestPipeline_UnknownSubscriptionIsNotFound(t *testing.T) {
	pipeline := newTestPipeline(&countingProcessor{}, &recordingRetry{})
	req := signedRequest([]byte(`{}`), pipelineNow)
	req.SubscriptionID = "sub_missing"

	result, err := pipeline.Handle(context.Background(), req)
	if !errors.Is(err, core.ErrSubscriptionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if result.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", result.StatusCode)
	}
}

func TestPipeline_StagesAreOrderedData(t *testing.T) {
	pipeline := newTestPipeline(&countingProcessor{}, &recordingRetry{})
	names := []string{}
	for _, stage := range pipeline.Stages() {
		names = append(names, stage.Name)
	}
	expected := []string{StageResolveSubscription, StageResolveSecret, StageVerifySignature, StageClaimReplay, StageProcess, StageSettle}
	if fmt.Sprint(names) != fmt.Sprint(expected) {
		t.Fatalf("unexpected stage order %v", names)
	}

	var seen []string
	stages := pipeline.DefaultStages()
	tap := Stage{Name: "tap", Run: func(_ context.Context, dc *DeliveryContext) error {
		seen = append(seen, dc.Subscription.ID)
		return nil
	}}
	stages = append(stages[:3], append([]Stage{tap}, stages[3:]...)...)
	pipeline.WithStages(stages...)

	if _, err := pipeline.Handle(context.Background(), signedRequest([]byte(`{"tap":1}`), pipelineNow)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(seen) != 1 || seen[0] != "sub_1" {
		t.Fatalf("expected inserted stage to run after verification, got %v", seen)
	}
}

func TestRun_StopsOnHalt(t *testing.T) {
	calls := 0
	dc := &DeliveryContext{}
	err := Run(context.Background(), dc, []Stage{
		{Name: "halt", Run: func(_ context.Context, dc *DeliveryContext) error {
			dc.Halt(core.InboundResult{Accepted: true, StatusCode: http.StatusOK})
			return nil
		}},
		{Name: "never", Run: func(context.Context, *DeliveryContext) error {
			calls++
			return nil
		}},
	})
	if err != nil || calls != 0 || dc.Stage != "halt" {
		t.Fatalf("expected halt to stop the run, err=%v calls=%d stage=%s", err, calls, dc.Stage)
	}
}
