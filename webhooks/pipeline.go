package webhooks

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-formhooks/core"
)

const (
	StageResolveSubscription = "resolve_subscription"
	StageResolveSecret       = "resolve_secret"
	StageVerifySignature     = "verify_signature"
	StageClaimReplay         = "claim_replay"
	StageProcess             = "process"
	StageSettle              = "settle"
)

type SubscriptionLookup interface {
	Get(ctx context.Context, id string) (core.Subscription, error)
}

type SecretResolver interface {
	SecretFor(ctx context.Context, sub core.Subscription) (string, error)
}

// RetryScheduler is the part of the retry engine the pipeline talks to.
type RetryScheduler interface {
	Enqueue(ctx context.Context, delivery core.Delivery, cause error) (core.DeliveryAttempt, error)
	RecordSuccess(ctx context.Context, subscriptionID string) error
}

// DeliveryContext is the state shared by the stages of one inbound run.
type DeliveryContext struct {
	Request      core.InboundRequest
	Subscription core.Subscription
	Secret       string
	Verification VerificationResult
	Delivery     core.Delivery
	ProcessErr   error
	Attempt      core.DeliveryAttempt
	Result       core.InboundResult
	ClaimKey     string
	Stage        string
	Halted       bool
}

// Halt stops the run with result; later stages are skipped.
func (dc *DeliveryContext) Halt(result core.InboundResult) {
	dc.Result = result
	dc.Halted = true
}

type Stage struct {
	Name string
	Run  func(ctx context.Context, dc *DeliveryContext) error
}

// Run applies stages in order until one fails or halts the context.
func Run(ctx context.Context, dc *DeliveryContext, stages []Stage) error {
	for _, stage := range stages {
		if dc.Halted {
			return nil
		}
		if stage.Run == nil {
			continue
		}
		dc.Stage = stage.Name
		if err := stage.Run(ctx, dc); err != nil {
			return err
		}
	}
	return nil
}

type Pipeline struct {
	Subscriptions SubscriptionLookup
	Secrets       SecretResolver
	Processor     core.DeliveryProcessor
	Retry         RetryScheduler
	Ledger        core.ReplayLedger
	Verifier      SignatureVerifier
	Observer      *core.Observer
	Now           func() time.Time

	signature core.SignatureConfig
	replayTTL time.Duration
	stages    []Stage
}

func NewPipeline(
	cfg core.Config,
	subscriptions SubscriptionLookup,
	secrets SecretResolver,
	processor core.DeliveryProcessor,
	retry RetryScheduler,
) *Pipeline {
	p := &Pipeline{
		Subscriptions: subscriptions,
		Secrets:       secrets,
		Processor:     processor,
		Retry:         retry,
		Verifier:      NewSignatureVerifier(cfg.Signature.Encoding),
		Observer:      core.NewObserver("formhooks.webhooks", nil, nil, nil),
		Now:           func() time.Time { return time.Now().UTC() },
		signature:     cfg.Signature,
		replayTTL:     cfg.Replay.TTL,
	}
	p.stages = p.DefaultStages()
	return p
}

func (p *Pipeline) DefaultStages() []Stage {
	return []Stage{
		{Name: StageResolveSubscription, Run: p.resolveSubscription},
		{Name: StageResolveSecret, Run: p.resolveSecret},
		{Name: StageVerifySignature, Run: p.verifySignature},
		{Name: StageClaimReplay, Run: p.claimReplay},
		{Name: StageProcess, Run: p.process},
		{Name: StageSettle, Run: p.settle},
	}
}

func (p *Pipeline) Stages() []Stage {
	return append([]Stage(nil), p.stages...)
}

// WithStages replaces the stage list, e.g. to insert a stage between
// verification and processing.
func (p *Pipeline) WithStages(stages ...Stage) *Pipeline {
	p.stages = append([]Stage(nil), stages...)
	return p
}

// Handle runs one inbound request and returns the acknowledgment for the
// caller. Processing failures are handed to the retry engine and still
// acknowledged; only verification and lookup failures are rejected.
func (p *Pipeline) Handle(ctx context.Context, req core.InboundRequest) (core.InboundResult, error) {
	startedAt := time.Now()
	if p == nil || p.Subscriptions == nil || p.Secrets == nil || p.Processor == nil || p.Retry == nil {
		err := pipelineError("webhooks: pipeline requires subscriptions, secrets, processor and retry", goerrors.CategoryInternal, http.StatusInternalServerError, core.ErrorInternal, nil)
		return core.InboundResult{StatusCode: http.StatusInternalServerError}, err
	}
	req.SubscriptionID = strings.TrimSpace(req.SubscriptionID)
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = p.now()
	}

	dc := &DeliveryContext{Request: req}
	err := Run(ctx, dc, p.stages)
	if err != nil {
		if dc.ClaimKey != "" && p.Ledger != nil {
			if releaseErr := p.Ledger.Release(ctx, dc.ClaimKey); releaseErr != nil {
				err = errors.Join(err, releaseErr)
			}
		}
		if dc.Result.StatusCode == 0 {
			dc.Result = core.InboundResult{StatusCode: core.MapError(err).Code}
		}
		dc.Result.Accepted = false
	}

	fields := map[string]any{
		"subscription_id": req.SubscriptionID,
		"stage":           dc.Stage,
		"status_code":     dc.Result.StatusCode,
	}
	if dc.Delivery.Fingerprint != "" {
		fields["fingerprint"] = dc.Delivery.Fingerprint
	}
	if dc.ProcessErr != nil {
		fields["process_error"] = dc.ProcessErr.Error()
	}
	p.Observer.Observe(ctx, startedAt, "inbound_delivery", err, fields)
	return dc.Result, err
}

func (p *Pipeline) resolveSubscription(ctx context.Context, dc *DeliveryContext) error {
	if dc.Request.SubscriptionID == "" {
		return pipelineError("webhooks: subscription id is required", goerrors.CategoryBadInput, http.StatusBadRequest, core.ErrorBadInput, nil)
	}
	sub, err := p.Subscriptions.Get(ctx, dc.Request.SubscriptionID)
	if err != nil {
		return err
	}
	dc.Subscription = sub
	return nil
}

func (p *Pipeline) resolveSecret(ctx context.Context, dc *DeliveryContext) error {
	secret, err := p.Secrets.SecretFor(ctx, dc.Subscription)
	if err != nil {
		return err
	}
	dc.Secret = secret
	return nil
}

func (p *Pipeline) verifySignature(_ context.Context, dc *DeliveryContext) error {
	dc.Verification = p.Verifier.VerifyAt(
		dc.Request.ReceivedAt,
		dc.Request.Body,
		headerValue(dc.Request.Headers, p.signature.SignatureHeader),
		headerValue(dc.Request.Headers, p.signature.TimestampHeader),
		dc.Secret,
		p.signature.Tolerance,
	)
	if dc.Verification.Valid() {
		return nil
	}
	dc.Result = core.InboundResult{
		Accepted:   false,
		StatusCode: http.StatusUnauthorized,
		Metadata: map[string]any{
			"subscription_id": dc.Subscription.ID,
			"rejected":        true,
			"error_kind":      string(dc.Verification.Kind()),
		},
	}
	return dc.Verification.Err
}

func (p *Pipeline) claimReplay(ctx context.Context, dc *DeliveryContext) error {
	if p.Ledger == nil {
		return nil
	}
	key := dc.Subscription.ID + ":" + strings.ToLower(headerValue(dc.Request.Headers, p.signature.SignatureHeader))
	claimed, err := p.Ledger.Claim(ctx, key, p.replayTTL)
	if err != nil {
		return err
	}
	if !claimed {
		dc.Halt(core.InboundResult{
			Accepted:   true,
			StatusCode: http.StatusOK,
			Metadata: map[string]any{
				"subscription_id": dc.Subscription.ID,
				"deduped":         true,
			},
		})
		return nil
	}
	dc.ClaimKey = key
	return nil
}

func (p *Pipeline) process(ctx context.Context, dc *DeliveryContext) error {
	dc.Delivery = core.Delivery{
		SubscriptionID: dc.Subscription.ID,
		FormID:         dc.Subscription.FormID,
		Fingerprint:    core.PayloadFingerprint(dc.Request.Body),
		AttemptNumber:  1,
		Headers:        cloneHeaders(dc.Request.Headers),
		Payload:        append([]byte(nil), dc.Request.Body...),
	}
	dc.ProcessErr = p.Processor.Process(ctx, dc.Delivery)
	return nil
}

func (p *Pipeline) settle(ctx context.Context, dc *DeliveryContext) error {
	metadata := map[string]any{
		"subscription_id": dc.Subscription.ID,
		"fingerprint":     dc.Delivery.Fingerprint,
	}
	if dc.ProcessErr == nil {
		if err := p.Retry.RecordSuccess(ctx, dc.Subscription.ID); err != nil {
			p.Observer.Warn(ctx, "record delivery success failed", map[string]any{
				"subscription_id": dc.Subscription.ID,
				"error":           err.Error(),
			})
		}
		dc.Result = core.InboundResult{Accepted: true, StatusCode: http.StatusOK, Metadata: metadata}
		dc.ClaimKey = ""
		return nil
	}

	attempt, err := p.Retry.Enqueue(ctx, dc.Delivery, dc.ProcessErr)
	switch {
	case errors.Is(err, core.ErrSubscriptionDisabled):
		metadata["retry_scheduled"] = false
		metadata["subscription_status"] = string(core.SubscriptionStatusDisabled)
	case err != nil:
		return err
	default:
		dc.Attempt = attempt
		metadata["retry_scheduled"] = attempt.Status == core.AttemptStatusPending
		metadata["attempt_status"] = string(attempt.Status)
	}
	dc.Result = core.InboundResult{Accepted: true, StatusCode: http.StatusAccepted, Metadata: metadata}
	dc.ClaimKey = ""
	return nil
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func pipelineError(message string, category goerrors.Category, code int, textCode string, metadata map[string]any) error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func headerValue(headers map[string]string, key string) string {
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), strings.TrimSpace(key)) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func cloneHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(headers))
	for key, value := range headers {
		out[key] = value
	}
	return out
}
