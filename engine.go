// Package formhooks wires the webhook reliability engine: inbound
// verification, delivery processing with retries, subscription lifecycle
// and rate-limited provider egress.
package formhooks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-formhooks/core"
	"github.com/goliatone/go-formhooks/lifecycle"
	"github.com/goliatone/go-formhooks/providers/forms"
	"github.com/goliatone/go-formhooks/ratelimit"
	"github.com/goliatone/go-formhooks/retry"
	"github.com/goliatone/go-formhooks/transport"
	"github.com/goliatone/go-formhooks/webhooks"
	glog "github.com/goliatone/go-logger/glog"
)

type Config = core.Config

// OpenAttemptLister is implemented by attempt stores that can return the
// attempts still owed work, for Restore.
type OpenAttemptLister interface {
	ListOpen(ctx context.Context) ([]core.DeliveryAttempt, error)
}

type engineBuilder struct {
	runtimeConfig       Config
	logger              core.Logger
	loggerProvider      core.LoggerProvider
	metricsRecorder     core.MetricsRecorder
	configProvider      core.ConfigProvider
	optionsResolver     core.OptionsResolver
	subscriptionStore   core.SubscriptionStore
	attemptStore        core.AttemptStore
	rateLimitStateStore ratelimit.StateStore
	replayLedger        core.ReplayLedger
	secretProvider      core.SecretProvider
	hookRegistry        core.HookRegistry
	providerDispatcher  core.EgressDispatcher
	egressRegistry      *transport.Registry
	httpClient          transport.HTTPDoer
	processor           core.DeliveryProcessor
	downstreamURL       string
	downstreamPath      string
	scheduler           retry.Scheduler
	now                 func() time.Time
}

type Option func(*engineBuilder)

func WithLogger(logger core.Logger) Option {
	return func(b *engineBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(b *engineBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(b *engineBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithConfigProvider(provider core.ConfigProvider) Option {
	return func(b *engineBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver core.OptionsResolver) Option {
	return func(b *engineBuilder) {
		b.optionsResolver = resolver
	}
}

func WithSubscriptionStore(store core.SubscriptionStore) Option {
	return func(b *engineBuilder) {
		b.subscriptionStore = store
	}
}

func WithAttemptStore(store core.AttemptStore) Option {
	return func(b *engineBuilder) {
		b.attemptStore = store
	}
}

// WithRateLimitStateStore persists provider throttle signals, e.g. so that
// every instance honors a Retry-After seen by one of them.
func WithRateLimitStateStore(store ratelimit.StateStore) Option {
	return func(b *engineBuilder) {
		b.rateLimitStateStore = store
	}
}

func WithReplayLedger(ledger core.ReplayLedger) Option {
	return func(b *engineBuilder) {
		b.replayLedger = ledger
	}
}

func WithSecretProvider(provider core.SecretProvider) Option {
	return func(b *engineBuilder) {
		b.secretProvider = provider
	}
}

// WithHookRegistry replaces the forms API client used by the lifecycle
// manager.
func WithHookRegistry(registry core.HookRegistry) Option {
	return func(b *engineBuilder) {
		b.hookRegistry = registry
	}
}

// WithProviderDispatcher skips egress construction and sends provider
// calls through dispatcher.
func WithProviderDispatcher(dispatcher core.EgressDispatcher) Option {
	return func(b *engineBuilder) {
		b.providerDispatcher = dispatcher
	}
}

func WithEgressRegistry(registry *transport.Registry) Option {
	return func(b *engineBuilder) {
		b.egressRegistry = registry
	}
}

func WithHTTPClient(client transport.HTTPDoer) Option {
	return func(b *engineBuilder) {
		b.httpClient = client
	}
}

func WithProcessor(processor core.DeliveryProcessor) Option {
	return func(b *engineBuilder) {
		b.processor = processor
	}
}

// WithDownstream forwards every delivery to baseURL+path when no processor
// is given.
func WithDownstream(baseURL string, path string) Option {
	return func(b *engineBuilder) {
		b.downstreamURL = strings.TrimSpace(baseURL)
		b.downstreamPath = path
	}
}

func WithScheduler(scheduler retry.Scheduler) Option {
	return func(b *engineBuilder) {
		b.scheduler = scheduler
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *engineBuilder) {
		b.now = now
	}
}

type Engine struct {
	config     Config
	logger     core.Logger
	limiter    *ratelimit.TokenBucket
	dispatcher core.EgressDispatcher
	attempts   core.AttemptStore
	manager    *lifecycle.Manager
	retry      *retry.Engine
	pipeline   *webhooks.Pipeline
	facade     *Facade
}

// New resolves configuration (defaults < provider < cfg) and wires the
// engine components. cfg acts as the runtime layer: zero fields keep the
// lower layers' values.
func New(cfg Config, opts ...Option) (*Engine, error) {
	builder := engineBuilder{runtimeConfig: cfg}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("formhooks", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)

	if builder.metricsRecorder == nil {
		builder.metricsRecorder = core.NopMetricsRecorder{}
	}
	if builder.configProvider == nil {
		builder.configProvider = core.NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = core.GoOptionsResolver{}
	}
	if builder.now == nil {
		builder.now = func() time.Time { return time.Now().UTC() }
	}

	defaults := core.DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, core.MapError(err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, core.MapError(err)
	}

	observer := func(name string) *core.Observer {
		return core.NewObserver(name, provider, logger, builder.metricsRecorder)
	}

	if builder.secretProvider == nil {
		return nil, fmt.Errorf("formhooks: secret provider is required")
	}
	if builder.subscriptionStore == nil {
		builder.subscriptionStore = lifecycle.NewMemoryStore()
	}
	if builder.attemptStore == nil {
		builder.attemptStore = retry.NewMemoryAttemptStore()
	}
	if builder.rateLimitStateStore == nil {
		builder.rateLimitStateStore = ratelimit.NewMemoryStateStore()
	}
	if builder.replayLedger == nil {
		builder.replayLedger = core.NewMemoryReplayLedger(finalConfig.Replay.TTL, 0)
	}
	if builder.egressRegistry == nil {
		builder.egressRegistry = transport.NewDefaultRegistry()
	}

	limiter, err := ratelimit.NewTokenBucket(finalConfig.RateLimit.RequestsPerSecond)
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:   finalConfig,
		logger:   logger,
		limiter:  limiter,
		attempts: builder.attemptStore,
	}

	registry := builder.hookRegistry
	if registry == nil {
		dispatcher := builder.providerDispatcher
		if dispatcher == nil {
			dispatcher, err = builder.egressRegistry.Build(finalConfig.Egress.Kind(), transport.EgressDeps{
				Config:   finalConfig.Egress,
				Client:   builder.httpClient,
				Limiter:  limiter,
				Policy:   ratelimit.NewAdaptivePolicy(builder.rateLimitStateStore),
				Observer: observer("formhooks.transport"),
			})
			if err != nil {
				return nil, err
			}
		}
		engine.dispatcher = dispatcher
		client, err := forms.New(dispatcher, forms.DefaultConfig())
		if err != nil {
			return nil, err
		}
		registry = client
	}

	processor := builder.processor
	if processor == nil {
		if builder.downstreamURL == "" {
			return nil, fmt.Errorf("formhooks: a delivery processor or downstream url is required")
		}
		processor, err = newForwardingProcessor(finalConfig, builder, limiter, observer("formhooks.downstream"))
		if err != nil {
			return nil, err
		}
	}

	manager, err := lifecycle.NewManager(
		builder.subscriptionStore,
		registry,
		builder.secretProvider,
		lifecycle.WithObserver(observer("formhooks.lifecycle")),
		lifecycle.WithClock(builder.now),
	)
	if err != nil {
		return nil, err
	}

	retryOpts := []retry.Option{
		retry.WithAttemptStore(builder.attemptStore),
		retry.WithObserver(observer("formhooks.retry")),
		retry.WithClock(builder.now),
	}
	if builder.scheduler != nil {
		retryOpts = append(retryOpts, retry.WithScheduler(builder.scheduler))
	}
	retryEngine, err := retry.NewEngine(finalConfig.Retry, processor, manager, retryOpts...)
	if err != nil {
		return nil, err
	}
	manager.Subscribe(retryEngine.HandleStatusChange)

	pipeline := webhooks.NewPipeline(finalConfig, manager, manager, processor, retryEngine)
	pipeline.Ledger = builder.replayLedger
	pipeline.Observer = observer("formhooks.webhooks")
	pipeline.Now = builder.now

	facade, err := NewFacade(manager, manager, retryEngine)
	if err != nil {
		return nil, err
	}

	engine.manager = manager
	engine.retry = retryEngine
	engine.pipeline = pipeline
	engine.facade = facade
	return engine, nil
}

// newForwardingProcessor gives downstream forwarding its own direct egress.
// It spends the same limiter as provider calls, so first deliveries and
// retries share one outbound budget.
func newForwardingProcessor(cfg Config, builder engineBuilder, limiter core.RateLimiter, observer *core.Observer) (core.DeliveryProcessor, error) {
	egress, err := transport.NewDirectEgress(transport.EgressDeps{
		Config: core.EgressConfig{
			ProviderID:           "downstream",
			BaseURL:              builder.downstreamURL,
			ConnectTimeout:       cfg.Egress.ConnectTimeout,
			ReadTimeout:          cfg.Egress.ReadTimeout,
			MaxResponseBodyBytes: cfg.Egress.MaxResponseBodyBytes,
		},
		Client:   builder.httpClient,
		Limiter:  limiter,
		Observer: observer,
	})
	if err != nil {
		return nil, err
	}
	return webhooks.NewForwardingProcessor(egress, builder.downstreamPath), nil
}

func (e *Engine) Config() Config {
	if e == nil {
		return Config{}
	}
	return e.config
}

func (e *Engine) Manager() *lifecycle.Manager {
	if e == nil {
		return nil
	}
	return e.manager
}

func (e *Engine) Retry() *retry.Engine {
	if e == nil {
		return nil
	}
	return e.retry
}

func (e *Engine) Pipeline() *webhooks.Pipeline {
	if e == nil {
		return nil
	}
	return e.pipeline
}

func (e *Engine) Facade() *Facade {
	if e == nil {
		return nil
	}
	return e.facade
}

// Limiter is the provider rate limiter shared by every egress call.
func (e *Engine) Limiter() *ratelimit.TokenBucket {
	if e == nil {
		return nil
	}
	return e.limiter
}

// HandleInbound runs one inbound webhook request through the pipeline.
func (e *Engine) HandleInbound(ctx context.Context, req core.InboundRequest) (core.InboundResult, error) {
	if e == nil || e.pipeline == nil {
		return core.InboundResult{}, fmt.Errorf("formhooks: engine is not configured")
	}
	return e.pipeline.Handle(ctx, req)
}

// Restore re-arms attempts the attempt store still owes work, e.g. after a
// restart. Stores that cannot list open attempts restore nothing.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	if e == nil || e.retry == nil {
		return 0, fmt.Errorf("formhooks: engine is not configured")
	}
	lister, ok := e.attempts.(OpenAttemptLister)
	if !ok {
		return 0, nil
	}
	open, err := lister.ListOpen(ctx)
	if err != nil {
		return 0, err
	}
	restored, err := e.retry.Restore(ctx, open)
	if err != nil {
		return restored, err
	}
	if restored > 0 {
		e.logger.Info("restored retry attempts", "count", restored)
	}
	return restored, nil
}

// Close stops scheduling; running attempts finish first.
func (e *Engine) Close() error {
	if e == nil || e.retry == nil {
		return nil
	}
	return e.retry.Close()
}
