// Package otelmetrics records engine metrics with OpenTelemetry and exposes
// them in Prometheus text format.
package otelmetrics

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-formhooks/core"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const defaultMeterName = "github.com/goliatone/go-formhooks"

type Option func(*config)

type config struct {
	meterName string
	registry  *promclient.Registry
}

func WithMeterName(name string) Option {
	return func(c *config) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			c.meterName = trimmed
		}
	}
}

// WithRegistry exports into registry instead of a private one.
func WithRegistry(registry *promclient.Registry) Option {
	return func(c *config) {
		if registry != nil {
			c.registry = registry
		}
	}
}

// Recorder implements core.MetricsRecorder. Instruments are created on first
// use and cached by name.
type Recorder struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter
	registry *promclient.Registry

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
	gauges     []metric.Registration
}

func New(opts ...Option) (*Recorder, error) {
	cfg := config{meterName: defaultMeterName}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.registry == nil {
		cfg.registry = promclient.NewRegistry()
	}

	exporter, err := prometheus.New(prometheus.WithRegisterer(cfg.registry))
	if err != nil {
		return nil, fmt.Errorf("otelmetrics: creating prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	return &Recorder{
		provider:   provider,
		meter:      provider.Meter(cfg.meterName),
		registry:   cfg.registry,
		counters:   map[string]metric.Int64Counter{},
		histograms: map[string]metric.Float64Histogram{},
	}, nil
}

func (r *Recorder) IncCounter(ctx context.Context, name string, value int64, tags map[string]string) {
	counter, err := r.counter(name)
	if err != nil {
		return
	}
	counter.Add(ctx, value, metric.WithAttributes(attributes(tags)...))
}

func (r *Recorder) ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string) {
	histogram, err := r.histogram(name)
	if err != nil {
		return
	}
	histogram.Record(ctx, value, metric.WithAttributes(attributes(tags)...))
}

// ObserveGauge registers an asynchronous gauge read from fn on every scrape.
func (r *Recorder) ObserveGauge(name, description string, fn func(ctx context.Context) int64) error {
	if r == nil || fn == nil {
		return fmt.Errorf("otelmetrics: gauge callback is required")
	}
	gauge, err := r.meter.Int64ObservableGauge(name, metric.WithDescription(description))
	if err != nil {
		return fmt.Errorf("otelmetrics: creating gauge %q: %w", name, err)
	}
	registration, err := r.meter.RegisterCallback(func(ctx context.Context, observer metric.Observer) error {
		observer.ObserveInt64(gauge, fn(ctx))
		return nil
	}, gauge)
	if err != nil {
		return fmt.Errorf("otelmetrics: registering gauge %q: %w", name, err)
	}
	r.mu.Lock()
	r.gauges = append(r.gauges, registration)
	r.mu.Unlock()
	return nil
}

// Handler serves the registry in Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) Shutdown(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	r.mu.Lock()
	for _, registration := range r.gauges {
		_ = registration.Unregister()
	}
	r.gauges = nil
	r.mu.Unlock()
	return r.provider.Shutdown(ctx)
}

func (r *Recorder) counter(name string) (metric.Int64Counter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if counter, ok := r.counters[name]; ok {
		return counter, nil
	}
	counter, err := r.meter.Int64Counter(name)
	if err != nil {
		return nil, err
	}
	r.counters[name] = counter
	return counter, nil
}

func (r *Recorder) histogram(name string) (metric.Float64Histogram, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if histogram, ok := r.histograms[name]; ok {
		return histogram, nil
	}
	histogram, err := r.meter.Float64Histogram(name)
	if err != nil {
		return nil, err
	}
	r.histograms[name] = histogram
	return histogram, nil
}

func attributes(tags map[string]string) []attribute.KeyValue {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for key := range tags {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]attribute.KeyValue, 0, len(keys))
	for _, key := range keys {
		out = append(out, attribute.String(key, tags[key]))
	}
	return out
}

var _ core.MetricsRecorder = (*Recorder)(nil)
