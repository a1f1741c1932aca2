package core

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

// MemoryMetricsRecorder keeps counter totals and histogram samples keyed by
// metric name. Tags are folded into the key as sorted name=value pairs.
type MemoryMetricsRecorder struct {
	mu         sync.Mutex
	counters   map[string]int64
	histograms map[string][]float64
}

func NewMemoryMetricsRecorder() *MemoryMetricsRecorder {
	return &MemoryMetricsRecorder{
		counters:   map[string]int64{},
		histograms: map[string][]float64{},
	}
}

func (r *MemoryMetricsRecorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name] += value
	if key := metricKey(name, tags); key != name {
		r.counters[key] += value
	}
}

func (r *MemoryMetricsRecorder) ObserveHistogram(_ context.Context, name string, value float64, _ map[string]string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.histograms[name] = append(r.histograms[name], value)
}

func (r *MemoryMetricsRecorder) Counter(name string) int64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}

func (r *MemoryMetricsRecorder) Samples(name string) []float64 {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.histograms[name]...)
}

func metricKey(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	pairs := make([]string, 0, len(tags))
	for key, value := range tags {
		pairs = append(pairs, key+"="+value)
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}

func cloneTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return map[string]string{}
	}
	copied := make(map[string]string, len(tags))
	for key, value := range tags {
		copied[key] = value
	}
	return copied
}
