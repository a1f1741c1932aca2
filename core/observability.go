package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// Observer pairs a logger with a metrics recorder. The zero value and a nil
// Observer are both usable and drop everything.
type Observer struct {
	Logger  Logger
	Metrics MetricsRecorder
}

func NewObserver(name string, provider LoggerProvider, logger Logger, metrics MetricsRecorder) *Observer {
	_, resolved := glog.Resolve(name, provider, logger)
	if metrics == nil {
		metrics = NopMetricsRecorder{}
	}
	return &Observer{Logger: resolved, Metrics: metrics}
}

func (o *Observer) Observe(
	ctx context.Context,
	startedAt time.Time,
	operation string,
	err error,
	fields map[string]any,
) {
	if o == nil {
		return
	}
	operation = normalizeOperation(operation)
	if operation == "" {
		operation = "unknown"
	}
	status := "success"
	if err != nil {
		status = "failure"
	}

	contextFields := cloneFields(fields)
	contextFields["event_type"] = operation
	contextFields["status"] = status
	contextFields["duration_ms"] = time.Since(startedAt).Milliseconds()
	if err != nil {
		contextFields["error"] = err.Error()
		if kind := KindOf(err); kind != ErrorKindNone {
			contextFields["error_kind"] = string(kind)
		}
	}

	tags := map[string]string{
		"operation": operation,
		"status":    status,
	}
	for _, key := range []string{"subscription_id", "egress", "stage", "error_kind"} {
		if value := strings.TrimSpace(fmt.Sprint(contextFields[key])); value != "" && value != "<nil>" {
			tags[key] = value
		}
	}

	o.Count(ctx, "formhooks."+operation+".total", 1, tags)
	o.Histogram(ctx, "formhooks."+operation+".duration_ms", float64(time.Since(startedAt).Milliseconds()), tags)

	if err != nil {
		o.Error(ctx, operation+" failed", contextFields)
		return
	}
	o.Info(ctx, operation+" succeeded", contextFields)
}

func (o *Observer) Info(ctx context.Context, message string, fields map[string]any) {
	o.logWithLevel(ctx, "info", message, fields)
}

func (o *Observer) Warn(ctx context.Context, message string, fields map[string]any) {
	o.logWithLevel(ctx, "warn", message, fields)
}

func (o *Observer) Error(ctx context.Context, message string, fields map[string]any) {
	o.logWithLevel(ctx, "error", message, fields)
}

func (o *Observer) Debug(ctx context.Context, message string, fields map[string]any) {
	o.logWithLevel(ctx, "debug", message, fields)
}

func (o *Observer) logWithLevel(ctx context.Context, level string, message string, fields map[string]any) {
	if o == nil || o.Logger == nil {
		return
	}
	logger := o.Logger
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	if fieldsLogger, ok := logger.(FieldsLogger); ok {
		logger = fieldsLogger.WithFields(cloneFields(fields))
	}
	args := flattenFields(fields)
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "error":
		logger.Error(message, args...)
	case "warn":
		logger.Warn(message, args...)
	case "debug":
		logger.Debug(message, args...)
	default:
		logger.Info(message, args...)
	}
}

func (o *Observer) Count(ctx context.Context, name string, value int64, tags map[string]string) {
	if o == nil || o.Metrics == nil {
		return
	}
	o.Metrics.IncCounter(ctx, strings.TrimSpace(name), value, cloneTags(tags))
}

func (o *Observer) Histogram(ctx context.Context, name string, value float64, tags map[string]string) {
	if o == nil || o.Metrics == nil {
		return
	}
	o.Metrics.ObserveHistogram(ctx, strings.TrimSpace(name), value, cloneTags(tags))
}

func cloneFields(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return map[string]any{}
	}
	copied := make(map[string]any, len(fields))
	for key, value := range fields {
		copied[key] = value
	}
	return copied
}

func flattenFields(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		args = append(args, key, fields[key])
	}
	return args
}

func normalizeOperation(operation string) string {
	operation = strings.TrimSpace(strings.ToLower(operation))
	operation = strings.ReplaceAll(operation, " ", "_")
	operation = strings.ReplaceAll(operation, "-", "_")
	return operation
}
