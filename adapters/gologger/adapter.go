// Package gologger hands go-logger loggers to go-job components.
package gologger

import (
	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

const DefaultWorkerLoggerName = "formhooks.retry.worker"

// Resolve uses deterministic precedence provider > logger > nop.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	return glog.Resolve(name, provider, logger)
}

// JobProvider wraps provider for go-job; nil stays nil.
func JobProvider(provider glog.LoggerProvider) job.LoggerProvider {
	if provider == nil {
		return nil
	}
	return job.GoLoggerProvider(provider)
}

// WorkerLogger resolves the retry worker logger and wraps it for go-job.
// An empty name falls back to DefaultWorkerLoggerName.
func WorkerLogger(name string, provider glog.LoggerProvider, logger glog.Logger) job.Logger {
	if name == "" {
		name = DefaultWorkerLoggerName
	}
	_, resolved := Resolve(name, provider, logger)
	if resolved == nil {
		return nil
	}
	return job.GoLogger(resolved)
}
