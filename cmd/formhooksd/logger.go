package main

import (
	"context"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/rs/zerolog"
)

// zeroLogger writes glog calls to the same zerolog sink httplog uses for
// request logs. Args are key/value pairs.
type zeroLogger struct {
	z zerolog.Logger
}

func newZeroLogger(z zerolog.Logger) glog.Logger {
	return zeroLogger{z: z}
}

func (l zeroLogger) Trace(msg string, args ...any) { l.z.Trace().Fields(args).Msg(msg) }
func (l zeroLogger) Debug(msg string, args ...any) { l.z.Debug().Fields(args).Msg(msg) }
func (l zeroLogger) Info(msg string, args ...any)  { l.z.Info().Fields(args).Msg(msg) }
func (l zeroLogger) Warn(msg string, args ...any)  { l.z.Warn().Fields(args).Msg(msg) }
func (l zeroLogger) Error(msg string, args ...any) { l.z.Error().Fields(args).Msg(msg) }
func (l zeroLogger) Fatal(msg string, args ...any) { l.z.Fatal().Fields(args).Msg(msg) }

func (l zeroLogger) WithContext(ctx context.Context) glog.Logger {
	return zeroLogger{z: l.z.With().Ctx(ctx).Logger()}
}
