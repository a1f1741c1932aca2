// Package viperconfig loads engine configuration from a config file and the
// environment with viper.
package viperconfig

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goliatone/go-formhooks/core"
	"github.com/spf13/viper"
)

const (
	DefaultEnvPrefix = "FORMHOOKS"
	DefaultSection   = "engine"
)

type valueKind int

const (
	kindString valueKind = iota
	kindBool
	kindInt
	kindInt64
	kindFloat
	kindDuration
)

// engineKeys lists every core.Config key, relative to the section.
var engineKeys = map[string]valueKind{
	"service_name":                   kindString,
	"rate_limit.requests_per_second": kindFloat,
	"signature.tolerance":            kindDuration,
	"signature.signature_header":     kindString,
	"signature.timestamp_header":     kindString,
	"signature.encoding":             kindString,
	"retry.initial_interval":         kindDuration,
	"retry.max_duration":             kindDuration,
	"retry.window_size":              kindInt,
	"egress.provider_id":             kindString,
	"egress.base_url":                kindString,
	"egress.relay_enabled":           kindBool,
	"egress.relay_url":               kindString,
	"egress.api_token":               kindString,
	"egress.connect_timeout":         kindDuration,
	"egress.read_timeout":            kindDuration,
	"egress.max_response_body_bytes": kindInt64,
	"replay.ttl":                     kindDuration,
}

type Option func(*Loader)

// WithConfigFile reads path on Load. A missing file is an error.
func WithConfigFile(path string) Option {
	return func(l *Loader) {
		l.file = strings.TrimSpace(path)
	}
}

func WithEnvPrefix(prefix string) Option {
	return func(l *Loader) {
		if trimmed := strings.TrimSpace(prefix); trimmed != "" {
			l.envPrefix = trimmed
		}
	}
}

func WithSection(section string) Option {
	return func(l *Loader) {
		l.section = strings.Trim(strings.TrimSpace(section), ".")
	}
}

// Loader implements core.RawConfigLoader. Engine keys live under a section
// of the config file (engine.retry.window_size) and map to environment
// variables such as FORMHOOKS_ENGINE_RETRY_WINDOW_SIZE.
type Loader struct {
	v         *viper.Viper
	file      string
	envPrefix string
	section   string
	loaded    bool
}

func New(opts ...Option) *Loader {
	l := &Loader{
		v:         viper.New(),
		envPrefix: DefaultEnvPrefix,
		section:   DefaultSection,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()
	return l
}

// Viper exposes the underlying instance for settings outside the engine
// section. Call Load first.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load reads the config file once.
func (l *Loader) Load() error {
	if l.loaded {
		return nil
	}
	if l.file != "" {
		l.v.SetConfigFile(l.file)
		if err := l.v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				return fmt.Errorf("viperconfig: config file %q not found", l.file)
			}
			return fmt.Errorf("viperconfig: reading %q: %w", l.file, err)
		}
	}
	for key := range engineKeys {
		if err := l.v.BindEnv(l.qualified(key)); err != nil {
			return fmt.Errorf("viperconfig: binding %s: %w", key, err)
		}
	}
	l.loaded = true
	return nil
}

// LoadRaw returns the engine keys that are set, nested by section and
// already converted to the types core.Config expects.
func (l *Loader) LoadRaw(context.Context) (map[string]any, error) {
	if err := l.Load(); err != nil {
		return nil, err
	}
	out := map[string]any{}
	for key, kind := range engineKeys {
		qualified := l.qualified(key)
		if !l.v.IsSet(qualified) {
			continue
		}
		setNested(out, strings.Split(key, "."), l.value(qualified, kind))
	}
	return out, nil
}

func (l *Loader) qualified(key string) string {
	if l.section == "" {
		return key
	}
	return l.section + "." + key
}

func (l *Loader) value(key string, kind valueKind) any {
	switch kind {
	case kindBool:
		return l.v.GetBool(key)
	case kindInt:
		return l.v.GetInt(key)
	case kindInt64:
		return l.v.GetInt64(key)
	case kindFloat:
		return l.v.GetFloat64(key)
	case kindDuration:
		return l.v.GetDuration(key)
	default:
		return strings.TrimSpace(l.v.GetString(key))
	}
}

func setNested(out map[string]any, path []string, value any) {
	current := out
	for _, part := range path[:len(path)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[part] = next
		}
		current = next
	}
	current[path[len(path)-1]] = value
}

var _ core.RawConfigLoader = (*Loader)(nil)
