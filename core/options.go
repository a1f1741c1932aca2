package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	opts "github.com/goliatone/go-options"
)

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type StaticRawConfigLoader struct {
	Values map[string]any
}

func (l StaticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = StaticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// GoOptionsResolver merges defaults < loaded config < runtime overrides.
// Zero values in the upper layers do not override lower ones.
type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, false),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.ServiceName) != "" {
		layer["service_name"] = cfg.ServiceName
	}

	if includeZero || cfg.RateLimit.RequestsPerSecond > 0 {
		layer["rate_limit"] = map[string]any{
			"requests_per_second": cfg.RateLimit.RequestsPerSecond,
		}
	}

	signature := map[string]any{}
	if includeZero || cfg.Signature.Tolerance > 0 {
		signature["tolerance"] = cfg.Signature.Tolerance
	}
	if includeZero || strings.TrimSpace(cfg.Signature.SignatureHeader) != "" {
		signature["signature_header"] = cfg.Signature.SignatureHeader
	}
	if includeZero || strings.TrimSpace(cfg.Signature.TimestampHeader) != "" {
		signature["timestamp_header"] = cfg.Signature.TimestampHeader
	}
	if includeZero || strings.TrimSpace(cfg.Signature.Encoding) != "" {
		signature["encoding"] = cfg.Signature.Encoding
	}
	if len(signature) > 0 {
		layer["signature"] = signature
	}

	retry := map[string]any{}
	if includeZero || cfg.Retry.InitialInterval > 0 {
		retry["initial_interval"] = cfg.Retry.InitialInterval
	}
	if includeZero || cfg.Retry.MaxDuration > 0 {
		retry["max_duration"] = cfg.Retry.MaxDuration
	}
	if includeZero || cfg.Retry.WindowSize > 0 {
		retry["window_size"] = cfg.Retry.WindowSize
	}
	if len(retry) > 0 {
		layer["retry"] = retry
	}

	egress := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.Egress.ProviderID) != "" {
		egress["provider_id"] = cfg.Egress.ProviderID
	}
	if includeZero || strings.TrimSpace(cfg.Egress.BaseURL) != "" {
		egress["base_url"] = cfg.Egress.BaseURL
	}
	if includeZero || cfg.Egress.RelayEnabled {
		egress["relay_enabled"] = cfg.Egress.RelayEnabled
	}
	if includeZero || strings.TrimSpace(cfg.Egress.RelayURL) != "" {
		egress["relay_url"] = cfg.Egress.RelayURL
	}
	if includeZero || strings.TrimSpace(cfg.Egress.APIToken) != "" {
		egress["api_token"] = cfg.Egress.APIToken
	}
	if includeZero || cfg.Egress.ConnectTimeout > 0 {
		egress["connect_timeout"] = cfg.Egress.ConnectTimeout
	}
	if includeZero || cfg.Egress.ReadTimeout > 0 {
		egress["read_timeout"] = cfg.Egress.ReadTimeout
	}
	if includeZero || cfg.Egress.MaxResponseBodyBytes > 0 {
		egress["max_response_body_bytes"] = cfg.Egress.MaxResponseBodyBytes
	}
	if len(egress) > 0 {
		layer["egress"] = egress
	}

	if includeZero || cfg.Replay.TTL > 0 {
		layer["replay"] = map[string]any{
			"ttl": cfg.Replay.TTL,
		}
	}
	return layer
}
