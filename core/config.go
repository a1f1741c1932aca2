package core

import (
	"fmt"
	"strings"
	"time"
)

const (
	EgressKindDirect = "direct"
	EgressKindRelay  = "relay"
)

type RateLimitConfig struct {
	RequestsPerSecond float64 `koanf:"requests_per_second" mapstructure:"requests_per_second"`
}

type SignatureConfig struct {
	Tolerance       time.Duration `koanf:"tolerance" mapstructure:"tolerance"`
	SignatureHeader string        `koanf:"signature_header" mapstructure:"signature_header"`
	TimestampHeader string        `koanf:"timestamp_header" mapstructure:"timestamp_header"`
	Encoding        string        `koanf:"encoding" mapstructure:"encoding"`
}

type RetryConfig struct {
	InitialInterval time.Duration `koanf:"initial_interval" mapstructure:"initial_interval"`
	MaxDuration     time.Duration `koanf:"max_duration" mapstructure:"max_duration"`
	WindowSize      int           `koanf:"window_size" mapstructure:"window_size"`
}

type EgressConfig struct {
	ProviderID           string        `koanf:"provider_id" mapstructure:"provider_id"`
	BaseURL              string        `koanf:"base_url" mapstructure:"base_url"`
	RelayEnabled         bool          `koanf:"relay_enabled" mapstructure:"relay_enabled"`
	RelayURL             string        `koanf:"relay_url" mapstructure:"relay_url"`
	APIToken             string        `koanf:"api_token" mapstructure:"api_token"`
	ConnectTimeout       time.Duration `koanf:"connect_timeout" mapstructure:"connect_timeout"`
	ReadTimeout          time.Duration `koanf:"read_timeout" mapstructure:"read_timeout"`
	MaxResponseBodyBytes int64         `koanf:"max_response_body_bytes" mapstructure:"max_response_body_bytes"`
}

func (c EgressConfig) Kind() string {
	if c.RelayEnabled {
		return EgressKindRelay
	}
	return EgressKindDirect
}

type ReplayConfig struct {
	TTL time.Duration `koanf:"ttl" mapstructure:"ttl"`
}

type Config struct {
	ServiceName string          `koanf:"service_name" mapstructure:"service_name"`
	RateLimit   RateLimitConfig `koanf:"rate_limit" mapstructure:"rate_limit"`
	Signature   SignatureConfig `koanf:"signature" mapstructure:"signature"`
	Retry       RetryConfig     `koanf:"retry" mapstructure:"retry"`
	Egress      EgressConfig    `koanf:"egress" mapstructure:"egress"`
	Replay      ReplayConfig    `koanf:"replay" mapstructure:"replay"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "formhooks",
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 5,
		},
		Signature: SignatureConfig{
			Tolerance:       5 * time.Minute,
			SignatureHeader: "X-Formhooks-Signature",
			TimestampHeader: "X-Formhooks-Timestamp",
			Encoding:        "hex",
		},
		Retry: RetryConfig{
			InitialInterval: 2 * time.Minute,
			MaxDuration:     10 * time.Hour,
			WindowSize:      10,
		},
		Egress: EgressConfig{
			ProviderID:           "forms",
			ConnectTimeout:       5 * time.Second,
			ReadTimeout:          30 * time.Second,
			MaxResponseBodyBytes: 10 << 20,
		},
		Replay: ReplayConfig{
			TTL: 10 * time.Minute,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("core: rate_limit.requests_per_second must be positive")
	}
	if c.Signature.Tolerance <= 0 {
		return fmt.Errorf("core: signature.tolerance must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(c.Signature.Encoding)) {
	case "", "hex", "base64":
	default:
		return fmt.Errorf("core: signature.encoding %q is invalid", c.Signature.Encoding)
	}
	if c.Retry.InitialInterval <= 0 {
		return fmt.Errorf("core: retry.initial_interval must be positive")
	}
	if c.Retry.MaxDuration < c.Retry.InitialInterval {
		return fmt.Errorf("core: retry.max_duration must be at least retry.initial_interval")
	}
	if c.Retry.WindowSize <= 0 {
		return fmt.Errorf("core: retry.window_size must be positive")
	}
	if c.Egress.ConnectTimeout <= 0 {
		return fmt.Errorf("core: egress.connect_timeout is required")
	}
	if c.Egress.ReadTimeout <= 0 {
		return fmt.Errorf("core: egress.read_timeout is required")
	}
	if c.Egress.RelayEnabled && strings.TrimSpace(c.Egress.RelayURL) == "" {
		return fmt.Errorf("core: egress.relay_url is required when relay is enabled")
	}
	return nil
}
