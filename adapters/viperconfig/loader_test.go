package viperconfig

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goliatone/go-formhooks/core"
)

const sampleConfig = `
http:
  addr: ":9090"
engine:
  service_name: forms-relay
  retry:
    initial_interval: 90s
    window_size: 8
  egress:
    base_url: https://api.forms.example.test
    relay_enabled: true
    relay_url: https://relay.example.test
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "formhooks.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoader_LoadRawReadsSectionWithTypes(t *testing.T) {
	loader := New(WithConfigFile(writeConfig(t, sampleConfig)))

	raw, err := loader.LoadRaw(context.Background())
	if err != nil {
		t.Fatalf("load raw: %v", err)
	}
	if raw["service_name"] != "forms-relay" {
		t.Fatalf("unexpected service name %#v", raw["service_name"])
	}
	retry, ok := raw["retry"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested retry section, got %#v", raw["retry"])
	}
	if retry["initial_interval"] != 90*time.Second || retry["window_size"] != 8 {
		t.Fatalf("unexpected retry values %#v", retry)
	}
	if _, ok := raw["replay"]; ok {
		t.Fatalf("expected unset sections to be omitted")
	}
	if loader.Viper().GetString("http.addr") != ":9090" {
		t.Fatalf("expected settings outside the section to stay readable")
	}
}

func TestLoader_EnvironmentOverridesFile(t *testing.T) {
	t.Setenv("FHTEST_ENGINE_RETRY_WINDOW_SIZE", "12")
	t.Setenv("FHTEST_ENGINE_REPLAY_TTL", "15m")
	loader := New(WithConfigFile(writeConfig(t, sampleConfig)), WithEnvPrefix("FHTEST"))

	raw, err := loader.LoadRaw(context.Background())
	if err != nil {
		t.Fatalf("load raw: %v", err)
	}
	if got := raw["retry"].(map[string]any)["window_size"]; got != 12 {
		t.Fatalf("expected env window size, got %#v", got)
	}
	if got := raw["replay"].(map[string]any)["ttl"]; got != 15*time.Minute {
		t.Fatalf("expected env replay ttl, got %#v", got)
	}
}

func TestLoader_FeedsCfgxProvider(t *testing.T) {
	loader := New(WithConfigFile(writeConfig(t, sampleConfig)))
	cfg, err := core.NewCfgxConfigProvider(loader).Load(context.Background(), core.DefaultConfig())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ServiceName != "forms-relay" || cfg.Retry.WindowSize != 8 || cfg.Retry.InitialInterval != 90*time.Second {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if !cfg.Egress.RelayEnabled || cfg.Egress.Kind() != core.EgressKindRelay {
		t.Fatalf("expected relay egress, got %+v", cfg.Egress)
	}
	if cfg.Signature.Tolerance != core.DefaultConfig().Signature.Tolerance {
		t.Fatalf("expected default tolerance to survive, got %s", cfg.Signature.Tolerance)
	}
}

func TestLoader_MissingFileFails(t *testing.T) {
	loader := New(WithConfigFile(filepath.Join(t.TempDir(), "absent.yaml")))
	if _, err := loader.LoadRaw(context.Background()); err == nil {
		t.Fatalf("expected missing file to fail")
	}
}
