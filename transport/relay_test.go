package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/goliatone/go-formhooks/core"
	"github.com/goliatone/go-formhooks/ratelimit"
)

func relayConfig(relayURL string) core.EgressConfig {
	cfg := testEgressConfig("")
	cfg.RelayEnabled = true
	cfg.RelayURL = relayURL
	return cfg
}

func TestRelayEgress_WrapsRequestInEnvelope(t *testing.T) {
	var received RelayEnvelope
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("relay hop must be POST, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode envelope: %v", err)
		}
		_ = json.NewEncoder(w).Encode(RelayResponse{
			Status:  http.StatusNotFound,
			Headers: map[string]string{"Content-Type": "application/json"},
			Body:    []byte(`{"error":"not found"}`),
		})
	}))
	defer server.Close()

	limiter := &countingLimiter{}
	egress, err := NewRelayEgress(EgressDeps{Config: relayConfig(server.URL), Client: server.Client(), Limiter: limiter})
	if err != nil {
		t.Fatalf("new relay egress: %v", err)
	}

	res, err := egress.Send(context.Background(), core.OutboundRequest{
		Method:        "delete",
		Path:          "/webhooks/hk_1",
		Query:         map[string]string{"force": "true"},
		Body:          []byte(`{}`),
		CorrelationID: "corr-7",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.StatusCode != http.StatusNotFound || string(res.Body) != `{"error":"not found"}` {
		t.Fatalf("expected provider answer passed through, got %+v", res)
	}
	if received.Method != http.MethodDelete || received.Path != "/webhooks/hk_1" || received.CorrelationID != "corr-7" {
		t.Fatalf("unexpected envelope %+v", received)
	}
	if received.Query["force"] != "true" || string(received.Body) != `{}` {
		t.Fatalf("unexpected envelope query/body %+v", received)
	}
	if received.Headers["Authorization"] != "Bearer tok_123" {
		t.Fatalf("expected provider credentials in envelope headers, got %+v", received.Headers)
	}
	if limiter.calls.Load() != 1 {
		t.Fatalf("expected one limiter acquire, got %d", limiter.calls.Load())
	}
}

func TestRelayEgress_HopFailuresAreOpaque(t *testing.T) {
	handlers := map[string]http.HandlerFunc{
		"bad gateway": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		},
		"relay reports error": func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(RelayResponse{Error: "dial tcp: connection refused"})
		},
		"garbage": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("<html>"))
		},
	}
	for name, handler := range handlers {
		server := httptest.NewServer(handler)
		egress, err := NewRelayEgress(EgressDeps{Config: relayConfig(server.URL), Client: server.Client(), Limiter: &countingLimiter{}})
		if err != nil {
			t.Fatalf("%s: new relay egress: %v", name, err)
		}
		_, err = egress.Send(context.Background(), core.OutboundRequest{Method: http.MethodGet, Path: "/webhooks"})
		server.Close()
		if core.KindOf(err) != core.ErrorKindTransientNetwork {
			t.Fatalf("%s: expected TRANSIENT_NETWORK_ERROR, got %v", name, err)
		}
	}
}

func TestRelayEgress_UnreachableRelay(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	relayURL := server.URL
	server.Close()

	egress, err := NewRelayEgress(EgressDeps{Config: relayConfig(relayURL), Limiter: &countingLimiter{}})
	if err != nil {
		t.Fatalf("new relay egress: %v", err)
	}
	_, err = egress.Send(context.Background(), core.OutboundRequest{Method: http.MethodGet, Path: "/webhooks"})
	if core.KindOf(err) != core.ErrorKindTransientNetwork || core.Classify(err) != core.FailureTransient {
		t.Fatalf("expected transient network error, got %v", err)
	}
}

func TestRelayEgress_HonoursRelayedThrottleSignals(t *testing.T) {
	var hops atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hops.Add(1)
		_ = json.NewEncoder(w).Encode(RelayResponse{
			Status:  http.StatusTooManyRequests,
			Headers: map[string]string{"retry-after": "30"},
		})
	}))
	defer server.Close()

	limiter := &countingLimiter{}
	egress, err := NewRelayEgress(EgressDeps{
		Config:  relayConfig(server.URL),
		Client:  server.Client(),
		Limiter: limiter,
		Policy:  ratelimit.NewAdaptivePolicy(nil),
	})
	if err != nil {
		t.Fatalf("new relay egress: %v", err)
	}

	res, err := egress.Send(context.Background(), core.OutboundRequest{Method: http.MethodGet, Path: "/webhooks/hk_1"})
	if err != nil || res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected relayed 429 passed through, got %+v %v", res, err)
	}
	_, err = egress.Send(context.Background(), core.OutboundRequest{Method: http.MethodGet, Path: "/webhooks/hk_1"})
	if core.KindOf(err) != core.ErrorKindRateLimitExceeded {
		t.Fatalf("expected fail fast while throttled, got %v", err)
	}
	if hops.Load() != 1 || limiter.calls.Load() != 1 {
		t.Fatalf("expected one relay hop and one acquire, got %d and %d", hops.Load(), limiter.calls.Load())
	}
}
