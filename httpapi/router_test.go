package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	formhooks "github.com/goliatone/go-formhooks"
	"github.com/goliatone/go-formhooks/command"
	"github.com/goliatone/go-formhooks/core"
	"github.com/goliatone/go-formhooks/httpapi"
	"github.com/goliatone/go-formhooks/providers/devkit"
	"github.com/goliatone/go-formhooks/retry"
	"github.com/goliatone/go-formhooks/security"
	"github.com/goliatone/go-formhooks/webhooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type apiFixture struct {
	engine *formhooks.Engine
	server *httptest.Server
}

func newAPIFixture(t *testing.T, cfg httpapi.Config) apiFixture {
	t.Helper()
	scheduler := retry.NewManualScheduler(fixedNow)
	secrets, err := security.NewAppKeySecretProviderFromString("httpapi-test-key")
	require.NoError(t, err)

	engine, err := formhooks.New(formhooks.Config{},
		formhooks.WithProviderDispatcher(devkit.NewFormsAPI()),
		formhooks.WithSecretProvider(secrets),
		formhooks.WithProcessor(core.DeliveryProcessorFunc(func(context.Context, core.Delivery) error { return nil })),
		formhooks.WithScheduler(scheduler),
		formhooks.WithClock(scheduler.Now),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	cfg.Now = scheduler.Now
	server := httptest.NewServer(httpapi.NewRouter(cfg, engine.Facade(), engine))
	t.Cleanup(server.Close)
	return apiFixture{engine: engine, server: server}
}

func (f apiFixture) do(t *testing.T, method, path string, body []byte, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	decoded := map[string]any{}
	if res.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(res.Body).Decode(&decoded))
	}
	return res, decoded
}

func (f apiFixture) createSubscription(t *testing.T) (string, string) {
	t.Helper()
	res, body := f.do(t, http.MethodPost, "/v1/subscriptions", []byte(`{"form_id":"form_1","target_url":"https://hooks.example.test/in"}`), nil)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	sub := body["subscription"].(map[string]any)
	secret := body["secret"].(string)
	require.NotEmpty(t, secret)
	return sub["id"].(string), secret
}

func errorTextCode(body map[string]any) string {
	detail, _ := body["error"].(map[string]any)
	code, _ := detail["text_code"].(string)
	return code
}

func TestRouter_SubscriptionLifecycle(t *testing.T) {
	f := newAPIFixture(t, httpapi.Config{})
	id, _ := f.createSubscription(t)

	res, body := f.do(t, http.MethodGet, "/v1/subscriptions/"+id, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "active", body["status"])
	assert.NotContains(t, body, "secret")
	assert.NotContains(t, body, "encrypted_secret")

	res, body = f.do(t, http.MethodPatch, "/v1/subscriptions/"+id, []byte(`{"target_url":"https://hooks.example.test/moved"}`), nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "https://hooks.example.test/moved", body["target_url"])

	res, body = f.do(t, http.MethodGet, "/v1/subscriptions?form_id=form_1", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, body["subscriptions"], 1)

	res, body = f.do(t, http.MethodPost, "/v1/subscriptions/"+id+"/sync", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "active", body["status"])

	res, body = f.do(t, http.MethodGet, "/v1/subscriptions/"+id+"/attempts", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Empty(t, body["attempts"])

	res, _ = f.do(t, http.MethodDelete, "/v1/subscriptions/"+id, nil, nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	res, body = f.do(t, http.MethodGet, "/v1/subscriptions/"+id, nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, core.ErrorNotFound, errorTextCode(body))
}

func TestRouter_RejectsInvalidAdminInput(t *testing.T) {
	f := newAPIFixture(t, httpapi.Config{})

	res, body := f.do(t, http.MethodPost, "/v1/subscriptions", []byte(`{"form_id":`), nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, core.ErrorBadInput, errorTextCode(body))

	res, body = f.do(t, http.MethodPost, "/v1/subscriptions", []byte(`{"target_url":"https://hooks.example.test/in"}`), nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, core.ErrorBadInput, errorTextCode(body))

	res, _ = f.do(t, http.MethodGet, "/v1/subscriptions?limit=many", nil, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, _ = f.do(t, http.MethodGet, "/v1/subscriptions?status=paused", nil, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestRouter_InboundVerifiesAndDedupes(t *testing.T) {
	f := newAPIFixture(t, httpapi.Config{})
	id, secret := f.createSubscription(t)

	sigCfg := f.engine.Config().Signature
	payload := []byte(`{"answer":42}`)
	signature, timestamp := webhooks.NewSignatureVerifier(sigCfg.Encoding).Sign(payload, secret, fixedNow)
	headers := map[string]string{
		sigCfg.SignatureHeader: signature,
		sigCfg.TimestampHeader: timestamp,
		"Content-Type":         "application/json",
	}

	res, body := f.do(t, http.MethodPost, "/hooks/"+id, payload, headers)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, true, body["accepted"])

	res, body = f.do(t, http.MethodPost, "/hooks/"+id, payload, headers)
	require.True(t, res.StatusCode < 300)
	metadata, _ := body["metadata"].(map[string]any)
	assert.Equal(t, true, metadata["deduped"])

	forged, forgedTimestamp := webhooks.NewSignatureVerifier(sigCfg.Encoding).Sign(payload, "wrong-secret", fixedNow)
	res, body = f.do(t, http.MethodPost, "/hooks/"+id, payload, map[string]string{
		sigCfg.SignatureHeader: forged,
		sigCfg.TimestampHeader: forgedTimestamp,
	})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, string(core.ErrorKindSignatureInvalid), errorTextCode(body))
}

func TestRouter_InboundRejectsOversizedBody(t *testing.T) {
	f := newAPIFixture(t, httpapi.Config{MaxBodyBytes: 8})
	created, err := f.engine.Facade().CreateSubscription(context.Background(), command.CreateSubscriptionMessage{
		FormID:    "form_1",
		TargetURL: "https://hooks.example.test/in",
	})
	require.NoError(t, err)

	res, body := f.do(t, http.MethodPost, "/hooks/"+created.Subscription.ID, []byte(`{"too":"large"}`), nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, core.ErrorBadInput, errorTextCode(body))
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	healthy := true
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"scraped":true}`))
	})
	f := newAPIFixture(t, httpapi.Config{
		Metrics: metrics,
		Health: func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("database unreachable")
		},
	})

	res, body := f.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ok", body["status"])

	healthy = false
	res, body = f.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, "database unreachable", body["error"])

	res, body = f.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, true, body["scraped"])
}
