package devkit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/goliatone/go-formhooks/core"
)

func TestFakeDispatcher_ScriptsAndCapturesRequests(t *testing.T) {
	dispatcher := NewFakeDispatcher("direct",
		DispatchScript{Response: core.OutboundResponse{StatusCode: 429}},
		DispatchScript{Response: core.OutboundResponse{StatusCode: 200}},
	)

	first, err := dispatcher.Send(context.Background(), core.OutboundRequest{Method: "GET", Path: "/webhooks/1"})
	if err != nil {
		t.Fatalf("first fake call: %v", err)
	}
	if first.StatusCode != 429 {
		t.Fatalf("expected first scripted status 429, got %d", first.StatusCode)
	}
	second, err := dispatcher.Send(context.Background(), core.OutboundRequest{Method: "GET", Path: "/webhooks/1"})
	if err != nil {
		t.Fatalf("second fake call: %v", err)
	}
	if second.StatusCode != 200 {
		t.Fatalf("expected second scripted status 200, got %d", second.StatusCode)
	}
	third, _ := dispatcher.Send(context.Background(), core.OutboundRequest{Method: "GET", Path: "/webhooks/1"})
	if third.StatusCode != 200 {
		t.Fatalf("expected last script to repeat, got %d", third.StatusCode)
	}
	if got := len(dispatcher.Requests()); got != 3 {
		t.Fatalf("expected three captured requests, got %d", got)
	}
}

func TestFakeDispatcher_HandlerAndScriptedError(t *testing.T) {
	failure := errors.New("boom")
	dispatcher := NewFakeDispatcher("relay", DispatchScript{Err: failure})
	if _, err := dispatcher.Send(context.Background(), core.OutboundRequest{}); !errors.Is(err, failure) {
		t.Fatalf("expected scripted error, got %v", err)
	}

	dispatcher.Handler = func(_ context.Context, req core.OutboundRequest) (core.OutboundResponse, error) {
		return core.OutboundResponse{StatusCode: http.StatusAccepted, Body: []byte(req.Path)}, nil
	}
	res, err := dispatcher.Send(context.Background(), core.OutboundRequest{Path: "/echo"})
	if err != nil {
		t.Fatalf("handler call: %v", err)
	}
	if res.StatusCode != http.StatusAccepted || string(res.Body) != "/echo" {
		t.Fatalf("unexpected handler response: %+v", res)
	}
	if err := ValidateEgressDispatcherConformance(context.Background(), dispatcher, core.OutboundRequest{Path: "/x"}); err != nil {
		t.Fatalf("dispatcher conformance: %v", err)
	}
}

func TestFormsAPI_HookLifecycle(t *testing.T) {
	api := NewFormsAPI()
	ctx := context.Background()

	created, err := api.Send(ctx, core.OutboundRequest{
		Method: http.MethodPost,
		Path:   "/forms/form_1/webhooks",
		Body:   []byte(`{"url":"https://hooks.example.test/a","secret":"s3cret","enabled":true}`),
	})
	if err != nil || created.StatusCode != http.StatusCreated {
		t.Fatalf("create hook: status=%d err=%v", created.StatusCode, err)
	}
	var hook StoredHook
	if err := json.Unmarshal(created.Body, &hook); err != nil {
		t.Fatalf("decode hook: %v", err)
	}
	if hook.ID == "" || hook.Secret != "" {
		t.Fatalf("expected id and no echoed secret, got %+v", hook)
	}
	if stored, _ := api.Hook(hook.ID); stored.Secret != "s3cret" {
		t.Fatalf("expected provider to keep the secret")
	}

	patched, _ := api.Send(ctx, core.OutboundRequest{
		Method: http.MethodPatch,
		Path:   "/webhooks/" + hook.ID,
		Body:   []byte(`{"url":"https://hooks.example.test/b"}`),
	})
	if patched.StatusCode != http.StatusOK {
		t.Fatalf("patch hook: %d", patched.StatusCode)
	}
	listed, _ := api.Send(ctx, core.OutboundRequest{Method: http.MethodGet, Path: "/forms/form_1/webhooks"})
	var list hookList
	if err := json.Unmarshal(listed.Body, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Webhooks) != 1 || list.Webhooks[0].URL != "https://hooks.example.test/b" {
		t.Fatalf("unexpected list: %+v", list)
	}

	deleted, _ := api.Send(ctx, core.OutboundRequest{Method: http.MethodDelete, Path: "/webhooks/" + hook.ID})
	if deleted.StatusCode != http.StatusNoContent {
		t.Fatalf("delete hook: %d", deleted.StatusCode)
	}
	missing, _ := api.Send(ctx, core.OutboundRequest{Method: http.MethodGet, Path: "/webhooks/" + hook.ID})
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", missing.StatusCode)
	}
	if api.MutatingCallCount() != 3 {
		t.Fatalf("expected three mutating calls, got %d", api.MutatingCallCount())
	}
}

func TestFormsAPI_FailNextInjectsStatuses(t *testing.T) {
	api := NewFormsAPI()
	api.FailNext(http.StatusServiceUnavailable, 2)
	for i := 0; i < 2; i++ {
		res, _ := api.Send(context.Background(), core.OutboundRequest{Method: http.MethodGet, Path: "/forms/f/webhooks"})
		if res.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("call %d: expected injected 503, got %d", i, res.StatusCode)
		}
	}
	res, _ := api.Send(context.Background(), core.OutboundRequest{Method: http.MethodGet, Path: "/forms/f/webhooks"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected fault queue to drain, got %d", res.StatusCode)
	}
}

func TestReplayLedgerConformance_MemoryLedger(t *testing.T) {
	ledger := core.NewMemoryReplayLedger(0, 0)
	if err := ValidateReplayLedgerConformance(context.Background(), ledger, "sub_1:abc"); err != nil {
		t.Fatalf("memory ledger conformance: %v", err)
	}
}
