package devkit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-formhooks/core"
)

// StoredHook is the provider-side view of one registration.
type StoredHook struct {
	ID      string `json:"id"`
	FormID  string `json:"form_id"`
	URL     string `json:"url"`
	Secret  string `json:"secret,omitempty"`
	Enabled bool   `json:"enabled"`
}

type hookList struct {
	Webhooks []StoredHook `json:"webhooks"`
}

// FormsAPI emulates the forms provider registration API in memory. It sits
// behind core.EgressDispatcher, so clients built on a dispatcher can be
// exercised without a network.
type FormsAPI struct {
	mu       sync.Mutex
	hooks    map[string]StoredHook
	faults   []int
	requests []core.OutboundRequest
	nextID   int
}

func NewFormsAPI() *FormsAPI {
	return &FormsAPI{hooks: map[string]StoredHook{}}
}

func (a *FormsAPI) Kind() string {
	return core.EgressKindDirect
}

// FailNext makes the next n calls answer with status.
func (a *FormsAPI) FailNext(status int, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < n; i++ {
		a.faults = append(a.faults, status)
	}
}

// Remove deletes a hook on the provider side only, as if someone removed it
// from the provider dashboard.
func (a *FormsAPI) Remove(hookID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.hooks, hookID)
}

// Drift changes the registered URL on the provider side only.
func (a *FormsAPI) Drift(hookID string, url string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if hook, ok := a.hooks[hookID]; ok {
		hook.URL = url
		a.hooks[hookID] = hook
	}
}

func (a *FormsAPI) Hook(hookID string) (StoredHook, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	hook, ok := a.hooks[hookID]
	return hook, ok
}

func (a *FormsAPI) HookCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.hooks)
}

func (a *FormsAPI) Requests() []core.OutboundRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]core.OutboundRequest, 0, len(a.requests))
	for _, item := range a.requests {
		out = append(out, cloneRequest(item))
	}
	return out
}

func (a *FormsAPI) CallCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.requests)
}

// MutatingCallCount counts every call that is not a GET.
func (a *FormsAPI) MutatingCallCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	count := 0
	for _, req := range a.requests {
		if !strings.EqualFold(req.Method, http.MethodGet) {
			count++
		}
	}
	return count
}

func (a *FormsAPI) Send(ctx context.Context, req core.OutboundRequest) (core.OutboundResponse, error) {
	if err := ctx.Err(); err != nil {
		return core.OutboundResponse{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.requests = append(a.requests, cloneRequest(req))
	if len(a.faults) > 0 {
		status := a.faults[0]
		a.faults = a.faults[1:]
		return jsonResponse(status, map[string]any{"error": http.StatusText(status)}), nil
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	segments := strings.Split(strings.Trim(req.Path, "/"), "/")
	switch {
	case len(segments) == 3 && segments[0] == "forms" && segments[2] == "webhooks":
		formID := segments[1]
		switch method {
		case http.MethodPost:
			return a.createLocked(formID, req.Body), nil
		case http.MethodGet:
			return a.listLocked(formID), nil
		}
	case len(segments) == 2 && segments[0] == "webhooks":
		hookID := segments[1]
		hook, ok := a.hooks[hookID]
		if !ok {
			return jsonResponse(http.StatusNotFound, map[string]any{"error": "webhook not found"}), nil
		}
		switch method {
		case http.MethodGet:
			return jsonResponse(http.StatusOK, hook), nil
		case http.MethodPatch:
			return a.patchLocked(hook, req.Body), nil
		case http.MethodDelete:
			delete(a.hooks, hookID)
			return core.OutboundResponse{StatusCode: http.StatusNoContent, Headers: map[string]string{}}, nil
		}
	}
	return jsonResponse(http.StatusMethodNotAllowed, map[string]any{
		"error": fmt.Sprintf("unsupported route %s %s", method, req.Path),
	}), nil
}

func (a *FormsAPI) createLocked(formID string, body []byte) core.OutboundResponse {
	var input StoredHook
	if err := json.Unmarshal(body, &input); err != nil || strings.TrimSpace(input.URL) == "" {
		return jsonResponse(http.StatusUnprocessableEntity, map[string]any{"error": "url is required"})
	}
	a.nextID++
	hook := StoredHook{
		ID:      fmt.Sprintf("hook_%d", a.nextID),
		FormID:  formID,
		URL:     input.URL,
		Secret:  input.Secret,
		Enabled: true,
	}
	a.hooks[hook.ID] = hook
	return jsonResponse(http.StatusCreated, publicHook(hook))
}

func (a *FormsAPI) patchLocked(hook StoredHook, body []byte) core.OutboundResponse {
	var input StoredHook
	if err := json.Unmarshal(body, &input); err != nil || strings.TrimSpace(input.URL) == "" {
		return jsonResponse(http.StatusUnprocessableEntity, map[string]any{"error": "url is required"})
	}
	hook.URL = input.URL
	a.hooks[hook.ID] = hook
	return jsonResponse(http.StatusOK, publicHook(hook))
}

func (a *FormsAPI) listLocked(formID string) core.OutboundResponse {
	out := hookList{Webhooks: []StoredHook{}}
	for _, hook := range a.hooks {
		if hook.FormID == formID {
			out.Webhooks = append(out.Webhooks, publicHook(hook))
		}
	}
	sort.Slice(out.Webhooks, func(i, j int) bool {
		return out.Webhooks[i].ID < out.Webhooks[j].ID
	})
	return jsonResponse(http.StatusOK, out)
}

func publicHook(hook StoredHook) StoredHook {
	hook.Secret = ""
	return hook
}

func jsonResponse(status int, payload any) core.OutboundResponse {
	body, _ := json.Marshal(payload)
	return core.OutboundResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

var _ core.EgressDispatcher = (*FormsAPI)(nil)
