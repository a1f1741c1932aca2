// Package forms is the registration API client for the forms provider.
// Every call is an OutboundRequest on a core.EgressDispatcher, so hook
// management shares the provider rate budget with everything else.
package forms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-formhooks/core"
	"github.com/google/uuid"
)

const ProviderID = "forms"

type Config struct {
	// Timeout overrides the dispatcher's per-request timeout when positive.
	Timeout time.Duration
	// Headers are sent with every call.
	Headers map[string]string
}

func DefaultConfig() Config {
	return Config{Timeout: 15 * time.Second}
}

type hookPayload struct {
	ID      string `json:"id,omitempty"`
	FormID  string `json:"form_id,omitempty"`
	URL     string `json:"url"`
	Secret  string `json:"secret,omitempty"`
	Enabled bool   `json:"enabled"`
}

type hookListPayload struct {
	Webhooks []hookPayload `json:"webhooks"`
}

type Client struct {
	dispatcher core.EgressDispatcher
	config     Config
}

func New(dispatcher core.EgressDispatcher, cfg Config) (*Client, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("forms: egress dispatcher is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Client{dispatcher: dispatcher, config: cfg}, nil
}

func (c *Client) CreateHook(ctx context.Context, in core.CreateHookInput) (core.RemoteHook, error) {
	formID := strings.TrimSpace(in.FormID)
	if formID == "" {
		return core.RemoteHook{}, fmt.Errorf("forms: form id is required")
	}
	if strings.TrimSpace(in.TargetURL) == "" {
		return core.RemoteHook{}, fmt.Errorf("forms: target url is required")
	}
	var out hookPayload
	err := c.call(ctx, "create_hook", http.MethodPost, "/forms/"+url.PathEscape(formID)+"/webhooks", hookPayload{
		URL:     strings.TrimSpace(in.TargetURL),
		Secret:  in.Secret,
		Enabled: true,
	}, &out)
	if err != nil {
		return core.RemoteHook{}, err
	}
	if strings.TrimSpace(out.ID) == "" {
		return core.RemoteHook{}, fmt.Errorf("forms: create hook response is missing an id")
	}
	if out.FormID == "" {
		out.FormID = formID
	}
	return toRemoteHook(out), nil
}

func (c *Client) UpdateHook(ctx context.Context, hookID string, targetURL string) (core.RemoteHook, error) {
	hookID = strings.TrimSpace(hookID)
	if hookID == "" {
		return core.RemoteHook{}, fmt.Errorf("forms: hook id is required")
	}
	if strings.TrimSpace(targetURL) == "" {
		return core.RemoteHook{}, fmt.Errorf("forms: target url is required")
	}
	var out hookPayload
	err := c.call(ctx, "update_hook", http.MethodPatch, "/webhooks/"+url.PathEscape(hookID), hookPayload{
		URL:     strings.TrimSpace(targetURL),
		Enabled: true,
	}, &out)
	if err != nil {
		return core.RemoteHook{}, err
	}
	if out.ID == "" {
		out.ID = hookID
	}
	return toRemoteHook(out), nil
}

// DeleteHook removes the remote registration. A hook that is already gone
// counts as deleted.
func (c *Client) DeleteHook(ctx context.Context, hookID string) error {
	hookID = strings.TrimSpace(hookID)
	if hookID == "" {
		return fmt.Errorf("forms: hook id is required")
	}
	err := c.call(ctx, "delete_hook", http.MethodDelete, "/webhooks/"+url.PathEscape(hookID), nil, nil)
	if err != nil && core.IsGone(err) {
		return nil
	}
	return err
}

func (c *Client) GetHook(ctx context.Context, hookID string) (core.RemoteHook, error) {
	hookID = strings.TrimSpace(hookID)
	if hookID == "" {
		return core.RemoteHook{}, fmt.Errorf("forms: hook id is required")
	}
	var out hookPayload
	if err := c.call(ctx, "get_hook", http.MethodGet, "/webhooks/"+url.PathEscape(hookID), nil, &out); err != nil {
		return core.RemoteHook{}, err
	}
	if out.ID == "" {
		out.ID = hookID
	}
	return toRemoteHook(out), nil
}

func (c *Client) ListHooks(ctx context.Context, formID string) ([]core.RemoteHook, error) {
	formID = strings.TrimSpace(formID)
	if formID == "" {
		return nil, fmt.Errorf("forms: form id is required")
	}
	var out hookListPayload
	if err := c.call(ctx, "list_hooks", http.MethodGet, "/forms/"+url.PathEscape(formID)+"/webhooks", nil, &out); err != nil {
		return nil, err
	}
	hooks := make([]core.RemoteHook, 0, len(out.Webhooks))
	for _, item := range out.Webhooks {
		hooks = append(hooks, toRemoteHook(item))
	}
	return hooks, nil
}

func (c *Client) call(ctx context.Context, operation, method, path string, body any, out any) error {
	if c == nil || c.dispatcher == nil {
		return fmt.Errorf("forms: client is not configured")
	}
	req := core.OutboundRequest{
		Method:        method,
		Path:          path,
		Headers:       map[string]string{"Accept": "application/json"},
		CorrelationID: uuid.NewString(),
		Timeout:       c.config.Timeout,
	}
	for key, value := range c.config.Headers {
		req.Headers[key] = value
	}
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("forms: encode %s request: %w", operation, err)
		}
		req.Body = encoded
		req.Headers["Content-Type"] = "application/json"
	}

	res, err := c.dispatcher.Send(ctx, req)
	if err != nil {
		return err
	}
	if err := core.ResponseError(operation, res); err != nil {
		return err
	}
	if out == nil || len(strings.TrimSpace(string(res.Body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Body, out); err != nil {
		return core.NewTransientNetworkError(err, operation+": undecodable provider response", map[string]any{
			"operation":   operation,
			"status_code": res.StatusCode,
		})
	}
	return nil
}

func toRemoteHook(in hookPayload) core.RemoteHook {
	return core.RemoteHook{
		ID:        strings.TrimSpace(in.ID),
		FormID:    strings.TrimSpace(in.FormID),
		TargetURL: strings.TrimSpace(in.URL),
		Enabled:   in.Enabled,
		Metadata:  map[string]any{"provider_id": ProviderID},
	}
}

var _ core.HookRegistry = (*Client)(nil)
