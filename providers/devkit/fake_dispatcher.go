package devkit

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/goliatone/go-formhooks/core"
)

type DispatchScript struct {
	Response core.OutboundResponse
	Err      error
}

// FakeDispatcher replays scripted responses in order and keeps repeating the
// last one. When Handler is set it answers instead of the scripts.
type FakeDispatcher struct {
	mu       sync.Mutex
	kind     string
	scripts  []DispatchScript
	requests []core.OutboundRequest
	Handler  func(ctx context.Context, req core.OutboundRequest) (core.OutboundResponse, error)
}

func NewFakeDispatcher(kind string, scripts ...DispatchScript) *FakeDispatcher {
	kind = strings.TrimSpace(strings.ToLower(kind))
	if kind == "" {
		kind = core.EgressKindDirect
	}
	return &FakeDispatcher{
		kind:    kind,
		scripts: append([]DispatchScript(nil), scripts...),
	}
}

func (d *FakeDispatcher) Kind() string {
	if d == nil {
		return ""
	}
	return d.kind
}

func (d *FakeDispatcher) Send(ctx context.Context, req core.OutboundRequest) (core.OutboundResponse, error) {
	if d == nil {
		return core.OutboundResponse{}, fmt.Errorf("devkit: fake dispatcher is nil")
	}
	if err := ctx.Err(); err != nil {
		return core.OutboundResponse{}, err
	}
	d.mu.Lock()
	d.requests = append(d.requests, cloneRequest(req))
	index := len(d.requests) - 1
	handler := d.Handler
	var script *DispatchScript
	switch {
	case handler != nil:
	case index < len(d.scripts):
		script = &d.scripts[index]
	case len(d.scripts) > 0:
		script = &d.scripts[len(d.scripts)-1]
	}
	d.mu.Unlock()

	if handler != nil {
		return handler(ctx, cloneRequest(req))
	}
	if script != nil {
		return cloneResponse(script.Response), script.Err
	}
	return core.OutboundResponse{
		StatusCode: 200,
		Headers:    map[string]string{},
		Metadata:   map[string]any{"egress": d.kind},
	}, nil
}

func (d *FakeDispatcher) Requests() []core.OutboundRequest {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]core.OutboundRequest, 0, len(d.requests))
	for _, item := range d.requests {
		out = append(out, cloneRequest(item))
	}
	return out
}

func (d *FakeDispatcher) CallCount() int {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

func cloneRequest(in core.OutboundRequest) core.OutboundRequest {
	out := in
	out.Headers = cloneStrings(in.Headers)
	out.Query = cloneStrings(in.Query)
	out.Body = append([]byte(nil), in.Body...)
	return out
}

func cloneResponse(in core.OutboundResponse) core.OutboundResponse {
	out := core.OutboundResponse{
		StatusCode: in.StatusCode,
		Headers:    cloneStrings(in.Headers),
		Body:       append([]byte(nil), in.Body...),
		Metadata:   map[string]any{},
	}
	for key, value := range in.Metadata {
		out.Metadata[key] = value
	}
	return out
}

func cloneStrings(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

var _ core.EgressDispatcher = (*FakeDispatcher)(nil)
