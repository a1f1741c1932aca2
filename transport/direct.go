package transport

import (
	"context"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-formhooks/core"
)

const HeaderCorrelationID = "X-Correlation-Id"

// DirectEgress calls the provider itself. Each Send consults the adaptive
// throttle policy, takes one token from the shared limiter and only then
// touches the network.
type DirectEgress struct {
	BaseURL      string
	Client       HTTPDoer
	Limiter      core.RateLimiter
	Policy       core.RateLimitPolicy
	Key          core.RateLimitKey
	Headers      map[string]string
	ReadTimeout  time.Duration
	MaxBodyBytes int64
	Observer     *core.Observer
}

func NewDirectEgress(deps EgressDeps) (*DirectEgress, error) {
	if deps.Limiter == nil {
		return nil, transportError("transport: direct egress requires a rate limiter", goerrors.CategoryInternal, http.StatusInternalServerError, nil)
	}
	if strings.TrimSpace(deps.Config.BaseURL) == "" {
		return nil, transportError("transport: direct egress requires a base url", goerrors.CategoryBadInput, http.StatusBadRequest, nil)
	}
	client := deps.Client
	if client == nil {
		client = NewHTTPClient(deps.Config.ConnectTimeout, deps.Config.ReadTimeout)
	}
	return &DirectEgress{
		BaseURL:      deps.Config.BaseURL,
		Client:       client,
		Limiter:      deps.Limiter,
		Policy:       deps.Policy,
		Key:          deps.rateLimitKey(),
		Headers:      authHeaders(deps.Config.APIToken),
		ReadTimeout:  deps.Config.ReadTimeout,
		MaxBodyBytes: deps.Config.MaxResponseBodyBytes,
		Observer:     deps.observer(),
	}, nil
}

func (*DirectEgress) Kind() string {
	return core.EgressKindDirect
}

func (e *DirectEgress) Send(ctx context.Context, req core.OutboundRequest) (res core.OutboundResponse, err error) {
	startedAt := time.Now()
	defer func() {
		e.Observer.Observe(ctx, startedAt, "egress_send", err, sendFields(core.EgressKindDirect, req, res))
	}()

	if e.Policy != nil {
		if err = e.Policy.BeforeCall(ctx, e.Key); err != nil {
			return core.OutboundResponse{}, err
		}
	}
	if err = e.Limiter.Acquire(ctx, 1); err != nil {
		return core.OutboundResponse{}, err
	}

	res, err = doExchange(ctx, e.Client, exchange{
		method:        req.Method,
		url:           joinURL(e.BaseURL, req.Path),
		query:         req.Query,
		headers:       mergeHeaders(e.Headers, req.Headers),
		body:          req.Body,
		timeout:       requestTimeout(req.Timeout, e.ReadTimeout),
		maxBodyBytes:  e.MaxBodyBytes,
		correlationID: req.CorrelationID,
	})
	if err != nil {
		return core.OutboundResponse{}, err
	}
	recordThrottle(ctx, e.Policy, e.Key, res, e.Observer)
	return res, nil
}

// recordThrottle hands the provider answer to the policy. A store failure
// is logged; the call itself already succeeded.
func recordThrottle(ctx context.Context, policy core.RateLimitPolicy, key core.RateLimitKey, res core.OutboundResponse, observer *core.Observer) {
	if policy == nil {
		return
	}
	if err := policy.AfterCall(ctx, key, core.ProviderResponseMeta{
		StatusCode: res.StatusCode,
		Headers:    res.Headers,
	}); err != nil {
		observer.Warn(ctx, "record provider throttle state failed", map[string]any{"error": err.Error()})
	}
}

func requestTimeout(requested, fallback time.Duration) time.Duration {
	if requested > 0 {
		return requested
	}
	return fallback
}

func authHeaders(token string) map[string]string {
	headers := map[string]string{"Accept": "application/json"}
	if token = strings.TrimSpace(token); token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	return headers
}

func sendFields(kind string, req core.OutboundRequest, res core.OutboundResponse) map[string]any {
	fields := map[string]any{
		"egress": kind,
		"method": strings.ToUpper(req.Method),
		"path":   req.Path,
	}
	if req.CorrelationID != "" {
		fields["correlation_id"] = req.CorrelationID
	}
	if res.StatusCode != 0 {
		fields["status_code"] = res.StatusCode
	}
	return fields
}

var _ core.EgressDispatcher = (*DirectEgress)(nil)
