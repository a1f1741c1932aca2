package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-formhooks/core"
)

// RelayEnvelope is the request handed to the relay hop.
type RelayEnvelope struct {
	Method        string            `json:"method"`
	Path          string            `json:"path"`
	Query         map[string]string `json:"query,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          []byte            `json:"body,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// RelayResponse is what the relay answers with. Error is set when the relay
// could not reach the provider at all.
type RelayResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// RelayEgress forwards provider calls to a relay service. Provider answers
// come back unchanged; every failure of the relay hop, or reported by it,
// is the same TRANSIENT_NETWORK_ERROR so callers cannot tell which hop
// failed. Throttle headers relayed back from the provider feed the same
// policy as direct calls.
type RelayEgress struct {
	RelayURL     string
	Client       HTTPDoer
	Limiter      core.RateLimiter
	Policy       core.RateLimitPolicy
	Key          core.RateLimitKey
	Headers      map[string]string
	ReadTimeout  time.Duration
	MaxBodyBytes int64
	Observer     *core.Observer
}

func NewRelayEgress(deps EgressDeps) (*RelayEgress, error) {
	if deps.Limiter == nil {
		return nil, transportError("transport: relay egress requires a rate limiter", goerrors.CategoryInternal, http.StatusInternalServerError, nil)
	}
	if strings.TrimSpace(deps.Config.RelayURL) == "" {
		return nil, transportError("transport: relay egress requires a relay url", goerrors.CategoryBadInput, http.StatusBadRequest, nil)
	}
	client := deps.Client
	if client == nil {
		client = NewHTTPClient(deps.Config.ConnectTimeout, deps.Config.ReadTimeout)
	}
	return &RelayEgress{
		RelayURL:     deps.Config.RelayURL,
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

func (*RelayEgress) Kind() string {
	return core.EgressKindRelay
}

func (e *RelayEgress) Send(ctx context.Context, req core.OutboundRequest) (res core.OutboundResponse, err error) {
	startedAt := time.Now()
	defer func() {
		e.Observer.Observe(ctx, startedAt, "egress_send", err, sendFields(core.EgressKindRelay, req, res))
	}()

	if e.Policy != nil {
		if err = e.Policy.BeforeCall(ctx, e.Key); err != nil {
			return core.OutboundResponse{}, err
		}
	}
	if err = e.Limiter.Acquire(ctx, 1); err != nil {
		return core.OutboundResponse{}, err
	}

	envelope := RelayEnvelope{
		Method:        strings.ToUpper(strings.TrimSpace(req.Method)),
		Path:          req.Path,
		Query:         req.Query,
		Headers:       mergeHeaders(e.Headers, req.Headers),
		Body:          req.Body,
		CorrelationID: req.CorrelationID,
	}
	if envelope.Method == "" {
		envelope.Method = http.MethodGet
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return core.OutboundResponse{}, transportError("transport: encode relay envelope", goerrors.CategoryInternal, http.StatusInternalServerError, nil)
	}

	hop, err := doExchange(ctx, e.Client, exchange{
		method:        http.MethodPost,
		url:           e.RelayURL,
		headers:       map[string]string{"Content-Type": "application/json"},
		body:          payload,
		timeout:       requestTimeout(req.Timeout, e.ReadTimeout),
		maxBodyBytes:  e.MaxBodyBytes,
		correlationID: req.CorrelationID,
	})
	if err != nil {
		return core.OutboundResponse{}, relayFailure(err, req)
	}
	if hop.StatusCode < 200 || hop.StatusCode >= 300 {
		return core.OutboundResponse{}, relayFailure(nil, req)
	}

	var answer RelayResponse
	if err := json.Unmarshal(hop.Body, &answer); err != nil {
		return core.OutboundResponse{}, relayFailure(err, req)
	}
	if strings.TrimSpace(answer.Error) != "" || answer.Status == 0 {
		return core.OutboundResponse{}, relayFailure(nil, req)
	}
	headers := answer.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	res = core.OutboundResponse{
		StatusCode: answer.Status,
		Headers:    headers,
		Body:       answer.Body,
		Metadata:   hop.Metadata,
	}
	recordThrottle(ctx, e.Policy, e.Key, res, e.Observer)
	return res, nil
}

func relayFailure(source error, req core.OutboundRequest) error {
	return networkError(source, "transport: relay or network failure", map[string]any{
		"egress":         core.EgressKindRelay,
		"correlation_id": req.CorrelationID,
	})
}

var _ core.EgressDispatcher = (*RelayEgress)(nil)
