package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-formhooks/core"
)

const defaultResponseBodyLimit int64 = 10 << 20

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewHTTPClient builds a client whose dial is bounded by connectTimeout and
// whose wait for response headers is bounded by readTimeout.
func NewHTTPClient(connectTimeout, readTimeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}
	return &http.Client{
		Timeout: connectTimeout + readTimeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   connectTimeout,
			ResponseHeaderTimeout: readTimeout,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

type exchange struct {
	method        string
	url           string
	query         map[string]string
	headers       map[string]string
	body          []byte
	timeout       time.Duration
	maxBodyBytes  int64
	correlationID string
}

func doExchange(ctx context.Context, client HTTPDoer, ex exchange) (core.OutboundResponse, error) {
	method := strings.ToUpper(strings.TrimSpace(ex.method))
	if method == "" {
		method = http.MethodGet
	}
	parsedURL, err := url.Parse(strings.TrimSpace(ex.url))
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return core.OutboundResponse{}, transportError(
			"transport: invalid request url",
			goerrors.CategoryBadInput,
			http.StatusBadRequest,
			map[string]any{"url": ex.url},
		)
	}
	if len(ex.query) > 0 {
		query := parsedURL.Query()
		for key, value := range ex.query {
			if strings.TrimSpace(key) != "" {
				query.Set(strings.TrimSpace(key), value)
			}
		}
		parsedURL.RawQuery = query.Encode()
	}

	requestCtx := ctx
	if ex.timeout > 0 {
		var cancel context.CancelFunc
		requestCtx, cancel = context.WithTimeout(ctx, ex.timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(requestCtx, method, parsedURL.String(), bytes.NewReader(ex.body))
	if err != nil {
		return core.OutboundResponse{}, transportError(
			"transport: create http request",
			goerrors.CategoryBadInput,
			http.StatusBadRequest,
			map[string]any{"method": method, "url": parsedURL.String()},
		)
	}
	for key, value := range ex.headers {
		if strings.TrimSpace(key) != "" {
			httpReq.Header.Set(strings.TrimSpace(key), value)
		}
	}
	if ex.correlationID != "" && httpReq.Header.Get(HeaderCorrelationID) == "" {
		httpReq.Header.Set(HeaderCorrelationID, ex.correlationID)
	}

	startedAt := time.Now()
	httpRes, err := client.Do(httpReq)
	if err != nil {
		return core.OutboundResponse{}, networkError(err, "transport: execute http request", map[string]any{
			"method": method,
			"url":    parsedURL.Redacted(),
		})
	}
	defer httpRes.Body.Close()

	limit := ex.maxBodyBytes
	if limit <= 0 {
		limit = defaultResponseBodyLimit
	}
	body, err := io.ReadAll(io.LimitReader(httpRes.Body, limit+1))
	if err != nil {
		return core.OutboundResponse{}, networkError(err, "transport: read response body", map[string]any{
			"status_code": httpRes.StatusCode,
		})
	}
	if int64(len(body)) > limit {
		return core.OutboundResponse{}, transportError(
			fmt.Sprintf("transport: response body exceeds limit of %d bytes", limit),
			goerrors.CategoryExternal,
			http.StatusBadGateway,
			map[string]any{"status_code": httpRes.StatusCode, "response_limit_b": limit},
		)
	}

	return core.OutboundResponse{
		StatusCode: httpRes.StatusCode,
		Headers:    flattenHeaders(httpRes.Header),
		Body:       body,
		Metadata: map[string]any{
			"duration_ms": time.Since(startedAt).Milliseconds(),
		},
	}, nil
}

func joinURL(base string, path string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	path = strings.TrimSpace(path)
	if path == "" {
		return base
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

func flattenHeaders(headers http.Header) map[string]string {
	flat := make(map[string]string, len(headers))
	for key, values := range headers {
		flat[key] = strings.Join(values, ",")
	}
	return flat
}

func mergeHeaders(defaults map[string]string, overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(defaults)+len(overrides))
	for key, value := range defaults {
		merged[key] = value
	}
	for key, value := range overrides {
		merged[key] = value
	}
	return merged
}
