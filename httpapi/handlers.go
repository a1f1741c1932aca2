package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goliatone/go-formhooks/command"
	"github.com/goliatone/go-formhooks/core"
	"github.com/goliatone/go-formhooks/query"
)

type handlers struct {
	cfg     Config
	admin   Admin
	inbound Inbound
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Health != nil {
		if err := h.cfg.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// receive hands the raw body and flattened headers to the inbound pipeline.
// The pipeline decides the status code, including for rejected requests.
func (h *handlers) receive(w http.ResponseWriter, r *http.Request) {
	if h.inbound == nil {
		writeError(w, fmt.Errorf("httpapi: inbound handler is not configured"))
		return
	}
	body, err := readBody(w, r, h.cfg.MaxBodyBytes)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.inbound.HandleInbound(r.Context(), core.InboundRequest{
		SubscriptionID: chi.URLParam(r, "subscription_id"),
		Headers:        flattenHeaders(r.Header),
		Body:           body,
		ReceivedAt:     h.cfg.Now(),
	})
	if err != nil {
		mapped := core.MapError(err)
		status := result.StatusCode
		if status == 0 {
			status = mapped.Code
		}
		writeJSON(w, status, envelope(mapped))
		return
	}
	status := result.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, inboundResponse{Accepted: result.Accepted, Metadata: result.Metadata})
}

func (h *handlers) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, err)
		return
	}
	created, err := h.admin.CreateSubscription(r.Context(), command.CreateSubscriptionMessage{
		FormID:    req.FormID,
		TargetURL: req.TargetURL,
		Secret:    req.Secret,
		Metadata:  req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createdResponse{
		Subscription: toSubscriptionResponse(created.Subscription),
		Secret:       created.Secret,
	})
}

func (h *handlers) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	filter := core.SubscriptionFilter{
		FormID: strings.TrimSpace(values.Get("form_id")),
		Status: core.SubscriptionStatus(strings.TrimSpace(values.Get("status"))),
	}
	var err error
	if filter.Limit, err = intQuery(values.Get("limit")); err != nil {
		writeError(w, err)
		return
	}
	if filter.Offset, err = intQuery(values.Get("offset")); err != nil {
		writeError(w, err)
		return
	}
	subs, err := h.admin.ListSubscriptions(r.Context(), query.ListSubscriptionsMessage{Filter: filter})
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]subscriptionResponse, 0, len(subs))
	for _, sub := range subs {
		out = append(out, toSubscriptionResponse(sub))
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": out})
}

func (h *handlers) getSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.admin.GetSubscription(r.Context(), query.GetSubscriptionMessage{SubscriptionID: chi.URLParam(r, "id")})
	h.writeSubscription(w, sub, err)
}

func (h *handlers) updateSubscription(w http.ResponseWriter, r *http.Request) {
	var req updateSubscriptionRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, err)
		return
	}
	sub, err := h.admin.UpdateSubscription(r.Context(), command.UpdateSubscriptionMessage{
		SubscriptionID: chi.URLParam(r, "id"),
		TargetURL:      req.TargetURL,
	})
	h.writeSubscription(w, sub, err)
}

func (h *handlers) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.DeleteSubscription(r.Context(), command.DeleteSubscriptionMessage{SubscriptionID: chi.URLParam(r, "id")}); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) syncSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.admin.SyncSubscription(r.Context(), command.SyncSubscriptionMessage{SubscriptionID: chi.URLParam(r, "id")})
	h.writeSubscription(w, sub, err)
}

func (h *handlers) enableSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.admin.ReEnableSubscription(r.Context(), command.ReEnableSubscriptionMessage{SubscriptionID: chi.URLParam(r, "id")})
	h.writeSubscription(w, sub, err)
}

func (h *handlers) listAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := h.admin.ListDeliveryAttempts(r.Context(), query.ListDeliveryAttemptsMessage{SubscriptionID: chi.URLParam(r, "id")})
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]attemptResponse, 0, len(attempts))
	for _, attempt := range attempts {
		out = append(out, toAttemptResponse(attempt))
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": out})
}

func (h *handlers) writeSubscription(w http.ResponseWriter, sub core.Subscription, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionResponse(sub))
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("httpapi: request body is invalid: exceeds %d bytes", tooLarge.Limit)
		}
		return nil, fmt.Errorf("httpapi: reading request body: %w", err)
	}
	return body, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, out any) error {
	body, err := readBody(w, r, limit)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("httpapi: malformed request body: %w", err)
	}
	return nil
}

func intQuery(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("httpapi: invalid integer %q", raw)
	}
	return value, nil
}

// flattenHeaders keeps the first value of each header under its canonical name.
func flattenHeaders(header http.Header) map[string]string {
	out := make(map[string]string, len(header))
	for key, values := range header {
		if len(values) > 0 {
			out[http.CanonicalHeaderKey(key)] = values[0]
		}
	}
	return out
}
