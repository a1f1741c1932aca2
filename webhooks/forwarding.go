package webhooks

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-formhooks/core"
)

const (
	HeaderSubscriptionID = "X-Formhooks-Subscription"
	HeaderFingerprint    = "X-Formhooks-Fingerprint"
	HeaderAttempt        = "X-Formhooks-Attempt"
)

// ForwardingProcessor hands each delivery to a downstream HTTP endpoint.
// Any non-2xx answer becomes a classified failure for the retry engine.
type ForwardingProcessor struct {
	Dispatcher core.EgressDispatcher
	Path       string
}

func NewForwardingProcessor(dispatcher core.EgressDispatcher, path string) ForwardingProcessor {
	return ForwardingProcessor{Dispatcher: dispatcher, Path: path}
}

func (p ForwardingProcessor) Process(ctx context.Context, delivery core.Delivery) error {
	if p.Dispatcher == nil {
		return goerrors.New("webhooks: forwarding dispatcher is not configured", goerrors.CategoryInternal).
			WithCode(http.StatusInternalServerError).
			WithTextCode(core.ErrorInternal)
	}
	headers := map[string]string{
		"Content-Type":       contentType(delivery.Headers),
		HeaderSubscriptionID: delivery.SubscriptionID,
		HeaderFingerprint:    delivery.Fingerprint,
		HeaderAttempt:        strconv.Itoa(delivery.AttemptNumber),
	}
	res, err := p.Dispatcher.Send(ctx, core.OutboundRequest{
		Method:        http.MethodPost,
		Path:          p.Path,
		Headers:       headers,
		Body:          delivery.Payload,
		CorrelationID: delivery.SubscriptionID + ":" + delivery.Fingerprint,
	})
	if err != nil {
		return err
	}
	return core.ResponseError("forward_delivery", res)
}

func contentType(headers map[string]string) string {
	if value := headerValue(headers, "Content-Type"); strings.TrimSpace(value) != "" {
		return value
	}
	return "application/json"
}

var _ core.DeliveryProcessor = ForwardingProcessor{}
