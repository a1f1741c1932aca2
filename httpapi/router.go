// Package httpapi serves the inbound webhook endpoint and the subscription
// administration API over chi.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httplog"
	"github.com/goliatone/go-formhooks/command"
	"github.com/goliatone/go-formhooks/core"
	"github.com/goliatone/go-formhooks/lifecycle"
	"github.com/goliatone/go-formhooks/query"
)

const defaultMaxBodyBytes = 1 << 20

// Admin is the administrative surface; *formhooks.Facade satisfies it.
type Admin interface {
	CreateSubscription(ctx context.Context, msg command.CreateSubscriptionMessage) (lifecycle.Created, error)
	UpdateSubscription(ctx context.Context, msg command.UpdateSubscriptionMessage) (core.Subscription, error)
	DeleteSubscription(ctx context.Context, msg command.DeleteSubscriptionMessage) error
	SyncSubscription(ctx context.Context, msg command.SyncSubscriptionMessage) (core.Subscription, error)
	ReEnableSubscription(ctx context.Context, msg command.ReEnableSubscriptionMessage) (core.Subscription, error)
	GetSubscription(ctx context.Context, msg query.GetSubscriptionMessage) (core.Subscription, error)
	ListSubscriptions(ctx context.Context, msg query.ListSubscriptionsMessage) ([]core.Subscription, error)
	ListDeliveryAttempts(ctx context.Context, msg query.ListDeliveryAttemptsMessage) ([]core.DeliveryAttempt, error)
}

// Inbound receives verified webhook deliveries; *formhooks.Engine satisfies it.
type Inbound interface {
	HandleInbound(ctx context.Context, req core.InboundRequest) (core.InboundResult, error)
}

type Config struct {
	ServiceName  string
	JSONLogs     bool
	MaxBodyBytes int64
	// Metrics is mounted at /metrics when set.
	Metrics      http.Handler
	// Health reports readiness for /health. Nil means always healthy.
	Health       func(ctx context.Context) error
	Now          func() time.Time
}

func NewRouter(cfg Config, admin Admin, inbound Inbound) http.Handler {
	if strings.TrimSpace(cfg.ServiceName) == "" {
		cfg.ServiceName = "formhooks"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	h := &handlers{cfg: cfg, admin: admin, inbound: inbound}

	logger := httplog.NewLogger(cfg.ServiceName, httplog.Options{
		JSON:    cfg.JSONLogs,
		Concise: true,
	})
	r := chi.NewRouter()
	r.Use(httplog.RequestLogger(logger))

	r.Get("/health", h.health)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}
	r.Post("/hooks/{subscription_id}", h.receive)

	r.Route("/v1/subscriptions", func(r chi.Router) {
		r.Post("/", h.createSubscription)
		r.Get("/", h.listSubscriptions)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getSubscription)
			r.Patch("/", h.updateSubscription)
			r.Delete("/", h.deleteSubscription)
			r.Post("/sync", h.syncSubscription)
			r.Post("/enable", h.enableSubscription)
			r.Get("/attempts", h.listAttempts)
		})
	})
	return r
}
