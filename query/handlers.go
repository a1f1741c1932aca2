// Package query exposes the read side of subscriptions and delivery
// attempts as go-command queriers.
package query

import (
	"context"

	"github.com/goliatone/go-formhooks/core"
)

// SubscriptionReader is satisfied by *lifecycle.Manager.
type SubscriptionReader interface {
	Get(ctx context.Context, id string) (core.Subscription, error)
	List(ctx context.Context, filter core.SubscriptionFilter) ([]core.Subscription, error)
}

// AttemptReader is satisfied by *retry.Engine.
type AttemptReader interface {
	Attempts(ctx context.Context, subscriptionID string) ([]core.DeliveryAttempt, error)
}

type GetSubscriptionQuery struct {
	reader SubscriptionReader
}

func NewGetSubscriptionQuery(reader SubscriptionReader) *GetSubscriptionQuery {
	return &GetSubscriptionQuery{reader: reader}
}

func (q *GetSubscriptionQuery) Query(ctx context.Context, msg GetSubscriptionMessage) (core.Subscription, error) {
	if q == nil || q.reader == nil {
		return core.Subscription{}, core.NewUnwiredError("query: subscription reader is required")
	}
	return q.reader.Get(ctx, msg.SubscriptionID)
}

type ListSubscriptionsQuery struct {
	reader SubscriptionReader
}

func NewListSubscriptionsQuery(reader SubscriptionReader) *ListSubscriptionsQuery {
	return &ListSubscriptionsQuery{reader: reader}
}

func (q *ListSubscriptionsQuery) Query(
	ctx context.Context,
	msg ListSubscriptionsMessage,
) ([]core.Subscription, error) {
	if q == nil || q.reader == nil {
		return nil, core.NewUnwiredError("query: subscription reader is required")
	}
	return q.reader.List(ctx, msg.Filter)
}

type ListDeliveryAttemptsQuery struct {
	reader AttemptReader
}

func NewListDeliveryAttemptsQuery(reader AttemptReader) *ListDeliveryAttemptsQuery {
	return &ListDeliveryAttemptsQuery{reader: reader}
}

func (q *ListDeliveryAttemptsQuery) Query(
	ctx context.Context,
	msg ListDeliveryAttemptsMessage,
) ([]core.DeliveryAttempt, error) {
	if q == nil || q.reader == nil {
		return nil, core.NewUnwiredError("query: attempt reader is required")
	}
	return q.reader.Attempts(ctx, msg.SubscriptionID)
}
