package query

import (
	"strings"

	"github.com/goliatone/go-formhooks/core"
)

const (
	TypeGetSubscription      = "formhooks.query.subscription.get"
	TypeListSubscriptions    = "formhooks.query.subscription.list"
	TypeListDeliveryAttempts = "formhooks.query.attempt.list"
)

type GetSubscriptionMessage struct {
	SubscriptionID string
}

func (GetSubscriptionMessage) Type() string { return TypeGetSubscription }

func (m GetSubscriptionMessage) Validate() error {
	if strings.TrimSpace(m.SubscriptionID) == "" {
		return core.NewInputError("query", "subscription_id", "subscription id is required")
	}
	return nil
}

type ListSubscriptionsMessage struct {
	Filter core.SubscriptionFilter
}

func (ListSubscriptionsMessage) Type() string { return TypeListSubscriptions }

func (m ListSubscriptionsMessage) Validate() error {
	if m.Filter.Limit < 0 {
		return core.NewInputError("query", "limit", "limit must be >= 0")
	}
	if m.Filter.Offset < 0 {
		return core.NewInputError("query", "offset", "offset must be >= 0")
	}
	if status := m.Filter.Status; status != "" && !status.Valid() {
		return core.NewInputError("query", "status", "status is not recognized")
	}
	return nil
}

type ListDeliveryAttemptsMessage struct {
	SubscriptionID string
}

func (ListDeliveryAttemptsMessage) Type() string { return TypeListDeliveryAttempts }

func (m ListDeliveryAttemptsMessage) Validate() error {
	if strings.TrimSpace(m.SubscriptionID) == "" {
		return core.NewInputError("query", "subscription_id", "subscription id is required")
	}
	return nil
}
