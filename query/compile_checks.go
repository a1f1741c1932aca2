package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-formhooks/core"
	"github.com/goliatone/go-formhooks/lifecycle"
	"github.com/goliatone/go-formhooks/retry"
)

var (
	_ gocmd.Querier[GetSubscriptionMessage, core.Subscription]           = (*GetSubscriptionQuery)(nil)
	_ gocmd.Querier[ListSubscriptionsMessage, []core.Subscription]       = (*ListSubscriptionsQuery)(nil)
	_ gocmd.Querier[ListDeliveryAttemptsMessage, []core.DeliveryAttempt] = (*ListDeliveryAttemptsQuery)(nil)
	_ SubscriptionReader                                                 = (*lifecycle.Manager)(nil)
	_ AttemptReader                                                      = (*retry.Engine)(nil)
)
