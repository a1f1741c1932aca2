package gocommand

import (
	"fmt"

	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	formhooks "github.com/goliatone/go-formhooks"
	"github.com/goliatone/go-formhooks/command"
	"github.com/goliatone/go-formhooks/core"
	"github.com/goliatone/go-formhooks/query"
)

// Subscriptions holds the dispatcher subscriptions made by RegisterFacade.
type Subscriptions []commanddispatcher.Subscription

func (s Subscriptions) Unsubscribe() {
	for i := len(s) - 1; i >= 0; i-- {
		unsubscribe(s[i])
	}
}

// RegisterFacade registers and subscribes every subscription command and
// query of facade. On failure nothing stays subscribed.
func RegisterFacade(adapter *RegistryAdapter, facade *formhooks.Facade, runnerOpts ...runner.Option) (Subscriptions, error) {
	if err := adapter.ready(); err != nil {
		return nil, err
	}
	if facade == nil {
		return nil, fmt.Errorf("gocommand: facade is required")
	}

	commands := facade.Commands()
	queries := facade.Queries()
	subs := Subscriptions{}
	register := func(subscription commanddispatcher.Subscription, err error) error {
		if err != nil {
			subs.Unsubscribe()
			return err
		}
		subs = append(subs, subscription)
		return nil
	}

	steps := []func() error{
		func() error { return register(RegisterAndSubscribe[command.CreateSubscriptionMessage](adapter, commands.CreateSubscription, runnerOpts...)) },
		func() error { return register(RegisterAndSubscribe[command.UpdateSubscriptionMessage](adapter, commands.UpdateSubscription, runnerOpts...)) },
		func() error { return register(RegisterAndSubscribe[command.DeleteSubscriptionMessage](adapter, commands.DeleteSubscription, runnerOpts...)) },
		func() error { return register(RegisterAndSubscribe[command.SyncSubscriptionMessage](adapter, commands.SyncSubscription, runnerOpts...)) },
		func() error { return register(RegisterAndSubscribe[command.ReEnableSubscriptionMessage](adapter, commands.ReEnableSubscription, runnerOpts...)) },
		func() error { return register(RegisterAndSubscribeQuery[query.GetSubscriptionMessage, core.Subscription](adapter, queries.GetSubscription, runnerOpts...)) },
		func() error { return register(RegisterAndSubscribeQuery[query.ListSubscriptionsMessage, []core.Subscription](adapter, queries.ListSubscriptions, runnerOpts...)) },
		func() error { return register(RegisterAndSubscribeQuery[query.ListDeliveryAttemptsMessage, []core.DeliveryAttempt](adapter, queries.ListDeliveryAttempts, runnerOpts...)) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}
	return subs, nil
}
