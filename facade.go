package formhooks

import (
	"context"
	"fmt"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-formhooks/command"
	"github.com/goliatone/go-formhooks/core"
	"github.com/goliatone/go-formhooks/lifecycle"
	"github.com/goliatone/go-formhooks/query"
)

type Commands struct {
	CreateSubscription   *command.CreateSubscriptionCommand
	UpdateSubscription   *command.UpdateSubscriptionCommand
	DeleteSubscription   *command.DeleteSubscriptionCommand
	SyncSubscription     *command.SyncSubscriptionCommand
	ReEnableSubscription *command.ReEnableSubscriptionCommand
}

type Queries struct {
	GetSubscription      *query.GetSubscriptionQuery
	ListSubscriptions    *query.ListSubscriptionsQuery
	ListDeliveryAttempts *query.ListDeliveryAttemptsQuery
}

// Facade is the administrative surface: every call validates its message
// and runs the matching command or query.
type Facade struct {
	commands Commands
	queries  Queries
}

func NewFacade(
	service command.LifecycleService,
	subscriptions query.SubscriptionReader,
	attempts query.AttemptReader,
) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("formhooks: lifecycle service is required")
	}
	if subscriptions == nil {
		return nil, fmt.Errorf("formhooks: subscription reader is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("formhooks: attempt reader is required")
	}
	return &Facade{
		commands: Commands{
			CreateSubscription:   command.NewCreateSubscriptionCommand(service),
			UpdateSubscription:   command.NewUpdateSubscriptionCommand(service),
			DeleteSubscription:   command.NewDeleteSubscriptionCommand(service),
			SyncSubscription:     command.NewSyncSubscriptionCommand(service),
			ReEnableSubscription: command.NewReEnableSubscriptionCommand(service),
		},
		queries: Queries{
			GetSubscription:      query.NewGetSubscriptionQuery(subscriptions),
			ListSubscriptions:    query.NewListSubscriptionsQuery(subscriptions),
			ListDeliveryAttempts: query.NewListDeliveryAttemptsQuery(attempts),
		},
	}, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) CreateSubscription(ctx context.Context, msg command.CreateSubscriptionMessage) (lifecycle.Created, error) {
	return executeWithResult[command.CreateSubscriptionMessage, lifecycle.Created](ctx, f.Commands().CreateSubscription, msg)
}

func (f *Facade) UpdateSubscription(ctx context.Context, msg command.UpdateSubscriptionMessage) (core.Subscription, error) {
	return executeWithResult[command.UpdateSubscriptionMessage, core.Subscription](ctx, f.Commands().UpdateSubscription, msg)
}

func (f *Facade) DeleteSubscription(ctx context.Context, msg command.DeleteSubscriptionMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	return f.Commands().DeleteSubscription.Execute(ctx, msg)
}

func (f *Facade) SyncSubscription(ctx context.Context, msg command.SyncSubscriptionMessage) (core.Subscription, error) {
	return executeWithResult[command.SyncSubscriptionMessage, core.Subscription](ctx, f.Commands().SyncSubscription, msg)
}

func (f *Facade) ReEnableSubscription(ctx context.Context, msg command.ReEnableSubscriptionMessage) (core.Subscription, error) {
	return executeWithResult[command.ReEnableSubscriptionMessage, core.Subscription](ctx, f.Commands().ReEnableSubscription, msg)
}

func (f *Facade) GetSubscription(ctx context.Context, msg query.GetSubscriptionMessage) (core.Subscription, error) {
	if err := msg.Validate(); err != nil {
		return core.Subscription{}, err
	}
	return f.Queries().GetSubscription.Query(ctx, msg)
}

func (f *Facade) ListSubscriptions(ctx context.Context, msg query.ListSubscriptionsMessage) ([]core.Subscription, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return f.Queries().ListSubscriptions.Query(ctx, msg)
}

func (f *Facade) ListDeliveryAttempts(ctx context.Context, msg query.ListDeliveryAttemptsMessage) ([]core.DeliveryAttempt, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return f.Queries().ListDeliveryAttempts.Query(ctx, msg)
}

type validatingMessage interface {
	Validate() error
}

// executeWithResult runs cmd with a result collector attached to ctx.
func executeWithResult[T validatingMessage, R any](ctx context.Context, cmd gocmd.Commander[T], msg T) (R, error) {
	var zero R
	if err := msg.Validate(); err != nil {
		return zero, err
	}
	collector := gocmd.NewResult[R]()
	if err := cmd.Execute(gocmd.ContextWithResult(ctx, collector), msg); err != nil {
		return zero, err
	}
	out, ok := collector.Load()
	if !ok {
		return zero, fmt.Errorf("formhooks: command %T stored no result", cmd)
	}
	return out, nil
}
