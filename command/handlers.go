// Package command holds the administrative lifecycle operations as
// go-command handlers.
package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-formhooks/core"
	"github.com/goliatone/go-formhooks/lifecycle"
)

// LifecycleService is satisfied by *lifecycle.Manager.
type LifecycleService interface {
	Create(ctx context.Context, in lifecycle.CreateInput) (lifecycle.Created, error)
	Update(ctx context.Context, id string, targetURL string) (core.Subscription, error)
	Delete(ctx context.Context, id string) error
	Sync(ctx context.Context, id string) (core.Subscription, error)
	ReEnable(ctx context.Context, id string) (core.Subscription, error)
}

type CreateSubscriptionCommand struct {
	service LifecycleService
}

func NewCreateSubscriptionCommand(service LifecycleService) *CreateSubscriptionCommand {
	return &CreateSubscriptionCommand{service: service}
}

func (c *CreateSubscriptionCommand) Execute(ctx context.Context, msg CreateSubscriptionMessage) error {
	if c == nil || c.service == nil {
		return core.NewUnwiredError("command: create subscription service is required")
	}
	out, err := c.service.Create(ctx, lifecycle.CreateInput{
		FormID:    msg.FormID,
		TargetURL: msg.TargetURL,
		Secret:    msg.Secret,
		Metadata:  msg.Metadata,
	})
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type UpdateSubscriptionCommand struct {
	service LifecycleService
}

func NewUpdateSubscriptionCommand(service LifecycleService) *UpdateSubscriptionCommand {
	return &UpdateSubscriptionCommand{service: service}
}

func (c *UpdateSubscriptionCommand) Execute(ctx context.Context, msg UpdateSubscriptionMessage) error {
	if c == nil || c.service == nil {
		return core.NewUnwiredError("command: update subscription service is required")
	}
	out, err := c.service.Update(ctx, msg.SubscriptionID, msg.TargetURL)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type DeleteSubscriptionCommand struct {
	service LifecycleService
}

func NewDeleteSubscriptionCommand(service LifecycleService) *DeleteSubscriptionCommand {
	return &DeleteSubscriptionCommand{service: service}
}

func (c *DeleteSubscriptionCommand) Execute(ctx context.Context, msg DeleteSubscriptionMessage) error {
	if c == nil || c.service == nil {
		return core.NewUnwiredError("command: delete subscription service is required")
	}
	return c.service.Delete(ctx, msg.SubscriptionID)
}

type SyncSubscriptionCommand struct {
	service LifecycleService
}

func NewSyncSubscriptionCommand(service LifecycleService) *SyncSubscriptionCommand {
	return &SyncSubscriptionCommand{service: service}
}

func (c *SyncSubscriptionCommand) Execute(ctx context.Context, msg SyncSubscriptionMessage) error {
	if c == nil || c.service == nil {
		return core.NewUnwiredError("command: sync subscription service is required")
	}
	out, err := c.service.Sync(ctx, msg.SubscriptionID)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type ReEnableSubscriptionCommand struct {
	service LifecycleService
}

func NewReEnableSubscriptionCommand(service LifecycleService) *ReEnableSubscriptionCommand {
	return &ReEnableSubscriptionCommand{service: service}
}

func (c *ReEnableSubscriptionCommand) Execute(ctx context.Context, msg ReEnableSubscriptionMessage) error {
	if c == nil || c.service == nil {
		return core.NewUnwiredError("command: re-enable subscription service is required")
	}
	out, err := c.service.ReEnable(ctx, msg.SubscriptionID)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
