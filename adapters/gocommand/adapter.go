// Package gocommand exposes the subscription commands and queries through
// the go-command registry and dispatcher, so hosts can dispatch them by
// message type or mirror them into a go-job queue registry.
package gocommand

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
)

var errRegistryNotConfigured = fmt.Errorf("gocommand: registry is not configured")

// ValidateMessageContract checks that msg carries a non-empty Type() and,
// when it implements Validate(), that it validates.
func ValidateMessageContract(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	typed, ok := msg.(command.Message)
	if !ok {
		return fmt.Errorf("gocommand: %T does not implement Type() string", msg)
	}
	if strings.TrimSpace(typed.Type()) == "" {
		return fmt.Errorf("gocommand: %T has an empty message type", msg)
	}
	return nil
}

type RegistryAdapter struct {
	registry *command.Registry
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *RegistryAdapter) ready() error {
	if a == nil || a.registry == nil {
		return errRegistryNotConfigured
	}
	return nil
}

func (a *RegistryAdapter) RegisterCommand(cmd any) error {
	if err := a.ready(); err != nil {
		return err
	}
	return a.registry.RegisterCommand(cmd)
}

// RegisterQuery stores a querier in the same registry; go-command keys
// both kinds by message type.
func (a *RegistryAdapter) RegisterQuery(qry any) error {
	if err := a.ready(); err != nil {
		return err
	}
	return a.registry.RegisterCommand(qry)
}

func (a *RegistryAdapter) AddResolver(key string, resolver command.Resolver) error {
	if err := a.ready(); err != nil {
		return err
	}
	return a.registry.AddResolver(strings.TrimSpace(key), resolver)
}

// AddQueueResolver mirrors every registered handler into queueRegistry
// when the registry initializes.
func (a *RegistryAdapter) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return a.AddResolver(key, jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) HasResolver(key string) bool {
	if a.ready() != nil {
		return false
	}
	return a.registry.HasResolver(strings.TrimSpace(key))
}

func (a *RegistryAdapter) Initialize() error {
	if err := a.ready(); err != nil {
		return err
	}
	return a.registry.Initialize()
}

func Dispatch[T any](ctx context.Context, msg T) error {
	return commanddispatcher.Dispatch(ctx, msg)
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	return commanddispatcher.Query[T, R](ctx, msg)
}

// RegisterAndSubscribe subscribes cmd on the global dispatcher and records
// it in the registry. A failed registration removes the subscription.
func RegisterAndSubscribe[T any](
	adapter *RegistryAdapter,
	cmd command.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if err := adapter.ready(); err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, fmt.Errorf("gocommand: command is required")
	}
	subscription := commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
	if err := adapter.RegisterCommand(cmd); err != nil {
		unsubscribe(subscription)
		return nil, err
	}
	return subscription, nil
}

func RegisterAndSubscribeQuery[T any, R any](
	adapter *RegistryAdapter,
	qry command.Querier[T, R],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if err := adapter.ready(); err != nil {
		return nil, err
	}
	if qry == nil {
		return nil, fmt.Errorf("gocommand: query is required")
	}
	subscription := commanddispatcher.SubscribeQuery(qry, runnerOpts...)
	if err := adapter.RegisterQuery(qry); err != nil {
		unsubscribe(subscription)
		return nil, err
	}
	return subscription, nil
}

func unsubscribe(subscription commanddispatcher.Subscription) {
	if subscription != nil {
		subscription.Unsubscribe()
	}
}
