package command

import (
	"net/url"
	"strings"

	"github.com/goliatone/go-formhooks/core"
)

const (
	TypeCreateSubscription   = "formhooks.command.subscription.create"
	TypeUpdateSubscription   = "formhooks.command.subscription.update"
	TypeDeleteSubscription   = "formhooks.command.subscription.delete"
	TypeSyncSubscription     = "formhooks.command.subscription.sync"
	TypeReEnableSubscription = "formhooks.command.subscription.enable"
)

type CreateSubscriptionMessage struct {
	FormID    string
	TargetURL string
	Secret    string
	Metadata  map[string]any
}

func (CreateSubscriptionMessage) Type() string { return TypeCreateSubscription }

func (m CreateSubscriptionMessage) Validate() error {
	if strings.TrimSpace(m.FormID) == "" {
		return core.NewInputError("command", "form_id", "form id is required")
	}
	return validateTargetURL(m.TargetURL)
}

type UpdateSubscriptionMessage struct {
	SubscriptionID string
	TargetURL      string
}

func (UpdateSubscriptionMessage) Type() string { return TypeUpdateSubscription }

func (m UpdateSubscriptionMessage) Validate() error {
	if err := validateSubscriptionID(m.SubscriptionID); err != nil {
		return err
	}
	return validateTargetURL(m.TargetURL)
}

type DeleteSubscriptionMessage struct {
	SubscriptionID string
}

func (DeleteSubscriptionMessage) Type() string { return TypeDeleteSubscription }

func (m DeleteSubscriptionMessage) Validate() error {
	return validateSubscriptionID(m.SubscriptionID)
}

type SyncSubscriptionMessage struct {
	SubscriptionID string
}

func (SyncSubscriptionMessage) Type() string { return TypeSyncSubscription }

func (m SyncSubscriptionMessage) Validate() error {
	return validateSubscriptionID(m.SubscriptionID)
}

type ReEnableSubscriptionMessage struct {
	SubscriptionID string
}

func (ReEnableSubscriptionMessage) Type() string { return TypeReEnableSubscription }

func (m ReEnableSubscriptionMessage) Validate() error {
	return validateSubscriptionID(m.SubscriptionID)
}

func validateSubscriptionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return core.NewInputError("command", "subscription_id", "subscription id is required")
	}
	return nil
}

func validateTargetURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return core.NewInputError("command", "target_url", "target url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return core.NewInputError("command", "target_url", "target url must be absolute")
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		return nil
	default:
		return core.NewInputError("command", "target_url", "target url must use http or https")
	}
}
