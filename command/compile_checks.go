package command

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-formhooks/lifecycle"
)

var (
	_ gocmd.Commander[CreateSubscriptionMessage]   = (*CreateSubscriptionCommand)(nil)
	_ gocmd.Commander[UpdateSubscriptionMessage]   = (*UpdateSubscriptionCommand)(nil)
	_ gocmd.Commander[DeleteSubscriptionMessage]   = (*DeleteSubscriptionCommand)(nil)
	_ gocmd.Commander[SyncSubscriptionMessage]     = (*SyncSubscriptionCommand)(nil)
	_ gocmd.Commander[ReEnableSubscriptionMessage] = (*ReEnableSubscriptionCommand)(nil)

	_ LifecycleService = (*lifecycle.Manager)(nil)
)
