package command

import (
	"context"
	"errors"
	"testing"

	gocmd "github.com/goliatone/go-command"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-formhooks/core"
	"github.com/goliatone/go-formhooks/lifecycle"
)

type stubLifecycleService struct {
	createFn   func(context.Context, lifecycle.CreateInput) (lifecycle.Created, error)
	updateFn   func(context.Context, string, string) (core.Subscription, error)
	deleteFn   func(context.Context, string) error
	syncFn     func(context.Context, string) (core.Subscription, error)
	reEnableFn func(context.Context, string) (core.Subscription, error)
}

func (s stubLifecycleService) Create(ctx context.Context, in lifecycle.CreateInput) (lifecycle.Created, error) {
	return s.createFn(ctx, in)
}

func (s stubLifecycleService) Update(ctx context.Context, id string, targetURL string) (core.Subscription, error) {
	return s.updateFn(ctx, id, targetURL)
}

func (s stubLifecycleService) Delete(ctx context.Context, id string) error {
	return s.deleteFn(ctx, id)
}

func (s stubLifecycleService) Sync(ctx context.Context, id string) (core.Subscription, error) {
	return s.syncFn(ctx, id)
}

func (s stubLifecycleService) ReEnable(ctx context.Context, id string) (core.Subscription, error) {
	return s.reEnableFn(ctx, id)
}

func TestCreateSubscriptionCommand_DelegatesAndStoresResult(t *testing.T) {
	svc := stubLifecycleService{
		createFn: func(_ context.Context, in lifecycle.CreateInput) (lifecycle.Created, error) {
			if in.FormID != "form_1" || in.TargetURL != "https://hooks.example.test/in" {
				t.Fatalf("unexpected create input: %+v", in)
			}
			return lifecycle.Created{
				Subscription: core.Subscription{ID: "sub_1", FormID: in.FormID},
				Secret:       "whsec_generated",
			}, nil
		},
	}

	collector := gocmd.NewResult[lifecycle.Created]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	err := NewCreateSubscriptionCommand(svc).Execute(ctx, CreateSubscriptionMessage{
		FormID:    "form_1",
		TargetURL: "https://hooks.example.test/in",
	})
	if err != nil {
		t.Fatalf("execute create: %v", err)
	}
	result, ok := collector.Load()
	if !ok {
		t.Fatalf("expected result to be stored")
	}
	if result.Subscription.ID != "sub_1" || result.Secret != "whsec_generated" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestSubscriptionCommands_DelegateToService(t *testing.T) {
	t.Run("update", func(t *testing.T) {
		svc := stubLifecycleService{
			updateFn: func(_ context.Context, id string, targetURL string) (core.Subscription, error) {
				if id != "sub_1" || targetURL != "https://hooks.example.test/v2" {
					t.Fatalf("unexpected update payload: %q %q", id, targetURL)
				}
				return core.Subscription{ID: id, TargetURL: targetURL}, nil
			},
		}
		collector := gocmd.NewResult[core.Subscription]()
		ctx := gocmd.ContextWithResult(context.Background(), collector)
		if err := NewUpdateSubscriptionCommand(svc).Execute(ctx, UpdateSubscriptionMessage{
			SubscriptionID: "sub_1",
			TargetURL:      "https://hooks.example.test/v2",
		}); err != nil {
			t.Fatalf("execute update: %v", err)
		}
		if result, ok := collector.Load(); !ok || result.TargetURL != "https://hooks.example.test/v2" {
			t.Fatalf("expected updated subscription in result, got %+v", result)
		}
	})

	t.Run("delete", func(t *testing.T) {
		called := false
		svc := stubLifecycleService{
			deleteFn: func(_ context.Context, id string) error {
				called = id == "sub_1"
				return nil
			},
		}
		if err := NewDeleteSubscriptionCommand(svc).Execute(context.Background(), DeleteSubscriptionMessage{SubscriptionID: "sub_1"}); err != nil {
			t.Fatalf("execute delete: %v", err)
		}
		if !called {
			t.Fatalf("expected delete delegation")
		}
	})

	t.Run("sync", func(t *testing.T) {
		svc := stubLifecycleService{
			syncFn: func(_ context.Context, id string) (core.Subscription, error) {
				return core.Subscription{ID: id, Status: core.SubscriptionStatusDisabled}, nil
			},
		}
		collector := gocmd.NewResult[core.Subscription]()
		ctx := gocmd.ContextWithResult(context.Background(), collector)
		if err := NewSyncSubscriptionCommand(svc).Execute(ctx, SyncSubscriptionMessage{SubscriptionID: "sub_1"}); err != nil {
			t.Fatalf("execute sync: %v", err)
		}
		if result, _ := collector.Load(); result.Status != core.SubscriptionStatusDisabled {
			t.Fatalf("expected disabled subscription from sync, got %s", result.Status)
		}
	})

	t.Run("re-enable propagates errors", func(t *testing.T) {
		svc := stubLifecycleService{
			reEnableFn: func(context.Context, string) (core.Subscription, error) {
				return core.Subscription{}, core.ErrSubscriptionNotFound
			},
		}
		err := NewReEnableSubscriptionCommand(svc).Execute(context.Background(), ReEnableSubscriptionMessage{SubscriptionID: "sub_x"})
		if !errors.Is(err, core.ErrSubscriptionNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestMessages_ValidateReturnsRichErrors(t *testing.T) {
	cases := map[string]interface{ Validate() error }{
		"create without form":  CreateSubscriptionMessage{TargetURL: "https://hooks.example.test/in"},
		"create with relative": CreateSubscriptionMessage{FormID: "form_1", TargetURL: "/in"},
		"create with ftp":      CreateSubscriptionMessage{FormID: "form_1", TargetURL: "ftp://hooks.example.test/in"},
		"update without id":    UpdateSubscriptionMessage{TargetURL: "https://hooks.example.test/in"},
		"update without url":   UpdateSubscriptionMessage{SubscriptionID: "sub_1"},
		"delete without id":    DeleteSubscriptionMessage{},
		"sync without id":      SyncSubscriptionMessage{},
		"re-enable without id": ReEnableSubscriptionMessage{SubscriptionID: "  "},
	}
	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			err := msg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			var rich *goerrors.Error
			if !goerrors.As(err, &rich) {
				t.Fatalf("expected go-errors envelope, got %T", err)
			}
			if rich.Category != goerrors.CategoryValidation {
				t.Fatalf("expected validation category, got %q", rich.Category)
			}
			if rich.TextCode != core.ErrorBadInput {
				t.Fatalf("expected %q text code, got %q", core.ErrorBadInput, rich.TextCode)
			}
		})
	}

	if err := (CreateSubscriptionMessage{FormID: "form_1", TargetURL: "https://hooks.example.test/in"}).Validate(); err != nil {
		t.Fatalf("expected valid create message, got %v", err)
	}
}

func TestCommand_NilServiceReturnsRichError(t *testing.T) {
	var cmd *CreateSubscriptionCommand
	err := cmd.Execute(context.Background(), CreateSubscriptionMessage{})
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryInternal {
		t.Fatalf("expected internal category, got %q", rich.Category)
	}
}
