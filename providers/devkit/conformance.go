package devkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-formhooks/core"
)

func ValidateEgressDispatcherConformance(
	ctx context.Context,
	dispatcher core.EgressDispatcher,
	request core.OutboundRequest,
) error {
	if dispatcher == nil {
		return fmt.Errorf("devkit: egress dispatcher is required")
	}
	switch strings.TrimSpace(dispatcher.Kind()) {
	case core.EgressKindDirect, core.EgressKindRelay:
	default:
		return fmt.Errorf("devkit: unexpected egress kind %q", dispatcher.Kind())
	}
	res, err := dispatcher.Send(ctx, request)
	if err != nil {
		return err
	}
	if res.StatusCode == 0 {
		return fmt.Errorf("devkit: dispatcher returned no status code")
	}
	return nil
}

func ValidateReplayLedgerConformance(ctx context.Context, ledger core.ReplayLedger, key string) error {
	if ledger == nil {
		return fmt.Errorf("devkit: replay ledger is required")
	}
	accepted, err := ledger.Claim(ctx, key, time.Minute)
	if err != nil {
		return err
	}
	if !accepted {
		return fmt.Errorf("devkit: first claim should be accepted")
	}
	if accepted, err := ledger.Claim(ctx, key, time.Minute); err != nil {
		return err
	} else if accepted {
		return fmt.Errorf("devkit: second claim should not be accepted within ttl")
	}
	if err := ledger.Release(ctx, key); err != nil {
		return err
	}
	if accepted, err := ledger.Claim(ctx, key, time.Minute); err != nil {
		return err
	} else if !accepted {
		return fmt.Errorf("devkit: claim after release should be accepted")
	}
	return ledger.Release(ctx, key)
}

func ValidateSubscriptionStoreConformance(ctx context.Context, store core.SubscriptionStore) error {
	if store == nil {
		return fmt.Errorf("devkit: subscription store is required")
	}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	created, err := store.Create(ctx, core.Subscription{
		ID:              "sub_conformance",
		FormID:          "form_conformance",
		TargetURL:       "https://hooks.example.test/in",
		RemoteHookID:    "hook_conformance",
		EncryptedSecret: []byte("ciphertext"),
		Status:          core.SubscriptionStatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return fmt.Errorf("devkit: create subscription: %w", err)
	}
	if _, err := store.Create(ctx, created); err == nil {
		return fmt.Errorf("devkit: duplicate create should fail")
	}

	loaded, err := store.Get(ctx, created.ID)
	if err != nil {
		return fmt.Errorf("devkit: get subscription: %w", err)
	}
	if loaded.FormID != "form_conformance" || string(loaded.EncryptedSecret) != "ciphertext" {
		return fmt.Errorf("devkit: subscription did not round-trip: %+v", loaded)
	}

	loaded.Status = core.SubscriptionStatusDegraded
	loaded.ConsecutiveFailures = 2
	loaded.LastError = "timeout"
	if _, err := store.Update(ctx, loaded); err != nil {
		return fmt.Errorf("devkit: update subscription: %w", err)
	}
	listed, err := store.List(ctx, core.SubscriptionFilter{
		FormID: "form_conformance",
		Status: core.SubscriptionStatusDegraded,
	})
	if err != nil {
		return fmt.Errorf("devkit: list subscriptions: %w", err)
	}
	if len(listed) != 1 || listed[0].ConsecutiveFailures != 2 {
		return fmt.Errorf("devkit: expected one degraded subscription, got %+v", listed)
	}

	if err := store.Delete(ctx, created.ID); err != nil {
		return fmt.Errorf("devkit: delete subscription: %w", err)
	}
	if _, err := store.Get(ctx, created.ID); !errors.Is(err, core.ErrSubscriptionNotFound) {
		return fmt.Errorf("devkit: expected not found after delete, got %v", err)
	}
	if _, err := store.Update(ctx, created); !errors.Is(err, core.ErrSubscriptionNotFound) {
		return fmt.Errorf("devkit: expected not found on update of missing subscription, got %v", err)
	}
	return nil
}

func ValidateAttemptStoreConformance(ctx context.Context, store core.AttemptStore) error {
	if store == nil {
		return fmt.Errorf("devkit: attempt store is required")
	}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	key := core.AttemptKey{SubscriptionID: "sub_conformance", Fingerprint: "fp_1"}
	attempt := core.DeliveryAttempt{
		Key:                 key,
		AttemptNumber:       2,
		FirstAttemptAt:      now,
		ScheduledAt:         now.Add(2 * time.Minute),
		NextIntervalSeconds: 120,
		Status:              core.AttemptStatusPending,
		LastError:           core.ErrorKindTransientNetwork,
		Payload:             []byte(`{"answer":42}`),
		Headers:             map[string]string{"Content-Type": "application/json"},
		UpdatedAt:           now,
	}
	if err := store.Save(ctx, attempt); err != nil {
		return fmt.Errorf("devkit: save attempt: %w", err)
	}
	attempt.Status = core.AttemptStatusInFlight
	if err := store.Save(ctx, attempt); err != nil {
		return fmt.Errorf("devkit: save attempt again: %w", err)
	}
	if err := store.Save(ctx, core.DeliveryAttempt{
		Key:            core.AttemptKey{SubscriptionID: "sub_conformance", Fingerprint: "fp_2"},
		AttemptNumber:  1,
		FirstAttemptAt: now,
		ScheduledAt:    now,
		Status:         core.AttemptStatusSucceeded,
		UpdatedAt:      now,
	}); err != nil {
		return fmt.Errorf("devkit: save second attempt: %w", err)
	}

	loaded, err := store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("devkit: get attempt: %w", err)
	}
	if loaded.Status != core.AttemptStatusInFlight || loaded.AttemptNumber != 2 {
		return fmt.Errorf("devkit: attempt did not round-trip: %+v", loaded)
	}
	if string(loaded.Payload) != `{"answer":42}` || loaded.Headers["Content-Type"] != "application/json" {
		return fmt.Errorf("devkit: attempt payload did not round-trip")
	}
	listed, err := store.ListBySubscription(ctx, "sub_conformance")
	if err != nil {
		return fmt.Errorf("devkit: list attempts: %w", err)
	}
	if len(listed) != 2 {
		return fmt.Errorf("devkit: expected two attempts, got %d", len(listed))
	}
	if _, err := store.Get(ctx, core.AttemptKey{SubscriptionID: "sub_conformance", Fingerprint: "missing"}); !errors.Is(err, core.ErrAttemptNotFound) {
		return fmt.Errorf("devkit: expected attempt not found, got %v", err)
	}
	return nil
}
