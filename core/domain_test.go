package core

import (
	"errors"
	"testing"
	"time"
)

func TestSubscriptionTransitionTo_ActiveResetsFailureState(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sub := Subscription{ID: "sub_1", Status: SubscriptionStatusActive}

	if err := sub.TransitionTo(SubscriptionStatusDegraded, "read timeout", now); err != nil {
		t.Fatalf("degrade: %v", err)
	}
	sub.ConsecutiveFailures = 3
	if sub.LastError != "read timeout" {
		t.Fatalf("expected last error to be recorded, got %q", sub.LastError)
	}

	if err := sub.TransitionTo(SubscriptionStatusActive, "", now.Add(time.Minute)); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if sub.ConsecutiveFailures != 0 || sub.LastError != "" {
		t.Fatalf("expected failure state cleared, got failures=%d last_error=%q", sub.ConsecutiveFailures, sub.LastError)
	}
	if !sub.UpdatedAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected updated_at to advance")
	}
}

func TestSubscriptionTransitionTo_DisabledStampsDisabledAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sub := Subscription{ID: "sub_1", Status: SubscriptionStatusDegraded}

	if err := sub.TransitionTo(SubscriptionStatusDisabled, "retry exhausted", now); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if sub.DisabledAt == nil || !sub.DisabledAt.Equal(now) {
		t.Fatalf("expected disabled_at %v, got %v", now, sub.DisabledAt)
	}

	if err := sub.TransitionTo(SubscriptionStatusActive, "", now.Add(time.Hour)); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	if sub.DisabledAt != nil {
		t.Fatalf("expected disabled_at cleared on re-enable")
	}
}

func TestSubscriptionTransitionTo_RejectsDisabledToDegraded(t *testing.T) {
	sub := Subscription{ID: "sub_1", Status: SubscriptionStatusDisabled}
	err := sub.TransitionTo(SubscriptionStatusDegraded, "timeout", time.Now())
	if !errors.Is(err, ErrInvalidSubscriptionStatusTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if sub.Status != SubscriptionStatusDisabled {
		t.Fatalf("status must not change on rejected transition")
	}
}

func TestSubscriptionTransitionTo_RejectsUnknownStatus(t *testing.T) {
	sub := Subscription{ID: "sub_1", Status: SubscriptionStatusActive}
	if err := sub.TransitionTo(SubscriptionStatus("paused"), "", time.Now()); !errors.Is(err, ErrInvalidSubscriptionStatusTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestDeliveryAttemptTransitionTo(t *testing.T) {
	now := time.Now().UTC()
	attempt := DeliveryAttempt{Status: AttemptStatusPending}

	steps := []AttemptStatus{AttemptStatusInFlight, AttemptStatusPending, AttemptStatusInFlight, AttemptStatusSucceeded}
	for _, status := range steps {
		if err := attempt.TransitionTo(status, now); err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
	}
	if !attempt.Status.Terminal() {
		t.Fatalf("expected terminal status")
	}
	if err := attempt.TransitionTo(AttemptStatusPending, now); !errors.Is(err, ErrInvalidAttemptStatusTransition) {
		t.Fatalf("expected terminal attempt to reject transition, got %v", err)
	}
}

func TestParseAttemptKey(t *testing.T) {
	key := AttemptKey{SubscriptionID: "sub_1", Fingerprint: PayloadFingerprint([]byte(`{"a":1}`))}
	parsed, err := ParseAttemptKey(key.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != key {
		t.Fatalf("expected %+v, got %+v", key, parsed)
	}

	for _, raw := range []string{"", "sub_1", ":abc", "sub_1:"} {
		if _, err := ParseAttemptKey(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestPayloadFingerprint_IsContentAddressed(t *testing.T) {
	a := PayloadFingerprint([]byte(`{"answer":42}`))
	b := PayloadFingerprint([]byte(`{"answer":42}`))
	c := PayloadFingerprint([]byte(`{"answer":43}`))
	if a != b {
		t.Fatalf("expected identical payloads to share a fingerprint")
	}
	if a == c {
		t.Fatalf("expected different payloads to differ")
	}
	if len(a) != 64 {
		t.Fatalf("expected hex sha256, got %q", a)
	}
}
