package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidSubscriptionStatusTransition = errors.New("core: invalid subscription status transition")
	ErrInvalidAttemptStatusTransition      = errors.New("core: invalid attempt status transition")
	ErrSubscriptionNotFound                = errors.New("core: subscription not found")
	ErrAttemptNotFound                     = errors.New("core: delivery attempt not found")
	ErrSubscriptionDisabled                = errors.New("core: subscription is disabled")
)

type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusDegraded SubscriptionStatus = "degraded"
	SubscriptionStatusDisabled SubscriptionStatus = "disabled"
)

func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionStatusActive, SubscriptionStatusDegraded, SubscriptionStatusDisabled:
		return true
	default:
		return false
	}
}

// Subscription is one hook registered with the forms provider. The signing
// secret never leaves the store in clear text; EncryptedSecret holds the
// ciphertext produced by the configured SecretProvider.
type Subscription struct {
	ID                  string
	FormID              string
	TargetURL           string
	RemoteHookID        string
	EncryptedSecret     []byte
	Status              SubscriptionStatus
	ConsecutiveFailures int
	LastError           string
	LastSyncedAt        *time.Time
	DisabledAt          *time.Time
	Metadata            map[string]any
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (s *Subscription) TransitionTo(status SubscriptionStatus, reason string, now time.Time) error {
	if s == nil {
		return nil
	}
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidSubscriptionStatusTransition, status)
	}
	if s.Status == status {
		s.UpdatedAt = now
		if strings.TrimSpace(reason) != "" {
			s.LastError = strings.TrimSpace(reason)
		}
		return nil
	}
	if !subscriptionTransitionAllowed(s.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidSubscriptionStatusTransition, s.Status, status)
	}
	s.Status = status
	s.UpdatedAt = now
	if strings.TrimSpace(reason) != "" {
		s.LastError = strings.TrimSpace(reason)
	}
	switch status {
	case SubscriptionStatusActive:
		s.ConsecutiveFailures = 0
		s.LastError = ""
		s.DisabledAt = nil
	case SubscriptionStatusDisabled:
		disabledAt := now
		s.DisabledAt = &disabledAt
	}
	return nil
}

// Disabled -> Active is only reachable through an administrative re-enable,
// callers enforce that; the table only rules out Disabled -> Degraded.
func subscriptionTransitionAllowed(current, next SubscriptionStatus) bool {
	allowed := map[SubscriptionStatus]map[SubscriptionStatus]struct{}{
		SubscriptionStatusActive: {
			SubscriptionStatusDegraded: {},
			SubscriptionStatusDisabled: {},
		},
		SubscriptionStatusDegraded: {
			SubscriptionStatusActive:   {},
			SubscriptionStatusDisabled: {},
		},
		SubscriptionStatusDisabled: {
			SubscriptionStatusActive: {},
		},
	}
	_, ok := allowed[current][next]
	return ok
}

type AttemptStatus string

const (
	AttemptStatusPending   AttemptStatus = "pending"
	AttemptStatusInFlight  AttemptStatus = "in_flight"
	AttemptStatusSucceeded AttemptStatus = "succeeded"
	AttemptStatusFailed    AttemptStatus = "failed"
	AttemptStatusExhausted AttemptStatus = "exhausted"
)

func (s AttemptStatus) Terminal() bool {
	switch s {
	case AttemptStatusSucceeded, AttemptStatusFailed, AttemptStatusExhausted:
		return true
	default:
		return false
	}
}

// AttemptKey deduplicates retry work: one payload for one subscription.
type AttemptKey struct {
	SubscriptionID string
	Fingerprint    string
}

func (k AttemptKey) String() string {
	return strings.TrimSpace(k.SubscriptionID) + ":" + strings.TrimSpace(k.Fingerprint)
}

func (k AttemptKey) Validate() error {
	if strings.TrimSpace(k.SubscriptionID) == "" {
		return fmt.Errorf("core: attempt subscription id is required")
	}
	if strings.TrimSpace(k.Fingerprint) == "" {
		return fmt.Errorf("core: attempt payload fingerprint is required")
	}
	return nil
}

func ParseAttemptKey(value string) (AttemptKey, error) {
	subscriptionID, fingerprint, ok := strings.Cut(strings.TrimSpace(value), ":")
	key := AttemptKey{SubscriptionID: subscriptionID, Fingerprint: fingerprint}
	if !ok {
		return AttemptKey{}, fmt.Errorf("core: malformed attempt key %q", value)
	}
	if err := key.Validate(); err != nil {
		return AttemptKey{}, err
	}
	return key, nil
}

type DeliveryAttempt struct {
	Key                 AttemptKey
	AttemptNumber       int
	FirstAttemptAt      time.Time
	ScheduledAt         time.Time
	NextIntervalSeconds int64
	Status              AttemptStatus
	LastError           ErrorKind
	LastErrorMessage    string
	Payload             []byte
	Headers             map[string]string
	UpdatedAt           time.Time
}

func (a *DeliveryAttempt) TransitionTo(status AttemptStatus, now time.Time) error {
	if a == nil {
		return nil
	}
	if a.Status == status {
		a.UpdatedAt = now
		return nil
	}
	if !attemptTransitionAllowed(a.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidAttemptStatusTransition, a.Status, status)
	}
	a.Status = status
	a.UpdatedAt = now
	return nil
}

func attemptTransitionAllowed(current, next AttemptStatus) bool {
	allowed := map[AttemptStatus]map[AttemptStatus]struct{}{
		AttemptStatusPending: {
			AttemptStatusInFlight:  {},
			AttemptStatusFailed:    {},
			AttemptStatusExhausted: {},
		},
		AttemptStatusInFlight: {
			AttemptStatusPending:   {},
			AttemptStatusSucceeded: {},
			AttemptStatusFailed:    {},
			AttemptStatusExhausted: {},
		},
	}
	_, ok := allowed[current][next]
	return ok
}

type FailureClass string

const (
	FailureTransient FailureClass = "transient"
	FailurePermanent FailureClass = "permanent"
)

// StatusChange is published by the lifecycle manager after a subscription
// status write commits. Deleted is set when the subscription was removed.
type StatusChange struct {
	SubscriptionID string
	From           SubscriptionStatus
	To             SubscriptionStatus
	Reason         string
	Deleted        bool
	At             time.Time
}
