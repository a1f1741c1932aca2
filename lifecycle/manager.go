// Package lifecycle owns webhook subscriptions: their remote registration
// with the forms provider and the Active / Degraded / Disabled state machine.
//
// Status writes for one subscription are serialized by a SubscriptionLocker.
// Status listeners run after the write commits, still under that lock, so
// they observe changes in order; a listener must not call back into the
// Manager for the same subscription.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-formhooks/core"
	"github.com/goliatone/go-formhooks/security"
	"github.com/google/uuid"
)

type CreateInput struct {
	FormID    string
	TargetURL string
	// Secret is generated when empty.
	Secret   string
	Metadata map[string]any
}

// Created carries the signing secret in clear text. It is the only time
// the secret leaves the Manager.
type Created struct {
	Subscription core.Subscription
	Secret       string
}

type Option func(*Manager)

func WithObserver(observer *core.Observer) Option {
	return func(m *Manager) {
		if observer != nil {
			m.observer = observer
		}
	}
}

func WithLocker(locker SubscriptionLocker) Option {
	return func(m *Manager) {
		if locker != nil {
			m.locker = locker
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithIDGenerator(next func() string) Option {
	return func(m *Manager) {
		if next != nil {
			m.newID = next
		}
	}
}

func WithSecretGenerator(next func() (string, error)) Option {
	return func(m *Manager) {
		if next != nil {
			m.newSecret = next
		}
	}
}

func WithStatusListener(listener core.StatusListener) Option {
	return func(m *Manager) {
		if listener != nil {
			m.listeners = append(m.listeners, listener)
		}
	}
}

type Manager struct {
	store     core.SubscriptionStore
	registry  core.HookRegistry
	secrets   core.SecretProvider
	locker    SubscriptionLocker
	observer  *core.Observer
	now       func() time.Time
	newID     func() string
	newSecret func() (string, error)

	listenersMu sync.RWMutex
	listeners   []core.StatusListener
}

func NewManager(
	store core.SubscriptionStore,
	registry core.HookRegistry,
	secrets core.SecretProvider,
	opts ...Option,
) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("lifecycle: subscription store is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("lifecycle: hook registry is required")
	}
	if secrets == nil {
		return nil, fmt.Errorf("lifecycle: secret provider is required")
	}
	m := &Manager{
		store:     store,
		registry:  registry,
		secrets:   secrets,
		locker:    NewMemoryLocker(),
		observer:  core.NewObserver("formhooks.lifecycle", nil, nil, nil),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
		newSecret: security.GenerateSigningSecret,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Subscribe registers a listener for status changes.
func (m *Manager) Subscribe(listener core.StatusListener) {
	if m == nil || listener == nil {
		return
	}
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, listener)
}

func (m *Manager) Get(ctx context.Context, id string) (core.Subscription, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return core.Subscription{}, fmt.Errorf("lifecycle: subscription id is required")
	}
	return m.store.Get(ctx, id)
}

func (m *Manager) List(ctx context.Context, filter core.SubscriptionFilter) ([]core.Subscription, error) {
	return m.store.List(ctx, filter)
}

// SecretFor opens the signing secret of sub.
func (m *Manager) SecretFor(ctx context.Context, sub core.Subscription) (string, error) {
	if len(sub.EncryptedSecret) == 0 {
		return "", fmt.Errorf("lifecycle: subscription %q has no signing secret", sub.ID)
	}
	plaintext, err := m.secrets.Decrypt(ctx, sub.EncryptedSecret)
	if err != nil {
		return "", fmt.Errorf("lifecycle: open signing secret: %w", err)
	}
	return string(plaintext), nil
}

func (m *Manager) Create(ctx context.Context, in CreateInput) (result Created, err error) {
	startedAt := time.Now()
	defer func() {
		m.observer.Observe(ctx, startedAt, "subscription_create", err, map[string]any{
			"subscription_id": result.Subscription.ID,
			"form_id":         strings.TrimSpace(in.FormID),
		})
	}()

	formID := strings.TrimSpace(in.FormID)
	targetURL := strings.TrimSpace(in.TargetURL)
	if formID == "" {
		return Created{}, fmt.Errorf("lifecycle: form id is required")
	}
	if targetURL == "" {
		return Created{}, fmt.Errorf("lifecycle: target url is required")
	}
	secret := strings.TrimSpace(in.Secret)
	if secret == "" {
		if secret, err = m.newSecret(); err != nil {
			return Created{}, err
		}
	}
	sealed, err := m.secrets.Encrypt(ctx, []byte(secret))
	if err != nil {
		return Created{}, fmt.Errorf("lifecycle: seal signing secret: %w", err)
	}

	hook, err := m.registry.CreateHook(ctx, core.CreateHookInput{
		FormID:    formID,
		TargetURL: targetURL,
		Secret:    secret,
	})
	if err != nil {
		return Created{}, err
	}

	now := m.now()
	sub, err := m.store.Create(ctx, core.Subscription{
		ID:              m.newID(),
		FormID:          formID,
		TargetURL:       targetURL,
		RemoteHookID:    hook.ID,
		EncryptedSecret: sealed,
		Status:          core.SubscriptionStatusActive,
		LastSyncedAt:    &now,
		Metadata:        copyAnyMap(in.Metadata),
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		if cleanupErr := m.registry.DeleteHook(ctx, hook.ID); cleanupErr != nil {
			err = errors.Join(err, fmt.Errorf("lifecycle: remove orphaned hook %s: %w", hook.ID, cleanupErr))
		}
		return Created{}, err
	}
	return Created{Subscription: sub, Secret: secret}, nil
}

// Update points the remote registration at a new target URL.
func (m *Manager) Update(ctx context.Context, id string, targetURL string) (core.Subscription, error) {
	targetURL = strings.TrimSpace(targetURL)
	if targetURL == "" {
		return core.Subscription{}, fmt.Errorf("lifecycle: target url is required")
	}
	return m.withSubscription(ctx, id, "subscription_update", func(sub *core.Subscription) error {
		if sub.Status == core.SubscriptionStatusDisabled {
			return fmt.Errorf("%w: re-enable %s before updating it", core.ErrSubscriptionDisabled, sub.ID)
		}
		if _, err := m.registry.UpdateHook(ctx, sub.RemoteHookID, targetURL); err != nil {
			return m.providerFailureLocked(ctx, sub, err)
		}
		sub.TargetURL = targetURL
		now := m.now()
		sub.LastSyncedAt = &now
		return m.succeedLocked(ctx, sub, "target updated")
	})
}

func (m *Manager) Delete(ctx context.Context, id string) (err error) {
	startedAt := time.Now()
	defer func() {
		m.observer.Observe(ctx, startedAt, "subscription_delete", err, map[string]any{"subscription_id": id})
	}()

	handle, err := m.lock(ctx, id)
	if err != nil {
		return err
	}
	defer handle.Unlock(ctx)

	sub, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sub.RemoteHookID != "" {
		if err := m.registry.DeleteHook(ctx, sub.RemoteHookID); err != nil {
			return m.providerFailureLocked(ctx, &sub, err)
		}
	}
	if err := m.store.Delete(ctx, sub.ID); err != nil {
		return err
	}
	m.publish(ctx, core.StatusChange{
		SubscriptionID: sub.ID,
		From:           sub.Status,
		To:             core.SubscriptionStatusDisabled,
		Reason:         "deleted",
		Deleted:        true,
		At:             m.now(),
	})
	return nil
}

// Sync reconciles the local record with the remote registration. A hook
// the provider no longer knows disables the subscription; a drifted target
// URL is pushed back. Running Sync twice without remote changes issues no
// second write to the provider.
func (m *Manager) Sync(ctx context.Context, id string) (core.Subscription, error) {
	return m.withSubscription(ctx, id, "subscription_sync", func(sub *core.Subscription) error {
		if sub.Status == core.SubscriptionStatusDisabled {
			return fmt.Errorf("%w: %s", core.ErrSubscriptionDisabled, sub.ID)
		}
		err := m.reconcileLocked(ctx, sub, false)
		if err != nil && core.IsGone(err) && sub.Status == core.SubscriptionStatusDisabled {
			return nil
		}
		return err
	})
}

// ReEnable is the administrative path out of Disabled. It restores the
// remote registration first, recreating the hook if the provider lost it.
func (m *Manager) ReEnable(ctx context.Context, id string) (core.Subscription, error) {
	return m.withSubscription(ctx, id, "subscription_reenable", func(sub *core.Subscription) error {
		if sub.Status != core.SubscriptionStatusDisabled {
			return nil
		}
		if err := m.reconcileLocked(ctx, sub, true); err != nil {
			return err
		}
		return m.transitionLocked(ctx, sub, core.SubscriptionStatusActive, "re-enabled")
	})
}

// MarkSuccess records a successful provider interaction or delivery.
func (m *Manager) MarkSuccess(ctx context.Context, id string) (core.Subscription, error) {
	return m.withSubscription(ctx, id, "", func(sub *core.Subscription) error {
		if sub.Status == core.SubscriptionStatusDisabled {
			return nil
		}
		return m.succeedLocked(ctx, sub, "")
	})
}

// MarkTransientFailure counts a failure and degrades an Active subscription.
func (m *Manager) MarkTransientFailure(ctx context.Context, id string, cause error) (core.Subscription, error) {
	return m.withSubscription(ctx, id, "", func(sub *core.Subscription) error {
		if sub.Status == core.SubscriptionStatusDisabled {
			return nil
		}
		return m.degradeLocked(ctx, sub, cause)
	})
}

func (m *Manager) Disable(ctx context.Context, id string, reason string) (core.Subscription, error) {
	return m.withSubscription(ctx, id, "", func(sub *core.Subscription) error {
		if sub.Status == core.SubscriptionStatusDisabled {
			return nil
		}
		if strings.TrimSpace(reason) == "" {
			reason = "disabled"
		}
		return m.transitionLocked(ctx, sub, core.SubscriptionStatusDisabled, reason)
	})
}

func (m *Manager) withSubscription(
	ctx context.Context,
	id string,
	operation string,
	fn func(sub *core.Subscription) error,
) (out core.Subscription, err error) {
	id = strings.TrimSpace(id)
	if operation != "" {
		startedAt := time.Now()
		defer func() {
			m.observer.Observe(ctx, startedAt, operation, err, map[string]any{
				"subscription_id":     id,
				"subscription_status": string(out.Status),
			})
		}()
	}
	handle, err := m.lock(ctx, id)
	if err != nil {
		return core.Subscription{}, err
	}
	defer handle.Unlock(ctx)

	sub, err := m.store.Get(ctx, id)
	if err != nil {
		return core.Subscription{}, err
	}
	if err := fn(&sub); err != nil {
		return sub, err
	}
	return sub, nil
}

func (m *Manager) lock(ctx context.Context, id string) (LockHandle, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("lifecycle: subscription id is required")
	}
	return m.locker.Acquire(ctx, id)
}

func (m *Manager) reconcileLocked(ctx context.Context, sub *core.Subscription, restore bool) error {
	remote, err := m.remoteHook(ctx, sub)
	switch {
	case err == nil:
		if remote.TargetURL != sub.TargetURL || !remote.Enabled {
			if _, err := m.registry.UpdateHook(ctx, sub.RemoteHookID, sub.TargetURL); err != nil {
				return m.providerFailureLocked(ctx, sub, err)
			}
		}
	case core.IsGone(err) && restore:
		secret, openErr := m.SecretFor(ctx, *sub)
		if openErr != nil {
			return openErr
		}
		hook, createErr := m.registry.CreateHook(ctx, core.CreateHookInput{
			FormID:    sub.FormID,
			TargetURL: sub.TargetURL,
			Secret:    secret,
		})
		if createErr != nil {
			return createErr
		}
		sub.RemoteHookID = hook.ID
	default:
		return m.providerFailureLocked(ctx, sub, err)
	}

	now := m.now()
	sub.LastSyncedAt = &now
	if restore {
		sub.UpdatedAt = now
		return nil
	}
	return m.succeedLocked(ctx, sub, "")
}

func (m *Manager) remoteHook(ctx context.Context, sub *core.Subscription) (core.RemoteHook, error) {
	if strings.TrimSpace(sub.RemoteHookID) == "" {
		return core.RemoteHook{}, core.NewPermanentProviderError("lifecycle: subscription has no remote hook", http.StatusNotFound, map[string]any{
			"subscription_id": sub.ID,
			"status_code":     http.StatusNotFound,
		})
	}
	return m.registry.GetHook(ctx, sub.RemoteHookID)
}

// providerFailureLocked applies the state machine to a failed provider call
// and returns err.
func (m *Manager) providerFailureLocked(ctx context.Context, sub *core.Subscription, err error) error {
	if sub.Status == core.SubscriptionStatusDisabled {
		return err
	}
	switch {
	case core.IsGone(err):
		if transitionErr := m.transitionLocked(ctx, sub, core.SubscriptionStatusDisabled, "remote hook gone: "+err.Error()); transitionErr != nil {
			return errors.Join(err, transitionErr)
		}
	case core.Classify(err) == core.FailureTransient:
		if degradeErr := m.degradeLocked(ctx, sub, err); degradeErr != nil {
			return errors.Join(err, degradeErr)
		}
	}
	return err
}

func (m *Manager) succeedLocked(ctx context.Context, sub *core.Subscription, reason string) error {
	if sub.Status == core.SubscriptionStatusDegraded {
		return m.transitionLocked(ctx, sub, core.SubscriptionStatusActive, reason)
	}
	sub.ConsecutiveFailures = 0
	sub.LastError = ""
	sub.UpdatedAt = m.now()
	return m.save(ctx, sub)
}

func (m *Manager) degradeLocked(ctx context.Context, sub *core.Subscription, cause error) error {
	reason := "transient failure"
	if cause != nil {
		reason = cause.Error()
	}
	sub.ConsecutiveFailures++
	if sub.Status == core.SubscriptionStatusActive {
		return m.transitionLocked(ctx, sub, core.SubscriptionStatusDegraded, reason)
	}
	sub.LastError = reason
	sub.UpdatedAt = m.now()
	return m.save(ctx, sub)
}

func (m *Manager) transitionLocked(ctx context.Context, sub *core.Subscription, to core.SubscriptionStatus, reason string) error {
	from := sub.Status
	now := m.now()
	if err := sub.TransitionTo(to, reason, now); err != nil {
		return err
	}
	if err := m.save(ctx, sub); err != nil {
		return err
	}
	if from != to {
		m.publish(ctx, core.StatusChange{
			SubscriptionID: sub.ID,
			From:           from,
			To:             to,
			Reason:         reason,
			At:             now,
		})
	}
	return nil
}

func (m *Manager) save(ctx context.Context, sub *core.Subscription) error {
	updated, err := m.store.Update(ctx, *sub)
	if err != nil {
		return err
	}
	*sub = updated
	return nil
}

func (m *Manager) publish(ctx context.Context, change core.StatusChange) {
	m.observer.Info(ctx, "subscription status changed", map[string]any{
		"subscription_id": change.SubscriptionID,
		"from":            string(change.From),
		"to":              string(change.To),
		"reason":          change.Reason,
		"deleted":         change.Deleted,
	})
	m.observer.Count(ctx, "formhooks.subscription_status.transitions", 1, map[string]string{
		"from": string(change.From),
		"to":   string(change.To),
	})

	m.listenersMu.RLock()
	listeners := append([]core.StatusListener(nil), m.listeners...)
	m.listenersMu.RUnlock()
	for _, listener := range listeners {
		listener(ctx, change)
	}
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
