package transport

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-formhooks/core"
)

// EgressDeps is everything an egress variant may need. The limiter is
// passed explicitly to every variant; there is no package-level limiter.
type EgressDeps struct {
	Config   core.EgressConfig
	Client   HTTPDoer
	Limiter  core.RateLimiter
	Policy   core.RateLimitPolicy
	Observer *core.Observer
}

func (d EgressDeps) observer() *core.Observer {
	if d.Observer != nil {
		return d.Observer
	}
	return core.NewObserver("formhooks.transport", nil, nil, nil)
}

func (d EgressDeps) rateLimitKey() core.RateLimitKey {
	return core.RateLimitKey{ProviderID: d.Config.ProviderID, BucketKey: "hooks"}
}

type EgressFactory func(deps EgressDeps) (core.EgressDispatcher, error)

// Registry maps egress kinds to factories. The dispatcher variant is picked
// once, at construction time.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]EgressFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]EgressFactory{}}
}

func NewDefaultRegistry() *Registry {
	registry := NewRegistry()
	_ = registry.Register(core.EgressKindDirect, func(deps EgressDeps) (core.EgressDispatcher, error) {
		return NewDirectEgress(deps)
	})
	_ = registry.Register(core.EgressKindRelay, func(deps EgressDeps) (core.EgressDispatcher, error) {
		return NewRelayEgress(deps)
	})
	return registry
}

func (r *Registry) Register(kind string, factory EgressFactory) error {
	if r == nil {
		return fmt.Errorf("transport: registry is nil")
	}
	kind = normalizeKind(kind)
	if kind == "" {
		return fmt.Errorf("transport: egress kind is required")
	}
	if factory == nil {
		return fmt.Errorf("transport: egress factory is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("transport: egress kind %q already registered", kind)
	}
	r.factories[kind] = factory
	return nil
}

func (r *Registry) Build(kind string, deps EgressDeps) (core.EgressDispatcher, error) {
	if r == nil {
		return nil, fmt.Errorf("transport: registry is nil")
	}
	kind = normalizeKind(kind)
	r.mu.RLock()
	factory := r.factories[kind]
	r.mu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("transport: egress kind %q not registered", kind)
	}
	dispatcher, err := factory(deps)
	if err != nil {
		return nil, err
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("transport: factory for %q returned nil dispatcher", kind)
	}
	return dispatcher, nil
}

func (r *Registry) Kinds() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// NewEgressDispatcher builds the variant selected by deps.Config.
func NewEgressDispatcher(deps EgressDeps) (core.EgressDispatcher, error) {
	return NewDefaultRegistry().Build(deps.Config.Kind(), deps)
}

func normalizeKind(kind string) string {
	return strings.TrimSpace(strings.ToLower(kind))
}
