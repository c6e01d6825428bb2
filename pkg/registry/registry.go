// Package registry maps backend names to adapters and caches whether each
// adapter's executable is available.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/openfroyo/pkgdeck/pkg/engine"
	"github.com/openfroyo/pkgdeck/pkg/telemetry"
)

// DefaultProbeTTL is how long an availability probe result is reused.
const DefaultProbeTTL = 30 * time.Second

// LookupTimeout bounds a single availability lookup.
const LookupTimeout = 10 * time.Second

// Descriptor describes a registered backend for listings.
type Descriptor struct {
	Name         string               `json:"name"`
	Available    bool                 `json:"available"`
	Capabilities engine.CapabilitySet `json:"capabilities"`
	Scopes       []engine.ScopeKind   `json:"scopes"`
}

type probe struct {
	available bool
	at        time.Time
}

// Registry implements engine.BackendResolver.
type Registry struct {
	// mu protects backends, order and probes.
	mu sync.RWMutex

	backends map[string]engine.Backend

	// order keeps registration order for Names.
	order []string

	probes   map[string]probe
	probeTTL time.Duration
	group    singleflight.Group

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

var _ engine.BackendResolver = (*Registry)(nil)

// New creates an empty registry. A non-positive probeTTL uses
// DefaultProbeTTL; a nil tel disables instrumentation.
func New(probeTTL time.Duration, tel *telemetry.Telemetry) *Registry {
	if probeTTL <= 0 {
		probeTTL = DefaultProbeTTL
	}
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Registry{
		backends: make(map[string]engine.Backend),
		probes:   make(map[string]probe),
		probeTTL: probeTTL,
		logger:   tel.Logger.Component("registry"),
		metrics:  tel.Metrics,
		now:      time.Now,
	}
}

// Register adds a backend. Names must be unique.
func (r *Registry) Register(b engine.Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := b.Name()
	if name == "" {
		return fmt.Errorf("backend name is required")
	}
	if _, exists := r.backends[name]; exists {
		return fmt.Errorf("backend %s already registered", name)
	}
	r.backends[name] = b
	r.order = append(r.order, name)

	r.logger.Debug().
		Str("backend", name).
		Strs("capabilities", b.Capabilities().Strings()).
		Msg("backend registered")
	return nil
}

// Backend returns the named backend. An unknown name is reported as
// ManagerUnavailable.
func (r *Registry) Backend(name string) (engine.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[name]
	if !ok {
		return nil, engine.NewManagerUnavailableError(name, nil).
			WithCode(engine.ErrCodeUnknownManager).
			WithMessage(fmt.Sprintf("unknown package manager %q", name))
	}
	return b, nil
}

// Names returns backend names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Available returns the cached probe for name, probing when the cached
// result is older than the probe TTL. Concurrent probes of one backend share
// a single lookup, which runs detached from any caller's cancellation and is
// bounded by LookupTimeout. A caller whose ctx ends first gets false without
// affecting the cached result. Unknown names are unavailable.
func (r *Registry) Available(ctx context.Context, name string) bool {
	b, err := r.Backend(name)
	if err != nil {
		return false
	}

	r.mu.RLock()
	p, ok := r.probes[name]
	r.mu.RUnlock()
	if ok && r.now().Sub(p.at) < r.probeTTL {
		return p.available
	}

	ch := r.group.DoChan(name, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), LookupTimeout)
		defer cancel()

		available := b.Available(lookupCtx)
		r.mu.Lock()
		r.probes[name] = probe{available: available, at: r.now()}
		r.mu.Unlock()

		r.metrics.RecordProbe(name, available)
		r.logger.Debug().Str("backend", name).Bool("available", available).Msg("availability probed")
		return available, nil
	})

	select {
	case res := <-ch:
		return res.Val.(bool)
	case <-ctx.Done():
		return false
	}
}

// InvalidateProbe forgets the cached probe for name, or for every backend
// when name is empty.
func (r *Registry) InvalidateProbe(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		r.probes = make(map[string]probe)
		return
	}
	delete(r.probes, name)
}

// Descriptors describes every backend, probing availability in parallel.
func (r *Registry) Descriptors(ctx context.Context) []Descriptor {
	names := r.Names()
	out := make([]Descriptor, len(names))

	var wg sync.WaitGroup
	for i, name := range names {
		b, err := r.Backend(name)
		if err != nil {
			continue
		}
		out[i] = Descriptor{
			Name:         name,
			Capabilities: b.Capabilities(),
			Scopes:       scopesOf(b),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i].Available = r.Available(ctx, name)
		}()
	}
	wg.Wait()
	return out
}

func scopesOf(b engine.Backend) []engine.ScopeKind {
	var scopes []engine.ScopeKind
	for _, kind := range []engine.ScopeKind{engine.ScopeGlobal, engine.ScopeLocal} {
		if b.SupportsScope(kind) {
			scopes = append(scopes, kind)
		}
	}
	return scopes
}
