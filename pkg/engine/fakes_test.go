package engine

import (
	"context"
	"sync"
	"time"
)

// fakeBackend is a scriptable in-memory backend that counts calls.
type fakeBackend struct {
	name      string
	caps      CapabilitySet
	scopes    []ScopeKind
	available bool

	list     func(ctx context.Context, scope Scope) ([]Package, error)
	search   func(ctx context.Context, query string) ([]Package, error)
	outdated func(ctx context.Context, scope Scope) ([]Package, error)
	mutate   func(ctx context.Context, op Operation, req MutationRequest) error

	mu    sync.Mutex
	calls map[string]int
}

func newFakeBackend(name string, caps ...Capability) *fakeBackend {
	return &fakeBackend{
		name:      name,
		caps:      Capabilities(caps...),
		scopes:    []ScopeKind{ScopeGlobal, ScopeLocal},
		available: true,
		calls:     make(map[string]int),
	}
}

func (f *fakeBackend) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
}

func (f *fakeBackend) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Capabilities() CapabilitySet { return f.caps }

func (f *fakeBackend) Available(context.Context) bool { return f.available }

func (f *fakeBackend) SupportsScope(kind ScopeKind) bool {
	for _, k := range f.scopes {
		if k == kind {
			return true
		}
	}
	return false
}

func (f *fakeBackend) CacheKey(scope Scope) CacheKey {
	return NewCacheKey(f.name, scope)
}

func (f *fakeBackend) ListInstalled(ctx context.Context, scope Scope) ([]Package, error) {
	f.record("list")
	if f.list == nil {
		return nil, nil
	}
	return f.list(ctx, scope)
}

func (f *fakeBackend) Search(ctx context.Context, query string) ([]Package, error) {
	f.record("search")
	if f.search == nil {
		return nil, nil
	}
	return f.search(ctx, query)
}

func (f *fakeBackend) Info(_ context.Context, _ Scope, name string) (*Package, error) {
	f.record("info")
	return &Package{Name: name, Version: "1.0.0", Backend: f.name}, nil
}

func (f *fakeBackend) Outdated(ctx context.Context, scope Scope) ([]Package, error) {
	f.record("outdated")
	if f.outdated == nil {
		return nil, nil
	}
	return f.outdated(ctx, scope)
}

func (f *fakeBackend) Dependencies(_ context.Context, _ Scope, _ string) ([]Package, error) {
	f.record("dependencies")
	return []Package{{Name: "dep", Backend: f.name}}, nil
}

func (f *fakeBackend) do(ctx context.Context, op Operation, req MutationRequest) error {
	f.record(string(op) + ":" + req.Name)
	if f.mutate == nil {
		return nil
	}
	return f.mutate(ctx, op, req)
}

func (f *fakeBackend) Install(ctx context.Context, req MutationRequest) error {
	return f.do(ctx, OperationInstall, req)
}

func (f *fakeBackend) Upgrade(ctx context.Context, req MutationRequest) error {
	return f.do(ctx, OperationUpdate, req)
}

func (f *fakeBackend) Uninstall(ctx context.Context, req MutationRequest) error {
	return f.do(ctx, OperationUninstall, req)
}

// fakeResolver resolves fake backends by name.
type fakeResolver struct {
	order    []string
	backends map[string]Backend
}

func newFakeResolver(backends ...Backend) *fakeResolver {
	r := &fakeResolver{backends: make(map[string]Backend)}
	for _, b := range backends {
		r.order = append(r.order, b.Name())
		r.backends[b.Name()] = b
	}
	return r
}

func (r *fakeResolver) Backend(name string) (Backend, error) {
	b, ok := r.backends[name]
	if !ok {
		return nil, NewManagerUnavailableError(name, nil).WithCode(ErrCodeUnknownManager)
	}
	return b, nil
}

func (r *fakeResolver) Available(ctx context.Context, name string) bool {
	b, err := r.Backend(name)
	return err == nil && b.Available(ctx)
}

func (r *fakeResolver) Names() []string { return r.order }

// memCache is a minimal CacheStore with an adjustable clock.
type memCache struct {
	mu      sync.Mutex
	entries map[CacheKey]*CacheEntry
	now     time.Time
	gens    Generations
}

func newMemCache() *memCache {
	return &memCache{
		entries: make(map[CacheKey]*CacheEntry),
		now:     time.Now(),
	}
}

func (c *memCache) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *memCache) Get(_ context.Context, key CacheKey) (*CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	return &CacheEntry{
		Key:       key,
		Packages:  ClonePackages(e.Packages),
		FetchedAt: e.FetchedAt,
		Age:       c.now.Sub(e.FetchedAt),
	}, nil
}

func (c *memCache) Set(_ context.Context, key CacheKey, pkgs []Package) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pkgs == nil {
		pkgs = []Package{}
	}
	c.entries[key] = &CacheEntry{Key: key, Packages: ClonePackages(pkgs), FetchedAt: c.now}
	return nil
}

func (c *memCache) Invalidate(_ context.Context, key CacheKey) error {
	return c.gens.Invalidate(key, func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.entries, key)
		return nil
	})
}

func (c *memCache) Generation(key CacheKey) uint64 {
	return c.gens.Current(key)
}

func (c *memCache) SetIfGeneration(ctx context.Context, key CacheKey, gen uint64, pkgs []Package) (bool, error) {
	return c.gens.StoreIf(key, gen, func() error {
		return c.Set(ctx, key, pkgs)
	})
}

func (c *memCache) has(key CacheKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}
