package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/openfroyo/pkgdeck/pkg/telemetry"
)

// Catalog defaults.
const (
	DefaultCacheTTL          = 5 * time.Minute
	DefaultOutdatedTimeout   = 5 * time.Second
	DefaultSearchConcurrency = 4
)

// CatalogConfig tunes the read path.
type CatalogConfig struct {
	// CacheTTL is the age past which a cached listing is stale.
	CacheTTL time.Duration

	// OutdatedTimeout bounds the outdated query merged into listings.
	OutdatedTimeout time.Duration

	// SearchConcurrency bounds how many backends are searched at once.
	SearchConcurrency int
}

// DirWatcher is notified of local-scope listings so it can invalidate them
// when the project changes on disk.
type DirWatcher interface {
	Watch(key CacheKey, scope Scope) error
}

// ListOptions controls how a listing uses the cache.
type ListOptions struct {
	// Refresh drops the cached entry and fetches a new one.
	Refresh bool

	// AllowStale returns a stale entry as-is instead of refetching.
	AllowStale bool

	// WithOutdated merges the backend's outdated report into the listing.
	WithOutdated bool
}

// Listing is the installed package set of one backend in one scope.
type Listing struct {
	Backend   string        `json:"backend"`
	Scope     Scope         `json:"scope"`
	Packages  []Package     `json:"packages"`
	FetchedAt time.Time     `json:"fetched_at"`
	Age       time.Duration `json:"age"`
	Cached    bool          `json:"cached"`
	Stale     bool          `json:"stale"`
}

// BackendFailure is a per-backend error reported next to partial results.
type BackendFailure struct {
	Backend string     `json:"backend"`
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`
}

// SearchResult holds the merged matches of a fan-out search.
type SearchResult struct {
	Query    string           `json:"query"`
	Packages []Package        `json:"packages"`
	Failures []BackendFailure `json:"failures,omitempty"`
}

// Catalog serves the read path: listings through the cache, and search,
// info, outdated and dependency queries straight from the backends.
type Catalog struct {
	backends BackendResolver
	cache    CacheStore
	cfg      CatalogConfig

	// fetches deduplicates concurrent listings of one cache key.
	fetches singleflight.Group

	watchMu sync.RWMutex
	watcher DirWatcher

	logger  zerolog.Logger
	tracer  *telemetry.Tracer
	metrics *telemetry.Metrics
}

// NewCatalog creates a catalog. Zero config fields take defaults; a nil tel
// disables instrumentation.
func NewCatalog(backends BackendResolver, cache CacheStore, cfg CatalogConfig, tel *telemetry.Telemetry) *Catalog {
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.OutdatedTimeout <= 0 {
		cfg.OutdatedTimeout = DefaultOutdatedTimeout
	}
	if cfg.SearchConcurrency <= 0 {
		cfg.SearchConcurrency = DefaultSearchConcurrency
	}
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Catalog{
		backends: backends,
		cache:    cache,
		cfg:      cfg,
		logger:   tel.Logger.Component("catalog"),
		tracer:   tel.Tracer,
		metrics:  tel.Metrics,
	}
}

// SetWatcher registers local-scope listings with w.
func (c *Catalog) SetWatcher(w DirWatcher) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	c.watcher = w
}

// CacheTTL returns the configured staleness threshold.
func (c *Catalog) CacheTTL() time.Duration {
	return c.cfg.CacheTTL
}

// ListInstalled returns the installed packages of backend in scope. A fresh
// cache entry is returned without running any command.
func (c *Catalog) ListInstalled(ctx context.Context, backend string, scope Scope, opts ListOptions) (listing *Listing, err error) {
	b, err := c.backends.Backend(backend)
	if err != nil {
		return nil, err
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := RequireCapability(b, CapListInstalled, "list"); err != nil {
		return nil, err
	}
	if err := RequireScope(b, scope, "list"); err != nil {
		return nil, err
	}

	ctx, span := c.tracer.StartCatalogSpan(ctx, backend, "list")
	defer func() { telemetry.EndSpan(span, err) }()

	key := b.CacheKey(scope)
	if opts.Refresh {
		if err := c.cache.Invalidate(ctx, key); err != nil {
			c.logger.Warn().Err(err).Str("key", key.String()).Msg("failed to invalidate before refresh")
		}
		c.metrics.RecordCacheInvalidation(backend, "refresh")
	} else {
		listing, err = c.cached(ctx, key, scope, opts.AllowStale)
		if err != nil {
			return nil, err
		}
	}

	if listing == nil {
		return c.fetch(ctx, b, key, scope, opts.WithOutdated)
	}
	if opts.WithOutdated {
		c.mergeOutdated(ctx, b, scope, listing.Packages)
	}
	return listing, nil
}

// cached returns the usable cache entry for key, or nil on a miss.
func (c *Catalog) cached(ctx context.Context, key CacheKey, scope Scope, allowStale bool) (*Listing, error) {
	entry, err := c.cache.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache: %w", err)
	}
	if entry == nil {
		c.metrics.RecordCacheLookup(key.Backend, "miss")
		return nil, nil
	}

	stale := entry.IsStale(c.cfg.CacheTTL)
	if stale && !allowStale {
		c.metrics.RecordCacheLookup(key.Backend, "stale")
		return nil, nil
	}
	c.metrics.RecordCacheLookup(key.Backend, "hit")
	return &Listing{
		Backend:   key.Backend,
		Scope:     scope,
		Packages:  entry.Packages,
		FetchedAt: entry.FetchedAt,
		Age:       entry.Age,
		Cached:    true,
		Stale:     stale,
	}, nil
}

// fetch lists the backend once per key and generation at a time and stores
// the result. A listing that started before the key was invalidated is
// returned to the callers that asked for it but never written back, and
// callers arriving after the invalidation start a new fetch. Joiners stop
// waiting when their own context ends.
func (c *Catalog) fetch(ctx context.Context, b Backend, key CacheKey, scope Scope, withOutdated bool) (*Listing, error) {
	gen := c.cache.Generation(key)
	flight := fmt.Sprintf("%s@%d", key, gen)
	if withOutdated {
		flight += "+outdated"
	}

	ch := c.fetches.DoChan(flight, func() (interface{}, error) {
		// Bounded by the executor's read timeout.
		fetchCtx := context.WithoutCancel(ctx)
		start := time.Now()
		pkgs, err := b.ListInstalled(fetchCtx, scope)
		if err != nil {
			return nil, err
		}
		if pkgs == nil {
			pkgs = []Package{}
		}
		if withOutdated {
			c.mergeOutdated(fetchCtx, b, scope, pkgs)
		}

		stored, err := c.cache.SetIfGeneration(fetchCtx, key, gen, pkgs)
		switch {
		case err != nil:
			c.logger.Warn().Err(err).Str("key", key.String()).Msg("failed to store listing")
		case !stored:
			c.logger.Debug().Str("key", key.String()).Msg("listing invalidated while fetching, not cached")
		}
		c.watch(key, scope)
		c.logger.Debug().
			Str("backend", key.Backend).
			Str("scope", scope.String()).
			Int("packages", len(pkgs)).
			Dur("duration", time.Since(start)).
			Msg("listing fetched")
		return &Listing{
			Backend:   key.Backend,
			Scope:     scope,
			Packages:  pkgs,
			FetchedAt: start,
		}, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		shared := res.Val.(*Listing)
		listing := *shared
		listing.Packages = ClonePackages(shared.Packages)
		return &listing, nil
	case <-ctx.Done():
		return nil, NewCancelledError(ctx.Err())
	}
}

func (c *Catalog) watch(key CacheKey, scope Scope) {
	if scope.Kind != ScopeLocal {
		return
	}
	c.watchMu.RLock()
	w := c.watcher
	c.watchMu.RUnlock()
	if w == nil {
		return
	}
	if err := w.Watch(key, scope); err != nil {
		c.logger.Warn().Err(err).Str("dir", scope.Dir).Msg("failed to watch project directory")
	}
}

// mergeOutdated marks packages with newer versions in place. Failures leave
// the packages untouched.
func (c *Catalog) mergeOutdated(ctx context.Context, b Backend, scope Scope, pkgs []Package) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OutdatedTimeout)
	defer cancel()

	outdated, err := b.Outdated(ctx, scope)
	if err != nil {
		c.logger.Warn().Err(err).Str("backend", b.Name()).Msg("outdated check failed")
		return
	}
	latest := make(map[string]string, len(outdated))
	for _, p := range outdated {
		latest[p.Name] = p.LatestVersion
	}
	for i := range pkgs {
		if v, ok := latest[pkgs[i].Name]; ok {
			pkgs[i].Outdated = true
			pkgs[i].LatestVersion = v
		}
	}
}

// Search queries every named backend that declares SearchRemote and is
// available, in parallel. With no names every registered backend is
// considered. A backend failure is reported in the result and never fails
// the whole search.
func (c *Catalog) Search(ctx context.Context, query string, backends []string) (*SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, NewInvalidError("search query is required")
	}

	explicit := len(backends) > 0
	if !explicit {
		backends = c.backends.Names()
	}

	type outcome struct {
		pkgs []Package
		err  error
	}
	results := make([]outcome, len(backends))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.SearchConcurrency)
	for i, name := range backends {
		b, err := c.backends.Backend(name)
		if err != nil {
			results[i].err = err
			continue
		}
		if !b.Capabilities().Has(CapSearchRemote) {
			if explicit {
				results[i].err = RequireCapability(b, CapSearchRemote, "search")
			}
			continue
		}
		g.Go(func() error {
			if !c.backends.Available(gctx, name) {
				if explicit {
					results[i].err = NewManagerUnavailableError(name, nil)
				}
				return nil
			}
			sctx, span := c.tracer.StartCatalogSpan(gctx, name, "search")
			pkgs, err := b.Search(sctx, query)
			telemetry.EndSpan(span, err)
			results[i] = outcome{pkgs: pkgs, err: err}
			return nil
		})
	}
	_ = g.Wait()

	res := &SearchResult{Query: query, Packages: []Package{}}
	for i, r := range results {
		if r.err != nil {
			c.logger.Warn().Err(r.err).Str("backend", backends[i]).Msg("search failed")
			res.Failures = append(res.Failures, BackendFailure{
				Backend: backends[i],
				Class:   ClassOf(r.err),
				Message: r.err.Error(),
			})
			continue
		}
		res.Packages = append(res.Packages, r.pkgs...)
	}
	if err := ctx.Err(); err != nil {
		return nil, NewCancelledError(err)
	}
	return res, nil
}

// Info returns details of one package.
func (c *Catalog) Info(ctx context.Context, backend string, scope Scope, name string) (pkg *Package, err error) {
	b, err := c.readable(backend, scope, "info")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, NewInvalidError("package name is required")
	}

	ctx, span := c.tracer.StartCatalogSpan(ctx, backend, "info")
	defer func() { telemetry.EndSpan(span, err) }()
	return b.Info(ctx, scope, name)
}

// Outdated returns the packages of backend with newer versions available.
func (c *Catalog) Outdated(ctx context.Context, backend string, scope Scope) (pkgs []Package, err error) {
	b, err := c.readable(backend, scope, "outdated")
	if err != nil {
		return nil, err
	}

	ctx, span := c.tracer.StartCatalogSpan(ctx, backend, "outdated")
	defer func() { telemetry.EndSpan(span, err) }()
	pkgs, err = b.Outdated(ctx, scope)
	if pkgs == nil && err == nil {
		pkgs = []Package{}
	}
	return pkgs, err
}

// Dependencies lists the dependencies of one package.
func (c *Catalog) Dependencies(ctx context.Context, backend string, scope Scope, name string) (pkgs []Package, err error) {
	b, err := c.readable(backend, scope, "dependencies")
	if err != nil {
		return nil, err
	}
	if err := RequireCapability(b, CapQueryDependencies, "dependencies"); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, NewInvalidError("package name is required")
	}

	ctx, span := c.tracer.StartCatalogSpan(ctx, backend, "dependencies")
	defer func() { telemetry.EndSpan(span, err) }()
	pkgs, err = b.Dependencies(ctx, scope, name)
	if pkgs == nil && err == nil {
		pkgs = []Package{}
	}
	return pkgs, err
}

func (c *Catalog) readable(backend string, scope Scope, operation string) (Backend, error) {
	b, err := c.backends.Backend(backend)
	if err != nil {
		return nil, err
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := RequireScope(b, scope, operation); err != nil {
		return nil, err
	}
	return b, nil
}

// Scan summarises every backend from the global cache entries only; it
// runs availability probes but never a listing.
func (c *Catalog) Scan(ctx context.Context) []ManagerStatus {
	names := c.backends.Names()
	out := make([]ManagerStatus, len(names))

	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = c.status(ctx, name)
		}()
	}
	wg.Wait()
	return out
}

func (c *Catalog) status(ctx context.Context, name string) ManagerStatus {
	st := ManagerStatus{Name: name}
	b, err := c.backends.Backend(name)
	if err != nil {
		return st
	}
	st.Capabilities = b.Capabilities()
	st.Available = c.backends.Available(ctx, name)

	entry, err := c.cache.Get(ctx, b.CacheKey(GlobalScope()))
	if err != nil {
		c.logger.Warn().Err(err).Str("backend", name).Msg("failed to read cache")
		return st
	}
	if entry == nil {
		return st
	}
	fetched := entry.FetchedAt
	st.CachedAt = &fetched
	st.Stale = entry.IsStale(c.cfg.CacheTTL)
	st.PackageCount = len(entry.Packages)
	for _, p := range entry.Packages {
		if p.Outdated {
			st.OutdatedCount++
		}
	}
	return st
}

// Invalidate drops the cached listing of backend in scope.
func (c *Catalog) Invalidate(ctx context.Context, backend string, scope Scope) error {
	b, err := c.backends.Backend(backend)
	if err != nil {
		return err
	}
	if err := c.cache.Invalidate(ctx, b.CacheKey(scope)); err != nil {
		return fmt.Errorf("failed to invalidate %s: %w", backend, err)
	}
	c.metrics.RecordCacheInvalidation(backend, "manual")
	return nil
}
