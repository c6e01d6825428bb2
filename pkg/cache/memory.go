package cache

import (
	"context"
	"sync"
	"time"

	"github.com/openfroyo/pkgdeck/pkg/engine"
)

// Memory is an in-process Store. Entries are immutable once stored and are
// swapped as a whole, so readers never observe a partial snapshot and
// operations on one key never wait on another.
type Memory struct {
	entries sync.Map // string -> *memoryEntry
	gens    engine.Generations
	now     func() time.Time
}

type memoryEntry struct {
	key       engine.CacheKey
	packages  []engine.Package
	fetchedAt time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get implements engine.CacheStore.
func (m *Memory) Get(_ context.Context, key engine.CacheKey) (*engine.CacheEntry, error) {
	v, ok := m.entries.Load(key.String())
	if !ok {
		return nil, nil
	}
	e := v.(*memoryEntry)
	age := m.now().Sub(e.fetchedAt)
	if age < 0 {
		age = 0
	}
	return &engine.CacheEntry{
		Key:       e.key,
		Packages:  engine.ClonePackages(e.packages),
		FetchedAt: e.fetchedAt,
		Age:       age,
	}, nil
}

// Set implements engine.CacheStore.
func (m *Memory) Set(_ context.Context, key engine.CacheKey, packages []engine.Package) error {
	pkgs := engine.ClonePackages(packages)
	if pkgs == nil {
		pkgs = []engine.Package{}
	}
	m.entries.Store(key.String(), &memoryEntry{
		key:       key,
		packages:  pkgs,
		fetchedAt: m.now(),
	})
	return nil
}

// Invalidate implements engine.CacheStore.
func (m *Memory) Invalidate(_ context.Context, key engine.CacheKey) error {
	return m.gens.Invalidate(key, func() error {
		m.entries.Delete(key.String())
		return nil
	})
}

// Generation implements engine.CacheStore.
func (m *Memory) Generation(key engine.CacheKey) uint64 {
	return m.gens.Current(key)
}

// SetIfGeneration implements engine.CacheStore.
func (m *Memory) SetIfGeneration(ctx context.Context, key engine.CacheKey, gen uint64, packages []engine.Package) (bool, error) {
	return m.gens.StoreIf(key, gen, func() error {
		return m.Set(ctx, key, packages)
	})
}

// InvalidateBackend implements Store.
func (m *Memory) InvalidateBackend(_ context.Context, backend string) (int, error) {
	m.gens.InvalidateWhere(func(k engine.CacheKey) bool { return k.Backend == backend })
	return m.deleteWhere(func(e *memoryEntry) bool { return e.key.Backend == backend }), nil
}

// Prune implements Store.
func (m *Memory) Prune(_ context.Context, olderThan time.Duration) (int, error) {
	cutoff := m.now().Add(-olderThan)
	return m.deleteWhere(func(e *memoryEntry) bool { return e.fetchedAt.Before(cutoff) }), nil
}

// Clear implements Store.
func (m *Memory) Clear(context.Context) error {
	m.gens.InvalidateWhere(func(engine.CacheKey) bool { return true })
	m.deleteWhere(func(*memoryEntry) bool { return true })
	return nil
}

// Keys returns the keys currently cached.
func (m *Memory) Keys(_ context.Context) ([]engine.CacheKey, error) {
	var keys []engine.CacheKey
	m.entries.Range(func(_, v any) bool {
		keys = append(keys, v.(*memoryEntry).key)
		return true
	})
	return keys, nil
}

func (m *Memory) deleteWhere(match func(*memoryEntry) bool) int {
	removed := 0
	m.entries.Range(func(k, v any) bool {
		if match(v.(*memoryEntry)) {
			// CompareAndDelete leaves an entry replaced concurrently in place.
			if m.entries.CompareAndDelete(k, v) {
				removed++
			}
		}
		return true
	})
	return removed
}

var _ Store = (*Memory)(nil)
