// Package cache holds per-backend package snapshots keyed by backend, scope
// and directory fingerprint.
//
// Entries never store staleness. Callers decide with CacheEntry.IsStale
// against their own TTL, so changing the TTL applies to existing entries.
package cache

import (
	"context"
	"time"

	"github.com/openfroyo/pkgdeck/pkg/engine"
)

// Store is a cache store with maintenance operations. Memory and
// stores.SQLiteStore implement it.
type Store interface {
	engine.CacheStore

	// InvalidateBackend removes every entry of backend in any scope and
	// returns how many were removed.
	InvalidateBackend(ctx context.Context, backend string) (int, error)

	// Prune removes entries fetched more than olderThan ago.
	Prune(ctx context.Context, olderThan time.Duration) (int, error)

	// Clear removes every entry.
	Clear(ctx context.Context) error

	// Keys lists the keys currently stored.
	Keys(ctx context.Context) ([]engine.CacheKey, error)
}
