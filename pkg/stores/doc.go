// Package stores provides persistent cache storage for pkgdeck.
// SQLiteStore keeps one package snapshot per cache key in a WAL-mode SQLite
// database whose schema is managed by embedded migrations. It satisfies
// cache.Store and can replace the in-memory cache when listings should
// survive a restart.
package stores
