package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/openfroyo/pkgdeck/pkg/cache"
	"github.com/openfroyo/pkgdeck/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements cache.Store using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	now  func() time.Time
	gens engine.Generations
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

var _ cache.Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store instance. Init must be called
// before use.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a separate database.
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg, now: time.Now}, nil
}

// SetClock replaces the clock used for fetch times and ages.
func (s *SQLiteStore) SetClock(now func() time.Time) {
	s.now = now
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path
	if !isMemory(dsn) {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// Get returns the snapshot stored for key, or nil when there is none.
func (s *SQLiteStore) Get(ctx context.Context, key engine.CacheKey) (*engine.CacheEntry, error) {
	query := `
		SELECT packages, fetched_at
		FROM snapshots
		WHERE key = ?
	`

	var (
		raw       string
		fetchedAt int64
	)
	err := s.db.QueryRowContext(ctx, query, key.String()).Scan(&raw, &fetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot %s: %w", key, err)
	}

	packages := []engine.Package{}
	if err := json.Unmarshal([]byte(raw), &packages); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", key, err)
	}

	fetched := time.Unix(0, fetchedAt)
	age := s.now().Sub(fetched)
	if age < 0 {
		age = 0
	}
	return &engine.CacheEntry{
		Key:       key,
		Packages:  packages,
		FetchedAt: fetched,
		Age:       age,
	}, nil
}

// Set replaces the snapshot for key in a single statement.
func (s *SQLiteStore) Set(ctx context.Context, key engine.CacheKey, packages []engine.Package) error {
	if packages == nil {
		packages = []engine.Package{}
	}
	raw, err := json.Marshal(packages)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot %s: %w", key, err)
	}

	query := `
		INSERT INTO snapshots (key, backend, scope, fingerprint, packages, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			packages = excluded.packages,
			fetched_at = excluded.fetched_at
	`

	_, err = s.db.ExecContext(ctx, query,
		key.String(),
		key.Backend,
		string(key.Scope),
		key.Fingerprint,
		string(raw),
		s.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to store snapshot %s: %w", key, err)
	}

	return nil
}

// Invalidate deletes the snapshot for key. Deleting a missing key is not an
// error.
func (s *SQLiteStore) Invalidate(ctx context.Context, key engine.CacheKey) error {
	return s.gens.Invalidate(key, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE key = ?`, key.String()); err != nil {
			return fmt.Errorf("failed to invalidate snapshot %s: %w", key, err)
		}
		return nil
	})
}

// Generation returns the invalidation generation of key. Generations live
// in the process; a restart starts every key from zero.
func (s *SQLiteStore) Generation(key engine.CacheKey) uint64 {
	return s.gens.Current(key)
}

// SetIfGeneration stores the snapshot unless key was invalidated after gen
// was read.
func (s *SQLiteStore) SetIfGeneration(ctx context.Context, key engine.CacheKey, gen uint64, packages []engine.Package) (bool, error) {
	return s.gens.StoreIf(key, gen, func() error {
		return s.Set(ctx, key, packages)
	})
}

// InvalidateBackend deletes every snapshot of backend.
func (s *SQLiteStore) InvalidateBackend(ctx context.Context, backend string) (int, error) {
	s.gens.InvalidateWhere(func(k engine.CacheKey) bool { return k.Backend == backend })
	return s.deleteWhere(ctx, "backend = ?", backend)
}

// Prune deletes snapshots fetched more than olderThan ago.
func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	return s.deleteWhere(ctx, "fetched_at < ?", s.now().Add(-olderThan).UnixNano())
}

// Clear deletes every snapshot.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.gens.InvalidateWhere(func(engine.CacheKey) bool { return true })
	_, err := s.deleteWhere(ctx, "1 = 1")
	return err
}

func (s *SQLiteStore) deleteWhere(ctx context.Context, cond string, args ...any) (int, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM snapshots WHERE "+cond, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete snapshots: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return int(n), nil
}

// Keys returns the keys of every stored snapshot, oldest first.
func (s *SQLiteStore) Keys(ctx context.Context) ([]engine.CacheKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT backend, scope, fingerprint
		FROM snapshots
		ORDER BY fetched_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var keys []engine.CacheKey
	for rows.Next() {
		var key engine.CacheKey
		var scope string
		if err := rows.Scan(&key.Backend, &scope, &key.Fingerprint); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		key.Scope = engine.ScopeKind(scope)
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}

	return keys, nil
}
