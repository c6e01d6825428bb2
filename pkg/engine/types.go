package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Package represents one installed or discoverable unit of a backend.
// Identity is (Backend, Name) within one scope snapshot.
type Package struct {
	// Name is the package name as the backend reports it.
	Name string `json:"name"`

	// Version is the installed (or latest published, for search results) version.
	Version string `json:"version"`

	// Backend is the owning package manager.
	Backend string `json:"backend"`

	// Description is a short summary, when the backend provides one.
	Description string `json:"description,omitempty"`

	// Homepage is the project homepage URL.
	Homepage string `json:"homepage,omitempty"`

	// Repository is the source repository URL.
	Repository string `json:"repository,omitempty"`

	// License is the declared license identifier.
	License string `json:"license,omitempty"`

	// InstalledPath is where the package lives on disk.
	InstalledPath string `json:"installed_path,omitempty"`

	// Size is the on-disk size in bytes; zero when unknown.
	Size int64 `json:"size,omitempty"`

	// Outdated reports whether a newer version is available.
	Outdated bool `json:"outdated"`

	// LatestVersion is the newest known version, when Outdated is set.
	LatestVersion string `json:"latest_version,omitempty"`
}

// Scope selects the global or a directory-bound context for an operation.
type Scope struct {
	Kind ScopeKind `json:"kind"`
	Dir  string    `json:"dir,omitempty"`
}

// GlobalScope returns the global scope.
func GlobalScope() Scope {
	return Scope{Kind: ScopeGlobal}
}

// LocalScope returns a local scope bound to dir. The directory is not checked;
// use ResolveScope for user input.
func LocalScope(dir string) Scope {
	return Scope{Kind: ScopeLocal, Dir: dir}
}

// ResolveScope turns user input into a validated scope. For local scope the
// directory is expanded ("~/"), made absolute and must exist.
func ResolveScope(kind, dir string) (Scope, error) {
	switch ScopeKind(kind) {
	case "", ScopeGlobal:
		return GlobalScope(), nil
	case ScopeLocal:
	default:
		return Scope{}, NewInvalidError(fmt.Sprintf("invalid scope %q", kind))
	}

	if strings.TrimSpace(dir) == "" {
		return Scope{}, NewInvalidError("local scope requires a directory")
	}
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Scope{}, NewInvalidError("cannot expand home directory").WithErr(err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Scope{}, NewInvalidError("invalid directory").WithErr(err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Scope{}, NewInvalidError(fmt.Sprintf("directory %s does not exist", abs)).WithErr(err)
	}
	if !info.IsDir() {
		return Scope{}, NewInvalidError(fmt.Sprintf("%s is not a directory", abs))
	}
	return LocalScope(abs), nil
}

// Validate checks the scope invariant: local scope needs an absolute directory.
func (s Scope) Validate() error {
	if err := s.Kind.Validate(); err != nil {
		return NewInvalidError(err.Error())
	}
	if s.Kind == ScopeLocal {
		if s.Dir == "" {
			return NewInvalidError("local scope requires a directory")
		}
		if !filepath.IsAbs(s.Dir) {
			return NewInvalidError(fmt.Sprintf("local scope directory %q is not absolute", s.Dir))
		}
	}
	return nil
}

// Fingerprint returns a stable digest of the local directory, or "" for the
// global scope.
func (s Scope) Fingerprint() string {
	if s.Kind != ScopeLocal {
		return ""
	}
	sum := sha256.Sum256([]byte(filepath.Clean(s.Dir)))
	return hex.EncodeToString(sum[:8])
}

// String implements fmt.Stringer.
func (s Scope) String() string {
	if s.Kind == ScopeLocal {
		return "local:" + s.Dir
	}
	return string(ScopeGlobal)
}

// CacheKey identifies one snapshot: (backend, scope, directory fingerprint).
type CacheKey struct {
	Backend     string    `json:"backend"`
	Scope       ScopeKind `json:"scope"`
	Fingerprint string    `json:"fingerprint,omitempty"`
}

// NewCacheKey derives the cache key for a backend in a scope.
func NewCacheKey(backend string, scope Scope) CacheKey {
	return CacheKey{
		Backend:     backend,
		Scope:       scope.Kind,
		Fingerprint: scope.Fingerprint(),
	}
}

// String renders the key as "backend:scope[:fingerprint]".
func (k CacheKey) String() string {
	if k.Fingerprint == "" {
		return k.Backend + ":" + string(k.Scope)
	}
	return k.Backend + ":" + string(k.Scope) + ":" + k.Fingerprint
}

// CacheEntry is a snapshot as returned by a cache store. Age is computed at
// read time; staleness is derived from it against a caller-supplied TTL.
type CacheEntry struct {
	Key       CacheKey      `json:"key"`
	Packages  []Package     `json:"packages"`
	FetchedAt time.Time     `json:"fetched_at"`
	Age       time.Duration `json:"age"`
}

// IsStale reports whether the entry is older than ttl. A non-positive TTL
// never expires.
func (e *CacheEntry) IsStale(ttl time.Duration) bool {
	return ttl > 0 && e.Age > ttl
}

// ClonePackages returns a copy of pkgs so snapshots never share backing arrays.
func ClonePackages(pkgs []Package) []Package {
	if pkgs == nil {
		return nil
	}
	out := make([]Package, len(pkgs))
	copy(out, pkgs)
	return out
}

// LogLine is one entry of a job's append-only log.
type LogLine struct {
	// Seq starts at 1 and increases by one per line within a job.
	Seq    uint64    `json:"seq"`
	Time   time.Time `json:"time"`
	Stream Stream    `json:"stream"`
	Text   string    `json:"text"`
}

// JobError is the classified terminal error retained on a failed job.
type JobError struct {
	Class    ErrorClass `json:"class"`
	Message  string     `json:"message"`
	ExitCode int        `json:"exit_code,omitempty"`
	Stderr   string     `json:"stderr,omitempty"`
}

// NewJobError captures err for storage on a job.
func NewJobError(err error) *JobError {
	if err == nil {
		return nil
	}
	je := &JobError{Class: ClassOf(err), Message: err.Error()}
	if je.Class == "" {
		je.Class = ErrorClassCommandFailed
	}
	if ee, ok := asEngineError(err); ok {
		je.ExitCode = ee.ExitCode
		je.Stderr = ee.Stderr
	}
	return je
}

// TargetAllOutdated is the update target that upgrades every outdated package.
const TargetAllOutdated = "@outdated"

// JobRequest describes a mutation to submit to the job manager.
type JobRequest struct {
	Backend   string    `json:"backend" validate:"required"`
	Operation Operation `json:"operation" validate:"required"`
	Target    string    `json:"target" validate:"required"`
	Version   string    `json:"version,omitempty"`
	Force     bool      `json:"force,omitempty"`
	Scope     Scope     `json:"scope"`
}

// Validate checks the request shape. Backend capabilities are checked by the
// job manager.
func (r JobRequest) Validate() error {
	if r.Backend == "" {
		return NewInvalidError("backend is required")
	}
	if err := r.Operation.Validate(); err != nil {
		return NewInvalidError(err.Error())
	}
	if strings.TrimSpace(r.Target) == "" {
		return NewInvalidError("target is required")
	}
	if r.Target == TargetAllOutdated && r.Operation != OperationUpdate {
		return NewInvalidError(fmt.Sprintf("target %s is only valid for update", TargetAllOutdated))
	}
	if r.Version != "" && r.Operation != OperationInstall {
		return NewInvalidError("version can only be selected on install")
	}
	return r.Scope.Validate()
}

// Job is a point-in-time snapshot of one tracked mutation.
type Job struct {
	ID         string     `json:"id"`
	Backend    string     `json:"backend"`
	Operation  Operation  `json:"operation"`
	Target     string     `json:"target"`
	Version    string     `json:"version,omitempty"`
	Force      bool       `json:"force,omitempty"`
	Scope      Scope      `json:"scope"`
	Status     JobStatus  `json:"status"`
	Progress   int        `json:"progress"`
	Step       string     `json:"step"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	LastSeq    uint64     `json:"last_seq"`
	Error      *JobError  `json:"error,omitempty"`
}

// Duration returns how long the job ran, or zero if it never started.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	if j.FinishedAt == nil {
		return time.Since(*j.StartedAt)
	}
	return j.FinishedAt.Sub(*j.StartedAt)
}

// ManagerStatus summarises one backend for scan views. Counts come from the
// cache only; a nil CachedAt means nothing is cached yet.
type ManagerStatus struct {
	Name          string        `json:"name"`
	Available     bool          `json:"available"`
	Capabilities  CapabilitySet `json:"capabilities"`
	PackageCount  int           `json:"package_count"`
	OutdatedCount int           `json:"outdated_count"`
	CachedAt      *time.Time    `json:"cached_at,omitempty"`
	Stale         bool          `json:"stale,omitempty"`
}
