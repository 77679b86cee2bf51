// Package storage holds the package and repository records and opens the
// gorm database behind their stores.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotInitialized is returned by store methods called on a nil or closed store.
var ErrNotInitialized = errors.New("store is not initialized")

// PackageRecord is one published version of a package, materialized from a
// manifest at a commit. Records are only written once their tarball is cached.
type PackageRecord struct {
	Name       string
	Version    string
	Repository string
	CommitSHA  string
	// Manifest holds the parsed manifest fields verbatim.
	Manifest    json.RawMessage
	Shasum      string
	TarballPath string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ID returns the composite identity "name#vversion".
func (r PackageRecord) ID() string {
	return PackageID(r.Name, r.Version)
}

// PackageID builds the composite identity of a package version.
func PackageID(name, version string) string {
	return name + "#v" + version
}

// RepositoryRecord tracks the sync cursor of a repository.
type RepositoryRecord struct {
	FullName     string
	Provider     string
	Watermark    *time.Time
	LastSyncedAt *time.Time
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PackageStore persists package version records.
type PackageStore interface {
	// UpsertPackage inserts the record or replaces the one with the same (name, version).
	UpsertPackage(ctx context.Context, record PackageRecord) error
	GetPackageVersion(ctx context.Context, name, version string) (*PackageRecord, error)
	ListPackageVersions(ctx context.Context, name string) ([]PackageRecord, error)
	ListPackageNames(ctx context.Context) ([]string, error)
	Close() error
}

// RepositoryStore persists repository sync state.
type RepositoryStore interface {
	// EnsureRepository creates the record on first encounter and returns the stored state.
	EnsureRepository(ctx context.Context, fullName, provider string) (*RepositoryRecord, error)
	GetRepository(ctx context.Context, fullName string) (*RepositoryRecord, error)
	// AdvanceWatermark moves the watermark forward. It reports false when the
	// stored watermark is already at or past the given time.
	AdvanceWatermark(ctx context.Context, fullName string, watermark time.Time) (bool, error)
	RecordSyncResult(ctx context.Context, fullName string, at time.Time, syncErr error) error
	ListRepositories(ctx context.Context) ([]RepositoryRecord, error)
	Close() error
}
