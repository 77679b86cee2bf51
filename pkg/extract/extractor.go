// Package extract turns manifest commits into package version records.
package extract

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"npmmirror/pkg/host"
	"npmmirror/pkg/storage"
	"npmmirror/pkg/tarball"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds the commits of one repository in flight.
const DefaultConcurrency = 5

// Kind tags an Outcome.
type Kind int

const (
	Accepted Kind = iota
	Skipped
	Failed
)

func (k Kind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of processing one commit.
type Outcome struct {
	Kind   Kind
	Commit host.CommitReference
	// Record is set when Kind is Accepted.
	Record *storage.PackageRecord
	// Downloaded is true when the tarball was fetched for this outcome.
	Downloaded bool
	// Reason explains a skip.
	Reason string
	// Err is set when Kind is Failed.
	Err error
}

// Resolver materializes tarballs.
type Resolver interface {
	Resolve(ctx context.Context, name, version string, locate tarball.Locator) (tarball.Entry, error)
}

// Extractor fetches manifests, validates them, caches tarballs and stores records.
type Extractor struct {
	host          host.Host
	tarballs      Resolver
	store         storage.PackageStore
	path          string
	scope         string
	archiveFormat string
	concurrency   int
	logger        *log.Logger

	locksMu sync.Mutex
	locks   map[string]*identityLock
}

type identityLock struct {
	mu   sync.Mutex
	refs int
}

// Config configures an Extractor.
type Config struct {
	// Path is the manifest path, package.json by default.
	Path  string
	Scope string
	// ArchiveFormat is passed to the host archive link lookup.
	ArchiveFormat string
	Concurrency   int
	Logger        *log.Logger
}

// New creates an Extractor.
func New(h host.Host, tarballs Resolver, store storage.PackageStore, cfg Config) *Extractor {
	e := &Extractor{
		host:          h,
		tarballs:      tarballs,
		store:         store,
		path:          cfg.Path,
		scope:         NormalizeScope(cfg.Scope),
		archiveFormat: cfg.ArchiveFormat,
		concurrency:   cfg.Concurrency,
		logger:        cfg.Logger,
		locks:         make(map[string]*identityLock),
	}
	if e.path == "" {
		e.path = "package.json"
	}
	if e.archiveFormat == "" {
		e.archiveFormat = "tarball"
	}
	if e.concurrency <= 0 {
		e.concurrency = DefaultConcurrency
	}
	if e.logger == nil {
		e.logger = log.Default()
	}
	return e
}

// Extract processes a single commit.
func (e *Extractor) Extract(ctx context.Context, repo host.Repo, commit host.CommitReference) Outcome {
	content, err := e.host.FetchFile(ctx, repo, e.path, commit.SHA)
	if errors.Is(err, host.ErrNotFound) {
		return Outcome{Kind: Skipped, Commit: commit, Reason: "manifest absent at commit"}
	}
	if err != nil {
		return Outcome{Kind: Failed, Commit: commit, Err: fmt.Errorf("fetch manifest %s@%s: %w", repo, short(commit.SHA), err)}
	}

	manifest, err := ParseManifest(content, e.scope)
	if err != nil {
		return Outcome{Kind: Skipped, Commit: commit, Reason: err.Error()}
	}

	unlock := e.lock(storage.PackageID(manifest.Name, manifest.Version))
	defer unlock()

	entry, err := e.tarballs.Resolve(ctx, manifest.Name, manifest.Version, func(ctx context.Context) (string, error) {
		return e.host.ArchiveLink(ctx, repo, commit.SHA, e.archiveFormat)
	})
	if err != nil {
		return Outcome{Kind: Failed, Commit: commit, Err: fmt.Errorf("tarball %s: %w", storage.PackageID(manifest.Name, manifest.Version), err)}
	}

	record := storage.PackageRecord{
		Name:        manifest.Name,
		Version:     manifest.Version,
		Repository:  repo.FullName(),
		CommitSHA:   commit.SHA,
		Manifest:    manifest.Raw,
		Shasum:      entry.Shasum,
		TarballPath: entry.RelativePath,
	}
	if err := e.store.UpsertPackage(ctx, record); err != nil {
		return Outcome{Kind: Failed, Commit: commit, Err: fmt.Errorf("store %s: %w", record.ID(), err)}
	}
	return Outcome{Kind: Accepted, Commit: commit, Record: &record, Downloaded: entry.Downloaded}
}

// ExtractAll processes commits with bounded parallelism. One commit's
// failure never stops its siblings. Outcomes keep the order of commits.
func (e *Extractor) ExtractAll(ctx context.Context, repo host.Repo, commits []host.CommitReference) []Outcome {
	outcomes := make([]Outcome, len(commits))
	var group errgroup.Group
	group.SetLimit(e.concurrency)
	for i, commit := range commits {
		group.Go(func() error {
			outcome := e.Extract(ctx, repo, commit)
			switch outcome.Kind {
			case Skipped:
				e.logger.Debug("commit skipped", "repo", repo.FullName(), "sha", short(commit.SHA), "reason", outcome.Reason)
			case Failed:
				e.logger.Warn("commit failed", "repo", repo.FullName(), "sha", short(commit.SHA), "err", outcome.Err)
			}
			outcomes[i] = outcome
			return nil
		})
	}
	_ = group.Wait()
	return outcomes
}

// lock serializes tarball resolution and upsert for one package identity.
// The entry is dropped once its last holder or waiter releases it.
func (e *Extractor) lock(id string) func() {
	e.locksMu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &identityLock{}
		e.locks[id] = l
	}
	l.refs++
	e.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, id)
		}
		e.locksMu.Unlock()
	}
}

func (e *Extractor) heldLocks() int {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	return len(e.locks)
}

func short(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
