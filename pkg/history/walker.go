// Package history walks a repository's commit history for changes to the
// manifest path, newest first, bounded below by the repository watermark.
package history

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"npmmirror/pkg/host"
	"npmmirror/pkg/storage"

	"github.com/charmbracelet/log"
)

const (
	DefaultPath    = "package.json"
	DefaultPerPage = 100
)

// Walker enumerates commits touching the manifest path.
type Walker struct {
	host           host.Host
	repos          storage.RepositoryStore
	provider       string
	path           string
	perPage        int
	advancePerPage bool
	logger         *log.Logger
}

// Option configures a Walker.
type Option func(*Walker)

// WithPath sets the manifest path commits are filtered by.
func WithPath(path string) Option {
	return func(w *Walker) {
		if path != "" {
			w.path = path
		}
	}
}

// WithPerPage sets the host page size.
func WithPerPage(n int) Option {
	return func(w *Walker) {
		if n > 0 {
			w.perPage = n
		}
	}
}

// WithProvider records the host name on lazily created repository records.
func WithProvider(name string) Option {
	return func(w *Walker) {
		w.provider = name
	}
}

// WithPageWatermarks advances the watermark after every enumerated page
// instead of leaving it to the caller.
func WithPageWatermarks(enabled bool) Option {
	return func(w *Walker) {
		w.advancePerPage = enabled
	}
}

// WithLogger sets the walker logger.
func WithLogger(l *log.Logger) Option {
	return func(w *Walker) {
		if l != nil {
			w.logger = l
		}
	}
}

// New creates a Walker.
func New(h host.Host, repos storage.RepositoryStore, opts ...Option) *Walker {
	w := &Walker{
		host:    h,
		repos:   repos,
		path:    DefaultPath,
		perPage: DefaultPerPage,
		logger:  log.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Result is a fully enumerated walk.
type Result struct {
	Commits []host.CommitReference
	// Since is the watermark the walk started from, nil on a first sync.
	Since *time.Time
	// Newest is the newest committer timestamp seen, zero when no commit is newer than Since.
	Newest time.Time
}

// Pages lazily yields pages of commits strictly newer than since. Iteration
// stops at the first error, which is yielded once.
func (w *Walker) Pages(ctx context.Context, repo host.Repo, since *time.Time) iter.Seq2[[]host.CommitReference, error] {
	return func(yield func([]host.CommitReference, error) bool) {
		page := 1
		for {
			result, err := w.host.ListCommits(ctx, repo, host.ListCommitsOptions{
				Path:    w.path,
				Since:   since,
				Page:    page,
				PerPage: w.perPage,
			})
			if err != nil {
				yield(nil, fmt.Errorf("list commits %s page %d: %w", repo, page, err))
				return
			}
			if !yield(newerThan(result.Commits, since), nil) {
				return
			}
			if result.NextPage == 0 || result.NextPage <= page {
				return
			}
			page = result.NextPage
		}
	}
}

// Walk enumerates every page for repo starting at its stored watermark.
// A page failure discards the commits gathered so far.
func (w *Walker) Walk(ctx context.Context, repo host.Repo) (Result, error) {
	if w.repos == nil {
		return Result{}, storage.ErrNotInitialized
	}
	record, err := w.repos.EnsureRepository(ctx, repo.FullName(), w.provider)
	if err != nil {
		return Result{}, fmt.Errorf("load repository %s: %w", repo, err)
	}
	if record == nil {
		return Result{}, errors.New("repository record missing after create")
	}

	result := Result{Since: record.Watermark}
	for commits, err := range w.Pages(ctx, repo, record.Watermark) {
		if err != nil {
			return Result{}, err
		}
		newest := Newest(commits)
		if newest.After(result.Newest) {
			result.Newest = newest
		}
		result.Commits = append(result.Commits, commits...)

		if w.advancePerPage && !newest.IsZero() {
			moved, err := w.repos.AdvanceWatermark(ctx, repo.FullName(), newest)
			if err != nil {
				return Result{}, fmt.Errorf("advance watermark %s: %w", repo, err)
			}
			if moved {
				w.logger.Debug("watermark advanced", "repo", repo.FullName(), "watermark", newest.Format(time.RFC3339))
			}
		}
	}
	w.logger.Debug("history walked", "repo", repo.FullName(), "commits", len(result.Commits))
	return result, nil
}

// Newest returns the newest committer timestamp among commits.
func Newest(commits []host.CommitReference) time.Time {
	var newest time.Time
	for _, commit := range commits {
		if commit.CommittedAt.After(newest) {
			newest = commit.CommittedAt
		}
	}
	return newest
}

func newerThan(commits []host.CommitReference, since *time.Time) []host.CommitReference {
	if since == nil {
		return commits
	}
	out := make([]host.CommitReference, 0, len(commits))
	for _, commit := range commits {
		if commit.CommittedAt.After(*since) {
			out = append(out, commit)
		}
	}
	return out
}
