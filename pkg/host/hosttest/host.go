// Package hosttest provides an in-memory host.Host for tests.
package hosttest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"npmmirror/pkg/host"
)

// Commit is a commit in a fake repository. Files maps path to content.
type Commit struct {
	SHA         string
	CommittedAt time.Time
	Files       map[string]string
}

// Host serves commits and files from memory. Commits are listed newest first.
type Host struct {
	mu sync.Mutex

	repos map[string][]Commit
	// ListErr, when set for a repository, is returned for that page number.
	ListErr map[string]map[int]error
	// ArchiveErr fails ArchiveLink for the given SHA.
	ArchiveErr map[string]error
	// ArchiveBase prefixes archive links.
	ArchiveBase string

	FetchCalls   int
	ArchiveCalls int
	ListCalls    int
}

// New creates an empty fake host.
func New() *Host {
	return &Host{
		repos:       make(map[string][]Commit),
		ListErr:     make(map[string]map[int]error),
		ArchiveErr:  make(map[string]error),
		ArchiveBase: "https://archive.test",
	}
}

// AddCommit appends a commit to a repository.
func (h *Host) AddCommit(fullName string, commit Commit) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.repos[fullName] = append(h.repos[fullName], commit)
}

// AddRepo registers an empty repository.
func (h *Host) AddRepo(fullName string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.repos[fullName]; !ok {
		h.repos[fullName] = nil
	}
}

func (h *Host) sorted(fullName string) ([]Commit, bool) {
	commits, ok := h.repos[fullName]
	if !ok {
		return nil, false
	}
	out := append([]Commit(nil), commits...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CommittedAt.After(out[j].CommittedAt)
	})
	return out, true
}

// FetchFile implements host.Host.
func (h *Host) FetchFile(ctx context.Context, repo host.Repo, path, ref string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.FetchCalls++
	commits, ok := h.sorted(repo.FullName())
	if !ok {
		return nil, host.ErrNotFound
	}
	for _, commit := range commits {
		if commit.SHA != ref {
			continue
		}
		content, ok := commit.Files[path]
		if !ok {
			return nil, host.ErrNotFound
		}
		return []byte(content), nil
	}
	return nil, host.ErrNotFound
}

// HasFile implements host.Host against the newest commit.
func (h *Host) HasFile(ctx context.Context, repo host.Repo, path string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	commits, ok := h.sorted(repo.FullName())
	if !ok {
		return false, host.ErrNotFound
	}
	if len(commits) == 0 {
		return false, nil
	}
	_, present := commits[0].Files[path]
	return present, nil
}

// ListCommits implements host.Host. Since is inclusive, like the real hosts.
func (h *Host) ListCommits(ctx context.Context, repo host.Repo, opts host.ListCommitsOptions) (host.CommitPage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ListCalls++
	if errs, ok := h.ListErr[repo.FullName()]; ok {
		if err := errs[opts.Page]; err != nil {
			return host.CommitPage{}, err
		}
	}
	commits, ok := h.sorted(repo.FullName())
	if !ok {
		return host.CommitPage{}, host.ErrNotFound
	}
	matching := make([]host.CommitReference, 0, len(commits))
	for _, commit := range commits {
		if opts.Path != "" {
			if _, ok := commit.Files[opts.Path]; !ok {
				continue
			}
		}
		if opts.Since != nil && commit.CommittedAt.Before(*opts.Since) {
			continue
		}
		matching = append(matching, host.CommitReference{SHA: commit.SHA, CommittedAt: commit.CommittedAt})
	}
	perPage := opts.PerPage
	if perPage <= 0 {
		perPage = 100
	}
	page := opts.Page
	if page <= 0 {
		page = 1
	}
	start := (page - 1) * perPage
	if start >= len(matching) {
		return host.CommitPage{}, nil
	}
	end := start + perPage
	next := page + 1
	if end >= len(matching) {
		end = len(matching)
		next = 0
	}
	return host.CommitPage{Commits: matching[start:end], NextPage: next}, nil
}

// ArchiveLink implements host.Host.
func (h *Host) ArchiveLink(ctx context.Context, repo host.Repo, ref, format string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ArchiveCalls++
	if err := h.ArchiveErr[ref]; err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/%s/%s", h.ArchiveBase, repo.FullName(), format, ref), nil
}

// ListRepositories implements host.Host.
func (h *Host) ListRepositories(ctx context.Context) ([]host.Repo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.repos))
	for name := range h.repos {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]host.Repo, 0, len(names))
	for _, name := range names {
		repo, err := host.ParseRepo(name)
		if err != nil {
			return nil, err
		}
		out = append(out, repo)
	}
	return out, nil
}
