// Package host defines the repository host boundary the mirror reads
// manifests, commit history and archives through.
package host

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a file, ref or repository does not exist on the host.
var ErrNotFound = errors.New("not found on host")

// Repo identifies a repository as owner/name.
type Repo struct {
	Owner string
	Name  string
}

// ParseRepo parses an "owner/name" identity. GitLab subgroups keep every
// segment but the last in Owner.
func ParseRepo(fullName string) (Repo, error) {
	fullName = strings.Trim(strings.TrimSpace(fullName), "/")
	idx := strings.LastIndex(fullName, "/")
	if idx <= 0 || idx == len(fullName)-1 {
		return Repo{}, fmt.Errorf("invalid repository %q: expected owner/name", fullName)
	}
	return Repo{Owner: fullName[:idx], Name: fullName[idx+1:]}, nil
}

// FullName returns the owner/name identity.
func (r Repo) FullName() string {
	return r.Owner + "/" + r.Name
}

func (r Repo) String() string {
	return r.FullName()
}

// CommitReference is a commit that touched the manifest path.
type CommitReference struct {
	SHA         string
	CommittedAt time.Time
}

// CommitPage is one page of commit history. NextPage is zero when the host
// signals no further pages.
type CommitPage struct {
	Commits  []CommitReference
	NextPage int
}

// ListCommitsOptions restricts a commit listing.
type ListCommitsOptions struct {
	Path    string
	Since   *time.Time
	Page    int
	PerPage int
}

// Host is the repository host API the synchronization engine consumes.
type Host interface {
	// FetchFile returns a file's raw content at ref. A missing file yields ErrNotFound.
	FetchFile(ctx context.Context, repo Repo, path, ref string) ([]byte, error)
	// HasFile checks the default branch tip for path.
	HasFile(ctx context.Context, repo Repo, path string) (bool, error)
	ListCommits(ctx context.Context, repo Repo, opts ListCommitsOptions) (CommitPage, error)
	// ArchiveLink resolves a short-lived download location for the archive of ref.
	ArchiveLink(ctx context.Context, repo Repo, ref, format string) (string, error)
	ListRepositories(ctx context.Context) ([]Repo, error)
}
