// Package gitlab implements host.Host on the GitLab v4 API.
package gitlab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"npmmirror/pkg/host"

	gl "github.com/xanzy/go-gitlab"
)

const defaultBaseURL = "https://gitlab.com/api/v4"

// Config holds GitLab credentials.
type Config struct {
	Token   string
	BaseURL string
}

// Host talks to one GitLab instance. Projects in subgroups keep the group
// path in Repo.Owner.
type Host struct {
	client *gl.Client
	token  string
}

// New builds a Host.
func New(cfg Config, opts ...gl.ClientOptionFunc) (*Host, error) {
	if cfg.Token == "" {
		return nil, errors.New("gitlab token is required")
	}
	opts = append([]gl.ClientOptionFunc{gl.WithBaseURL(normalizeBaseURL(cfg.BaseURL))}, opts...)
	client, err := gl.NewClient(cfg.Token, opts...)
	if err != nil {
		return nil, err
	}
	return &Host{client: client, token: cfg.Token}, nil
}

// FetchFile returns the raw content of path at ref.
func (h *Host) FetchFile(ctx context.Context, repo host.Repo, path, ref string) ([]byte, error) {
	content, resp, err := h.client.RepositoryFiles.GetRawFile(repo.FullName(), path, &gl.GetRawFileOptions{Ref: gl.Ptr(ref)}, gl.WithContext(ctx))
	if err != nil {
		return nil, wrap(resp, err, "get raw file %s@%s:%s", repo, ref, path)
	}
	return content, nil
}

// HasFile reports whether path exists at HEAD of the default branch.
func (h *Host) HasFile(ctx context.Context, repo host.Repo, path string) (bool, error) {
	_, resp, err := h.client.RepositoryFiles.GetFileMetaData(repo.FullName(), path, &gl.GetFileMetaDataOptions{Ref: gl.Ptr("HEAD")}, gl.WithContext(ctx))
	if err != nil {
		if isNotFound(resp) {
			return false, nil
		}
		return false, wrap(resp, err, "check %s:%s", repo, path)
	}
	return true, nil
}

// ListCommits returns one page of commits touching opts.Path.
func (h *Host) ListCommits(ctx context.Context, repo host.Repo, opts host.ListCommitsOptions) (host.CommitPage, error) {
	listOpts := &gl.ListCommitsOptions{
		ListOptions: gl.ListOptions{Page: opts.Page, PerPage: opts.PerPage},
		Since:       opts.Since,
	}
	if opts.Path != "" {
		listOpts.Path = gl.Ptr(opts.Path)
	}
	commits, resp, err := h.client.Commits.ListCommits(repo.FullName(), listOpts, gl.WithContext(ctx))
	if err != nil {
		return host.CommitPage{}, wrap(resp, err, "list commits %s", repo)
	}
	page := host.CommitPage{Commits: make([]host.CommitReference, 0, len(commits))}
	for _, commit := range commits {
		ref := host.CommitReference{SHA: commit.ID}
		if commit.CommittedDate != nil {
			ref.CommittedAt = commit.CommittedDate.UTC()
		}
		page.Commits = append(page.Commits, ref)
	}
	if resp != nil {
		page.NextPage = resp.NextPage
	}
	return page, nil
}

// ArchiveLink builds the archive endpoint URL for ref. The download needs
// the PRIVATE-TOKEN header, see AuthHeader.
func (h *Host) ArchiveLink(ctx context.Context, repo host.Repo, ref, format string) (string, error) {
	ext := "tar.gz"
	if format == "zip" || format == "zipball" {
		ext = "zip"
	}
	base := h.client.BaseURL()
	link := *base
	link.Path = strings.TrimRight(base.Path, "/") + "/projects/" + repo.FullName() + "/repository/archive." + ext
	link.RawPath = strings.TrimRight(base.EscapedPath(), "/") + "/projects/" + url.PathEscape(repo.FullName()) + "/repository/archive." + ext
	link.RawQuery = url.Values{"sha": []string{ref}}.Encode()
	return link.String(), nil
}

// AuthHeader returns the token header for archive downloads on this instance.
func (h *Host) AuthHeader(rawURL string) (string, string) {
	base := h.client.BaseURL()
	target, err := url.Parse(rawURL)
	if err != nil || target.Host != base.Host {
		return "", ""
	}
	return "PRIVATE-TOKEN", h.token
}

// ListRepositories lists non-archived projects the token is a member of.
func (h *Host) ListRepositories(ctx context.Context) ([]host.Repo, error) {
	opts := &gl.ListProjectsOptions{
		ListOptions: gl.ListOptions{PerPage: 100, Page: 1},
		Membership:  gl.Ptr(true),
		Archived:    gl.Ptr(false),
	}
	var out []host.Repo
	for {
		projects, resp, err := h.client.Projects.ListProjects(opts, gl.WithContext(ctx))
		if err != nil {
			return nil, wrap(resp, err, "list projects")
		}
		for _, project := range projects {
			repo, err := host.ParseRepo(project.PathWithNamespace)
			if err != nil {
				continue
			}
			out = append(out, repo)
		}
		if resp == nil || resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

func isNotFound(resp *gl.Response) bool {
	return resp != nil && resp.StatusCode == http.StatusNotFound
}

func wrap(resp *gl.Response, err error, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if isNotFound(resp) {
		return fmt.Errorf("%s: %w", msg, host.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func normalizeBaseURL(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return defaultBaseURL
	}
	return strings.TrimRight(base, "/")
}
