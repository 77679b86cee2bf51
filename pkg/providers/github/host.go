// Package github implements host.Host on the GitHub REST API.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"npmmirror/pkg/host"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// Config selects personal token or App installation credentials.
type Config struct {
	Token string
	App   AppConfig
	// BaseURL is the API root; empty means github.com.
	BaseURL string
}

// Host lists commits, fetches files and resolves archive links on GitHub.
type Host struct {
	client *gh.Client
	// installation switches repository listing to the App installation endpoint.
	installation bool
}

// New builds a Host from cfg. An App installation takes precedence over a token.
func New(ctx context.Context, cfg Config) (*Host, error) {
	var (
		ts           oauth2.TokenSource
		installation bool
	)
	switch {
	case cfg.App.AppID != 0:
		app := cfg.App
		if app.BaseURL == "" {
			app.BaseURL = cfg.BaseURL
		}
		src, err := InstallationTokenSource(ctx, app)
		if err != nil {
			return nil, err
		}
		ts = src
		installation = true
	case cfg.Token != "":
		ts = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	default:
		return nil, errors.New("github token or app credentials are required")
	}
	httpClient := oauth2.NewClient(ctx, ts)

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL != "" && baseURL != defaultBaseURL {
		client, err := gh.NewEnterpriseClient(baseURL, baseURL, httpClient)
		if err != nil {
			return nil, err
		}
		return NewFromClient(client, installation), nil
	}
	return NewFromClient(gh.NewClient(httpClient), installation), nil
}

// NewFromClient wraps an existing SDK client.
func NewFromClient(client *gh.Client, installation bool) *Host {
	return &Host{client: client, installation: installation}
}

// FetchFile returns the content of path at ref.
func (h *Host) FetchFile(ctx context.Context, repo host.Repo, path, ref string) ([]byte, error) {
	file, _, resp, err := h.client.Repositories.GetContents(ctx, repo.Owner, repo.Name, path, &gh.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		return nil, wrap(resp, err, "get contents %s@%s:%s", repo, ref, path)
	}
	if file == nil {
		return nil, fmt.Errorf("%s in %s is a directory: %w", path, repo, host.ErrNotFound)
	}
	content, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("decode %s@%s:%s: %w", repo, ref, path, err)
	}
	return []byte(content), nil
}

// HasFile reports whether path exists on the default branch.
func (h *Host) HasFile(ctx context.Context, repo host.Repo, path string) (bool, error) {
	file, _, resp, err := h.client.Repositories.GetContents(ctx, repo.Owner, repo.Name, path, nil)
	if err != nil {
		if isNotFound(resp) {
			return false, nil
		}
		return false, wrap(resp, err, "check %s:%s", repo, path)
	}
	return file != nil, nil
}

// ListCommits returns one page of commits touching opts.Path.
func (h *Host) ListCommits(ctx context.Context, repo host.Repo, opts host.ListCommitsOptions) (host.CommitPage, error) {
	listOpts := &gh.CommitsListOptions{
		Path:        opts.Path,
		ListOptions: gh.ListOptions{Page: opts.Page, PerPage: opts.PerPage},
	}
	if opts.Since != nil {
		listOpts.Since = *opts.Since
	}
	commits, resp, err := h.client.Repositories.ListCommits(ctx, repo.Owner, repo.Name, listOpts)
	if err != nil {
		return host.CommitPage{}, wrap(resp, err, "list commits %s", repo)
	}
	page := host.CommitPage{Commits: make([]host.CommitReference, 0, len(commits))}
	for _, commit := range commits {
		page.Commits = append(page.Commits, host.CommitReference{
			SHA:         commit.GetSHA(),
			CommittedAt: commit.GetCommit().GetCommitter().GetDate().Time,
		})
	}
	if resp != nil {
		page.NextPage = resp.NextPage
	}
	return page, nil
}

// ArchiveLink resolves the short-lived download URL of the archive at ref.
func (h *Host) ArchiveLink(ctx context.Context, repo host.Repo, ref, format string) (string, error) {
	archive := gh.Tarball
	if format == string(gh.Zipball) {
		archive = gh.Zipball
	}
	link, resp, err := h.client.Repositories.GetArchiveLink(ctx, repo.Owner, repo.Name, archive, &gh.RepositoryContentGetOptions{Ref: ref}, 1)
	if err != nil {
		return "", wrap(resp, err, "archive link %s@%s", repo, ref)
	}
	return link.String(), nil
}

// ListRepositories lists every repository visible to the credentials.
func (h *Host) ListRepositories(ctx context.Context) ([]host.Repo, error) {
	var out []host.Repo
	opts := gh.ListOptions{PerPage: 100}
	for {
		var (
			repos []*gh.Repository
			resp  *gh.Response
			err   error
		)
		if h.installation {
			var listed *gh.ListRepositories
			listed, resp, err = h.client.Apps.ListRepos(ctx, &opts)
			if listed != nil {
				repos = listed.Repositories
			}
		} else {
			repos, resp, err = h.client.Repositories.ListByAuthenticatedUser(ctx, &gh.RepositoryListByAuthenticatedUserOptions{ListOptions: opts})
		}
		if err != nil {
			return nil, wrap(resp, err, "list repositories")
		}
		for _, repo := range repos {
			if repo.GetArchived() {
				continue
			}
			parsed, err := host.ParseRepo(repo.GetFullName())
			if err != nil {
				continue
			}
			out = append(out, parsed)
		}
		if resp == nil || resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

func isNotFound(resp *gh.Response) bool {
	return resp != nil && resp.StatusCode == http.StatusNotFound
}

func wrap(resp *gh.Response, err error, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if isNotFound(resp) {
		return fmt.Errorf("%s: %w", msg, host.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
