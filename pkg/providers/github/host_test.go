package github

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"npmmirror/pkg/host"

	gh "github.com/google/go-github/v57/github"
)

func newTestHost(t *testing.T, mux *http.ServeMux, installation bool) *Host {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	client := gh.NewClient(nil)
	base, err := url.Parse(server.URL + "/")
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	client.BaseURL = base
	return NewFromClient(client, installation)
}

var widget = host.Repo{Owner: "acme", Name: "widget"}

func TestFetchFileAtRef(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widget/contents/package.json", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ref") != "abc123" {
			http.NotFound(w, r)
			return
		}
		content := base64.StdEncoding.EncodeToString([]byte(`{"name":"@acme/widget","version":"1.0.0"}`))
		fmt.Fprintf(w, `{"type":"file","encoding":"base64","content":%q}`, content)
	})
	h := newTestHost(t, mux, false)

	content, err := h.FetchFile(context.Background(), widget, "package.json", "abc123")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(content) != `{"name":"@acme/widget","version":"1.0.0"}` {
		t.Fatalf("unexpected content %q", content)
	}

	_, err = h.FetchFile(context.Background(), widget, "package.json", "missing")
	if !errors.Is(err, host.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHasFileTreatsNotFoundAsAbsent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widget/contents/package.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"type":"file","encoding":"base64","content":""}`)
	})
	mux.HandleFunc("/repos/acme/docs/contents/package.json", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Not Found"}`)
	})
	mux.HandleFunc("/repos/acme/flaky/contents/package.json", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	h := newTestHost(t, mux, false)

	if ok, err := h.HasFile(context.Background(), widget, "package.json"); err != nil || !ok {
		t.Fatalf("expected file present, got %v %v", ok, err)
	}
	if ok, err := h.HasFile(context.Background(), host.Repo{Owner: "acme", Name: "docs"}, "package.json"); err != nil || ok {
		t.Fatalf("expected file absent, got %v %v", ok, err)
	}
	if _, err := h.HasFile(context.Background(), host.Repo{Owner: "acme", Name: "flaky"}, "package.json"); err == nil {
		t.Fatalf("expected error for server failure")
	}
}

func TestListCommitsFollowsLinkHeader(t *testing.T) {
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mux := http.NewServeMux()
	var serverURL string
	mux.HandleFunc("/repos/acme/widget/commits", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("path") != "package.json" || q.Get("per_page") != "2" {
			t.Errorf("unexpected query %v", q)
		}
		if q.Get("since") != since.Format(time.RFC3339) {
			t.Errorf("unexpected since %q", q.Get("since"))
		}
		if q.Get("page") == "2" {
			fmt.Fprint(w, `[{"sha":"c3","commit":{"committer":{"date":"2024-01-02T00:00:00Z"}}}]`)
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<%srepos/acme/widget/commits?page=2>; rel="next"`, serverURL))
		fmt.Fprint(w, `[{"sha":"c1","commit":{"committer":{"date":"2024-01-04T00:00:00Z"}}},{"sha":"c2","commit":{"committer":{"date":"2024-01-03T00:00:00Z"}}}]`)
	})
	h := newTestHost(t, mux, false)
	serverURL = h.client.BaseURL.String()

	page, err := h.ListCommits(context.Background(), widget, host.ListCommitsOptions{Path: "package.json", Since: &since, Page: 1, PerPage: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Commits) != 2 || page.NextPage != 2 {
		t.Fatalf("unexpected first page %+v", page)
	}
	if page.Commits[0].SHA != "c1" || !page.Commits[0].CommittedAt.Equal(time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected commit %+v", page.Commits[0])
	}

	page, err = h.ListCommits(context.Background(), widget, host.ListCommitsOptions{Path: "package.json", Since: &since, Page: 2, PerPage: 2})
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(page.Commits) != 1 || page.NextPage != 0 {
		t.Fatalf("unexpected last page %+v", page)
	}
}

func TestArchiveLinkReturnsRedirectLocation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widget/tarball/abc123", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://codeload.example/acme/widget/tar.gz/abc123?token=x", http.StatusFound)
	})
	h := newTestHost(t, mux, false)

	link, err := h.ArchiveLink(context.Background(), widget, "abc123", "tarball")
	if err != nil {
		t.Fatalf("archive link: %v", err)
	}
	if link != "https://codeload.example/acme/widget/tar.gz/abc123?token=x" {
		t.Fatalf("unexpected link %q", link)
	}
}

func TestListRepositoriesSkipsArchived(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/user/repos", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"full_name":"acme/widget"},{"full_name":"acme/old","archived":true}]`)
	})
	mux.HandleFunc("/installation/repositories", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"total_count":1,"repositories":[{"full_name":"acme/app-only"}]}`)
	})

	repos, err := newTestHost(t, mux, false).ListRepositories(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(repos) != 1 || repos[0].FullName() != "acme/widget" {
		t.Fatalf("unexpected repositories %v", repos)
	}

	repos, err = newTestHost(t, mux, true).ListRepositories(context.Background())
	if err != nil {
		t.Fatalf("list installation: %v", err)
	}
	if len(repos) != 1 || repos[0].FullName() != "acme/app-only" {
		t.Fatalf("unexpected installation repositories %v", repos)
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error without credentials")
	}
}
