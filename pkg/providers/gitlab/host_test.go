package gitlab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"npmmirror/pkg/host"
)

var widget = host.Repo{Owner: "acme/tools", Name: "widget"}

func newTestHost(t *testing.T, handler http.HandlerFunc) (*Host, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	h, err := New(Config{Token: "glpat-test", BaseURL: server.URL + "/api/v4"})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	return h, server
}

func TestFetchFileAtRef(t *testing.T) {
	h, _ := newTestHost(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("PRIVATE-TOKEN") != "glpat-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/api/v4/projects/acme/tools/widget/repository/files/package.json/raw" {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message":"404 Project Not Found"}`)
			return
		}
		if r.URL.Query().Get("ref") != "abc123" {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message":"404 File Not Found"}`)
			return
		}
		fmt.Fprint(w, `{"name":"@acme/widget","version":"1.0.0"}`)
	})

	content, err := h.FetchFile(context.Background(), widget, "package.json", "abc123")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(content) != `{"name":"@acme/widget","version":"1.0.0"}` {
		t.Fatalf("unexpected content %q", content)
	}
	if _, err := h.FetchFile(context.Background(), widget, "package.json", "other"); !errors.Is(err, host.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHasFileTreatsNotFoundAsAbsent(t *testing.T) {
	h, _ := newTestHost(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "acme/tools/widget/repository/files/package.json") {
			w.Header().Set("X-Gitlab-File-Name", "package.json")
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	if ok, err := h.HasFile(context.Background(), widget, "package.json"); err != nil || !ok {
		t.Fatalf("expected present, got %v %v", ok, err)
	}
	if ok, err := h.HasFile(context.Background(), host.Repo{Owner: "acme", Name: "docs"}, "package.json"); err != nil || ok {
		t.Fatalf("expected absent, got %v %v", ok, err)
	}
}

func TestListCommitsReadsNextPageHeader(t *testing.T) {
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h, _ := newTestHost(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/repository/commits") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		q := r.URL.Query()
		if q.Get("path") != "package.json" {
			t.Errorf("expected path filter, got %v", q)
		}
		if q.Get("since") == "" {
			t.Errorf("expected since filter")
		}
		if q.Get("page") == "1" {
			w.Header().Set("X-Next-Page", "2")
		}
		fmt.Fprint(w, `[{"id":"c1","committed_date":"2024-01-03T10:00:00+02:00"}]`)
	})

	page, err := h.ListCommits(context.Background(), widget, host.ListCommitsOptions{Path: "package.json", Since: &since, Page: 1, PerPage: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.NextPage != 2 || len(page.Commits) != 1 {
		t.Fatalf("unexpected page %+v", page)
	}
	if page.Commits[0].SHA != "c1" || !page.Commits[0].CommittedAt.Equal(time.Date(2024, 1, 3, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected commit %+v", page.Commits[0])
	}

	page, err = h.ListCommits(context.Background(), widget, host.ListCommitsOptions{Path: "package.json", Since: &since, Page: 2, PerPage: 1})
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if page.NextPage != 0 {
		t.Fatalf("expected last page, got %d", page.NextPage)
	}
}

func TestArchiveLinkAndAuthHeader(t *testing.T) {
	h, server := newTestHost(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	link, err := h.ArchiveLink(context.Background(), widget, "abc123", "tarball")
	if err != nil {
		t.Fatalf("archive link: %v", err)
	}
	want := server.URL + "/api/v4/projects/acme%2Ftools%2Fwidget/repository/archive.tar.gz?sha=abc123"
	if link != want {
		t.Fatalf("link = %q, want %q", link, want)
	}

	name, value := h.AuthHeader(link)
	if name != "PRIVATE-TOKEN" || value != "glpat-test" {
		t.Fatalf("unexpected auth header %q=%q", name, value)
	}
	if name, _ := h.AuthHeader("https://elsewhere.example/archive.tar.gz"); name != "" {
		t.Fatalf("expected no credentials for foreign hosts")
	}
}

func TestListRepositoriesPaginates(t *testing.T) {
	h, _ := newTestHost(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v4/projects" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("membership") != "true" {
			t.Errorf("expected membership filter")
		}
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `[{"path_with_namespace":"acme/tools/widget"}]`)
			return
		}
		w.Header().Set("X-Next-Page", "2")
		fmt.Fprint(w, `[{"path_with_namespace":"acme/api"}]`)
	})

	repos, err := h.ListRepositories(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(repos) != 2 || repos[1].FullName() != "acme/tools/widget" || repos[1].Owner != "acme/tools" {
		t.Fatalf("unexpected repositories %+v", repos)
	}
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without token")
	}
}
