package history

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"npmmirror/pkg/host"
	"npmmirror/pkg/host/hosttest"
	"npmmirror/pkg/storage/storagetest"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func seed(h *hosttest.Host, repo string, n int) {
	for i := 0; i < n; i++ {
		h.AddCommit(repo, hosttest.Commit{
			SHA:         fmt.Sprintf("sha%03d", i),
			CommittedAt: base.Add(time.Duration(i) * time.Hour),
			Files:       map[string]string{"package.json": "{}"},
		})
	}
}

func TestWalkPaginatesUntilNoNextPage(t *testing.T) {
	h := hosttest.New()
	seed(h, "acme/widget", 25)
	repos := storagetest.NewRepositories()
	walker := New(h, repos, WithPerPage(10))

	result, err := walker.Walk(context.Background(), host.Repo{Owner: "acme", Name: "widget"})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(result.Commits) != 25 {
		t.Fatalf("expected 25 commits, got %d", len(result.Commits))
	}
	if h.ListCalls != 3 {
		t.Fatalf("expected 3 page fetches, got %d", h.ListCalls)
	}
	if !result.Newest.Equal(base.Add(24 * time.Hour)) {
		t.Fatalf("unexpected newest %s", result.Newest)
	}
	if result.Since != nil {
		t.Fatalf("expected first sync without watermark")
	}
}

func TestWalkExcludesCommitsAtOrBeforeWatermark(t *testing.T) {
	h := hosttest.New()
	seed(h, "acme/widget", 5)
	repos := storagetest.NewRepositories()
	repos.SetWatermark("acme/widget", base.Add(2*time.Hour))
	walker := New(h, repos)

	result, err := walker.Walk(context.Background(), host.Repo{Owner: "acme", Name: "widget"})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(result.Commits) != 2 {
		t.Fatalf("expected 2 commits newer than the watermark, got %d", len(result.Commits))
	}
	for _, commit := range result.Commits {
		if !commit.CommittedAt.After(base.Add(2 * time.Hour)) {
			t.Fatalf("commit %s is not newer than the watermark", commit.SHA)
		}
	}
}

func TestWalkPageErrorDiscardsCommits(t *testing.T) {
	h := hosttest.New()
	seed(h, "acme/widget", 25)
	h.ListErr["acme/widget"] = map[int]error{2: errors.New("rate limited")}
	repos := storagetest.NewRepositories()
	walker := New(h, repos, WithPerPage(10), WithPageWatermarks(true))

	result, err := walker.Walk(context.Background(), host.Repo{Owner: "acme", Name: "widget"})
	if err == nil {
		t.Fatalf("expected page error")
	}
	if len(result.Commits) != 0 {
		t.Fatalf("expected no commits on failure, got %d", len(result.Commits))
	}

	record, _ := repos.GetRepository(context.Background(), "acme/widget")
	if record == nil || record.Watermark == nil {
		t.Fatalf("expected watermark from the first page to be kept")
	}
	if !record.Watermark.Equal(base.Add(24 * time.Hour)) {
		t.Fatalf("unexpected watermark %s", record.Watermark)
	}
}

func TestWalkWithoutPageWatermarksLeavesCursor(t *testing.T) {
	h := hosttest.New()
	seed(h, "acme/widget", 3)
	repos := storagetest.NewRepositories()
	walker := New(h, repos)

	if _, err := walker.Walk(context.Background(), host.Repo{Owner: "acme", Name: "widget"}); err != nil {
		t.Fatalf("walk: %v", err)
	}
	record, _ := repos.GetRepository(context.Background(), "acme/widget")
	if record == nil {
		t.Fatalf("expected repository record to be created lazily")
	}
	if record.Watermark != nil {
		t.Fatalf("expected watermark to be left to the caller")
	}
}

func TestPagesStopsWhenConsumerBreaks(t *testing.T) {
	h := hosttest.New()
	seed(h, "acme/widget", 30)
	walker := New(h, storagetest.NewRepositories(), WithPerPage(10))

	pages := 0
	for _, err := range walker.Pages(context.Background(), host.Repo{Owner: "acme", Name: "widget"}, nil) {
		if err != nil {
			t.Fatalf("page: %v", err)
		}
		pages++
		break
	}
	if pages != 1 || h.ListCalls != 1 {
		t.Fatalf("expected lazy iteration, pages=%d calls=%d", pages, h.ListCalls)
	}
}
