package host

import "testing"

func TestParseRepo(t *testing.T) {
	repo, err := ParseRepo("acme/widget")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if repo.Owner != "acme" || repo.Name != "widget" {
		t.Fatalf("unexpected repo %+v", repo)
	}
	if repo.FullName() != "acme/widget" {
		t.Fatalf("unexpected full name %q", repo.FullName())
	}
}

func TestParseRepoSubgroup(t *testing.T) {
	repo, err := ParseRepo("group/sub/project")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if repo.Owner != "group/sub" || repo.Name != "project" {
		t.Fatalf("unexpected repo %+v", repo)
	}
}

func TestParseRepoInvalid(t *testing.T) {
	for _, value := range []string{"", "widget", "acme/", "/widget"} {
		if _, err := ParseRepo(value); err == nil {
			t.Fatalf("expected error for %q", value)
		}
	}
}
