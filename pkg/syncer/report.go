package syncer

import (
	"errors"
	"fmt"
	"time"
)

// Report summarizes one run.
type Report struct {
	RunID        string
	StartedAt    time.Time
	FinishedAt   time.Time
	Repositories []RepositoryReport
}

// RepositoryReport is the outcome of one repository within a run.
type RepositoryReport struct {
	Repository string
	// Absent is set when the default branch has no manifest.
	Absent     bool
	Commits    int
	Accepted   int
	Skipped    int
	Failed     int
	Downloaded int
	Watermark  *time.Time
	Err        error
}

// Failed counts repositories that ended with an error.
func (r Report) Failed() int {
	n := 0
	for _, repo := range r.Repositories {
		if repo.Err != nil {
			n++
		}
	}
	return n
}

// Accepted counts accepted versions across repositories.
func (r Report) Accepted() int {
	n := 0
	for _, repo := range r.Repositories {
		n += repo.Accepted
	}
	return n
}

// Err joins the repository errors, or nil when every repository succeeded.
func (r Report) Err() error {
	var errs []error
	for _, repo := range r.Repositories {
		if repo.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", repo.Repository, repo.Err))
		}
	}
	return errors.Join(errs...)
}
