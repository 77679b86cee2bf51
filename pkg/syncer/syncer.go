// Package syncer runs synchronization across repositories: manifest check,
// history walk, version extraction, watermark advance and notifications.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"npmmirror/internal"
	"npmmirror/pkg/extract"
	"npmmirror/pkg/history"
	"npmmirror/pkg/host"
	"npmmirror/pkg/storage"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Policy selects when a repository watermark moves.
type Policy string

const (
	// PolicyPage advances the watermark after each enumerated page,
	// before the page's commits are extracted.
	PolicyPage Policy = "page"
	// PolicyMaterialized advances the watermark once every walked commit
	// was accepted or skipped.
	PolicyMaterialized Policy = "materialized"
)

// DefaultConcurrency bounds the repositories of one run in flight.
const DefaultConcurrency = 5

// ErrRepositoryNotAllowed is returned for a scoped run outside the allow-list.
var ErrRepositoryNotAllowed = errors.New("repository is not in the allow-list")

// Publisher receives sync notifications. internal.Publisher satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, event internal.Event) error
}

// Config configures a Syncer.
type Config struct {
	// Provider names the host on repository records and events.
	Provider string
	// Repositories is the allow-list; empty means every repository the host lists.
	Repositories []string
	Path         string
	PerPage      int
	Concurrency  int
	Policy       Policy
	Logger       *log.Logger
}

// Syncer coordinates walkers and extractors across repositories. Runs may
// overlap; nothing here serializes them.
type Syncer struct {
	host      host.Host
	repos     storage.RepositoryStore
	walker    *history.Walker
	extractor *extract.Extractor
	publisher Publisher

	provider    string
	allow       []host.Repo
	path        string
	concurrency int
	policy      Policy
	logger      *log.Logger

	inflight sync.WaitGroup
}

// New creates a Syncer. publisher may be nil.
func New(h host.Host, repos storage.RepositoryStore, extractor *extract.Extractor, publisher Publisher, cfg Config) (*Syncer, error) {
	if h == nil || repos == nil || extractor == nil {
		return nil, errors.New("host, repository store and extractor are required")
	}
	s := &Syncer{
		host:        h,
		repos:       repos,
		extractor:   extractor,
		publisher:   publisher,
		provider:    cfg.Provider,
		path:        cfg.Path,
		concurrency: cfg.Concurrency,
		policy:      cfg.Policy,
		logger:      cfg.Logger,
	}
	if s.path == "" {
		s.path = history.DefaultPath
	}
	if s.concurrency <= 0 {
		s.concurrency = DefaultConcurrency
	}
	switch s.policy {
	case "":
		s.policy = PolicyMaterialized
	case PolicyPage, PolicyMaterialized:
	default:
		return nil, fmt.Errorf("unknown watermark policy %q", cfg.Policy)
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	for _, name := range cfg.Repositories {
		repo, err := host.ParseRepo(name)
		if err != nil {
			return nil, err
		}
		s.allow = append(s.allow, repo)
	}
	s.walker = history.New(h, repos,
		history.WithPath(s.path),
		history.WithPerPage(cfg.PerPage),
		history.WithProvider(s.provider),
		history.WithPageWatermarks(s.policy == PolicyPage),
		history.WithLogger(s.logger),
	)
	return s, nil
}

// Options scopes a run.
type Options struct {
	// Repository limits the run to one "owner/name" when set.
	Repository string
}

// Run synchronizes the targeted repositories and waits for them. The error
// is only set when the run could not start; per-repository failures are in
// the report.
func (s *Syncer) Run(ctx context.Context, opts Options) (Report, error) {
	report := Report{RunID: uuid.NewString(), StartedAt: time.Now().UTC()}
	logger := s.logger.With("run", report.RunID)

	targets, err := s.targets(ctx, opts)
	if err != nil {
		internal.IncSyncRun("failed")
		return report, err
	}
	logger.Info("sync started", "repositories", len(targets))

	report.Repositories = make([]RepositoryReport, len(targets))
	var group errgroup.Group
	group.SetLimit(s.concurrency)
	for i, repo := range targets {
		group.Go(func() error {
			report.Repositories[i] = s.syncRepository(ctx, logger, report.RunID, repo)
			return nil
		})
	}
	_ = group.Wait()
	report.FinishedAt = time.Now().UTC()

	status := "ok"
	if report.Failed() > 0 {
		status = "failed"
	}
	internal.IncSyncRun(status)
	logger.Info("sync finished",
		"repositories", len(targets),
		"failed", report.Failed(),
		"accepted", report.Accepted(),
		"elapsed", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond),
	)
	return report, nil
}

// Trigger starts a run in the background and returns immediately. The run
// outlives ctx cancellation but keeps its values.
func (s *Syncer) Trigger(ctx context.Context, repository string) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		report, err := s.Run(context.WithoutCancel(ctx), Options{Repository: repository})
		if err != nil {
			s.logger.Error("triggered sync failed to start", "repo", repository, "err", err)
			return
		}
		if joined := report.Err(); joined != nil {
			s.logger.Warn("triggered sync finished with errors", "run", report.RunID, "err", joined)
		}
	}()
}

// Wait blocks until every triggered run has finished.
func (s *Syncer) Wait() {
	s.inflight.Wait()
}

func (s *Syncer) targets(ctx context.Context, opts Options) ([]host.Repo, error) {
	if opts.Repository != "" {
		repo, err := host.ParseRepo(opts.Repository)
		if err != nil {
			return nil, err
		}
		if len(s.allow) > 0 && !containsRepo(s.allow, repo) {
			return nil, fmt.Errorf("%s: %w", repo, ErrRepositoryNotAllowed)
		}
		return []host.Repo{repo}, nil
	}
	if len(s.allow) > 0 {
		return append([]host.Repo(nil), s.allow...), nil
	}
	repos, err := s.host.ListRepositories(ctx)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	return repos, nil
}

func (s *Syncer) syncRepository(ctx context.Context, logger *log.Logger, runID string, repo host.Repo) RepositoryReport {
	result := RepositoryReport{Repository: repo.FullName()}
	logger = logger.With("repo", repo.FullName())

	present, err := s.host.HasFile(ctx, repo, s.path)
	if err != nil && !errors.Is(err, host.ErrNotFound) {
		result.Err = fmt.Errorf("check %s: %w", s.path, err)
		logger.Error("manifest check failed", "err", err)
		internal.IncRepositoryOutcome("failed")
		return result
	}
	if !present {
		result.Absent = true
		logger.Info("manifest absent at default branch, skipping", "path", s.path)
		internal.IncRepositoryOutcome("absent")
		return result
	}

	walk, err := s.walker.Walk(ctx, repo)
	if err != nil {
		result.Err = err
		logger.Error("history walk failed", "err", err)
		s.finish(ctx, logger, runID, repo, &result)
		return result
	}
	result.Commits = len(walk.Commits)

	var failures []error
	for _, outcome := range s.extractor.ExtractAll(ctx, repo, walk.Commits) {
		switch outcome.Kind {
		case extract.Accepted:
			result.Accepted++
			if outcome.Downloaded {
				result.Downloaded++
			}
			s.publishVersion(ctx, logger, runID, repo, outcome.Record)
		case extract.Skipped:
			result.Skipped++
		case extract.Failed:
			result.Failed++
			failures = append(failures, outcome.Err)
		}
	}
	if len(failures) > 0 {
		result.Err = errors.Join(failures...)
	}

	if s.policy == PolicyMaterialized && result.Failed == 0 && !walk.Newest.IsZero() {
		moved, err := s.repos.AdvanceWatermark(ctx, repo.FullName(), walk.Newest)
		if err != nil {
			result.Err = errors.Join(result.Err, fmt.Errorf("advance watermark: %w", err))
		} else if moved {
			logger.Debug("watermark advanced", "watermark", walk.Newest.Format(time.RFC3339))
		}
	}
	s.finish(ctx, logger, runID, repo, &result)
	return result
}

func (s *Syncer) finish(ctx context.Context, logger *log.Logger, runID string, repo host.Repo, result *RepositoryReport) {
	if record, err := s.repos.GetRepository(ctx, repo.FullName()); err == nil && record != nil {
		result.Watermark = record.Watermark
	}
	if err := s.repos.RecordSyncResult(ctx, repo.FullName(), time.Now().UTC(), result.Err); err != nil {
		logger.Warn("record sync result failed", "err", err)
	}

	internal.AddVersionOutcomes(extract.Accepted.String(), result.Accepted)
	internal.AddVersionOutcomes(extract.Skipped.String(), result.Skipped)
	internal.AddVersionOutcomes(extract.Failed.String(), result.Failed)
	internal.AddTarballs("downloaded", result.Downloaded)
	internal.AddTarballs("cached", result.Accepted-result.Downloaded)
	if result.Err != nil {
		internal.IncRepositoryOutcome("failed")
	} else {
		internal.IncRepositoryOutcome("synced")
	}

	logger.Info("repository synced",
		"commits", result.Commits,
		"accepted", result.Accepted,
		"skipped", result.Skipped,
		"failed", result.Failed,
		"downloaded", result.Downloaded,
	)

	data := map[string]interface{}{
		"commits":    result.Commits,
		"accepted":   result.Accepted,
		"skipped":    result.Skipped,
		"failed":     result.Failed,
		"downloaded": result.Downloaded,
	}
	if result.Watermark != nil {
		data["watermark"] = result.Watermark.UTC().Format(time.RFC3339)
	}
	if result.Err != nil {
		data["error"] = result.Err.Error()
	}
	s.publish(ctx, logger, internal.TopicRepositorySynced, internal.Event{
		Provider:   s.provider,
		Name:       internal.TopicRepositorySynced,
		RunID:      runID,
		Repository: repo.FullName(),
		Data:       data,
	})
}

func (s *Syncer) publishVersion(ctx context.Context, logger *log.Logger, runID string, repo host.Repo, record *storage.PackageRecord) {
	if record == nil {
		return
	}
	s.publish(ctx, logger, internal.TopicVersionSynced, internal.Event{
		Provider:   s.provider,
		Name:       internal.TopicVersionSynced,
		RunID:      runID,
		Repository: repo.FullName(),
		Data: map[string]interface{}{
			"id":      record.ID(),
			"name":    record.Name,
			"version": record.Version,
			"commit":  record.CommitSHA,
			"shasum":  record.Shasum,
			"tarball": record.TarballPath,
		},
	})
}

// publish never fails a sync; errors are logged and counted.
func (s *Syncer) publish(ctx context.Context, logger *log.Logger, topic string, event internal.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, topic, event); err != nil {
		internal.IncPublishError(topic)
		logger.Warn("publish failed", "topic", topic, "err", err)
	}
}

func containsRepo(repos []host.Repo, target host.Repo) bool {
	for _, repo := range repos {
		if repo.FullName() == target.FullName() {
			return true
		}
	}
	return false
}
