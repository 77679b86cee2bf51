package main

import (
	"context"
	"errors"
	"fmt"

	"npmmirror/internal"
	"npmmirror/pkg/extract"
	"npmmirror/pkg/fetch"
	"npmmirror/pkg/host"
	"npmmirror/pkg/providers/github"
	"npmmirror/pkg/providers/gitlab"
	"npmmirror/pkg/storage"
	"npmmirror/pkg/storage/packages"
	"npmmirror/pkg/storage/repositories"
	"npmmirror/pkg/syncer"
	"npmmirror/pkg/tarball"

	"github.com/charmbracelet/log"
	"gorm.io/gorm"
)

// app holds the components shared by every command.
type app struct {
	cfg       internal.Config
	logger    *log.Logger
	db        *gorm.DB
	packages  *packages.Store
	repos     *repositories.Store
	fetcher   *fetch.Fetcher
	tarballs  *tarball.Cache
	host      host.Host
	publisher internal.Publisher
	syncer    *syncer.Syncer
}

func newApp(ctx context.Context, configPath string, logger *log.Logger) (*app, error) {
	cfg, err := internal.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	a := &app{cfg: cfg, logger: logger}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg

	db, err := storage.Open(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.db = db
	if a.packages, err = packages.New(db, cfg.Storage.PackagesTable, cfg.Storage.AutoMigrate); err != nil {
		return fmt.Errorf("package store: %w", err)
	}
	if a.repos, err = repositories.New(db, cfg.Storage.RepositoriesTable, cfg.Storage.AutoMigrate); err != nil {
		return fmt.Errorf("repository store: %w", err)
	}

	fetchOpts := []fetch.Option{
		fetch.WithUserAgent(cfg.Fetch.UserAgent),
		fetch.WithMaxRetries(cfg.Fetch.MaxRetries),
		fetch.WithBaseDelay(internal.Duration(cfg.Fetch.BaseDelayMS)),
		fetch.WithTimeout(internal.Duration(cfg.Fetch.TimeoutMS)),
	}
	switch cfg.Sync.Provider {
	case "gitlab":
		gl, err := gitlab.New(gitlab.Config{Token: cfg.GitLab.Token, BaseURL: cfg.GitLab.BaseURL})
		if err != nil {
			return fmt.Errorf("gitlab client: %w", err)
		}
		a.host = gl
		// GitLab archive links require the token on the download itself.
		fetchOpts = append(fetchOpts, fetch.WithAuthFunc(gl.AuthHeader))
	case "github":
		gh, err := github.New(ctx, github.Config{
			Token: cfg.GitHub.Token,
			App: github.AppConfig{
				AppID:          cfg.GitHub.AppID,
				PrivateKeyPath: cfg.GitHub.PrivateKeyPath,
				InstallationID: cfg.GitHub.InstallationID,
			},
			BaseURL: cfg.GitHub.BaseURL,
		})
		if err != nil {
			return fmt.Errorf("github client: %w", err)
		}
		a.host = gh
	default:
		return fmt.Errorf("unsupported provider %q", cfg.Sync.Provider)
	}

	a.fetcher = fetch.NewFetcher(fetchOpts...)
	var downloader fetch.Downloader = a.fetcher
	if cfg.Fetch.BreakerThreshold > 0 {
		downloader = fetch.NewBreakerFetcher(a.fetcher, cfg.Fetch.BreakerThreshold)
	}
	if a.tarballs, err = tarball.New(cfg.Server.ArtifactRoot, downloader); err != nil {
		return fmt.Errorf("tarball cache: %w", err)
	}

	extractor := extract.New(a.host, a.tarballs, a.packages, extract.Config{
		Path:          cfg.Sync.ManifestPath,
		Scope:         cfg.Sync.Scope,
		ArchiveFormat: cfg.Sync.ArchiveFormat,
		Concurrency:   cfg.Sync.Concurrency,
		Logger:        internal.NewLogger("extract"),
	})

	if a.publisher, err = internal.NewPublisher(cfg.Watermill); err != nil {
		return fmt.Errorf("publisher: %w", err)
	}

	a.syncer, err = syncer.New(a.host, a.repos, extractor, a.publisher, syncer.Config{
		Provider:     cfg.Sync.Provider,
		Repositories: cfg.Sync.Repositories,
		Path:         cfg.Sync.ManifestPath,
		PerPage:      cfg.Sync.PageSize,
		Concurrency:  cfg.Sync.Concurrency,
		Policy:       syncer.Policy(cfg.Sync.WatermarkPolicy),
		Logger:       internal.NewLogger("syncer"),
	})
	if err != nil {
		return fmt.Errorf("syncer: %w", err)
	}
	a.logger.Debug("components ready", "provider", cfg.Sync.Provider, "storage", cfg.Storage.Driver, "artifacts", a.tarballs.Root())
	return nil
}

// Close releases the publisher, the fetcher and the database in that order.
func (a *app) Close() error {
	var errs []error
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	if a.fetcher != nil {
		errs = append(errs, a.fetcher.Close())
	}
	if a.db != nil {
		errs = append(errs, storage.Close(a.db))
	}
	return errors.Join(errs...)
}
