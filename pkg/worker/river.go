package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"npmmirror/pkg/syncer"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
)

// SyncJobKind is the River job kind inserted by the riverqueue publisher.
const SyncJobKind = "npmmirror.sync"

// SyncArgs are the arguments of a sync job.
type SyncArgs struct {
	Repository string `json:"repository,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (SyncArgs) Kind() string { return SyncJobKind }

// SyncJobWorker runs a scoped synchronization per job. A rejected run
// cancels the job instead of retrying it.
type SyncJobWorker struct {
	river.WorkerDefaults[SyncArgs]
	handler Handler
}

func NewSyncJobWorker(runner Runner, logger *log.Logger) *SyncJobWorker {
	return &SyncJobWorker{handler: SyncHandler(runner, logger)}
}

func (w *SyncJobWorker) Work(ctx context.Context, job *river.Job[SyncArgs]) error {
	err := w.handler(ctx, &Request{
		Topic:      SyncJobKind,
		Repository: job.Args.Repository,
		Reason:     job.Args.Reason,
	})
	if errors.Is(err, syncer.ErrRepositoryNotAllowed) {
		return river.JobCancel(err)
	}
	return err
}

// RiverConfig configures RunRiver.
type RiverConfig struct {
	DSN        string
	Queue      string
	MaxWorkers int
}

// RunRiver runs a River client executing sync jobs until ctx is canceled.
func RunRiver(ctx context.Context, cfg RiverConfig, runner Runner, logger *log.Logger) error {
	if cfg.DSN == "" {
		return errors.New("river dsn is required")
	}
	if cfg.Queue == "" {
		cfg.Queue = river.QueueDefault
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if logger == nil {
		logger = log.Default()
	}

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	client, err := newRiverClient(pool, cfg, runner, logger)
	if err != nil {
		return err
	}
	if err := client.Start(ctx); err != nil {
		return err
	}
	logger.Info("river client started", "queue", cfg.Queue, "max_workers", cfg.MaxWorkers)

	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	return client.Stop(stopCtx)
}

func newRiverClient(pool *pgxpool.Pool, cfg RiverConfig, runner Runner, logger *log.Logger) (*river.Client[pgx.Tx], error) {
	workers := river.NewWorkers()
	river.AddWorker(workers, NewSyncJobWorker(runner, logger))

	return river.NewClient(riverpgxv5.New(pool), &river.Config{
		Logger: slog.New(logger),
		Queues: map[string]river.QueueConfig{
			cfg.Queue: {MaxWorkers: cfg.MaxWorkers},
		},
		Workers: workers,
	})
}
