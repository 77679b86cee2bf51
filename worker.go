package main

import (
	"context"

	"npmmirror/internal"
	"npmmirror/pkg/worker"

	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/spf13/cobra"
)

func newWorkerCmd(root *rootOptions) *cobra.Command {
	var useRiver bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run synchronizations requested through the message broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), root.configPath, useRiver)
		},
	}
	cmd.Flags().BoolVar(&useRiver, "river", false, "consume River sync jobs instead of broker messages")
	return cmd
}

func runWorker(ctx context.Context, configPath string, useRiver bool) error {
	logger := internal.NewLogger("worker")
	a, err := newApp(ctx, configPath, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg.Worker

	if useRiver {
		return worker.RunRiver(ctx, worker.RiverConfig{
			DSN:        cfg.River.DSN,
			Queue:      cfg.River.Queue,
			MaxWorkers: cfg.River.MaxWorkers,
		}, a.syncer, logger)
	}

	w, err := worker.NewFromConfig(a.cfg.Watermill, []string{cfg.Driver},
		worker.WithTopics(cfg.Topic),
		worker.WithConcurrency(cfg.Concurrency),
		worker.WithLogger(logger),
		worker.WithRetry(worker.DropRejected{}),
		worker.WithMiddleware(worker.MiddlewareFromWatermill(middleware.Recoverer)),
	)
	if err != nil {
		return err
	}
	defer w.Close()

	w.HandleTopic(cfg.Topic, worker.SyncHandler(a.syncer, logger))
	return w.Run(ctx)
}
