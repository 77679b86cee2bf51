package worker

import (
	"context"

	"npmmirror/pkg/syncer"

	"github.com/charmbracelet/log"
)

// Runner runs one synchronization. *syncer.Syncer satisfies it.
type Runner interface {
	Run(ctx context.Context, opts syncer.Options) (syncer.Report, error)
}

// SyncHandler runs a scoped synchronization for every request. Per-repository
// failures are logged and recorded in the store; only a run that could not
// start returns an error.
func SyncHandler(runner Runner, logger *log.Logger) Handler {
	if logger == nil {
		logger = log.Default()
	}
	return func(ctx context.Context, req *Request) error {
		report, err := runner.Run(ctx, syncer.Options{Repository: req.Repository})
		if err != nil {
			logger.Error("sync request rejected", "repository", req.Repository, "reason", req.Reason, "err", err)
			return err
		}
		logger.Info("sync request done",
			"run", report.RunID,
			"repository", req.Repository,
			"reason", req.Reason,
			"repositories", len(report.Repositories),
			"accepted", report.Accepted(),
			"failed", report.Failed(),
		)
		return nil
	}
}
