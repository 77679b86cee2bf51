package internal

import (
	"context"

	"github.com/charmbracelet/log"
)

// PublishTrigger hands sync requests to remote workers by publishing them
// on TopicSyncRequested instead of running them in-process.
type PublishTrigger struct {
	Publisher Publisher
	Provider  string
	Reason    string
	Logger    *log.Logger
}

func (t PublishTrigger) Trigger(ctx context.Context, repository string) {
	event := Event{
		Provider:   t.Provider,
		Name:       TopicSyncRequested,
		Repository: repository,
	}
	if t.Reason != "" {
		event.Data = map[string]interface{}{"reason": t.Reason}
	}
	if err := t.Publisher.Publish(context.WithoutCancel(ctx), TopicSyncRequested, event); err != nil {
		IncPublishError(TopicSyncRequested)
		if t.Logger != nil {
			t.Logger.Error("sync request publish failed", "repository", repository, "err", err)
		}
	}
}
