package internal

import (
	"context"
	"errors"
	"expvar"
	"io"
	"testing"

	"github.com/charmbracelet/log"
)

type recordingPublisher struct {
	topics []string
	events []Event
	err    error
}

func (r *recordingPublisher) Publish(ctx context.Context, topic string, event Event) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	r.topics = append(r.topics, topic)
	r.events = append(r.events, event)
	return r.err
}

func (r *recordingPublisher) Close() error { return nil }

func TestPublishTriggerPublishesSyncRequest(t *testing.T) {
	pub := &recordingPublisher{}
	trigger := PublishTrigger{Publisher: pub, Provider: "github", Reason: "webhook"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	trigger.Trigger(ctx, "acme/widgets")

	if len(pub.events) != 1 || pub.topics[0] != TopicSyncRequested {
		t.Fatalf("expected one sync request, got %v", pub.topics)
	}
	event := pub.events[0]
	if event.Repository != "acme/widgets" || event.Provider != "github" || event.Name != TopicSyncRequested {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.Data["reason"] != "webhook" {
		t.Fatalf("expected reason in data, got %v", event.Data)
	}
}

func TestPublishTriggerCountsFailures(t *testing.T) {
	before := counterValue(publishErrors, TopicSyncRequested)
	trigger := PublishTrigger{
		Publisher: &recordingPublisher{err: errors.New("broker down")},
		Logger:    log.New(io.Discard),
	}
	trigger.Trigger(context.Background(), "")

	if got := counterValue(publishErrors, TopicSyncRequested); got != before+1 {
		t.Fatalf("expected publish error counter to move from %d, got %d", before, got)
	}
}

func counterValue(m *expvar.Map, key string) int64 {
	if v, ok := m.Get(key).(*expvar.Int); ok {
		return v.Value()
	}
	return 0
}
