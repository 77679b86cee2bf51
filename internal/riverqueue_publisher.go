package internal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// riverQueuePublisher inserts sync requests as River jobs. River only runs
// sync jobs, so notifications on other topics are dropped.
type riverQueuePublisher struct {
	db  *sql.DB
	cfg RiverQueueConfig
}

func newRiverQueuePublisher(cfg RiverQueueConfig) (*riverQueuePublisher, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("riverqueue dsn is required")
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return &riverQueuePublisher{db: db, cfg: cfg}, nil
}

func (p *riverQueuePublisher) Publish(ctx context.Context, topic string, event Event) error {
	if topic != TopicSyncRequested {
		return nil
	}
	args, err := riverJobArgs(event)
	if err != nil {
		return err
	}

	metadata, err := json.Marshal(map[string]interface{}{
		"provider": event.Provider,
		"name":     event.Name,
		"topic":    topic,
	})
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, p.insertQuery(),
		string(args),
		p.cfg.Kind,
		p.cfg.MaxAttempts,
		string(metadata),
		p.cfg.Priority,
		p.cfg.Queue,
		pq.Array(p.cfg.Tags),
	)
	return err
}

func (p *riverQueuePublisher) insertQuery() string {
	table := strings.TrimSpace(p.cfg.Table)
	if table == "" {
		table = "river_job"
	}
	return fmt.Sprintf(
		`INSERT INTO %s (args, kind, max_attempts, metadata, priority, queue, scheduled_at, tags)
VALUES ($1, $2, $3, $4, $5, $6, now(), $7)`,
		table,
	)
}

// riverJobArgs returns the JSON job arguments: the raw payload when the
// caller supplied one, otherwise a SyncRequest derived from the event.
func riverJobArgs(event Event) ([]byte, error) {
	if len(event.RawPayload) > 0 {
		var req SyncRequest
		if err := json.Unmarshal(event.RawPayload, &req); err != nil {
			return nil, fmt.Errorf("riverqueue args: %w", err)
		}
		return event.RawPayload, nil
	}
	reason, _ := event.Data["reason"].(string)
	return json.Marshal(SyncRequest{Repository: event.Repository, Reason: reason})
}

func (p *riverQueuePublisher) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}
