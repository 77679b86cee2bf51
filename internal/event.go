package internal

import "encoding/json"

const (
	TopicVersionSynced    = "package.version.synced"
	TopicRepositorySynced = "repository.synced"
	TopicSyncRequested    = "sync.requested"
)

// Event is the envelope published for sync notifications and remote sync requests.
type Event struct {
	Provider   string                 `json:"provider"`
	Name       string                 `json:"name"`
	RunID      string                 `json:"run_id,omitempty"`
	Repository string                 `json:"repository,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	// RawPayload, when set, is sent instead of the marshalled event by queue publishers.
	RawPayload json.RawMessage `json:"-"`
}

// SyncRequest is the body of a sync.requested message. An empty Repository
// asks for every configured repository.
type SyncRequest struct {
	Repository string `json:"repository,omitempty"`
	Reason     string `json:"reason,omitempty"`
}
