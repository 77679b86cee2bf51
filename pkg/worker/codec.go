package worker

import (
	"encoding/json"
	"fmt"
	"strings"

	"npmmirror/internal"
	"npmmirror/pkg/host"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Codec decodes broker messages into sync requests.
type Codec interface {
	Decode(topic string, msg *message.Message) (*Request, error)
}

// DefaultCodec accepts both a bare internal.SyncRequest and an internal.Event
// envelope. The repository falls back to the message metadata.
type DefaultCodec struct{}

type envelope struct {
	Repository string                 `json:"repository"`
	Reason     string                 `json:"reason"`
	Data       map[string]interface{} `json:"data"`
}

func (DefaultCodec) Decode(topic string, msg *message.Message) (*Request, error) {
	var env envelope
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			return nil, fmt.Errorf("decode sync request: %w", err)
		}
	}

	metadata := make(map[string]string, len(msg.Metadata))
	for key, value := range msg.Metadata {
		metadata[key] = value
	}

	repository := strings.TrimSpace(env.Repository)
	if repository == "" {
		repository = msg.Metadata.Get(internal.MetadataRepository)
	}
	if repository != "" {
		if _, err := host.ParseRepo(repository); err != nil {
			return nil, err
		}
	}
	reason := env.Reason
	if reason == "" {
		reason, _ = env.Data["reason"].(string)
	}

	return &Request{
		Topic:      topic,
		Repository: repository,
		Reason:     reason,
		Metadata:   metadata,
		Payload:    json.RawMessage(msg.Payload),
	}, nil
}
