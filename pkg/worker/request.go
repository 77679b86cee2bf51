package worker

import "encoding/json"

// Request is a decoded sync request received from a broker.
type Request struct {
	// Topic is the topic the message was received on.
	Topic string
	// Repository is "owner/name", or empty for every configured repository.
	Repository string
	Reason     string
	// Metadata carries the broker message metadata.
	Metadata map[string]string
	Payload  json.RawMessage
}
