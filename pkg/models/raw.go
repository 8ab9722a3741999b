package models

import (
	"encoding/json"
	"time"
)

// RawPayload is one inbound source payload as received, kept for replay.
type RawPayload struct {
	ReceivedAt time.Time       `json:"received_at"`
	Payload    json.RawMessage `json:"payload"`
}
