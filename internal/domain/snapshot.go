package domain

import (
	"encoding/json"
	"time"
)

// Snapshot is the payload of a <platform>.markets topic: one raw venue record
// stamped with the time the adapter observed it. ObservedAt orders
// snapshots of the same market.
type Snapshot struct {
	Platform   Platform        `json:"platform"`
	ExternalID string          `json:"external_id"`
	ObservedAt time.Time       `json:"observed_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Reject is the payload of the ingest.rejected topic.
type Reject struct {
	Topic      string          `json:"topic"`
	Key        string          `json:"key"`
	Reason     string          `json:"reason"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RejectedAt time.Time       `json:"rejected_at"`
}
