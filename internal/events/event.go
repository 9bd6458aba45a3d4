package events

import (
	"encoding/json"
	"time"
)

// Severity of a security event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Event is one ingested security event.
type Event struct {
	ID         string          `json:"id"`
	Source     string          `json:"source"`
	Kind       string          `json:"kind"`
	Severity   Severity        `json:"severity"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// PartitionKey selects the worker when the processor is partitioned. Events
// from one source are handled in arrival order.
func (e Event) PartitionKey() string {
	return e.Source
}
