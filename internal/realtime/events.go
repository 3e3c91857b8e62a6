// Package realtime fans authoritative operations out to subscribed
// replicas over long-lived server-sent event streams, and provides the
// client half: stream consumption with heartbeat liveness and
// exponential-backoff reconnection.
package realtime

import (
	"encoding/json"
	"time"

	dsync "github.com/driftlab/driftsync/internal/sync"
)

// EventType tags a stream event.
type EventType string

const (
	EventConnected  EventType = "connected"
	EventOperations EventType = "operations"
	EventHeartbeat  EventType = "heartbeat"
	EventReconnect  EventType = "reconnect" // reserved: server-requested reconnection
	EventError      EventType = "error"
)

// Event is one frame on a stream. IDs are assigned monotonically per
// connection.
type Event struct {
	ID        int64           `json:"id"`
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ConnectedData is the payload of the first event on every stream.
type ConnectedData struct {
	ConnectionID string   `json:"connection_id"`
	Tables       []string `json:"tables"`
}

// OperationsData carries a filtered batch of authoritative operations.
type OperationsData struct {
	Operations []dsync.Operation `json:"operations"`
	Tables     []string          `json:"tables"`
}

// HeartbeatData carries the server clock at emission.
type HeartbeatData struct {
	Timestamp int64 `json:"timestamp"`
}

func marshalData(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// distinctTables returns the distinct table names in a batch, in first
// appearance order.
func distinctTables(ops []dsync.Operation) []string {
	seen := make(map[string]bool, len(ops))
	var out []string
	for _, op := range ops {
		if !seen[op.Table] {
			seen[op.Table] = true
			out = append(out, op.Table)
		}
	}
	return out
}
