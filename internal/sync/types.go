// Package sync defines the operation model shared by the client and server
// halves of the replication protocol: operations, conflicts, push results,
// and the conflict resolution policy.
package sync

import (
	"time"
)

// Kind is the kind of mutation an operation carries.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Status is the local lifecycle state of a queued operation. It is only
// meaningful inside a client's durable queue.
type Status string

const (
	StatusPending Status = "pending"
	StatusSynced  Status = "synced"
	StatusError   Status = "error"
)

// Metadata field names injected into every row that leaves the server.
const (
	FieldVersion   = "_version"
	FieldUpdatedAt = "_updated_at"
	FieldClientID  = "_client_id"
	FieldIsDeleted = "_is_deleted"
)

// Row is a schemaless record payload.
type Row = map[string]any

// Operation is the unit of replication. IDs are assigned by the
// originating replica and are unique across everything it ever produces.
type Operation struct {
	ID        string    `json:"id"`
	Table     string    `json:"table"`
	Kind      Kind      `json:"kind"`
	Data      Row       `json:"data"`
	Timestamp time.Time `json:"-"`
	ClientID  string    `json:"client_id"`
	Version   int64     `json:"version"`
	Status    Status    `json:"status,omitempty"`
	Error     string    `json:"error,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
}

// RecordID returns the id of the record the operation addresses.
func (op Operation) RecordID() string {
	id, _ := op.Data["id"].(string)
	return id
}

// Conflict is produced by the server when it refuses to apply an operation,
// or synthesized client-side while resolving.
type Conflict struct {
	Operation  Operation  `json:"operation"`
	ServerData Row        `json:"server_data"`
	ClientData Row        `json:"client_data"`
	Resolution Resolution `json:"resolution,omitempty"`
}

// Resolution records which side won a conflict.
type Resolution string

const (
	ResolutionClientWins Resolution = "client-wins"
	ResolutionServerWins Resolution = "server-wins"
	ResolutionMerged     Resolution = "merged"
)

// OpError is a per-operation failure inside a push batch.
type OpError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// PushResult is the server's response to a push batch.
type PushResult struct {
	Success   bool       `json:"success"`
	SyncedIDs []string   `json:"synced"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
	Errors    []OpError  `json:"errors,omitempty"`
}

// ClientState is the server's per-replica bookkeeping row.
type ClientState struct {
	ClientID   string    `json:"client_id"`
	UserID     string    `json:"user_id"`
	LastSync   time.Time `json:"last_sync"`
	LastActive time.Time `json:"last_active"`
}

// CloneRow returns a shallow copy of a row. Callers that hand rows across
// goroutine or adapter boundaries copy first so later mutation of the
// original does not leak.
func CloneRow(r Row) Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// StripMetadata returns a copy of the row without the server metadata
// fields.
func StripMetadata(r Row) Row {
	out := make(Row, len(r))
	for k, v := range r {
		switch k {
		case FieldVersion, FieldUpdatedAt, FieldClientID, FieldIsDeleted:
		default:
			out[k] = v
		}
	}
	return out
}
