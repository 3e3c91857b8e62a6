// Package clientstore defines the embedded storage contract a replica's
// sync engine runs against, plus a sqlite implementation with a durable
// operation queue and per-replica metadata.
package clientstore

import (
	"time"

	"github.com/driftlab/driftsync/internal/sync"
)

// Store is the embedded persistence contract. Update has upsert
// semantics; FindOne returns nil on miss; the queue survives restarts.
type Store interface {
	// Init creates tables and metadata stores. Idempotent.
	Init() error

	Insert(table string, data sync.Row) error
	Update(table, id string, data sync.Row) error
	Delete(table, id string) error
	Find(table string, filter sync.Row) ([]sync.Row, error)
	FindOne(table, id string) (sync.Row, error)

	// Queue of pending operations, keyed by operation id.
	AddToQueue(op sync.Operation) error
	GetQueue() ([]sync.Operation, error)
	RemoveFromQueue(ids []string) error
	UpdateQueueStatus(id string, status sync.Status, errMsg string) error

	// Replica metadata.
	GetLastSync() (time.Time, error)
	SetLastSync(t time.Time) error
	// GetClientID generates and persists an id on first call; stable
	// thereafter.
	GetClientID() (string, error)
	IsInitialized() (bool, error)
	SetInitialized(v bool) error
}
