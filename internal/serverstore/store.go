// Package serverstore defines the server-side storage contract the sync
// engine runs against, plus a sqlite document-store implementation.
//
// Every stored row carries four metadata columns beyond its domain JSON:
// a strictly monotonic version, the instant of the last accepted write,
// the id of the replica that produced it, and a soft-delete marker. Rows
// are never physically removed; tombstones feed delta pulls.
package serverstore

import (
	"errors"
	"time"

	"github.com/driftlab/driftsync/internal/sync"
)

var (
	// ErrVersionMismatch is returned by Update when the stored version no
	// longer matches the caller's expectation (a concurrent writer won).
	ErrVersionMismatch = errors.New("version mismatch")
	// ErrDuplicate is returned by Insert when the id already exists,
	// tombstoned or not.
	ErrDuplicate = errors.New("record already exists")
)

// Store is the persistence contract for the server sync engine.
// Implementations must keep version numbers gap-free per row and must
// treat deletes as idempotent soft deletes.
type Store interface {
	// Insert stores a new row with version 1. Metadata fields present in
	// data (_client_id, _updated_at) are honored; user_id is stamped from
	// the data's user_id field when present. Fails with ErrDuplicate if
	// the id exists, even as a tombstone.
	Insert(table string, data sync.Row) (sync.Row, error)

	// Update merges data over the stored row and bumps the version.
	// Fails with ErrVersionMismatch when the stored version differs from
	// expectedVersion.
	Update(table, id string, data sync.Row, expectedVersion int64) (sync.Row, error)

	// Delete tombstones a row, stamping updatedAt and clientID. Deleting
	// a missing or already-deleted row is a no-op.
	Delete(table, id string, updatedAt time.Time, clientID string) error

	// FindOne returns the row (tombstoned included) or nil on miss.
	FindOne(table, id string) (sync.Row, error)

	// Find returns live rows matching every field in filter. A nil filter
	// matches all live rows.
	Find(table string, filter sync.Row) ([]sync.Row, error)

	// ChangesSince returns rows (tombstones included) whose last write is
	// strictly after since, optionally restricted to userID and excluding
	// rows last written by excludeClientID. Rows with no client
	// attribution are never excluded.
	ChangesSince(table string, since time.Time, userID, excludeClientID string) ([]sync.Row, error)

	// BatchInsert and BatchUpdate apply Insert/Update over a slice,
	// stopping at the first error.
	BatchInsert(table string, rows []sync.Row) error
	BatchUpdate(table string, rows []sync.Row) error

	// CheckConflict reports whether the stored version differs from
	// expectedVersion. Missing rows conflict.
	CheckConflict(table, id string, expectedVersion int64) (bool, error)

	// LogOperation appends an accepted operation to the sync log.
	LogOperation(op sync.Operation, userID string) error

	// UpdateClientState upserts per-replica bookkeeping.
	UpdateClientState(clientID, userID string, at time.Time) error
	// GetClientState returns the bookkeeping row or nil.
	GetClientState(clientID string) (*sync.ClientState, error)

	// Transaction runs fn against a tx-scoped store. A nil error commits.
	Transaction(fn func(Store) error) error
}
