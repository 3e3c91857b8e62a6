// Package syncserver applies batches of client operations against the
// authoritative store under per-user authorization and conflict policy,
// and serves delta pulls.
package syncserver

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/driftlab/driftsync/internal/schema"
	"github.com/driftlab/driftsync/internal/serverstore"
	"github.com/driftlab/driftsync/internal/sync"
)

// Broadcaster receives the accepted subset of a push for realtime
// fan-out. The originating replica is excluded downstream.
type Broadcaster interface {
	Broadcast(ops []sync.Operation, excludeClientID string)
}

// Engine is the server sync engine.
type Engine struct {
	store  serverstore.Store
	schema *schema.Config
	hub    Broadcaster // optional
	now    func() time.Time
}

// New creates an engine over the given store and sync schema. hub may be
// nil when realtime fan-out is disabled.
func New(store serverstore.Store, cfg *schema.Config, hub Broadcaster) *Engine {
	return &Engine{store: store, schema: cfg, hub: hub, now: func() time.Time { return time.Now().UTC() }}
}

// Push applies a batch of operations for the authenticated user. The
// whole batch runs in one store transaction; per-op failures land in the
// result, not in the returned error. Only a discarded transaction
// (nothing applied, client retries) returns a non-nil error.
func (e *Engine) Push(ops []sync.Operation, userID string) (*sync.PushResult, error) {
	result := &sync.PushResult{}
	var accepted []sync.Operation

	err := e.store.Transaction(func(tx serverstore.Store) error {
		for _, op := range ops {
			before := len(result.SyncedIDs)
			if err := e.applyOne(tx, op, userID, result); err != nil {
				msg := err.Error()
				if msg == "" {
					msg = "Unknown error"
				}
				result.Errors = append(result.Errors, sync.OpError{ID: op.ID, Error: msg})
				continue
			}
			if len(result.SyncedIDs) > before {
				accepted = append(accepted, op)
			}
		}

		if len(ops) > 0 {
			if err := tx.UpdateClientState(ops[0].ClientID, userID, e.now()); err != nil {
				return fmt.Errorf("update client state: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Success = true

	if e.hub != nil && len(accepted) > 0 {
		var origin string
		if len(ops) > 0 {
			origin = ops[0].ClientID
		}
		e.hub.Broadcast(accepted, origin)
	}
	return result, nil
}

// applyOne runs the per-op pipeline: table gate, authorization, dispatch,
// log, synced bookkeeping. Conflicts are recorded on result and return
// nil; a non-nil error becomes a per-op error entry.
func (e *Engine) applyOne(tx serverstore.Store, op sync.Operation, userID string, result *sync.PushResult) error {
	cfg, ok := e.schema.Lookup(op.Table)
	if !ok {
		return fmt.Errorf("Table %s not configured for sync", op.Table)
	}
	physical := cfg.PhysicalName()
	recordID := op.RecordID()

	switch op.Kind {
	case sync.KindInsert:
		if cfg.Where != nil {
			if claimed := opUserID(op); claimed != "" && claimed != userID {
				return errors.New("Access denied")
			}
		}
		current, err := tx.FindOne(physical, recordID)
		if err != nil {
			return err
		}
		if current != nil {
			result.Conflicts = append(result.Conflicts, sync.Conflict{
				Operation:  op,
				ServerData: current,
				ClientData: op.Data,
			})
			return nil
		}
		data := sync.CloneRow(op.Data)
		data[sync.FieldClientID] = op.ClientID
		data[sync.FieldUpdatedAt] = e.now()
		if userID != "" {
			data["user_id"] = userID
		}
		if _, err := tx.Insert(physical, data); err != nil {
			return err
		}

	case sync.KindUpdate:
		current, err := tx.FindOne(physical, recordID)
		if err != nil {
			return err
		}
		if current == nil {
			return errors.New("Record not found")
		}
		if cfg.Where != nil && fmt.Sprint(current["user_id"]) != userID {
			return errors.New("Access denied")
		}
		currentVersion, _ := current[sync.FieldVersion].(int64)
		if currentVersion != op.Version-1 {
			if sync.ResolveVersionGap(cfg.Strategy(), op, rowUpdatedAt(current)) == sync.OutcomeConflict {
				result.Conflicts = append(result.Conflicts, sync.Conflict{
					Operation:  op,
					ServerData: current,
					ClientData: op.Data,
				})
				return nil
			}
		}
		data := sync.CloneRow(op.Data)
		data[sync.FieldClientID] = op.ClientID
		data[sync.FieldUpdatedAt] = op.Timestamp
		// A version change under our feet is a concurrent writer, not a
		// conflict: the client retries with a fresh read.
		if _, err := tx.Update(physical, recordID, data, currentVersion); err != nil {
			return err
		}

	case sync.KindDelete:
		current, err := tx.FindOne(physical, recordID)
		if err != nil {
			return err
		}
		if current != nil && cfg.Where != nil && fmt.Sprint(current["user_id"]) != userID {
			return errors.New("Access denied")
		}
		// Missing row: idempotent success.
		if err := tx.Delete(physical, recordID, op.Timestamp, op.ClientID); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}

	if err := tx.LogOperation(op, userID); err != nil {
		return err
	}
	result.SyncedIDs = append(result.SyncedIDs, op.ID)
	return nil
}

// Pull returns every change after since across all configured tables,
// excluding the caller's own echoes, sorted ascending by server write
// time. A single table's failure is logged and skipped.
func (e *Engine) Pull(since time.Time, clientID, userID string) ([]sync.Operation, error) {
	var out []sync.Operation
	for _, cfg := range e.schema.Tables() {
		filterUser := ""
		if cfg.Where != nil {
			filterUser = userID
		}
		rows, err := e.store.ChangesSince(cfg.PhysicalName(), since, filterUser, clientID)
		if err != nil {
			slog.Warn("pull: table failed", "table", cfg.Name, "err", err)
			continue
		}
		for _, row := range rows {
			out = append(out, pullOperation(cfg, row))
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})

	if clientID != "" {
		if err := e.store.UpdateClientState(clientID, userID, e.now()); err != nil {
			slog.Warn("pull: update client state", "client", clientID, "err", err)
		}
	}
	return out, nil
}

// Resolve arbitrates a conflict the client declined to settle locally.
// The current server row is re-read and last-write-wins decides; a
// client win is applied to the store so both sides converge on the same
// row. The returned operation carries the winning data and the
// resulting server version.
func (e *Engine) Resolve(c sync.Conflict, userID string) (*sync.Operation, error) {
	cfg, ok := e.schema.Lookup(c.Operation.Table)
	if !ok {
		return nil, fmt.Errorf("table %s not configured for sync", c.Operation.Table)
	}
	physical := cfg.PhysicalName()
	recordID := c.Operation.RecordID()

	current, err := e.store.FindOne(physical, recordID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, errors.New("record not found")
	}
	if cfg.Where != nil && fmt.Sprint(current["user_id"]) != userID {
		return nil, errors.New("access denied")
	}

	resolved := c.Operation
	resolved.Timestamp = e.now()
	if c.Operation.Timestamp.After(rowUpdatedAt(current)) {
		currentVersion, _ := current[sync.FieldVersion].(int64)
		data := sync.CloneRow(c.Operation.Data)
		data[sync.FieldClientID] = c.Operation.ClientID
		data[sync.FieldUpdatedAt] = e.now()
		row, err := e.store.Update(physical, recordID, data, currentVersion)
		if err != nil {
			return nil, err
		}
		resolved.Kind = sync.KindUpdate
		resolved.Data = cfg.Apply(row)
		resolved.Version = currentVersion + 1
		if err := e.store.LogOperation(resolved, userID); err != nil {
			return nil, err
		}
		if e.hub != nil {
			e.hub.Broadcast([]sync.Operation{resolved}, c.Operation.ClientID)
		}
	} else {
		resolved.Kind = sync.KindUpdate
		resolved.ClientID = "server"
		resolved.Data = cfg.Apply(current)
		resolved.Version, _ = current[sync.FieldVersion].(int64)
	}
	return &resolved, nil
}

// pullOperation converts a changed row into an authoritative operation.
// Tombstones become deletes; everything else is an idempotent update.
// Timestamps reflect server time, not the original client clock.
func pullOperation(cfg schema.Table, row sync.Row) sync.Operation {
	kind := sync.KindUpdate
	if deleted, _ := row[sync.FieldIsDeleted].(bool); deleted {
		kind = sync.KindDelete
	}
	clientID := "server"
	if v, ok := row[sync.FieldClientID].(string); ok && v != "" {
		clientID = v
	}
	version, _ := row[sync.FieldVersion].(int64)
	return sync.Operation{
		ID:        uuid.NewString(),
		Table:     cfg.Name,
		Kind:      kind,
		Data:      cfg.Apply(row),
		Timestamp: rowUpdatedAt(row),
		ClientID:  clientID,
		Version:   version,
	}
}

// opUserID returns the user the operation claims to act as, from the top
// level or the payload.
func opUserID(op sync.Operation) string {
	if op.UserID != "" {
		return op.UserID
	}
	if v, ok := op.Data["user_id"].(string); ok {
		return v
	}
	return ""
}

func rowUpdatedAt(row sync.Row) time.Time {
	switch v := row[sync.FieldUpdatedAt].(type) {
	case time.Time:
		return v
	case int64:
		return time.UnixMilli(v)
	case float64:
		return time.UnixMilli(int64(v))
	}
	return time.Time{}
}
