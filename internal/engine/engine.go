package engine

import (
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftlab/driftsync/internal/clientstore"
	"github.com/driftlab/driftsync/internal/realtime"
	dsync "github.com/driftlab/driftsync/internal/sync"
)

// Remote is the transport to the sync server.
type Remote interface {
	Push(ops []dsync.Operation) (*dsync.PushResult, error)
	Pull(since time.Time, clientID string) ([]dsync.Operation, error)
	Resolve(c dsync.Conflict) (*dsync.Operation, error)
}

// SyncStatus describes the engine's externally visible state.
type SyncStatus string

const (
	StatusIdle     SyncStatus = "idle"
	StatusSyncing  SyncStatus = "syncing"
	StatusError    SyncStatus = "error"
	StatusConflict SyncStatus = "conflict"
	StatusOffline  SyncStatus = "offline"
)

// ErrNotInitialized is returned by mutations before Init succeeds.
var ErrNotInitialized = errors.New("sync engine not initialized")

// Config controls engine behavior. A SyncInterval of zero syncs after
// every local mutation; a negative interval disables automatic sync
// entirely (manual Sync calls still work).
type Config struct {
	SyncInterval       time.Duration
	BatchSize          int
	ConflictResolution dsync.Strategy
	MaxRetries         int
	RetryDelay         time.Duration

	OnStatus    func(SyncStatus)
	OnError     func(error)
	OnConflicts func([]dsync.Conflict)
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		SyncInterval:       30 * time.Second,
		BatchSize:          50,
		ConflictResolution: dsync.StrategyLastWriteWins,
		MaxRetries:         3,
		RetryDelay:         time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if !c.ConflictResolution.Valid() {
		c.ConflictResolution = dsync.StrategyLastWriteWins
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	return c
}

// Engine coordinates the local replica: it applies mutations locally
// first, queues operations durably, and pushes/pulls against the
// Remote on a timer, after each mutation, or on demand.
type Engine struct {
	cfg    Config
	store  clientstore.Store
	remote Remote
	coord  Coordinator
	rt     *realtime.Client
	log    *slog.Logger

	mu          stdsync.Mutex
	syncDone    *stdsync.Cond
	initialized bool
	syncing     bool
	status      SyncStatus
	clientID    string
	lastSync    time.Time
	conflicts   []dsync.Conflict
	collections map[string]*Collection

	ticker *time.Ticker
	stop   chan struct{}
	done   chan struct{}
}

// New wires an engine. coord may be nil (a NoopCoordinator is used) and
// rt may be nil when realtime is disabled.
func New(store clientstore.Store, remote Remote, coord Coordinator, rt *realtime.Client, cfg Config) *Engine {
	if coord == nil {
		coord = NoopCoordinator{}
	}
	e := &Engine{
		cfg:         cfg.withDefaults(),
		store:       store,
		remote:      remote,
		coord:       coord,
		rt:          rt,
		log:         slog.Default().With("component", "engine"),
		status:      StatusIdle,
		collections: make(map[string]*Collection),
	}
	e.syncDone = stdsync.NewCond(&e.mu)
	return e
}

// Init prepares the local store, bootstraps the replica on first run,
// and starts background sync. Calling Init twice is a no-op.
func (e *Engine) Init() error {
	e.mu.Lock()
	if e.initialized {
		e.mu.Unlock()
		e.log.Warn("init called twice")
		return nil
	}
	e.mu.Unlock()

	if err := e.store.Init(); err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	clientID, err := e.store.GetClientID()
	if err != nil {
		return fmt.Errorf("client id: %w", err)
	}
	lastSync, err := e.store.GetLastSync()
	if err != nil {
		return fmt.Errorf("last sync: %w", err)
	}

	e.mu.Lock()
	e.clientID = clientID
	e.lastSync = lastSync
	e.initialized = true
	e.mu.Unlock()

	bootstrapped, err := e.store.IsInitialized()
	if err != nil {
		return fmt.Errorf("replica state: %w", err)
	}
	if !bootstrapped && e.remote != nil {
		if err := e.bootstrap(); err != nil {
			// First pull failing is not fatal; the replica starts
			// empty and catches up on the next sync.
			e.log.Warn("bootstrap pull failed", "error", err)
		} else if err := e.store.SetInitialized(true); err != nil {
			return fmt.Errorf("mark initialized: %w", err)
		}
	}

	e.coord.On(MsgDataChanged, e.onPeerDataChanged)
	e.coord.On(MsgSyncComplete, e.onPeerSyncComplete)

	if e.rt != nil {
		e.rt.OnOperations(func(ops []dsync.Operation) {
			if err := e.ApplyRemoteOperations(ops); err != nil {
				e.log.Warn("apply realtime operations", "error", err)
			}
		})
		e.rt.Connect()
	}

	if e.cfg.SyncInterval > 0 {
		e.ticker = time.NewTicker(e.cfg.SyncInterval)
		e.stop = make(chan struct{})
		e.done = make(chan struct{})
		go e.loop()
	}
	return nil
}

func (e *Engine) loop() {
	defer close(e.done)
	for {
		select {
		case <-e.ticker.C:
			if err := e.syncWithRetry(); err != nil {
				e.log.Warn("background sync failed", "error", err)
			}
		case <-e.stop:
			return
		}
	}
}

func (e *Engine) syncWithRetry() error {
	var err error
	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(e.cfg.RetryDelay)
		}
		if err = e.Sync(false); err == nil {
			return nil
		}
	}
	return err
}

// ClientID returns the stable replica identifier.
func (e *Engine) ClientID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clientID
}

// Status returns the current sync status.
func (e *Engine) Status() SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Conflicts returns conflicts awaiting manual resolution.
func (e *Engine) Conflicts() []dsync.Conflict {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]dsync.Conflict, len(e.conflicts))
	copy(out, e.conflicts)
	return out
}

// PendingCount reports queued operations not yet acknowledged.
func (e *Engine) PendingCount() (int, error) {
	ops, err := e.store.GetQueue()
	if err != nil {
		return 0, err
	}
	return len(ops), nil
}

// LastSync returns the pull low-water mark.
func (e *Engine) LastSync() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// Collection returns the reactive view for table, creating it on first
// use.
func (e *Engine) Collection(table string) *Collection {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.collections[table]
	if !ok {
		c = newCollection(e, table)
		e.collections[table] = c
	}
	return c
}

// Create writes the record locally, queues an insert, and triggers sync
// per configuration. The returned row carries id and _version.
func (e *Engine) Create(table string, data dsync.Row) (dsync.Row, error) {
	if err := e.requireInit(); err != nil {
		return nil, err
	}
	record := dsync.CloneRow(data)
	if rowID(record) == "" {
		record["id"] = uuid.NewString()
	}
	record[dsync.FieldVersion] = int64(1)
	record[dsync.FieldUpdatedAt] = time.Now().UnixMilli()

	if err := e.store.Insert(table, record); err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}
	if err := e.enqueue(table, dsync.KindInsert, record, 1); err != nil {
		return nil, err
	}
	e.afterMutation(table)
	return record, nil
}

// Update merges partial into the stored record, bumps its version, and
// queues an update.
func (e *Engine) Update(table, id string, partial dsync.Row) (dsync.Row, error) {
	if err := e.requireInit(); err != nil {
		return nil, err
	}
	current, err := e.store.FindOne(table, id)
	if err != nil {
		return nil, fmt.Errorf("find %s/%s: %w", table, id, err)
	}
	if current == nil {
		return nil, fmt.Errorf("record %s/%s not found", table, id)
	}
	version := rowVersion(current) + 1

	record := dsync.CloneRow(current)
	for k, v := range partial {
		record[k] = v
	}
	record["id"] = id
	record[dsync.FieldVersion] = version
	record[dsync.FieldUpdatedAt] = time.Now().UnixMilli()

	if err := e.store.Update(table, id, record); err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", table, id, err)
	}
	if err := e.enqueue(table, dsync.KindUpdate, record, version); err != nil {
		return nil, err
	}
	e.afterMutation(table)
	return record, nil
}

// Delete removes the record locally and queues a delete. Deleting a
// missing record is a no-op.
func (e *Engine) Delete(table, id string) error {
	if err := e.requireInit(); err != nil {
		return err
	}
	current, err := e.store.FindOne(table, id)
	if err != nil {
		return fmt.Errorf("find %s/%s: %w", table, id, err)
	}
	if current == nil {
		return nil
	}
	if err := e.store.Delete(table, id); err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, id, err)
	}
	data := dsync.Row{"id": id}
	if err := e.enqueue(table, dsync.KindDelete, data, rowVersion(current)+1); err != nil {
		return err
	}
	e.afterMutation(table)
	return nil
}

func (e *Engine) requireInit() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return ErrNotInitialized
	}
	return nil
}

func (e *Engine) enqueue(table string, kind dsync.Kind, data dsync.Row, version int64) error {
	op := dsync.Operation{
		ID:        uuid.NewString(),
		Table:     table,
		Kind:      kind,
		Data:      dsync.CloneRow(data),
		Timestamp: time.Now(),
		ClientID:  e.ClientID(),
		Version:   version,
		Status:    dsync.StatusPending,
	}
	if err := e.store.AddToQueue(op); err != nil {
		return fmt.Errorf("queue op: %w", err)
	}
	return nil
}

func (e *Engine) afterMutation(table string) {
	e.coord.Broadcast(MsgDataChanged, dsync.Row{"table": table})
	if e.cfg.SyncInterval == 0 {
		if err := e.Sync(false); err != nil {
			e.log.Warn("sync after mutation failed", "error", err)
		}
	}
}

// offlineError marks a transport failure so Sync reports offline;
// local store failures keep the error status.
type offlineError struct{ err error }

func (e *offlineError) Error() string { return e.err.Error() }
func (e *offlineError) Unwrap() error { return e.err }

// Sync pushes pending operations then pulls remote changes. When a
// sync is already running, a non-forced call returns nil immediately;
// a forced call waits for the in-flight cycle to finish and then runs.
func (e *Engine) Sync(force bool) error {
	if err := e.requireInit(); err != nil {
		return err
	}
	if e.remote == nil {
		return errors.New("no remote configured")
	}

	e.mu.Lock()
	for e.syncing {
		if !force {
			e.mu.Unlock()
			return nil
		}
		e.syncDone.Wait()
	}
	e.syncing = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.syncing = false
		e.syncDone.Broadcast()
		e.mu.Unlock()
	}()

	e.setStatus(StatusSyncing)

	if err := e.push(); err != nil {
		e.syncFailed(err)
		return err
	}
	if err := e.pull(); err != nil {
		e.syncFailed(err)
		return err
	}

	e.mu.Lock()
	pendingConflicts := len(e.conflicts)
	e.mu.Unlock()
	if pendingConflicts > 0 {
		e.setStatus(StatusConflict)
	} else {
		e.setStatus(StatusIdle)
	}

	e.coord.Broadcast(MsgSyncComplete, dsync.Row{"client_id": e.ClientID()})
	return nil
}

func (e *Engine) syncFailed(err error) {
	var offline *offlineError
	if errors.As(err, &offline) {
		e.setStatus(StatusOffline)
	} else {
		e.setStatus(StatusError)
	}
	if e.cfg.OnError != nil {
		e.cfg.OnError(err)
	}
}

func (e *Engine) push() error {
	queue, err := e.store.GetQueue()
	if err != nil {
		return fmt.Errorf("read queue: %w", err)
	}
	// Only pending entries are sent; error-marked ops stay queued for
	// inspection but are not retried until their status changes.
	var pending []dsync.Operation
	for _, op := range queue {
		if op.Status == dsync.StatusPending {
			pending = append(pending, op)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	for start := 0; start < len(pending); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		result, err := e.remote.Push(batch)
		if err != nil {
			return &offlineError{fmt.Errorf("push: %w", err)}
		}

		if len(result.SyncedIDs) > 0 {
			if err := e.store.RemoveFromQueue(result.SyncedIDs); err != nil {
				return fmt.Errorf("ack queue: %w", err)
			}
		}
		for _, opErr := range result.Errors {
			if err := e.store.UpdateQueueStatus(opErr.ID, dsync.StatusError, opErr.Error); err != nil {
				e.log.Warn("mark op error", "op", opErr.ID, "error", err)
			}
		}
		if len(result.Conflicts) > 0 {
			if err := e.resolveConflicts(result.Conflicts); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) resolveConflicts(conflicts []dsync.Conflict) error {
	var manual []dsync.Conflict
	for _, c := range conflicts {
		resolved, ok := dsync.ResolveClientConflict(e.cfg.ConflictResolution, c)
		if !ok {
			// Manual strategy: ask the server-side resolver; if it is
			// unavailable the conflict stays pending for the caller.
			if op, err := e.remote.Resolve(c); err == nil && op != nil {
				resolved, ok = *op, true
			}
		}
		if !ok {
			manual = append(manual, c)
			continue
		}
		if err := e.applyResolution(c, resolved); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.conflicts = manual
	e.mu.Unlock()
	if len(manual) > 0 && e.cfg.OnConflicts != nil {
		e.cfg.OnConflicts(manual)
	}
	return nil
}

// applyResolution writes the winning row locally and retires the
// conflicting queue entry. When the client won, a fresh update op is
// queued against the server's version so the next push lands cleanly.
func (e *Engine) applyResolution(c dsync.Conflict, winner dsync.Operation) error {
	table := c.Operation.Table
	id := c.Operation.RecordID()

	if err := e.store.RemoveFromQueue([]string{c.Operation.ID}); err != nil {
		return fmt.Errorf("retire conflicting op: %w", err)
	}

	switch winner.ClientID {
	case c.Operation.ClientID:
		// Client side won: rebase onto the server version and requeue.
		data := dsync.CloneRow(winner.Data)
		serverVersion := rowVersion(c.ServerData)
		data[dsync.FieldVersion] = serverVersion + 1
		if err := e.store.Update(table, id, data); err != nil {
			return fmt.Errorf("apply resolution %s/%s: %w", table, id, err)
		}
		if err := e.enqueue(table, dsync.KindUpdate, data, serverVersion+1); err != nil {
			return err
		}
	default:
		// Server side won: overwrite the local copy.
		if c.ServerData == nil {
			if err := e.store.Delete(table, id); err != nil {
				return fmt.Errorf("apply resolution %s/%s: %w", table, id, err)
			}
		} else if err := e.store.Update(table, id, dsync.CloneRow(c.ServerData)); err != nil {
			return fmt.Errorf("apply resolution %s/%s: %w", table, id, err)
		}
	}
	e.reloadCollection(table)
	return nil
}

func (e *Engine) pull() error {
	e.mu.Lock()
	since := e.lastSync
	clientID := e.clientID
	e.mu.Unlock()

	ops, err := e.remote.Pull(since, clientID)
	if err != nil {
		return &offlineError{fmt.Errorf("pull: %w", err)}
	}
	return e.applyPulled(ops, since)
}

// ApplyRemoteOperations applies server-pushed operations (from the
// realtime stream) as if they had been pulled.
func (e *Engine) ApplyRemoteOperations(ops []dsync.Operation) error {
	if err := e.requireInit(); err != nil {
		return err
	}
	e.mu.Lock()
	since := e.lastSync
	e.mu.Unlock()
	if err := e.applyPulled(ops, since); err != nil {
		return err
	}
	e.coord.Broadcast(MsgSyncComplete, dsync.Row{"client_id": e.ClientID()})
	return nil
}

func (e *Engine) applyPulled(ops []dsync.Operation, since time.Time) error {
	clientID := e.ClientID()
	newest := since
	touched := map[string]bool{}

	for _, op := range ops {
		if op.ClientID == clientID {
			continue
		}
		if err := e.applyRemoteOp(op); err != nil {
			e.log.Warn("apply remote op", "op", op.ID, "table", op.Table, "error", err)
			continue
		}
		touched[op.Table] = true
		if op.Timestamp.After(newest) {
			newest = op.Timestamp
		}
	}

	if newest.After(since) {
		if err := e.store.SetLastSync(newest); err != nil {
			return fmt.Errorf("advance last sync: %w", err)
		}
		e.mu.Lock()
		if newest.After(e.lastSync) {
			e.lastSync = newest
		}
		e.mu.Unlock()
	}

	for table := range touched {
		e.reloadCollection(table)
	}
	return nil
}

func (e *Engine) applyRemoteOp(op dsync.Operation) error {
	id := op.RecordID()
	switch op.Kind {
	case dsync.KindDelete:
		return e.store.Delete(op.Table, id)
	default:
		return e.store.Update(op.Table, id, dsync.CloneRow(op.Data))
	}
}

func (e *Engine) bootstrap() error {
	ops, err := e.remote.Pull(time.Time{}, e.ClientID())
	if err != nil {
		return err
	}
	return e.applyPulled(ops, time.Time{})
}

func (e *Engine) reloadCollection(table string) {
	e.mu.Lock()
	c := e.collections[table]
	e.mu.Unlock()
	if c != nil {
		if err := c.Reload(); err != nil {
			e.log.Warn("reload collection", "table", table, "error", err)
		}
	}
}

func (e *Engine) onPeerDataChanged(payload dsync.Row) {
	table, _ := payload["table"].(string)
	if table != "" {
		e.reloadCollection(table)
	}
}

func (e *Engine) onPeerSyncComplete(dsync.Row) {
	e.mu.Lock()
	tables := make([]string, 0, len(e.collections))
	for t := range e.collections {
		tables = append(tables, t)
	}
	e.mu.Unlock()
	for _, t := range tables {
		e.reloadCollection(t)
	}
}

func (e *Engine) setStatus(s SyncStatus) {
	e.mu.Lock()
	changed := e.status != s
	e.status = s
	e.mu.Unlock()
	if changed && e.cfg.OnStatus != nil {
		e.cfg.OnStatus(s)
	}
}

// Destroy stops background sync and releases realtime and coordinator
// resources. The store is left open for the owner to close.
func (e *Engine) Destroy() {
	e.mu.Lock()
	ticker, stop, done := e.ticker, e.stop, e.done
	e.ticker, e.stop, e.done = nil, nil, nil
	e.initialized = false
	e.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
		close(stop)
		<-done
	}
	if e.rt != nil {
		e.rt.Destroy()
	}
	e.coord.Close()
}

// rowVersion reads _version tolerating JSON round-trip numeric types.
func rowVersion(r dsync.Row) int64 {
	if r == nil {
		return 0
	}
	switch v := r[dsync.FieldVersion].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}
