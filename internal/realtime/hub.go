package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	dsync "github.com/driftlab/driftsync/internal/sync"
)

// ErrDisabled is returned by CreateConnection when the hub is off.
var ErrDisabled = errors.New("realtime disabled")

// connBuffer is the per-connection event buffer. A consumer that falls
// this far behind is treated as a failed send and disconnected.
const connBuffer = 32

// HubConfig configures the fan-out hub.
type HubConfig struct {
	Enabled               bool
	HeartbeatInterval     time.Duration
	ConnectionTimeout     time.Duration // 0 = never reap idle connections
	MaxConnectionsPerUser int
	AllowedTables         []string // empty = any table may be subscribed
}

// Connection is one registered stream.
type Connection struct {
	ID       string
	UserID   string
	ClientID string
	Tables   []string

	ch           chan Event
	createdAt    time.Time
	lastActivity time.Time
	nextEventID  int64
}

// Events is the stream the transport layer drains.
func (c *Connection) Events() <-chan Event {
	return c.ch
}

// event stamps and returns the next frame for this connection. Caller
// holds the hub lock.
func (c *Connection) event(t EventType, data any) Event {
	c.nextEventID++
	return Event{
		ID:        c.nextEventID,
		Type:      t,
		Data:      marshalData(data),
		Timestamp: time.Now().UTC(),
	}
}

// subscribedTo reports whether the connection wants ops for table. An
// empty subscription means every table.
func (c *Connection) subscribedTo(table string) bool {
	if len(c.Tables) == 0 {
		return true
	}
	for _, t := range c.Tables {
		if t == table {
			return true
		}
	}
	return false
}

// Hub manages long-lived per-client event streams and fans applied
// operations out to every other subscribed replica.
type Hub struct {
	cfg HubConfig

	mu        sync.Mutex
	conns     map[string]*Connection
	userConns map[string][]string // per-user connection ids, oldest first
	observers []func(event string, payload any)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a hub. Call Start to begin heartbeats.
func NewHub(cfg HubConfig) *Hub {
	return &Hub{
		cfg:       cfg,
		conns:     make(map[string]*Connection),
		userConns: make(map[string][]string),
	}
}

// Start launches the heartbeat loop. No-op when disabled or when no
// heartbeat interval is configured.
func (h *Hub) Start(ctx context.Context) {
	if !h.cfg.Enabled || h.cfg.HeartbeatInterval <= 0 {
		return
	}
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	go h.run(ctx)
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.heartbeat()
		}
	}
}

// CreateConnection registers a stream for the given replica. When the
// user is at their connection limit the oldest connection is evicted.
// The first event on the stream is "connected".
func (h *Hub) CreateConnection(connID, userID, clientID string, tables []string) (*Connection, error) {
	if !h.cfg.Enabled {
		return nil, ErrDisabled
	}

	effective := h.intersectAllowed(tables)

	h.mu.Lock()
	if max := h.cfg.MaxConnectionsPerUser; max > 0 {
		for len(h.userConns[userID]) >= max {
			oldest := h.userConns[userID][0]
			h.removeLocked(oldest)
			slog.Debug("realtime: evicted oldest connection", "user", userID, "conn", oldest)
		}
	}

	now := time.Now().UTC()
	conn := &Connection{
		ID:           connID,
		UserID:       userID,
		ClientID:     clientID,
		Tables:       effective,
		ch:           make(chan Event, connBuffer),
		createdAt:    now,
		lastActivity: now,
	}
	h.conns[connID] = conn
	h.userConns[userID] = append(h.userConns[userID], connID)
	conn.ch <- conn.event(EventConnected, ConnectedData{ConnectionID: connID, Tables: effective})
	total := len(h.conns)
	h.mu.Unlock()

	slog.Debug("realtime: connection registered", "conn", connID, "user", userID, "conns", total)
	return conn, nil
}

// CloseConnection deregisters a stream, closing its channel.
func (h *Hub) CloseConnection(connID string) {
	h.mu.Lock()
	h.removeLocked(connID)
	h.mu.Unlock()
}

// removeLocked deregisters and closes. Caller holds the lock.
func (h *Hub) removeLocked(connID string) {
	conn, ok := h.conns[connID]
	if !ok {
		return
	}
	delete(h.conns, connID)
	ids := h.userConns[conn.UserID]
	for i, id := range ids {
		if id == connID {
			h.userConns[conn.UserID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(h.userConns[conn.UserID]) == 0 {
		delete(h.userConns, conn.UserID)
	}
	close(conn.ch)
}

// Broadcast fans a batch out to every connection except the originating
// replica, filtered per-connection by table subscription.
func (h *Hub) Broadcast(ops []dsync.Operation, excludeClientID string) {
	if !h.cfg.Enabled || len(ops) == 0 {
		return
	}

	h.mu.Lock()
	sent := 0
	for _, conn := range h.conns {
		if conn.ClientID == excludeClientID && excludeClientID != "" {
			continue
		}
		h.sendOpsLocked(conn, ops)
		sent++
	}
	h.mu.Unlock()

	h.notifyObservers("broadcast", map[string]any{
		"operations":  len(ops),
		"connections": sent,
	})
}

// SendToUser fans a batch out to one user's connections only.
func (h *Hub) SendToUser(userID string, ops []dsync.Operation) {
	if !h.cfg.Enabled || len(ops) == 0 {
		return
	}
	h.mu.Lock()
	for _, id := range h.userConns[userID] {
		if conn, ok := h.conns[id]; ok {
			h.sendOpsLocked(conn, ops)
		}
	}
	h.mu.Unlock()
}

// sendOpsLocked filters the batch for one connection and emits an
// operations event when anything survives. Caller holds the lock.
func (h *Hub) sendOpsLocked(conn *Connection, ops []dsync.Operation) {
	filtered := ops
	if len(conn.Tables) > 0 {
		filtered = nil
		for _, op := range ops {
			if conn.subscribedTo(op.Table) {
				filtered = append(filtered, op)
			}
		}
	}
	if len(filtered) == 0 {
		return
	}
	ev := conn.event(EventOperations, OperationsData{
		Operations: filtered,
		Tables:     distinctTables(filtered),
	})
	h.trySendLocked(conn, ev)
}

// trySendLocked delivers one event without blocking. A full buffer is a
// failed send: only the offending connection is closed.
func (h *Hub) trySendLocked(conn *Connection, ev Event) {
	select {
	case conn.ch <- ev:
		conn.lastActivity = time.Now().UTC()
	default:
		slog.Warn("realtime: send failed, closing connection", "conn", conn.ID)
		h.removeLocked(conn.ID)
	}
}

// heartbeat emits a heartbeat to every connection and reaps the idle.
func (h *Hub) heartbeat() {
	now := time.Now().UTC()
	h.mu.Lock()
	for _, conn := range h.conns {
		if h.cfg.ConnectionTimeout > 0 && now.Sub(conn.lastActivity) > h.cfg.ConnectionTimeout {
			slog.Debug("realtime: connection timed out", "conn", conn.ID)
			h.removeLocked(conn.ID)
			continue
		}
		h.trySendLocked(conn, conn.event(EventHeartbeat, HeartbeatData{Timestamp: now.UnixMilli()}))
	}
	h.mu.Unlock()
}

// Observe registers a callback for internal observability events
// (currently "broadcast").
func (h *Hub) Observe(fn func(event string, payload any)) {
	h.mu.Lock()
	h.observers = append(h.observers, fn)
	h.mu.Unlock()
}

func (h *Hub) notifyObservers(event string, payload any) {
	h.mu.Lock()
	observers := make([]func(string, any), len(h.observers))
	copy(observers, h.observers)
	h.mu.Unlock()
	for _, fn := range observers {
		fn(event, payload)
	}
}

// ConnectionCount returns the number of registered streams.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Destroy stops heartbeats, closes every connection, and drops
// observers.
func (h *Hub) Destroy() {
	if h.cancel != nil {
		h.cancel()
		<-h.done
		h.cancel = nil
	}
	h.mu.Lock()
	for id := range h.conns {
		h.removeLocked(id)
	}
	h.observers = nil
	h.mu.Unlock()
}

// intersectAllowed restricts a subscription to the configured allow
// list. An empty request means "all tables" and is narrowed to the allow
// list itself when one exists.
func (h *Hub) intersectAllowed(tables []string) []string {
	if len(h.cfg.AllowedTables) == 0 {
		return tables
	}
	allowed := make(map[string]bool, len(h.cfg.AllowedTables))
	for _, t := range h.cfg.AllowedTables {
		allowed[t] = true
	}
	if len(tables) == 0 {
		out := make([]string, len(h.cfg.AllowedTables))
		copy(out, h.cfg.AllowedTables)
		return out
	}
	var out []string
	for _, t := range tables {
		if allowed[t] {
			out = append(out, t)
		}
	}
	return out
}
