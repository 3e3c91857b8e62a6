package engine

import (
	"sync"

	"github.com/google/uuid"

	dsync "github.com/driftlab/driftsync/internal/sync"
)

// Coordinator message types.
const (
	MsgDataChanged  = "data-changed"
	MsgSyncComplete = "sync-complete"
)

// Coordinator is the intra-replica broadcast channel keeping co-located
// replicas of one client identity in step (parallel processes, tabs).
// Handles never observe their own broadcasts.
type Coordinator interface {
	Broadcast(msgType string, payload dsync.Row)
	On(msgType string, handler func(payload dsync.Row))
	Close()
}

// localBus is one named in-process channel shared by every handle opened
// under that name.
type localBus struct {
	mu      sync.Mutex
	handles map[string]*LocalCoordinator
}

var (
	busesMu sync.Mutex
	buses   = make(map[string]*localBus)
)

// LocalCoordinator is an in-process Coordinator. Handles opened with the
// same channel name exchange messages; a handle's own broadcasts are
// filtered out by handle id.
type LocalCoordinator struct {
	channel string
	id      string

	mu       sync.Mutex
	handlers map[string][]func(dsync.Row)
	closed   bool
}

// NewLocalCoordinator joins (or creates) the named channel.
func NewLocalCoordinator(channel string) *LocalCoordinator {
	c := &LocalCoordinator{
		channel:  channel,
		id:       uuid.NewString(),
		handlers: make(map[string][]func(dsync.Row)),
	}
	busesMu.Lock()
	b, ok := buses[channel]
	if !ok {
		b = &localBus{handles: make(map[string]*LocalCoordinator)}
		buses[channel] = b
	}
	busesMu.Unlock()
	b.mu.Lock()
	b.handles[c.id] = c
	b.mu.Unlock()
	return c
}

// Broadcast delivers payload to every other handle on the channel.
// Delivery is asynchronous so a handler reloading its views cannot
// deadlock the sender.
func (c *LocalCoordinator) Broadcast(msgType string, payload dsync.Row) {
	busesMu.Lock()
	b := buses[c.channel]
	busesMu.Unlock()
	if b == nil {
		return
	}
	b.mu.Lock()
	peers := make([]*LocalCoordinator, 0, len(b.handles))
	for id, h := range b.handles {
		if id != c.id {
			peers = append(peers, h)
		}
	}
	b.mu.Unlock()

	for _, peer := range peers {
		peer.deliver(msgType, dsync.CloneRow(payload))
	}
}

func (c *LocalCoordinator) deliver(msgType string, payload dsync.Row) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	handlers := make([]func(dsync.Row), len(c.handlers[msgType]))
	copy(handlers, c.handlers[msgType])
	c.mu.Unlock()
	for _, h := range handlers {
		go h(payload)
	}
}

// On registers a handler for one message type.
func (c *LocalCoordinator) On(msgType string, handler func(dsync.Row)) {
	c.mu.Lock()
	c.handlers[msgType] = append(c.handlers[msgType], handler)
	c.mu.Unlock()
}

// Close leaves the channel and drops handlers.
func (c *LocalCoordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.handlers = make(map[string][]func(dsync.Row))
	c.mu.Unlock()

	busesMu.Lock()
	b := buses[c.channel]
	busesMu.Unlock()
	if b == nil {
		return
	}
	b.mu.Lock()
	delete(b.handles, c.id)
	b.mu.Unlock()
}

// NoopCoordinator is for single-replica deployments.
type NoopCoordinator struct{}

func (NoopCoordinator) Broadcast(string, dsync.Row)       {}
func (NoopCoordinator) On(string, func(payload dsync.Row)) {}
func (NoopCoordinator) Close()                            {}
