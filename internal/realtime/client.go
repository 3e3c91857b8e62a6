package realtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	dsync "github.com/driftlab/driftsync/internal/sync"
)

// State is the realtime client's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	// StateFallback means the stream is abandoned until Reconnect or
	// Enable; the engine's periodic pull keeps the replica fresh.
	StateFallback State = "fallback"
)

// ClientConfig configures the stream consumer.
type ClientConfig struct {
	Enabled              bool
	Endpoint             string
	ClientID             string
	Tables               []string
	AuthToken            string
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	MaxReconnectAttempts int
	HeartbeatTimeout     time.Duration
}

func (c *ClientConfig) withDefaults() ClientConfig {
	out := *c
	if out.ReconnectInterval <= 0 {
		out.ReconnectInterval = time.Second
	}
	if out.MaxReconnectInterval <= 0 {
		out.MaxReconnectInterval = 30 * time.Second
	}
	if out.MaxReconnectAttempts <= 0 {
		out.MaxReconnectAttempts = 10
	}
	if out.HeartbeatTimeout <= 0 {
		out.HeartbeatTimeout = 60 * time.Second
	}
	return out
}

// Client consumes the server's event stream, delivering operation
// batches to its owner and reconnecting with exponential backoff.
type Client struct {
	cfg   ClientConfig
	httpc *http.Client

	onOperations func([]dsync.Operation)
	onState      func(State)

	mu          sync.Mutex
	state       State
	attempts    int
	lastEventID int64
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewClient creates a stream consumer. onOperations receives every
// operations batch; onState (optional) observes state transitions.
func NewClient(cfg ClientConfig, onOperations func([]dsync.Operation), onState func(State)) *Client {
	return &Client{
		cfg:          cfg.withDefaults(),
		httpc:        &http.Client{}, // no timeout: the stream is long-lived
		onOperations: onOperations,
		onState:      onState,
		state:        StateDisconnected,
	}
}

// OnOperations replaces the operations callback. Useful when the owner
// is constructed after the stream client.
func (c *Client) OnOperations(fn func([]dsync.Operation)) {
	c.mu.Lock()
	c.onOperations = fn
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastEventID returns the highest event id seen on the stream.
func (c *Client) LastEventID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventID
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	cb := c.onState
	c.mu.Unlock()
	if changed && cb != nil {
		cb(s)
	}
}

// Connect starts the stream loop. Disabled clients fall back
// immediately.
func (c *Client) Connect() {
	if !c.cfg.Enabled || c.cfg.Endpoint == "" {
		c.setState(StateFallback)
		return
	}
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return // already running
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.run(ctx)
}

// Reconnect resets the attempt counter and starts a fresh connect cycle.
func (c *Client) Reconnect() {
	c.stop()
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
	c.Connect()
}

// Disable fully closes the stream.
func (c *Client) Disable() {
	c.stop()
	c.cfg.Enabled = false
	c.setState(StateDisconnected)
}

// Enable re-arms the client and starts a fresh connect cycle.
func (c *Client) Enable() {
	c.cfg.Enabled = true
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
	c.Connect()
}

// Destroy closes the stream and drops observers.
func (c *Client) Destroy() {
	c.stop()
	c.mu.Lock()
	c.onOperations = nil
	c.onState = nil
	c.state = StateDisconnected
	c.mu.Unlock()
}

func (c *Client) stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// run is the connect/read/backoff loop.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	bo := newReconnectBackoff(c.cfg)
	for {
		c.setState(StateConnecting)
		err := c.consumeStream(ctx)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		slog.Debug("realtime client: stream ended", "err", err)

		// The initial open is not a reconnect attempt; attempts counts
		// re-opens only, so the full delay schedule runs before fallback.
		c.mu.Lock()
		attempt := c.attempts
		c.attempts++
		c.mu.Unlock()

		if attempt >= c.cfg.MaxReconnectAttempts {
			slog.Warn("realtime client: reconnect attempts exhausted, falling back to polling")
			c.setState(StateFallback)
			return
		}

		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// newReconnectBackoff builds the delay schedule
// min(reconnect_interval * 2^k, max_reconnect_interval).
func newReconnectBackoff(cfg ClientConfig) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.ReconnectInterval
	bo.MaxInterval = cfg.MaxReconnectInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0 // attempts are bounded by count, not wall time
	bo.Reset()
	return bo
}

// streamURL carries the replica identity, subscription, and replay
// cursor as query parameters.
func (c *Client) streamURL() string {
	params := url.Values{}
	params.Set("clientId", c.cfg.ClientID)
	if len(c.cfg.Tables) > 0 {
		params.Set("tables", strings.Join(c.cfg.Tables, ","))
	}
	if id := c.LastEventID(); id > 0 {
		params.Set("lastEventId", strconv.FormatInt(id, 10))
	}
	return c.cfg.Endpoint + "?" + params.Encode()
}

// consumeStream opens the stream and dispatches events until it breaks.
// A missed heartbeat trips the watchdog, which tears the stream down.
func (c *Client) consumeStream(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(streamCtx, "GET", c.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream: HTTP %d", resp.StatusCode)
	}

	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
	c.setState(StateConnected)

	watchdog := time.AfterFunc(c.cfg.HeartbeatTimeout, cancel)
	defer watchdog.Stop()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var eventID int64
	var eventType string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if eventType != "" {
				c.dispatch(eventID, eventType, data.String())
				watchdog.Reset(c.cfg.HeartbeatTimeout)
			}
			eventID, eventType = 0, ""
			data.Reset()
		case strings.HasPrefix(line, "id: "):
			eventID, _ = strconv.ParseInt(strings.TrimPrefix(line, "id: "), 10, 64)
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data.WriteString(strings.TrimPrefix(line, "data: "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return fmt.Errorf("stream closed by server")
}

// dispatch handles one parsed event.
func (c *Client) dispatch(id int64, eventType, data string) {
	c.mu.Lock()
	if id > c.lastEventID {
		c.lastEventID = id
	}
	cb := c.onOperations
	c.mu.Unlock()

	switch EventType(eventType) {
	case EventOperations:
		var payload OperationsData
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			slog.Warn("realtime client: bad operations payload", "err", err)
			return
		}
		if cb != nil && len(payload.Operations) > 0 {
			cb(payload.Operations)
		}
	case EventConnected, EventHeartbeat:
		// Liveness only; the watchdog reset in the read loop covers it.
	case EventError:
		slog.Warn("realtime client: server error event", "data", data)
	}
}
