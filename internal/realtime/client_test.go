package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	dsync "github.com/driftlab/driftsync/internal/sync"
)

// sseWriter emits one frame and flushes.
func sseFrame(w http.ResponseWriter, id int64, event string, data any) {
	blob, _ := json.Marshal(data)
	if id > 0 {
		fmt.Fprintf(w, "id: %d\n", id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, blob)
	w.(http.Flusher).Flush()
}

func TestClient_ReceivesOperations(t *testing.T) {
	var query stdsync.Map
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query.Store("clientId", r.URL.Query().Get("clientId"))
		query.Store("tables", r.URL.Query().Get("tables"))
		query.Store("auth", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "text/event-stream")
		sseFrame(w, 1, "connected", ConnectedData{ConnectionID: "conn1"})
		sseFrame(w, 2, "operations", OperationsData{
			Operations: []dsync.Operation{{ID: "op1", Table: "notes", Kind: dsync.KindUpdate, Data: dsync.Row{"id": "n1"}}},
			Tables:     []string{"notes"},
		})
		<-r.Context().Done()
	}))
	defer srv.Close()

	got := make(chan []dsync.Operation, 1)
	c := NewClient(ClientConfig{
		Enabled:   true,
		Endpoint:  srv.URL,
		ClientID:  "c1",
		Tables:    []string{"notes", "tags"},
		AuthToken: "secret",
	}, func(ops []dsync.Operation) { got <- ops }, nil)
	defer c.Destroy()

	c.Connect()

	select {
	case ops := <-got:
		if len(ops) != 1 || ops[0].ID != "op1" || ops[0].Table != "notes" {
			t.Errorf("operations: %+v", ops)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for operations")
	}

	if c.State() != StateConnected {
		t.Errorf("state: got %s, want connected", c.State())
	}
	if c.LastEventID() != 2 {
		t.Errorf("last event id: got %d, want 2", c.LastEventID())
	}
	if v, _ := query.Load("clientId"); v != "c1" {
		t.Errorf("clientId param: %v", v)
	}
	if v, _ := query.Load("tables"); v != "notes,tags" {
		t.Errorf("tables param: %v", v)
	}
	if v, _ := query.Load("auth"); v != "Bearer secret" {
		t.Errorf("auth header: %v", v)
	}
}

func TestClient_DisabledFallsBack(t *testing.T) {
	c := NewClient(ClientConfig{Enabled: false}, nil, nil)
	c.Connect()
	if c.State() != StateFallback {
		t.Errorf("state: got %s, want fallback", c.State())
	}
}

func TestClient_FallbackAfterMaxAttempts(t *testing.T) {
	var opens atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		opens.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	states := make(chan State, 16)
	c := NewClient(ClientConfig{
		Enabled:              true,
		Endpoint:             srv.URL,
		ClientID:             "c1",
		ReconnectInterval:    time.Millisecond,
		MaxReconnectAttempts: 3,
	}, nil, func(s State) { states <- s })
	defer c.Destroy()

	c.Connect()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-states:
			if s != StateFallback {
				continue
			}
			// The initial connect plus three reconnect attempts.
			if got := opens.Load(); got != 4 {
				t.Errorf("stream opens: got %d, want 4", got)
			}
			return
		case <-deadline:
			t.Fatalf("never fell back, state %s", c.State())
		}
	}
}

func TestClient_ReconnectSchedule(t *testing.T) {
	var mu stdsync.Mutex
	var opens []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		opens = append(opens, time.Now())
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	fellBack := make(chan struct{})
	c := NewClient(ClientConfig{
		Enabled:              true,
		Endpoint:             srv.URL,
		ClientID:             "c1",
		ReconnectInterval:    20 * time.Millisecond,
		MaxReconnectInterval: 80 * time.Millisecond,
		MaxReconnectAttempts: 4,
	}, nil, func(s State) {
		if s == StateFallback {
			close(fellBack)
		}
	})
	defer c.Destroy()

	c.Connect()
	select {
	case <-fellBack:
	case <-time.After(5 * time.Second):
		t.Fatal("never fell back")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(opens) != 5 {
		t.Fatalf("stream opens: got %d, want 5 (initial plus four reconnects)", len(opens))
	}
	// Timers never fire early, so each gap bounds its scheduled delay
	// from below; the final gaps prove the cap was reached.
	want := []time.Duration{
		20 * time.Millisecond,
		40 * time.Millisecond,
		80 * time.Millisecond,
		80 * time.Millisecond,
	}
	for i, w := range want {
		if gap := opens[i+1].Sub(opens[i]); gap < w {
			t.Errorf("gap %d: got %v, want at least %v", i, gap, w)
		}
	}
}

func TestClient_ResumesWithLastEventID(t *testing.T) {
	cursors := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cursors <- r.URL.Query().Get("lastEventId")
		w.Header().Set("Content-Type", "text/event-stream")
		sseFrame(w, 7, "heartbeat", HeartbeatData{Timestamp: time.Now().UnixMilli()})
		// Close immediately so the client reconnects.
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{
		Enabled:              true,
		Endpoint:             srv.URL,
		ClientID:             "c1",
		ReconnectInterval:    time.Millisecond,
		MaxReconnectAttempts: 100,
	}, nil, nil)
	defer c.Destroy()

	c.Connect()

	first := <-cursors
	if first != "" {
		t.Errorf("first connect cursor: got %q, want empty", first)
	}
	select {
	case second := <-cursors:
		if second != "7" {
			t.Errorf("resume cursor: got %q, want 7", second)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect observed")
	}
}

func TestClient_DisableStopsStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		sseFrame(w, 1, "connected", ConnectedData{ConnectionID: "conn1"})
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Enabled: true, Endpoint: srv.URL, ClientID: "c1"}, nil, nil)
	c.Connect()

	waitState(t, c, StateConnected)
	c.Disable()
	if c.State() != StateDisconnected {
		t.Errorf("state after disable: got %s", c.State())
	}

	// Enable re-arms and reconnects.
	c.Enable()
	waitState(t, c, StateConnected)
	c.Destroy()
}

func waitState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state: got %s, want %s", c.State(), want)
}

func TestReconnectBackoffSchedule(t *testing.T) {
	bo := newReconnectBackoff(ClientConfig{
		ReconnectInterval:    time.Second,
		MaxReconnectInterval: 5 * time.Second,
	})
	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		5 * time.Second,
		5 * time.Second,
	}
	for i, w := range want {
		if got := bo.NextBackOff(); got != w {
			t.Errorf("delay %d: got %v, want %v", i, got, w)
		}
	}
}
