package realtime

import (
	"encoding/json"
	"testing"
	"time"

	dsync "github.com/driftlab/driftsync/internal/sync"
)

func testHub(cfg HubConfig) *Hub {
	cfg.Enabled = true
	return NewHub(cfg)
}

func nextEvent(t *testing.T, conn *Connection) Event {
	t.Helper()
	select {
	case ev, ok := <-conn.Events():
		if !ok {
			t.Fatal("stream closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func noEvent(t *testing.T, conn *Connection) {
	t.Helper()
	select {
	case ev, ok := <-conn.Events():
		if ok {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func opsPayload(t *testing.T, ev Event) OperationsData {
	t.Helper()
	if ev.Type != EventOperations {
		t.Fatalf("event type: got %s, want operations", ev.Type)
	}
	var payload OperationsData
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return payload
}

func TestCreateConnection(t *testing.T) {
	h := testHub(HubConfig{})
	defer h.Destroy()

	conn, err := h.CreateConnection("conn1", "u1", "c1", []string{"notes"})
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}

	ev := nextEvent(t, conn)
	if ev.Type != EventConnected {
		t.Errorf("first event: got %s, want connected", ev.Type)
	}
	if ev.ID != 1 {
		t.Errorf("event id: got %d, want 1", ev.ID)
	}
	var data ConnectedData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		t.Fatalf("unmarshal connected: %v", err)
	}
	if data.ConnectionID != "conn1" || len(data.Tables) != 1 || data.Tables[0] != "notes" {
		t.Errorf("connected data: %+v", data)
	}
	if h.ConnectionCount() != 1 {
		t.Errorf("connection count: got %d, want 1", h.ConnectionCount())
	}
}

func TestCreateConnection_Disabled(t *testing.T) {
	h := NewHub(HubConfig{Enabled: false})
	if _, err := h.CreateConnection("conn1", "u1", "c1", nil); err != ErrDisabled {
		t.Errorf("got %v, want ErrDisabled", err)
	}
}

func TestBroadcast_ExcludesOrigin(t *testing.T) {
	h := testHub(HubConfig{})
	defer h.Destroy()

	origin, _ := h.CreateConnection("conn1", "u1", "c1", nil)
	peer, _ := h.CreateConnection("conn2", "u2", "c2", nil)
	nextEvent(t, origin) // connected
	nextEvent(t, peer)

	ops := []dsync.Operation{{ID: "op1", Table: "notes", Kind: dsync.KindUpdate, Data: dsync.Row{"id": "n1"}}}
	h.Broadcast(ops, "c1")

	payload := opsPayload(t, nextEvent(t, peer))
	if len(payload.Operations) != 1 || payload.Operations[0].ID != "op1" {
		t.Errorf("peer payload: %+v", payload)
	}
	if len(payload.Tables) != 1 || payload.Tables[0] != "notes" {
		t.Errorf("payload tables: %v", payload.Tables)
	}
	noEvent(t, origin)
}

func TestBroadcast_TableFilter(t *testing.T) {
	h := testHub(HubConfig{})
	defer h.Destroy()

	conn, _ := h.CreateConnection("conn1", "u1", "c1", []string{"notes"})
	nextEvent(t, conn)

	// A batch entirely for other tables produces no event.
	h.Broadcast([]dsync.Operation{{ID: "op1", Table: "tags"}}, "")
	noEvent(t, conn)

	// A mixed batch arrives filtered.
	h.Broadcast([]dsync.Operation{
		{ID: "op2", Table: "tags"},
		{ID: "op3", Table: "notes"},
	}, "")
	payload := opsPayload(t, nextEvent(t, conn))
	if len(payload.Operations) != 1 || payload.Operations[0].ID != "op3" {
		t.Errorf("filtered payload: %+v", payload)
	}
}

func TestBroadcast_EmptySubscriptionGetsEverything(t *testing.T) {
	h := testHub(HubConfig{})
	defer h.Destroy()

	conn, _ := h.CreateConnection("conn1", "u1", "c1", nil)
	nextEvent(t, conn)

	h.Broadcast([]dsync.Operation{
		{ID: "op1", Table: "tags"},
		{ID: "op2", Table: "notes"},
	}, "")
	payload := opsPayload(t, nextEvent(t, conn))
	if len(payload.Operations) != 2 {
		t.Errorf("payload: %+v", payload)
	}
	if len(payload.Tables) != 2 {
		t.Errorf("distinct tables: %v", payload.Tables)
	}
}

func TestMaxConnectionsPerUser_EvictsOldest(t *testing.T) {
	h := testHub(HubConfig{MaxConnectionsPerUser: 2})
	defer h.Destroy()

	first, _ := h.CreateConnection("conn1", "u1", "c1", nil)
	h.CreateConnection("conn2", "u1", "c2", nil)
	nextEvent(t, first)

	// Third connection for the same user pushes the oldest out.
	h.CreateConnection("conn3", "u1", "c3", nil)

	if _, ok := <-first.Events(); ok {
		t.Error("evicted connection's stream should be closed")
	}
	if h.ConnectionCount() != 2 {
		t.Errorf("connection count: got %d, want 2", h.ConnectionCount())
	}

	// A different user is not affected by u1's limit.
	if _, err := h.CreateConnection("conn4", "u2", "c4", nil); err != nil {
		t.Errorf("other user: %v", err)
	}
	if h.ConnectionCount() != 3 {
		t.Errorf("connection count: got %d, want 3", h.ConnectionCount())
	}
}

func TestAllowedTables(t *testing.T) {
	h := testHub(HubConfig{AllowedTables: []string{"notes", "tags"}})
	defer h.Destroy()

	// An explicit subscription is narrowed to the allow list.
	conn, _ := h.CreateConnection("conn1", "u1", "c1", []string{"notes", "secrets"})
	if len(conn.Tables) != 1 || conn.Tables[0] != "notes" {
		t.Errorf("narrowed subscription: %v", conn.Tables)
	}

	// "All tables" becomes the allow list itself.
	conn2, _ := h.CreateConnection("conn2", "u1", "c2", nil)
	if len(conn2.Tables) != 2 {
		t.Errorf("default subscription: %v", conn2.Tables)
	}
}

func TestSendToUser(t *testing.T) {
	h := testHub(HubConfig{})
	defer h.Destroy()

	mine, _ := h.CreateConnection("conn1", "u1", "c1", nil)
	other, _ := h.CreateConnection("conn2", "u2", "c2", nil)
	nextEvent(t, mine)
	nextEvent(t, other)

	h.SendToUser("u1", []dsync.Operation{{ID: "op1", Table: "notes"}})

	payload := opsPayload(t, nextEvent(t, mine))
	if payload.Operations[0].ID != "op1" {
		t.Errorf("payload: %+v", payload)
	}
	noEvent(t, other)
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	h := testHub(HubConfig{})
	defer h.Destroy()

	conn, _ := h.CreateConnection("conn1", "u1", "c1", nil)

	// Never drain: the connected event plus broadcasts fill the buffer,
	// and the first failed send removes the connection.
	ops := []dsync.Operation{{ID: "op", Table: "notes"}}
	for i := 0; i < connBuffer+1; i++ {
		h.Broadcast(ops, "")
	}
	if h.ConnectionCount() != 0 {
		t.Fatalf("connection count: got %d, want 0", h.ConnectionCount())
	}

	// The channel is closed after the buffered backlog drains.
	drained := 0
	for range conn.Events() {
		drained++
	}
	if drained != connBuffer {
		t.Errorf("buffered events: got %d, want %d", drained, connBuffer)
	}
}

func TestObserve(t *testing.T) {
	h := testHub(HubConfig{})
	defer h.Destroy()

	var events []string
	h.Observe(func(event string, payload any) { events = append(events, event) })

	conn, _ := h.CreateConnection("conn1", "u1", "c1", nil)
	nextEvent(t, conn)
	h.Broadcast([]dsync.Operation{{ID: "op1", Table: "notes"}}, "")

	if len(events) != 1 || events[0] != "broadcast" {
		t.Errorf("observer events: %v", events)
	}
}
