package clientstore

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	dsync "github.com/driftlab/driftsync/internal/sync"
)

func setupStore(t *testing.T) *SQLite {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	s := New(db)
	if err := s.Init(); err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return s
}

func TestRecords_CRUD(t *testing.T) {
	s := setupStore(t)

	if err := s.Insert("notes", dsync.Row{"id": "n1", "title": "a"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Update merges over the stored row.
	if err := s.Update("notes", "n1", dsync.Row{"body": "text"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	row, err := s.FindOne("notes", "n1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if row["title"] != "a" || row["body"] != "text" {
		t.Errorf("merged row: got %v", row)
	}

	// Update of a missing row creates it (pull replay).
	if err := s.Update("notes", "n2", dsync.Row{"title": "b"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if row, _ := s.FindOne("notes", "n2"); row == nil {
		t.Fatal("upsert should create the row")
	}

	rows, err := s.Find("notes", nil)
	if err != nil {
		t.Fatalf("find all: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("find all: got %d rows, want 2", len(rows))
	}

	// Hard delete, no tombstones.
	if err := s.Delete("notes", "n1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if row, _ := s.FindOne("notes", "n1"); row != nil {
		t.Error("deleted row should be gone")
	}
	if err := s.Delete("notes", "n1"); err != nil {
		t.Errorf("repeat delete should be a no-op, got %v", err)
	}
}

func TestFind_Filter(t *testing.T) {
	s := setupStore(t)
	s.Insert("notes", dsync.Row{"id": "n1", "status": "open"})
	s.Insert("notes", dsync.Row{"id": "n2", "status": "done"})

	rows, err := s.Find("notes", dsync.Row{"status": "open"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(rows) != 1 || rows[0]["id"] != "n1" {
		t.Errorf("filtered find: got %v", rows)
	}
}

func TestQueue_Lifecycle(t *testing.T) {
	s := setupStore(t)

	ops := []dsync.Operation{
		{ID: "op1", Table: "notes", Kind: dsync.KindInsert, Data: dsync.Row{"id": "n1"}, Timestamp: time.UnixMilli(1000), ClientID: "c1", Version: 1, Status: dsync.StatusPending},
		{ID: "op2", Table: "notes", Kind: dsync.KindUpdate, Data: dsync.Row{"id": "n1"}, Timestamp: time.UnixMilli(2000), ClientID: "c1", Version: 2, Status: dsync.StatusPending},
		{ID: "op3", Table: "notes", Kind: dsync.KindDelete, Data: dsync.Row{"id": "n1"}, Timestamp: time.UnixMilli(3000), ClientID: "c1", Version: 3, Status: dsync.StatusPending},
	}
	for _, op := range ops {
		if err := s.AddToQueue(op); err != nil {
			t.Fatalf("enqueue %s: %v", op.ID, err)
		}
	}

	queue, err := s.GetQueue()
	if err != nil {
		t.Fatalf("read queue: %v", err)
	}
	if len(queue) != 3 {
		t.Fatalf("queue length: got %d, want 3", len(queue))
	}
	for i, op := range queue {
		if op.ID != ops[i].ID {
			t.Errorf("queue[%d]: got %s, want %s (enqueue order)", i, op.ID, ops[i].ID)
		}
		if !op.Timestamp.Equal(ops[i].Timestamp) {
			t.Errorf("queue[%d] timestamp: got %v, want %v", i, op.Timestamp, ops[i].Timestamp)
		}
	}

	// Mark one failed; the status and error columns fold back in.
	if err := s.UpdateQueueStatus("op2", dsync.StatusError, "Record not found"); err != nil {
		t.Fatalf("update status: %v", err)
	}
	queue, _ = s.GetQueue()
	if queue[1].Status != dsync.StatusError || queue[1].Error != "Record not found" {
		t.Errorf("queue[1]: got status=%s error=%q", queue[1].Status, queue[1].Error)
	}

	// Ack two.
	if err := s.RemoveFromQueue([]string{"op1", "op3"}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	queue, _ = s.GetQueue()
	if len(queue) != 1 || queue[0].ID != "op2" {
		t.Errorf("queue after ack: got %v", queue)
	}

	if err := s.RemoveFromQueue(nil); err != nil {
		t.Errorf("empty remove should be a no-op, got %v", err)
	}
}

func TestMeta(t *testing.T) {
	s := setupStore(t)

	// Client id is generated once and sticks.
	id1, err := s.GetClientID()
	if err != nil {
		t.Fatalf("client id: %v", err)
	}
	if id1 == "" {
		t.Fatal("client id should not be empty")
	}
	id2, _ := s.GetClientID()
	if id1 != id2 {
		t.Errorf("client id not stable: %s vs %s", id1, id2)
	}

	// Last sync round-trips at millisecond precision.
	ts, err := s.GetLastSync()
	if err != nil || !ts.IsZero() {
		t.Errorf("fresh last sync: got %v, %v", ts, err)
	}
	want := time.UnixMilli(1234567890123)
	if err := s.SetLastSync(want); err != nil {
		t.Fatalf("set last sync: %v", err)
	}
	ts, _ = s.GetLastSync()
	if !ts.Equal(want) {
		t.Errorf("last sync: got %v, want %v", ts, want)
	}

	// Bootstrap flag.
	if ok, _ := s.IsInitialized(); ok {
		t.Error("fresh store should not be initialized")
	}
	if err := s.SetInitialized(true); err != nil {
		t.Fatalf("set initialized: %v", err)
	}
	if ok, _ := s.IsInitialized(); !ok {
		t.Error("initialized flag should persist")
	}
}
