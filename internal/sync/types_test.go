package sync

import (
	"encoding/json"
	"testing"
	"time"
)

func TestOperationJSON_TimestampMillis(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	op := Operation{
		ID:        "op1",
		Table:     "notes",
		Kind:      KindUpdate,
		Data:      Row{"id": "n1", "title": "hello"},
		Timestamp: ts,
		ClientID:  "c1",
		Version:   3,
	}

	data, err := json.Marshal(op)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if got := int64(raw["timestamp"].(float64)); got != ts.UnixMilli() {
		t.Errorf("wire timestamp: got %d, want %d", got, ts.UnixMilli())
	}

	var back Operation
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Timestamp.Equal(ts) {
		t.Errorf("timestamp: got %v, want %v", back.Timestamp, ts)
	}
	if back.RecordID() != "n1" {
		t.Errorf("record id: got %q, want n1", back.RecordID())
	}
	if back.Version != 3 {
		t.Errorf("version: got %d, want 3", back.Version)
	}
}

func TestCloneRow_Independent(t *testing.T) {
	orig := Row{"id": "n1", "count": 1}
	clone := CloneRow(orig)
	clone["count"] = 2
	if orig["count"] != 1 {
		t.Errorf("mutating the clone changed the original: %v", orig["count"])
	}
	if CloneRow(nil) != nil {
		t.Error("clone of nil should be nil")
	}
}

func TestStripMetadata(t *testing.T) {
	row := Row{
		"id":           "n1",
		"title":        "hello",
		FieldVersion:   int64(4),
		FieldUpdatedAt: int64(123),
		FieldClientID:  "c1",
		FieldIsDeleted: false,
	}
	out := StripMetadata(row)
	if len(out) != 2 {
		t.Fatalf("stripped row has %d fields, want 2: %v", len(out), out)
	}
	if out["id"] != "n1" || out["title"] != "hello" {
		t.Errorf("domain fields lost: %v", out)
	}
}
