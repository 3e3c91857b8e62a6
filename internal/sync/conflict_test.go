package sync

import (
	"testing"
	"time"
)

func TestResolveVersionGap_LastWriteWins(t *testing.T) {
	serverAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	op := Operation{Timestamp: serverAt.Add(time.Second)}
	if got := ResolveVersionGap(StrategyLastWriteWins, op, serverAt); got != OutcomeResolved {
		t.Errorf("newer client write: got %v, want OutcomeResolved", got)
	}

	op.Timestamp = serverAt.Add(-time.Second)
	if got := ResolveVersionGap(StrategyLastWriteWins, op, serverAt); got != OutcomeConflict {
		t.Errorf("older client write: got %v, want OutcomeConflict", got)
	}

	// Equal timestamps favor the server.
	op.Timestamp = serverAt
	if got := ResolveVersionGap(StrategyLastWriteWins, op, serverAt); got != OutcomeConflict {
		t.Errorf("equal timestamps: got %v, want OutcomeConflict", got)
	}
}

func TestResolveVersionGap_FixedStrategies(t *testing.T) {
	serverAt := time.Now()
	op := Operation{Timestamp: serverAt.Add(-time.Hour)} // stale by any clock

	if got := ResolveVersionGap(StrategyClientWins, op, serverAt); got != OutcomeResolved {
		t.Errorf("client-wins: got %v, want OutcomeResolved", got)
	}
	if got := ResolveVersionGap(StrategyServerWins, op, serverAt); got != OutcomeConflict {
		t.Errorf("server-wins: got %v, want OutcomeConflict", got)
	}
}

func conflictAt(clientMS, serverMS int64) Conflict {
	return Conflict{
		Operation:  Operation{ID: "op1", Table: "notes", Kind: KindUpdate, ClientID: "c1", Data: Row{"id": "n1", "title": "local"}},
		ClientData: Row{"id": "n1", "title": "local", FieldUpdatedAt: clientMS},
		ServerData: Row{"id": "n1", "title": "remote", FieldUpdatedAt: serverMS},
	}
}

func TestResolveClientConflict_LastWriteWins(t *testing.T) {
	// Client newer: client data survives.
	resolved, ok := ResolveClientConflict(StrategyLastWriteWins, conflictAt(2000, 1000))
	if !ok {
		t.Fatal("expected resolution")
	}
	if resolved.ClientID != "c1" {
		t.Errorf("client id: got %q, want c1", resolved.ClientID)
	}
	if resolved.Data["title"] != "local" {
		t.Errorf("title: got %v, want local", resolved.Data["title"])
	}

	// Server newer: server data wins and the marker client id flips.
	resolved, ok = ResolveClientConflict(StrategyLastWriteWins, conflictAt(1000, 2000))
	if !ok {
		t.Fatal("expected resolution")
	}
	if resolved.ClientID != "server" {
		t.Errorf("client id: got %q, want server", resolved.ClientID)
	}
	if resolved.Data["title"] != "remote" {
		t.Errorf("title: got %v, want remote", resolved.Data["title"])
	}

	// Equal timestamps favor the server.
	resolved, _ = ResolveClientConflict(StrategyLastWriteWins, conflictAt(1000, 1000))
	if resolved.Data["title"] != "remote" {
		t.Errorf("equal timestamps: got %v, want remote", resolved.Data["title"])
	}
}

func TestResolveClientConflict_FixedStrategies(t *testing.T) {
	c := conflictAt(1000, 2000)

	resolved, ok := ResolveClientConflict(StrategyClientWins, c)
	if !ok || resolved.Data["title"] != "local" {
		t.Errorf("client-wins: got %v ok=%v, want local", resolved.Data["title"], ok)
	}

	resolved, ok = ResolveClientConflict(StrategyServerWins, c)
	if !ok || resolved.Data["title"] != "remote" {
		t.Errorf("server-wins: got %v ok=%v, want remote", resolved.Data["title"], ok)
	}

	if _, ok := ResolveClientConflict(StrategyManual, c); ok {
		t.Error("manual strategy should not resolve locally")
	}
}

func TestResolveClientConflict_FloatTimestamps(t *testing.T) {
	// JSON decoding turns the millis into float64; resolution must not
	// silently treat them as zero.
	c := Conflict{
		Operation:  Operation{ID: "op1", ClientID: "c1", Data: Row{"id": "n1"}},
		ClientData: Row{"id": "n1", "v": "local", FieldUpdatedAt: float64(5000)},
		ServerData: Row{"id": "n1", "v": "remote", FieldUpdatedAt: float64(1000)},
	}
	resolved, ok := ResolveClientConflict(StrategyLastWriteWins, c)
	if !ok {
		t.Fatal("expected resolution")
	}
	if resolved.ClientID != "c1" {
		t.Errorf("client id: got %q, want c1", resolved.ClientID)
	}
}

func TestStrategyValid(t *testing.T) {
	for _, s := range []Strategy{StrategyClientWins, StrategyServerWins, StrategyLastWriteWins, StrategyManual} {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if Strategy("newest").Valid() {
		t.Error("unknown strategy should be invalid")
	}
}
