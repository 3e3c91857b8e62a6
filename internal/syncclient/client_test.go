package syncclient

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	dsync "github.com/driftlab/driftsync/internal/sync"
)

func TestPush(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.URL.Path != "/v1/sync/push" {
			t.Errorf("request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key123" {
			t.Errorf("auth header: %q", got)
		}
		var req PushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode push: %v", err)
		}
		if req.ClientID != "c1" {
			t.Errorf("client_id: %q", req.ClientID)
		}
		if len(req.Operations) != 1 || req.Operations[0].ID != "op1" {
			t.Fatalf("operations: %+v", req.Operations)
		}
		if got := req.Operations[0].Timestamp.UnixMilli(); got != 5000 {
			t.Errorf("timestamp: got %d, want 5000", got)
		}

		json.NewEncoder(w).Encode(dsync.PushResult{Success: true, SyncedIDs: []string{"op1"}})
	}))
	defer srv.Close()

	c := New(srv.URL, "key123", "c1")
	result, err := c.Push([]dsync.Operation{{
		ID: "op1", Table: "notes", Kind: dsync.KindInsert,
		Data: dsync.Row{"id": "n1"}, Timestamp: time.UnixMilli(5000), ClientID: "c1", Version: 1,
	}})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if !result.Success || len(result.SyncedIDs) != 1 {
		t.Errorf("result: %+v", result)
	}
}

func TestPull(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sync/pull" {
			t.Errorf("path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("since"); got != "9000" {
			t.Errorf("since: %q", got)
		}
		if got := r.URL.Query().Get("client_id"); got != "c1" {
			t.Errorf("client_id: %q", got)
		}
		json.NewEncoder(w).Encode(PullResponse{
			Operations: []dsync.Operation{{ID: "s1", Table: "notes", Kind: dsync.KindUpdate, Data: dsync.Row{"id": "n1"}, Timestamp: time.UnixMilli(9500), ClientID: "c2"}},
			ServerTime: 10000,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "key123", "c1")
	ops, err := c.Pull(time.UnixMilli(9000), "")
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(ops) != 1 || ops[0].ID != "s1" {
		t.Fatalf("operations: %+v", ops)
	}
	if !ops[0].Timestamp.Equal(time.UnixMilli(9500)) {
		t.Errorf("timestamp round trip: %v", ops[0].Timestamp)
	}
}

func TestResolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ResolveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode resolve: %v", err)
		}
		if req.Conflict.Operation.ID != "op1" {
			t.Errorf("conflict op: %+v", req.Conflict.Operation)
		}
		op := req.Conflict.Operation
		op.ClientID = "server"
		json.NewEncoder(w).Encode(ResolveResponse{Operation: &op})
	}))
	defer srv.Close()

	c := New(srv.URL, "key123", "c1")
	op, err := c.Resolve(dsync.Conflict{
		Operation:  dsync.Operation{ID: "op1", Table: "notes", Kind: dsync.KindUpdate, Data: dsync.Row{"id": "n1"}, Timestamp: time.UnixMilli(1000), ClientID: "c1", Version: 2},
		ServerData: dsync.Row{"id": "n1", "title": "server"},
		ClientData: dsync.Row{"id": "n1", "title": "mine"},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if op == nil || op.ClientID != "server" {
		t.Errorf("resolved: %+v", op)
	}
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("health check must not send credentials, got %q", got)
		}
		json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
	}))
	defer srv.Close()

	c := New(srv.URL, "key123", "c1")
	resp, err := c.HealthCheck()
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status: %q", resp.Status)
	}
}

func TestErrorClasses(t *testing.T) {
	tests := []struct {
		status int
		code   string
		want   error
	}{
		{http.StatusUnauthorized, "unauthorized", ErrUnauthorized},
		{http.StatusForbidden, "forbidden", ErrForbidden},
		{http.StatusNotFound, "not_found", ErrNotFound},
	}
	for _, tc := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			json.NewEncoder(w).Encode(map[string]string{"code": tc.code, "message": "nope"})
		}))

		c := New(srv.URL, "key123", "c1")
		_, err := c.Pull(time.Time{}, "")
		if !errors.Is(err, tc.want) {
			t.Errorf("HTTP %d: got %v, want %v", tc.status, err, tc.want)
		}
		srv.Close()
	}
}

func TestErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"code": "bad_request", "message": "record not found"})
	}))
	defer srv.Close()

	c := New(srv.URL, "key123", "c1")
	_, err := c.Resolve(dsync.Conflict{Operation: dsync.Operation{ID: "op1", Table: "notes"}})
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type: %T", err)
	}
	if apiErr.Code != "bad_request" || apiErr.Message != "record not found" {
		t.Errorf("error body: %+v", apiErr)
	}
}

func TestNonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, "key123", "c1")
	_, err := c.Pull(time.Time{}, "")
	if err == nil {
		t.Fatal("expected error")
	}
}
