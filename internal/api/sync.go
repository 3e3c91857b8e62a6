package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	dsync "github.com/driftlab/driftsync/internal/sync"
)

// PushRequest is the JSON body for POST /v1/sync/push.
type PushRequest struct {
	ClientID   string            `json:"client_id"`
	Operations []dsync.Operation `json:"operations"`
}

// PullResponse is the JSON response for GET /v1/sync/pull.
type PullResponse struct {
	Operations []dsync.Operation `json:"operations"`
	ServerTime int64             `json:"server_time"`
}

// ResolveRequest is the JSON body for POST /v1/sync/resolve.
type ResolveRequest struct {
	ClientID string         `json:"client_id"`
	Conflict dsync.Conflict `json:"conflict"`
}

// ResolveResponse is the JSON response for a resolve request.
type ResolveResponse struct {
	Operation *dsync.Operation `json:"operation"`
}

// handleSyncPush handles POST /v1/sync/push.
func (s *Server) handleSyncPush(w http.ResponseWriter, r *http.Request) {
	var req PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid json body")
		return
	}
	if len(req.Operations) == 0 {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "operations is required")
		return
	}
	if len(req.Operations) > s.config.MaxPushBatch {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "batch too large")
		return
	}
	// Top-level client_id wins over per-op values so a replica cannot
	// spoof another's echo suppression.
	if req.ClientID != "" {
		for i := range req.Operations {
			req.Operations[i].ClientID = req.ClientID
		}
	}

	user := getUserFromContext(r.Context())
	result, err := s.engine.Push(req.Operations, user.UserID)
	if err != nil {
		logFor(r.Context()).Error("push", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "push failed")
		return
	}

	s.metrics.RecordPushOps(int64(len(result.SyncedIDs)))
	s.metrics.RecordConflicts(int64(len(result.Conflicts)))
	writeJSON(w, http.StatusOK, result)
}

// handleSyncPull handles GET /v1/sync/pull. since is Unix milliseconds;
// client_id excludes the caller's own echoes.
func (s *Server) handleSyncPull(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms < 0 {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid since")
			return
		}
		if ms > 0 {
			since = time.UnixMilli(ms)
		}
	}
	clientID := r.URL.Query().Get("client_id")

	user := getUserFromContext(r.Context())
	ops, err := s.engine.Pull(since, clientID, user.UserID)
	if err != nil {
		logFor(r.Context()).Error("pull", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "pull failed")
		return
	}

	s.metrics.RecordPullRequest()
	writeJSON(w, http.StatusOK, PullResponse{
		Operations: ops,
		ServerTime: time.Now().UnixMilli(),
	})
}

// handleSyncResolve handles POST /v1/sync/resolve.
func (s *Server) handleSyncResolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid json body")
		return
	}
	if req.Conflict.Operation.ID == "" || req.Conflict.Operation.Table == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "conflict.operation is required")
		return
	}

	user := getUserFromContext(r.Context())
	op, err := s.engine.Resolve(req.Conflict, user.UserID)
	if err != nil {
		logFor(r.Context()).Warn("resolve", "err", err)
		writeError(w, http.StatusUnprocessableEntity, ErrCodeBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ResolveResponse{Operation: op})
}
