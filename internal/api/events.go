package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/driftlab/driftsync/internal/realtime"
)

// handleEvents handles GET /v1/events: a server-sent event stream of
// operation batches for the authenticated user. The connection stays
// open until the client goes away, the hub evicts it, or the server
// shuts down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "realtime disabled")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "streaming unsupported")
		return
	}

	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "clientId is required")
		return
	}
	var tables []string
	if v := r.URL.Query().Get("tables"); v != "" {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tables = append(tables, t)
			}
		}
	}

	user := getUserFromContext(r.Context())
	connID := generateRequestID()
	conn, err := s.hub.CreateConnection(connID, user.UserID, clientID, tables)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
		return
	}
	defer s.hub.CloseConnection(connID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logFor(r.Context()).Info("stream open", "conn", connID, "client", clientID, "tables", tables)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-conn.Events():
			if !ok {
				// Hub closed us: evicted, idle-reaped, or shutting down.
				return
			}
			if err := writeEvent(w, ev); err != nil {
				logFor(r.Context()).Warn("stream write", "conn", connID, "err", err)
				return
			}
			flusher.Flush()
		}
	}
}

// writeEvent emits one SSE frame.
func writeEvent(w http.ResponseWriter, ev realtime.Event) error {
	if ev.ID > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", ev.ID); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, ev.Data)
	return err
}
