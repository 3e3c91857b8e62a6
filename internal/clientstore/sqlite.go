package clientstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/driftlab/driftsync/internal/sync"
)

// Meta keys.
const (
	metaClientID    = "client_id"
	metaLastSync    = "last_sync"
	metaInitialized = "initialized"
)

// SQLite is a document-style client Store over one sqlite database.
type SQLite struct {
	db *sql.DB
}

// Open opens (or creates) the replica store at path and initializes it.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open client store: %w", err)
	}
	s := New(db)
	if err := s.Init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle. Callers own Init.
func New(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

// Init creates the record, queue, and meta tables. Idempotent.
func (s *SQLite) Init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			tbl  TEXT NOT NULL,
			id   TEXT NOT NULL,
			data JSON NOT NULL,
			PRIMARY KEY (tbl, id)
		);
		CREATE TABLE IF NOT EXISTS queue (
			id         TEXT PRIMARY KEY,
			op         JSON NOT NULL,
			status     TEXT NOT NULL DEFAULT 'pending',
			error      TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("init client store: %w", err)
	}
	return nil
}

// Close releases the underlying handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Insert(table string, data sync.Row) error {
	id, _ := data["id"].(string)
	if id == "" {
		return fmt.Errorf("insert %s: missing id", table)
	}
	return s.upsert(table, id, data)
}

// Update upserts: a missing row is created (pull replay depends on this).
func (s *SQLite) Update(table, id string, data sync.Row) error {
	current, err := s.FindOne(table, id)
	if err != nil {
		return err
	}
	merged := data
	if current != nil {
		merged = sync.CloneRow(current)
		for k, v := range data {
			merged[k] = v
		}
	}
	merged["id"] = id
	return s.upsert(table, id, merged)
}

func (s *SQLite) upsert(table, id string, data sync.Row) error {
	blob, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: marshal: %w", table, id, err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO records (tbl, id, data) VALUES (?, ?, ?)`,
		table, id, string(blob),
	)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", table, id, err)
	}
	return nil
}

// Delete removes the row. The client store keeps no tombstones; the
// server's delta log handles replay.
func (s *SQLite) Delete(table, id string) error {
	if _, err := s.db.Exec(`DELETE FROM records WHERE tbl = ? AND id = ?`, table, id); err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, id, err)
	}
	return nil
}

func (s *SQLite) Find(table string, filter sync.Row) ([]sync.Row, error) {
	rows, err := s.db.Query(`SELECT data FROM records WHERE tbl = ? ORDER BY rowid ASC`, table)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", table, err)
	}
	defer rows.Close()

	var out []sync.Row
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("find %s: scan: %w", table, err)
		}
		r := sync.Row{}
		if err := json.Unmarshal([]byte(blob), &r); err != nil {
			return nil, fmt.Errorf("find %s: unmarshal: %w", table, err)
		}
		if matchesFilter(r, filter) {
			out = append(out, r)
		}
	}
	return out, rows.Err()
}

func (s *SQLite) FindOne(table, id string) (sync.Row, error) {
	var blob string
	err := s.db.QueryRow(`SELECT data FROM records WHERE tbl = ? AND id = ?`, table, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find %s/%s: %w", table, id, err)
	}
	r := sync.Row{}
	if err := json.Unmarshal([]byte(blob), &r); err != nil {
		return nil, fmt.Errorf("find %s/%s: unmarshal: %w", table, id, err)
	}
	return r, nil
}

func (s *SQLite) AddToQueue(op sync.Operation) error {
	blob, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("enqueue %s: marshal: %w", op.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO queue (id, op, status, error) VALUES (?, ?, ?, ?)`,
		op.ID, string(blob), string(op.Status), nullableText(op.Error),
	)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", op.ID, err)
	}
	return nil
}

// GetQueue returns all queued operations in enqueue order, with the
// mutable status and error columns folded back in.
func (s *SQLite) GetQueue() ([]sync.Operation, error) {
	rows, err := s.db.Query(`SELECT op, status, error FROM queue ORDER BY rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	defer rows.Close()

	var out []sync.Operation
	for rows.Next() {
		var blob, status string
		var errMsg sql.NullString
		if err := rows.Scan(&blob, &status, &errMsg); err != nil {
			return nil, fmt.Errorf("read queue: scan: %w", err)
		}
		var op sync.Operation
		if err := json.Unmarshal([]byte(blob), &op); err != nil {
			return nil, fmt.Errorf("read queue: unmarshal: %w", err)
		}
		op.Status = sync.Status(status)
		if errMsg.Valid {
			op.Error = errMsg.String
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (s *SQLite) RemoveFromQueue(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.Exec(`DELETE FROM queue WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("prune queue: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateQueueStatus(id string, status sync.Status, errMsg string) error {
	_, err := s.db.Exec(
		`UPDATE queue SET status = ?, error = ? WHERE id = ?`,
		string(status), nullableText(errMsg), id,
	)
	if err != nil {
		return fmt.Errorf("queue status %s: %w", id, err)
	}
	return nil
}

func (s *SQLite) GetLastSync() (time.Time, error) {
	v, err := s.getMeta(metaLastSync)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	var ms int64
	if _, err := fmt.Sscanf(v, "%d", &ms); err != nil {
		return time.Time{}, fmt.Errorf("parse last_sync %q: %w", v, err)
	}
	return time.UnixMilli(ms), nil
}

func (s *SQLite) SetLastSync(t time.Time) error {
	return s.setMeta(metaLastSync, fmt.Sprintf("%d", t.UnixMilli()))
}

func (s *SQLite) GetClientID() (string, error) {
	v, err := s.getMeta(metaClientID)
	if err != nil {
		return "", err
	}
	if v != "" {
		return v, nil
	}
	id := uuid.NewString()
	if err := s.setMeta(metaClientID, id); err != nil {
		return "", err
	}
	return id, nil
}

func (s *SQLite) IsInitialized() (bool, error) {
	v, err := s.getMeta(metaInitialized)
	return v == "1", err
}

func (s *SQLite) SetInitialized(v bool) error {
	val := "0"
	if v {
		val = "1"
	}
	return s.setMeta(metaInitialized, val)
}

func (s *SQLite) getMeta(key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("meta %s: %w", key, err)
	}
	return v, nil
}

func (s *SQLite) setMeta(key, value string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("meta %s: %w", key, err)
	}
	return nil
}

func matchesFilter(r, filter sync.Row) bool {
	for k, want := range filter {
		if fmt.Sprint(r[k]) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}
