package serverstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/driftlab/driftsync/internal/sync"
)

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// SQLite is a document-style Store over a single sqlite database. Domain
// fields live as a JSON blob; sync metadata lives in real columns so the
// delta queries stay indexable.
type SQLite struct {
	db *sql.DB
	q  querier
}

// Open opens (or creates) the store at path and initializes its schema.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open server store: %w", err)
	}
	s := New(db)
	if err := s.Init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle. Callers own schema init.
func New(db *sql.DB) *SQLite {
	return &SQLite{db: db, q: db}
}

// Init creates tables and indexes if they don't exist. Idempotent.
func (s *SQLite) Init() error {
	_, err := s.q.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			tbl        TEXT NOT NULL,
			id         TEXT NOT NULL,
			data       JSON NOT NULL,
			version    INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			client_id  TEXT,
			user_id    TEXT,
			is_deleted INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (tbl, id)
		);
		CREATE INDEX IF NOT EXISTS idx_records_updated ON records(tbl, updated_at);
		CREATE TABLE IF NOT EXISTS sync_log (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			op_id      TEXT NOT NULL,
			tbl        TEXT NOT NULL,
			kind       TEXT NOT NULL,
			record_id  TEXT NOT NULL,
			client_id  TEXT NOT NULL,
			user_id    TEXT,
			version    INTEGER NOT NULL,
			op_time    INTEGER NOT NULL,
			data       JSON,
			logged_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS client_state (
			client_id   TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			last_sync   INTEGER NOT NULL,
			last_active INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("init server store: %w", err)
	}
	return nil
}

// Close releases the underlying handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Transaction runs fn against a tx-scoped store; a nil error commits.
func (s *SQLite) Transaction(fn func(Store) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&SQLite{db: s.db, q: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// metaFromRow extracts the write attribution the engine placed in data.
func metaFromRow(data sync.Row) (clientID string, updatedAt time.Time, userID string) {
	if v, ok := data[sync.FieldClientID].(string); ok {
		clientID = v
	}
	if v, ok := data["user_id"].(string); ok {
		userID = v
	}
	updatedAt = time.Now().UTC()
	switch v := data[sync.FieldUpdatedAt].(type) {
	case time.Time:
		updatedAt = v
	case int64:
		updatedAt = time.UnixMilli(v)
	case float64:
		updatedAt = time.UnixMilli(int64(v))
	}
	return
}

func (s *SQLite) Insert(table string, data sync.Row) (sync.Row, error) {
	id, _ := data["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("insert %s: missing id", table)
	}

	var exists int
	err := s.q.QueryRow(`SELECT 1 FROM records WHERE tbl = ? AND id = ?`, table, id).Scan(&exists)
	if err == nil {
		return nil, ErrDuplicate
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("insert %s/%s: check existing: %w", table, id, err)
	}

	clientID, updatedAt, userID := metaFromRow(data)
	domain := sync.StripMetadata(data)
	blob, err := json.Marshal(domain)
	if err != nil {
		return nil, fmt.Errorf("insert %s/%s: marshal: %w", table, id, err)
	}

	_, err = s.q.Exec(
		`INSERT INTO records (tbl, id, data, version, updated_at, client_id, user_id, is_deleted)
		 VALUES (?, ?, ?, 1, ?, ?, ?, 0)`,
		table, id, string(blob), updatedAt.UnixMilli(), nullable(clientID), nullable(userID),
	)
	if err != nil {
		return nil, fmt.Errorf("insert %s/%s: %w", table, id, err)
	}
	return s.FindOne(table, id)
}

func (s *SQLite) Update(table, id string, data sync.Row, expectedVersion int64) (sync.Row, error) {
	current, err := s.FindOne(table, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrVersionMismatch
	}

	merged := sync.StripMetadata(current)
	for k, v := range sync.StripMetadata(data) {
		merged[k] = v
	}
	merged["id"] = id
	blob, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: marshal: %w", table, id, err)
	}

	clientID, updatedAt, _ := metaFromRow(data)
	res, err := s.q.Exec(
		`UPDATE records SET data = ?, version = version + 1, updated_at = ?, client_id = ?, is_deleted = 0
		 WHERE tbl = ? AND id = ? AND version = ?`,
		string(blob), updatedAt.UnixMilli(), nullable(clientID), table, id, expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", table, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrVersionMismatch
	}
	return s.FindOne(table, id)
}

func (s *SQLite) Delete(table, id string, updatedAt time.Time, clientID string) error {
	_, err := s.q.Exec(
		`UPDATE records SET is_deleted = 1, version = version + 1, updated_at = ?, client_id = ?
		 WHERE tbl = ? AND id = ? AND is_deleted = 0`,
		updatedAt.UnixMilli(), nullable(clientID), table, id,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, id, err)
	}
	return nil
}

func (s *SQLite) FindOne(table, id string) (sync.Row, error) {
	row := s.q.QueryRow(
		`SELECT data, version, updated_at, client_id, user_id, is_deleted
		 FROM records WHERE tbl = ? AND id = ?`, table, id)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find %s/%s: %w", table, id, err)
	}
	return r, nil
}

func (s *SQLite) Find(table string, filter sync.Row) ([]sync.Row, error) {
	rows, err := s.q.Query(
		`SELECT data, version, updated_at, client_id, user_id, is_deleted
		 FROM records WHERE tbl = ? AND is_deleted = 0 ORDER BY updated_at ASC`, table)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", table, err)
	}
	defer rows.Close()

	var out []sync.Row
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("find %s: scan: %w", table, err)
		}
		if matchesFilter(r, filter) {
			out = append(out, r)
		}
	}
	return out, rows.Err()
}

func (s *SQLite) ChangesSince(table string, since time.Time, userID, excludeClientID string) ([]sync.Row, error) {
	query := `SELECT data, version, updated_at, client_id, user_id, is_deleted
		 FROM records WHERE tbl = ? AND updated_at > ?`
	args := []any{table, since.UnixMilli()}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	if excludeClientID != "" {
		// NULL attribution means a server-originated write; never excluded.
		query += ` AND (client_id IS NULL OR client_id != ?)`
		args = append(args, excludeClientID)
	}
	query += ` ORDER BY updated_at ASC`

	rows, err := s.q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("changes since %s: %w", table, err)
	}
	defer rows.Close()

	var out []sync.Row
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("changes since %s: scan: %w", table, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) BatchInsert(table string, rows []sync.Row) error {
	for _, r := range rows {
		if _, err := s.Insert(table, r); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) BatchUpdate(table string, rows []sync.Row) error {
	for _, r := range rows {
		id, _ := r["id"].(string)
		version, _ := r[sync.FieldVersion].(int64)
		if _, err := s.Update(table, id, r, version); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) CheckConflict(table, id string, expectedVersion int64) (bool, error) {
	var version int64
	err := s.q.QueryRow(`SELECT version FROM records WHERE tbl = ? AND id = ?`, table, id).Scan(&version)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("check conflict %s/%s: %w", table, id, err)
	}
	return version != expectedVersion, nil
}

func (s *SQLite) LogOperation(op sync.Operation, userID string) error {
	blob, err := json.Marshal(op.Data)
	if err != nil {
		return fmt.Errorf("log op %s: marshal: %w", op.ID, err)
	}
	_, err = s.q.Exec(
		`INSERT INTO sync_log (op_id, tbl, kind, record_id, client_id, user_id, version, op_time, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.Table, string(op.Kind), op.RecordID(), op.ClientID, nullable(userID),
		op.Version, op.Timestamp.UnixMilli(), string(blob),
	)
	if err != nil {
		return fmt.Errorf("log op %s: %w", op.ID, err)
	}
	return nil
}

func (s *SQLite) UpdateClientState(clientID, userID string, at time.Time) error {
	_, err := s.q.Exec(
		`INSERT INTO client_state (client_id, user_id, last_sync, last_active)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(client_id) DO UPDATE SET user_id = excluded.user_id,
			last_sync = excluded.last_sync, last_active = excluded.last_active`,
		clientID, userID, at.UnixMilli(), at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("update client state %s: %w", clientID, err)
	}
	return nil
}

func (s *SQLite) GetClientState(clientID string) (*sync.ClientState, error) {
	var cs sync.ClientState
	var lastSync, lastActive int64
	err := s.q.QueryRow(
		`SELECT client_id, user_id, last_sync, last_active FROM client_state WHERE client_id = ?`,
		clientID,
	).Scan(&cs.ClientID, &cs.UserID, &lastSync, &lastActive)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get client state %s: %w", clientID, err)
	}
	cs.LastSync = time.UnixMilli(lastSync)
	cs.LastActive = time.UnixMilli(lastActive)
	return &cs, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanRecord materializes one record row: domain JSON plus metadata fields.
func scanRecord(sc scanner) (sync.Row, error) {
	var (
		blob      string
		version   int64
		updatedAt int64
		clientID  sql.NullString
		userID    sql.NullString
		isDeleted int
	)
	if err := sc.Scan(&blob, &version, &updatedAt, &clientID, &userID, &isDeleted); err != nil {
		return nil, err
	}
	r := sync.Row{}
	if err := json.Unmarshal([]byte(blob), &r); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	if userID.Valid {
		r["user_id"] = userID.String
	}
	r[sync.FieldVersion] = version
	r[sync.FieldUpdatedAt] = updatedAt
	if clientID.Valid {
		r[sync.FieldClientID] = clientID.String
	} else {
		r[sync.FieldClientID] = nil
	}
	r[sync.FieldIsDeleted] = isDeleted != 0
	return r, nil
}

// matchesFilter reports whether every filter field equals the row's value.
func matchesFilter(r, filter sync.Row) bool {
	for k, want := range filter {
		if fmt.Sprint(r[k]) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// nullable maps "" to NULL for optional text columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
