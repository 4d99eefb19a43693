package state

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned by point lookups when no entry matches.
var ErrNotFound = errors.New("entry not found")

// ErrCorrupt is returned when the store's invariants are violated at load.
// The engine refuses to run against a corrupt store; recovery is rebuilding
// the state by re-pulling the workspace.
var ErrCorrupt = errors.New("state store corrupt")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS entries (
    path             TEXT PRIMARY KEY,
    remote_id        TEXT NOT NULL UNIQUE,
    remote_url       TEXT NOT NULL DEFAULT '',
    parent_remote_id TEXT NOT NULL DEFAULT '',
    kind             TEXT NOT NULL,
    local_hash       TEXT NOT NULL DEFAULT '',
    remote_hash      TEXT NOT NULL DEFAULT '',
    remote_mtime     TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL DEFAULT 'clean',
    error            TEXT NOT NULL DEFAULT '',
    error_hash       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_entries_status ON entries(status);
CREATE INDEX IF NOT EXISTS idx_entries_parent ON entries(parent_remote_id);
CREATE INDEX IF NOT EXISTS idx_entries_remote_id ON entries(remote_id);
`

// Store is the durable entry store backed by an embedded SQLite database.
// The engine is the only writer in a workspace; WAL mode allows concurrent
// reads (such as the watch daemon's remote poller) during a sync run.
type Store struct {
	conn *sql.DB
	path string
}

// Open opens (creating if necessary) the state database at path and
// initializes the schema. The caller must Close the store when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping state database: %w", err)
	}

	// Single writer by design; a small pool covers concurrent readers.
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := s.conn.Exec(schemaSQL); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := s.checkInvariants(); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection, checkpointing the WAL so all
// changes land in the main database file.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	_, _ = s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close state database: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// checkInvariants verifies the load-time invariants: unique remote ids
// (enforced by schema, re-checked for databases created before the unique
// index existed) and well-formed kind/status values on every row.
func (s *Store) checkInvariants() error {
	row := s.conn.QueryRow(`
		SELECT COUNT(*) FROM (
			SELECT remote_id FROM entries GROUP BY remote_id HAVING COUNT(*) > 1
		)`)
	var dups int
	if err := row.Scan(&dups); err != nil {
		return fmt.Errorf("failed to check remote_id uniqueness: %w", err)
	}
	if dups > 0 {
		return fmt.Errorf("%w: %d duplicate remote ids (rebuild state by re-pulling)", ErrCorrupt, dups)
	}

	rows, err := s.conn.Query(`SELECT path, kind, status FROM entries`)
	if err != nil {
		return fmt.Errorf("failed to scan entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var path string
		var kind, status string
		if err := rows.Scan(&path, &kind, &status); err != nil {
			return fmt.Errorf("failed to scan entry row: %w", err)
		}
		if !Kind(kind).Valid() {
			return fmt.Errorf("%w: entry %q has unknown kind %q (rebuild state by re-pulling)", ErrCorrupt, path, kind)
		}
		if !Status(status).Valid() {
			return fmt.Errorf("%w: entry %q has unknown status %q (rebuild state by re-pulling)", ErrCorrupt, path, status)
		}
	}
	return rows.Err()
}

// querier abstracts *sql.DB and *sql.Tx so lookups work inside and outside
// transactions.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

const entryColumns = `path, remote_id, remote_url, parent_remote_id, kind,
	local_hash, remote_hash, remote_mtime, status, error, error_hash`

func scanEntry(row interface{ Scan(...any) error }) (*Entry, error) {
	var e Entry
	var mtime string
	err := row.Scan(&e.Path, &e.RemoteID, &e.RemoteURL, &e.ParentRemoteID,
		(*string)(&e.Kind), &e.LocalHash, &e.RemoteHash, &mtime,
		(*string)(&e.Status), &e.ErrorMsg, &e.ErrorHash)
	if err != nil {
		return nil, err
	}
	if mtime != "" {
		t, err := time.Parse(time.RFC3339Nano, mtime)
		if err != nil {
			return nil, fmt.Errorf("failed to parse remote_mtime %q: %w", mtime, err)
		}
		e.RemoteMTime = t
	}
	return &e, nil
}

func getBy(q querier, column, key string) (*Entry, error) {
	row := q.QueryRow(`SELECT `+entryColumns+` FROM entries WHERE `+column+` = ?`, key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry by %s: %w", column, err)
	}
	return e, nil
}

func upsert(q querier, e *Entry) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid entry %q: %w", e.Path, err)
	}
	mtime := ""
	if !e.RemoteMTime.IsZero() {
		mtime = e.RemoteMTime.UTC().Format(time.RFC3339Nano)
	}
	_, err := q.Exec(`
		INSERT INTO entries (path, remote_id, remote_url, parent_remote_id,
			kind, local_hash, remote_hash, remote_mtime, status, error, error_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			remote_id        = excluded.remote_id,
			remote_url       = excluded.remote_url,
			parent_remote_id = excluded.parent_remote_id,
			kind             = excluded.kind,
			local_hash       = excluded.local_hash,
			remote_hash      = excluded.remote_hash,
			remote_mtime     = excluded.remote_mtime,
			status           = excluded.status,
			error            = excluded.error,
			error_hash       = excluded.error_hash`,
		e.Path, e.RemoteID, e.RemoteURL, e.ParentRemoteID, string(e.Kind),
		e.LocalHash, e.RemoteHash, mtime, string(e.Status), e.ErrorMsg, e.ErrorHash)
	if err != nil {
		return fmt.Errorf("failed to upsert entry %q: %w", e.Path, err)
	}
	return nil
}

func deleteByPath(q querier, path string) error {
	if _, err := q.Exec(`DELETE FROM entries WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to delete entry %q: %w", path, err)
	}
	return nil
}

func listWhere(q querier, clause string, args ...any) ([]*Entry, error) {
	rows, err := q.Query(`SELECT `+entryColumns+` FROM entries `+clause+` ORDER BY path`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetByPath returns the entry at path, or ErrNotFound.
func (s *Store) GetByPath(path string) (*Entry, error) {
	return getBy(s.conn, "path", path)
}

// GetByRemoteID returns the entry with the given remote id, or ErrNotFound.
func (s *Store) GetByRemoteID(id string) (*Entry, error) {
	return getBy(s.conn, "remote_id", id)
}

// Upsert atomically inserts or updates an entry keyed by path.
func (s *Store) Upsert(e *Entry) error {
	return upsert(s.conn, e)
}

// DeleteByPath removes the entry at path. Deleting a missing entry is not
// an error (idempotent).
func (s *Store) DeleteByPath(path string) error {
	return deleteByPath(s.conn, path)
}

// ListAll returns every entry ordered by path.
func (s *Store) ListAll() ([]*Entry, error) {
	return listWhere(s.conn, "")
}

// ListWhere returns the entries whose status is one of the given statuses.
func (s *Store) ListWhere(statuses ...Status) ([]*Entry, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]any, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args[i] = string(st)
	}
	return listWhere(s.conn, "WHERE status IN ("+placeholders+")", args...)
}

// Tx is a scoped transaction over the store. All mutations made through it
// become visible atomically when the Transaction body returns nil.
type Tx struct {
	tx *sql.Tx
}

// GetByPath returns the entry at path within the transaction.
func (t *Tx) GetByPath(path string) (*Entry, error) {
	return getBy(t.tx, "path", path)
}

// GetByRemoteID returns the entry with the given remote id within the
// transaction.
func (t *Tx) GetByRemoteID(id string) (*Entry, error) {
	return getBy(t.tx, "remote_id", id)
}

// Upsert inserts or updates an entry within the transaction.
func (t *Tx) Upsert(e *Entry) error {
	return upsert(t.tx, e)
}

// DeleteByPath removes the entry at path within the transaction.
func (t *Tx) DeleteByPath(path string) error {
	return deleteByPath(t.tx, path)
}

// Transaction runs body inside a database transaction. If body returns an
// error (or panics), nothing is applied.
func (s *Store) Transaction(body func(tx *Tx) error) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := body(&Tx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}
