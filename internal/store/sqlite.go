package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqliteBusyTimeoutMs = 5000
	sqliteMaxOpenConns  = 4
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	token      TEXT NOT NULL,
	expires_at INTEGER
)`

const sqliteUpsert = `
INSERT INTO sessions(id, token, expires_at)
VALUES(?, ?, ?)
ON CONFLICT(id) DO UPDATE SET token = excluded.token, expires_at = excluded.expires_at`

// SQLiteStore persists session tokens in a SQLite database so they survive
// restarts of a single-node deployment.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite creates or opens the database at path, enables WAL mode and
// creates the sessions table. Per-connection pragmas go through the DSN so
// every pooled connection gets them.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("store: create %s: %w", dir, err)
		}
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=busy_timeout(" + strconv.Itoa(sqliteBusyTimeoutMs) + ")&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(sqliteMaxOpenConns)
	db.SetMaxIdleConns(sqliteMaxOpenConns)

	// journal_mode is database-wide and persists in the file.
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		sqliteSchema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: sqlite setup: %w", err)
		}
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Get returns the token stored for sessionID. Expired rows read as ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (string, error) {
	var token string
	var expires sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT token, expires_at FROM sessions WHERE id = ?`, sessionID,
	).Scan(&token, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: sqlite get: %w", err)
	}
	if expires.Valid && s.now().UnixMilli() >= expires.Int64 {
		return "", ErrNotFound
	}
	return token, nil
}

// Put upserts the token for sessionID. A zero ttl stores it without expiry.
func (s *SQLiteStore) Put(ctx context.Context, sessionID, token string, ttl time.Duration) error {
	if err := validSession(sessionID); err != nil {
		return err
	}
	var expires sql.NullInt64
	if ttl > 0 {
		expires = sql.NullInt64{Int64: s.now().Add(ttl).UnixMilli(), Valid: true}
	}
	if _, err := s.db.ExecContext(ctx, sqliteUpsert, sessionID, token, expires); err != nil {
		return fmt.Errorf("store: sqlite put: %w", err)
	}
	return nil
}

// Delete removes sessionID. Deleting a missing session is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("store: sqlite delete: %w", err)
	}
	return nil
}

// PurgeExpired deletes expired rows and returns how many were removed.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at IS NOT NULL AND expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store: sqlite purge: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
