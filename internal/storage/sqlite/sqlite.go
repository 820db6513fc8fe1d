// Package sqlite provides the durable storage backend (sqlite:// URLs)
// backed by a SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"pkt.systems/syncd/internal/path"
	"pkt.systems/syncd/internal/storage"
)

// ErrClosed is returned by all operations after Close.
var ErrClosed = errors.New("sqlite: store closed")

// Store persists records and the version counter to a SQLite database.
// Suitable for single-process production use.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// New opens or creates the database at dbPath (":memory:" works for
// tests) and prepares the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps :memory: databases shared and serializes
	// writers ahead of SQLite's own locking.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS nodes (
			path TEXT PRIMARY KEY,
			data TEXT,
			creator TEXT NOT NULL DEFAULT '',
			acl TEXT NOT NULL DEFAULT '',
			cts INTEGER NOT NULL,
			vts INTEGER NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL DEFAULT 0,
			etag TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create nodes table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_nodes_live
		ON nodes(deleted, path)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ticks (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			value INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create ticks table: %w", err)
	}
	if _, err := db.Exec(`INSERT OR IGNORE INTO ticks (id, value) VALUES (1, 0)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed tick counter: %w", err)
	}

	return &Store{db: db}, nil
}

// Get implements storage.Backend.
func (s *Store) Get(ctx context.Context, p path.Path) (*storage.Node, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, "", ErrClosed
	}

	var (
		data      sql.NullString
		node      storage.Node
		deleted   int64
		etag      string
		flatten   = p.String()
		scanErr   error
		updatedAt int64
	)
	scanErr = s.db.QueryRowContext(ctx, `
		SELECT data, creator, acl, cts, vts, deleted, updated_at, etag
		FROM nodes WHERE path = ?
	`, flatten).Scan(&data, &node.Creator, &node.ACL, &node.CTS, &node.VTS, &deleted, &updatedAt, &etag)
	if errors.Is(scanErr, sql.ErrNoRows) {
		return nil, "", storage.ErrNotFound
	}
	if scanErr != nil {
		return nil, "", fmt.Errorf("load node: %w", scanErr)
	}
	node.Path = p.Clone()
	node.Deleted = deleted != 0
	node.UpdatedAtUnix = updatedAt
	if data.Valid {
		node.Data = &data.String
	}
	return &node, etag, nil
}

// Put implements storage.Backend.
func (s *Store) Put(ctx context.Context, node *storage.Node, expectedETag string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}

	flatten := node.Path.String()
	etag := uuid.Must(uuid.NewV7()).String()
	var data sql.NullString
	if node.Data != nil {
		data = sql.NullString{String: *node.Data, Valid: true}
	}
	deleted := 0
	if node.Deleted {
		deleted = 1
	}

	if expectedETag == "" {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO nodes (path, data, creator, acl, cts, vts, deleted, updated_at, etag)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(path) DO NOTHING
		`, flatten, data, node.Creator, node.ACL, node.CTS, node.VTS, deleted, node.UpdatedAtUnix, etag)
		if err != nil {
			return "", fmt.Errorf("insert node: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return "", fmt.Errorf("insert node: %w", err)
		}
		if affected == 0 {
			return "", storage.ErrCASMismatch
		}
		return etag, nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE nodes
		SET data = ?, creator = ?, acl = ?, cts = ?, vts = ?, deleted = ?, updated_at = ?, etag = ?
		WHERE path = ? AND etag = ?
	`, data, node.Creator, node.ACL, node.CTS, node.VTS, deleted, node.UpdatedAtUnix, etag, flatten, expectedETag)
	if err != nil {
		return "", fmt.Errorf("update node: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("update node: %w", err)
	}
	if affected == 0 {
		var one int
		probe := s.db.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE path = ?`, flatten).Scan(&one)
		if errors.Is(probe, sql.ErrNoRows) {
			return "", storage.ErrNotFound
		}
		return "", storage.ErrCASMismatch
	}
	return etag, nil
}

// FindMatching implements storage.Backend.
func (s *Store) FindMatching(ctx context.Context, pattern path.Pattern) ([]*storage.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT path, data, creator, acl, cts, vts, updated_at
		FROM nodes WHERE deleted = 0 ORDER BY path
	`)
	if err != nil {
		return nil, fmt.Errorf("scan nodes: %w", err)
	}
	defer rows.Close()

	matched := make([]*storage.Node, 0)
	for rows.Next() {
		var (
			flat string
			data sql.NullString
			node storage.Node
		)
		if err := rows.Scan(&flat, &data, &node.Creator, &node.ACL, &node.CTS, &node.VTS, &node.UpdatedAtUnix); err != nil {
			return nil, fmt.Errorf("scan node row: %w", err)
		}
		p, err := path.Parse(path.Split(flat))
		if err != nil {
			return nil, fmt.Errorf("stored path %q: %w", flat, err)
		}
		if !pattern.Matches(p) {
			continue
		}
		node.Path = p
		if data.Valid {
			node.Data = &data.String
		}
		matched = append(matched, &node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return matched, nil
}

// NextTick implements storage.Backend.
func (s *Store) NextTick(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	var tick int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE ticks SET value = value + 1 WHERE id = 1 RETURNING value
	`).Scan(&tick)
	if err != nil {
		return 0, fmt.Errorf("advance tick counter: %w", err)
	}
	return tick, nil
}

// CountNodes implements storage.NodeCounter.
func (s *Store) CountNodes(ctx context.Context) (live, tombstones int64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, 0, ErrClosed
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN deleted = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN deleted != 0 THEN 1 ELSE 0 END), 0)
		FROM nodes
	`).Scan(&live, &tombstones)
	if err != nil {
		return 0, 0, fmt.Errorf("count nodes: %w", err)
	}
	return live, tombstones, nil
}

// Close implements storage.Backend.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
