// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/cumments-foundation/cumments/lib/clock"
	"github.com/cumments-foundation/cumments/lib/sqlitepool"
)

// ErrNotFound is returned by lookups that find no row.
var ErrNotFound = errors.New("store: not found")

// ErrSchemaTooNew is returned when the database was migrated by a
// newer binary. Continuing would corrupt rows the old code does not
// understand; the operator must upgrade or restore.
var ErrSchemaTooNew = errors.New("store: database schema is newer than this binary")

// maxPendingRedactions bounds the in-memory buffer of redactions that
// arrived before their target message. Overflow drops the oldest; a
// dropped redaction is re-applied on the next full rebuild.
const maxPendingRedactions = 1024

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	Path string

	// PoolSize is the connection pool size. Defaults to 8.
	PoolSize int

	// Clock provides time for room bookkeeping. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// Store is the local comment view backed by SQLite.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger

	// roomMu guards roomLocks. Each room gets its own mutex so that
	// projection is serialized per room without cross-room blocking.
	roomMu    sync.Mutex
	roomLocks map[string]*sync.Mutex

	// pendingMu guards the early-redaction buffer.
	pendingMu         sync.Mutex
	pendingRedactions []pendingRedaction
	pendingByTarget   map[string]int64 // target event id → redaction timestamp
}

// pendingRedaction is a redaction observed before its target message.
type pendingRedaction struct {
	targetID  string
	timestamp int64
}

// Open opens (creating if necessary) the view database at cfg.Path
// and applies pending schema migrations. Returns ErrSchemaTooNew
// (wrapped) if the database was written by a newer binary.
func Open(cfg Config) (*Store, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("store: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("store: Logger is required")
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	store := &Store{
		pool:            pool,
		clock:           cfg.Clock,
		logger:          cfg.Logger,
		roomLocks:       make(map[string]*sync.Mutex),
		pendingByTarget: make(map[string]int64),
	}

	if err := store.migrate(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// lockRoom serializes writes for one room. Returns the unlock func.
func (s *Store) lockRoom(roomID string) func() {
	s.roomMu.Lock()
	mu, ok := s.roomLocks[roomID]
	if !ok {
		mu = &sync.Mutex{}
		s.roomLocks[roomID] = mu
	}
	s.roomMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// schemaVersionKey is the meta key recording the last applied
// migration id.
const schemaVersionKey = "schema.version"

// migrations is the append-only migration list. Index i holds
// migration id i+1. Never edit an entry that has shipped; append.
var migrations = []string{
	// Migration 1: the original room/comment view.
	`
	CREATE TABLE rooms (
		room_id    TEXT PRIMARY KEY,
		site_id    TEXT NOT NULL,
		post_slug  TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX idx_rooms_site_slug ON rooms(site_id, post_slug);

	CREATE TABLE comments (
		id                 TEXT PRIMARY KEY,
		room_id            TEXT NOT NULL,
		author_id          TEXT NOT NULL,
		author_name        TEXT NOT NULL,
		is_guest           INTEGER NOT NULL DEFAULT 1,
		author_fingerprint TEXT,
		content            TEXT NOT NULL,
		reply_to           TEXT,
		created_at         INTEGER NOT NULL,
		updated_at         INTEGER,
		is_redacted        INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX idx_comments_room_time ON comments(room_id, created_at, id);
	`,

	// Migration 2: avatar, idempotency token, raw event capture, and
	// the native-commenter profile cache.
	`
	ALTER TABLE comments ADD COLUMN avatar_url TEXT;
	ALTER TABLE comments ADD COLUMN txn_id TEXT;
	ALTER TABLE comments ADD COLUMN raw_event TEXT;
	CREATE INDEX idx_comments_room_txn ON comments(room_id, txn_id) WHERE txn_id IS NOT NULL;

	CREATE TABLE profiles (
		user_id      TEXT PRIMARY KEY,
		display_name TEXT,
		avatar_url   TEXT,
		updated_at   INTEGER NOT NULL
	);
	`,
}

// migrate applies pending migrations under an exclusive transaction.
// The meta table itself is created outside the versioned list so the
// version key can be read on any database, including an empty one.
func (s *Store) migrate(ctx context.Context) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ExclusiveTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: migrate: begin: %w", err)
	}
	defer endTransaction(&err)

	if err := sqlitex.ExecuteScript(conn, `
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`, nil); err != nil {
		return fmt.Errorf("store: migrate: creating meta: %w", err)
	}

	version, err := readSchemaVersion(conn)
	if err != nil {
		return err
	}
	if version > len(migrations) {
		return fmt.Errorf("%w: database at version %d, binary supports %d",
			ErrSchemaTooNew, version, len(migrations))
	}

	for i := version; i < len(migrations); i++ {
		id := i + 1
		if err := sqlitex.ExecuteScript(conn, migrations[i], nil); err != nil {
			return fmt.Errorf("store: migration %d: %w", id, err)
		}
		if err := setMetaConn(conn, schemaVersionKey, strconv.Itoa(id)); err != nil {
			return fmt.Errorf("store: migration %d: recording version: %w", id, err)
		}
		s.logger.Info("schema migration applied", "id", id)
	}

	return nil
}

func readSchemaVersion(conn *sqlite.Conn) (int, error) {
	var raw string
	err := sqlitex.Execute(conn, "SELECT value FROM meta WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{schemaVersionKey},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			raw = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("store: reading schema version: %w", err)
	}
	if raw == "" {
		return 0, nil
	}
	version, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("store: schema version %q is not an integer", raw)
	}
	return version, nil
}
