// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"strconv"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Well-known meta keys.
const (
	// metaSyncToken is the Matrix /sync since-token. Written after
	// each batch's projection commits, so a crash mid-batch re-fetches
	// the batch and idempotent projection absorbs the replay.
	metaSyncToken = "matrix.sync_token"

	// metaLastTransaction is the id of the last fully processed
	// appservice transaction. Replays respond 200 without
	// reprojecting.
	metaLastTransaction = "appservice.last_txn"

	// metaSkippedEvents counts events dropped after exhausting the
	// projection retry budget. Operator visibility only.
	metaSkippedEvents = "projection.skipped_events"
)

// GetMeta reads a meta value. Returns ok=false when the key is absent.
func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", false, fmt.Errorf("store: get meta: %w", err)
	}
	defer s.pool.Put(conn)

	var value string
	var found bool
	err = sqlitex.Execute(conn, "SELECT value FROM meta WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = stmt.ColumnText(0)
			found = true
			return nil
		},
	})
	if err != nil {
		return "", false, fmt.Errorf("store: get meta %q: %w", key, err)
	}
	return value, found, nil
}

// SetMeta writes a meta value, overwriting any previous one.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: set meta: %w", err)
	}
	defer s.pool.Put(conn)

	if err := setMetaConn(conn, key, value); err != nil {
		return fmt.Errorf("store: set meta %q: %w", key, err)
	}
	return nil
}

func setMetaConn(conn *sqlite.Conn, key, value string) error {
	return sqlitex.Execute(conn,
		"INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		&sqlitex.ExecOptions{Args: []any{key, value}})
}

// SyncToken returns the persisted Matrix sync since-token, or "" if
// no sync has completed yet.
func (s *Store) SyncToken(ctx context.Context) (string, error) {
	token, _, err := s.GetMeta(ctx, metaSyncToken)
	return token, err
}

// SetSyncToken persists the Matrix sync since-token.
func (s *Store) SetSyncToken(ctx context.Context, token string) error {
	return s.SetMeta(ctx, metaSyncToken, token)
}

// LastTransactionID returns the id of the last fully processed
// appservice transaction, or "" if none.
func (s *Store) LastTransactionID(ctx context.Context) (string, error) {
	id, _, err := s.GetMeta(ctx, metaLastTransaction)
	return id, err
}

// SetLastTransactionID records an appservice transaction as fully
// processed.
func (s *Store) SetLastTransactionID(ctx context.Context, txnID string) error {
	return s.SetMeta(ctx, metaLastTransaction, txnID)
}

// IncrementSkippedEvents bumps the skipped-event counter and returns
// the new total.
func (s *Store) IncrementSkippedEvents(ctx context.Context) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: increment skipped: %w", err)
	}
	defer s.pool.Put(conn)

	var total int64
	err = sqlitex.Execute(conn, `
		INSERT INTO meta (key, value) VALUES (?, '1')
		ON CONFLICT(key) DO UPDATE SET value = CAST(CAST(value AS INTEGER) + 1 AS TEXT)
		RETURNING CAST(value AS INTEGER)`,
		&sqlitex.ExecOptions{
			Args: []any{metaSkippedEvents},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				total = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("store: increment skipped: %w", err)
	}
	return total, nil
}

// SkippedEvents returns the current skipped-event count.
func (s *Store) SkippedEvents(ctx context.Context) (int64, error) {
	raw, found, err := s.GetMeta(ctx, metaSkippedEvents)
	if err != nil || !found {
		return 0, err
	}
	count, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("store: skipped counter %q is not an integer", raw)
	}
	return count, nil
}
