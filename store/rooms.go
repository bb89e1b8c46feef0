// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/cumments-foundation/cumments/lib/ref"
)

// Room maps a comment thread to its Matrix room.
type Room struct {
	RoomID    ref.RoomID
	SiteID    ref.SiteID
	PostSlug  string
	CreatedAt int64
}

// UpsertRoom records the thread-to-room mapping. Idempotent: an
// existing mapping for the same (site, slug) is overwritten with the
// given room id, which also covers alias re-creation after a room is
// abandoned server-side.
func (s *Store) UpsertRoom(ctx context.Context, site ref.SiteID, slug string, roomID ref.RoomID) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: upsert room: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: upsert room %s: %w", roomID, err)
	}
	defer endTransaction(&err)

	// A thread rebinding to a fresh room must drop its stale row
	// first; both room_id and (site_id, post_slug) are unique.
	err = sqlitex.Execute(conn,
		"DELETE FROM rooms WHERE site_id = ? AND post_slug = ? AND room_id != ?",
		&sqlitex.ExecOptions{Args: []any{site.String(), slug, roomID.String()}})
	if err != nil {
		return fmt.Errorf("store: upsert room %s: %w", roomID, err)
	}
	err = sqlitex.Execute(conn, `
		INSERT INTO rooms (room_id, site_id, post_slug, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET site_id = excluded.site_id, post_slug = excluded.post_slug`,
		&sqlitex.ExecOptions{
			Args: []any{roomID.String(), site.String(), slug, s.clock.Now().UnixMilli()},
		})
	if err != nil {
		return fmt.Errorf("store: upsert room %s: %w", roomID, err)
	}
	return nil
}

// LookupRoom returns the room id for a thread, or ErrNotFound.
func (s *Store) LookupRoom(ctx context.Context, site ref.SiteID, slug string) (ref.RoomID, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("store: lookup room: %w", err)
	}
	defer s.pool.Put(conn)

	var raw string
	err = sqlitex.Execute(conn,
		"SELECT room_id FROM rooms WHERE site_id = ? AND post_slug = ?",
		&sqlitex.ExecOptions{
			Args: []any{site.String(), slug},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				raw = stmt.ColumnText(0)
				return nil
			},
		})
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("store: lookup room %s/%s: %w", site, slug, err)
	}
	if raw == "" {
		return ref.RoomID{}, fmt.Errorf("store: room for %s/%s: %w", site, slug, ErrNotFound)
	}
	return ref.ParseRoomID(raw)
}

// RoomByID returns the thread mapping for a Matrix room id, or
// ErrNotFound. The projection pipeline uses it to route changes to
// the right fan-out topic.
func (s *Store) RoomByID(ctx context.Context, roomID ref.RoomID) (Room, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Room{}, fmt.Errorf("store: room by id: %w", err)
	}
	defer s.pool.Put(conn)

	var room Room
	var found bool
	err = sqlitex.Execute(conn,
		"SELECT room_id, site_id, post_slug, created_at FROM rooms WHERE room_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{roomID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				parsedRoom, err := ref.ParseRoomID(stmt.ColumnText(0))
				if err != nil {
					return err
				}
				site, err := ref.ParseSiteID(stmt.ColumnText(1))
				if err != nil {
					return err
				}
				room = Room{
					RoomID:    parsedRoom,
					SiteID:    site,
					PostSlug:  stmt.ColumnText(2),
					CreatedAt: stmt.ColumnInt64(3),
				}
				found = true
				return nil
			},
		})
	if err != nil {
		return Room{}, fmt.Errorf("store: room by id %s: %w", roomID, err)
	}
	if !found {
		return Room{}, fmt.Errorf("store: room %s: %w", roomID, ErrNotFound)
	}
	return room, nil
}
