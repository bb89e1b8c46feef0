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

// Profile caches a native Matrix commenter's display name and avatar
// so list responses do not hit the homeserver.
type Profile struct {
	UserID      ref.UserID
	DisplayName string
	AvatarURL   string
	UpdatedAt   int64
}

// UpsertProfile stores or refreshes a cached profile.
func (s *Store) UpsertProfile(ctx context.Context, userID ref.UserID, displayName, avatarURL string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: upsert profile: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO profiles (user_id, display_name, avatar_url, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = excluded.display_name,
			avatar_url = excluded.avatar_url,
			updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{Args: []any{
			userID.String(), nullable(displayName), nullable(avatarURL),
			s.clock.Now().UnixMilli(),
		}})
	if err != nil {
		return fmt.Errorf("store: upsert profile %s: %w", userID, err)
	}
	return nil
}

// GetProfile returns a cached profile, or ErrNotFound.
func (s *Store) GetProfile(ctx context.Context, userID ref.UserID) (Profile, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Profile{}, fmt.Errorf("store: get profile: %w", err)
	}
	defer s.pool.Put(conn)

	var profile Profile
	var found bool
	err = sqlitex.Execute(conn,
		"SELECT user_id, display_name, avatar_url, updated_at FROM profiles WHERE user_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{userID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				parsed, err := ref.ParseUserID(stmt.ColumnText(0))
				if err != nil {
					return err
				}
				profile = Profile{
					UserID:      parsed,
					DisplayName: stmt.ColumnText(1),
					AvatarURL:   stmt.ColumnText(2),
					UpdatedAt:   stmt.ColumnInt64(3),
				}
				found = true
				return nil
			},
		})
	if err != nil {
		return Profile{}, fmt.Errorf("store: get profile %s: %w", userID, err)
	}
	if !found {
		return Profile{}, fmt.Errorf("store: profile %s: %w", userID, ErrNotFound)
	}
	return profile, nil
}
