// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/cumments-foundation/cumments/lib/ref"
	"github.com/cumments-foundation/cumments/messaging"
	"github.com/cumments-foundation/cumments/store"
)

// roomManager implements lazy thread-room creation shared by both
// adapter modes. Creation is single-flight per alias: concurrent
// first submissions to a new thread share one createRoom call.
type roomManager struct {
	session *messaging.Session
	store   *store.Store
	server  ref.ServerName
	logger  *slog.Logger
	flight  singleflight.Group
}

func (m *roomManager) EnsureRoom(ctx context.Context, site ref.SiteID, slug string) (ref.RoomID, error) {
	if err := ref.ValidateSlug(slug); err != nil {
		return ref.RoomID{}, err
	}

	roomID, err := m.store.LookupRoom(ctx, site, slug)
	if err == nil {
		return roomID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return ref.RoomID{}, err
	}

	alias, err := ref.ThreadAlias(site, slug, m.server)
	if err != nil {
		return ref.RoomID{}, err
	}

	result, err, _ := m.flight.Do(alias.String(), func() (any, error) {
		return m.resolveOrCreate(ctx, site, slug, alias)
	})
	if err != nil {
		return ref.RoomID{}, err
	}
	return result.(ref.RoomID), nil
}

// Rebind re-resolves or recreates the thread room, bypassing the
// stored mapping. Send paths use it when the mapped room turns out to
// be gone server-side; resolveOrCreate rewrites the mapping.
func (m *roomManager) Rebind(ctx context.Context, site ref.SiteID, slug string) (ref.RoomID, error) {
	alias, err := ref.ThreadAlias(site, slug, m.server)
	if err != nil {
		return ref.RoomID{}, err
	}
	result, err, _ := m.flight.Do(alias.String(), func() (any, error) {
		return m.resolveOrCreate(ctx, site, slug, alias)
	})
	if err != nil {
		return ref.RoomID{}, err
	}
	return result.(ref.RoomID), nil
}

func (m *roomManager) resolveOrCreate(ctx context.Context, site ref.SiteID, slug string, alias ref.RoomAlias) (ref.RoomID, error) {
	roomID, err := m.session.ResolveAlias(ctx, alias)
	switch {
	case err == nil:
		// The room exists (e.g. view database was rebuilt). Join so
		// the stream covers it, then record the mapping.
		if _, err := m.session.JoinRoom(ctx, roomID.String()); err != nil {
			return ref.RoomID{}, fmt.Errorf("adapter: joining existing room %s: %w", roomID, err)
		}
	case messaging.IsMatrixError(err, messaging.ErrCodeNotFound):
		roomID, err = m.createRoom(ctx, site, slug, alias)
		if err != nil {
			return ref.RoomID{}, err
		}
	default:
		return ref.RoomID{}, err
	}

	if err := m.store.UpsertRoom(ctx, site, slug, roomID); err != nil {
		return ref.RoomID{}, err
	}
	return roomID, nil
}

func (m *roomManager) createRoom(ctx context.Context, site ref.SiteID, slug string, alias ref.RoomAlias) (ref.RoomID, error) {
	m.logger.Info("creating comment room", "alias", alias.String())

	roomID, err := m.session.CreateRoom(ctx, messaging.CreateRoomRequest{
		Name:   "Comments for " + slug,
		Topic:  site.String() + "/" + slug,
		Alias:  alias.Localpart(),
		Preset: "public_chat",
		InitialState: []messaging.StateEvent{{
			Type:     "m.room.history_visibility",
			StateKey: "",
			Content:  map[string]string{"history_visibility": "world_readable"},
		}},
	})
	if err == nil {
		return roomID, nil
	}

	// Lost a creation race against another process holding the same
	// alias. The alias now resolves; use it.
	if messaging.IsMatrixError(err, messaging.ErrCodeRoomInUse) {
		roomID, resolveErr := m.session.ResolveAlias(ctx, alias)
		if resolveErr != nil {
			return ref.RoomID{}, fmt.Errorf("adapter: alias %s taken but unresolvable: %w", alias, resolveErr)
		}
		if _, err := m.session.JoinRoom(ctx, roomID.String()); err != nil {
			return ref.RoomID{}, fmt.Errorf("adapter: joining raced room %s: %w", roomID, err)
		}
		return roomID, nil
	}
	return ref.RoomID{}, fmt.Errorf("adapter: creating room for %s/%s: %w", site, slug, err)
}
