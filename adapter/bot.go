// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/cumments-foundation/cumments/lib/clock"
	"github.com/cumments-foundation/cumments/lib/ref"
	"github.com/cumments-foundation/cumments/messaging"
	"github.com/cumments-foundation/cumments/store"
)

const (
	syncTimeoutMillis = 30000
	minSyncBackoff    = 250 * time.Millisecond
	maxSyncBackoff    = 30 * time.Second
)

// BotConfig holds the parameters for a Bot adapter.
type BotConfig struct {
	// Client is the shared homeserver client. Required.
	Client *messaging.Client

	// UserID and AccessToken identify the bot account. Required.
	UserID      ref.UserID
	AccessToken string

	// ServerName is the homeserver name used for thread aliases.
	// Required.
	ServerName ref.ServerName

	// Store persists the sync token and room mappings. Required.
	Store *store.Store

	// Handler consumes the normalized event stream. Required.
	Handler Handler

	// Clock paces the sync backoff. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// Bot is the single-account adapter. It sends every comment as the
// bot user with the structured envelope attached, and ingests events
// through a /sync long-poll loop.
type Bot struct {
	session *messaging.Session
	rooms   roomManager
	store   *store.Store
	handler Handler
	clock   clock.Clock
	logger  *slog.Logger
}

// NewBot creates a Bot adapter.
func NewBot(cfg BotConfig) (*Bot, error) {
	switch {
	case cfg.Client == nil:
		return nil, fmt.Errorf("adapter: Client is required")
	case cfg.UserID.IsZero():
		return nil, fmt.Errorf("adapter: UserID is required")
	case cfg.AccessToken == "":
		return nil, fmt.Errorf("adapter: AccessToken is required")
	case cfg.ServerName.IsZero():
		return nil, fmt.Errorf("adapter: ServerName is required")
	case cfg.Store == nil:
		return nil, fmt.Errorf("adapter: Store is required")
	case cfg.Handler == nil:
		return nil, fmt.Errorf("adapter: Handler is required")
	case cfg.Clock == nil:
		return nil, fmt.Errorf("adapter: Clock is required")
	case cfg.Logger == nil:
		return nil, fmt.Errorf("adapter: Logger is required")
	}

	session := cfg.Client.Session(cfg.UserID, cfg.AccessToken)
	return &Bot{
		session: session,
		rooms: roomManager{
			session: session,
			store:   cfg.Store,
			server:  cfg.ServerName,
			logger:  cfg.Logger,
		},
		store:   cfg.Store,
		handler: cfg.Handler,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
	}, nil
}

// EnsureRoom resolves or lazily creates the thread room.
func (b *Bot) EnsureRoom(ctx context.Context, site ref.SiteID, slug string) (ref.RoomID, error) {
	return b.rooms.EnsureRoom(ctx, site, slug)
}

// SendComment posts a comment as the bot user. The txn id rides both
// the Matrix PUT path and the event envelope, so retries replay
// instead of duplicating.
func (b *Bot) SendComment(ctx context.Context, send SendRequest) (ref.EventID, error) {
	eventID, err := b.session.SendEvent(ctx, send.RoomID, "m.room.message", send.TxnID, buildCommentContent(send))
	if err == nil || !roomGone(err) || send.SiteID.IsZero() {
		return eventID, err
	}

	// The mapped room was abandoned server-side. Re-resolve the alias
	// (recreating the room if needed) and retry once.
	b.logger.Warn("mapped room gone, rebinding thread",
		"room_id", send.RoomID.String(), "error", err)
	roomID, rebindErr := b.rooms.Rebind(ctx, send.SiteID, send.PostSlug)
	if rebindErr != nil {
		return ref.EventID{}, fmt.Errorf("adapter: rebinding thread %s/%s: %w", send.SiteID, send.PostSlug, rebindErr)
	}
	return b.session.SendEvent(ctx, roomID, "m.room.message", send.TxnID, buildCommentContent(send))
}

// RedactComment redacts a comment event as the bot user.
func (b *Bot) RedactComment(ctx context.Context, roomID ref.RoomID, target ref.EventID, reason string) (ref.EventID, error) {
	return b.session.RedactEvent(ctx, roomID, target, redactionTxnID(), reason)
}

// Run drives the sync loop until the context is canceled. The since
// token is persisted only after the batch's events have been handled,
// so a crash replays the batch and idempotent projection absorbs it.
func (b *Bot) Run(ctx context.Context) error {
	since, err := b.store.SyncToken(ctx)
	if err != nil {
		return err
	}
	if since == "" {
		b.logger.Info("no sync token, performing initial sync")
	}

	backoff := minSyncBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		response, err := b.session.Sync(ctx, messaging.SyncOptions{
			Since:      since,
			Timeout:    syncTimeoutMillis,
			SetTimeout: since != "",
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// A rejected token cannot be retried; fall back to an
			// initial sync and let projection deduplicate.
			if messaging.IsMatrixError(err, messaging.ErrCodeUnknownToken) {
				b.logger.Warn("sync token rejected, falling back to initial sync")
				since = ""
				continue
			}
			b.logger.Warn("sync failed, backing off", "error", err, "backoff", backoff)
			b.clock.Sleep(withJitter(backoff))
			backoff = min(backoff*2, maxSyncBackoff)
			continue
		}
		backoff = minSyncBackoff

		if err := b.processBatch(ctx, response); err != nil {
			return err
		}

		since = response.NextBatch
		if err := b.store.SetSyncToken(ctx, since); err != nil {
			return err
		}
	}
}

func (b *Bot) processBatch(ctx context.Context, response *messaging.SyncResponse) error {
	for roomID, joined := range response.Rooms.Join {
		for _, raw := range joined.Timeline.Events {
			raw.RoomID = roomID
			event, ok := Normalize(raw)
			if !ok {
				continue
			}
			if err := b.handler.HandleEvent(ctx, event); err != nil {
				return fmt.Errorf("adapter: handling %s in %s: %w", raw.EventID, roomID, err)
			}
		}
	}
	return nil
}

// withJitter spreads retries so restarting replicas do not hammer the
// homeserver in lockstep.
func withJitter(d time.Duration) time.Duration {
	return d + rand.N(d/2+1)
}
