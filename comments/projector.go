// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

package comments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cumments-foundation/cumments/adapter"
	"github.com/cumments-foundation/cumments/lib/clock"
	"github.com/cumments-foundation/cumments/lib/identity"
	"github.com/cumments-foundation/cumments/lib/ref"
	"github.com/cumments-foundation/cumments/messaging"
	"github.com/cumments-foundation/cumments/store"
)

// projectionRetryDelays spaces the bounded retry of a failed
// projection. Three attempts over roughly five seconds, then the
// event is skipped so one poisoned event cannot starve the stream.
var projectionRetryDelays = [...]time.Duration{time.Second, 4 * time.Second}

// View is the slice of the store the projector touches.
type View interface {
	RoomByID(ctx context.Context, roomID ref.RoomID) (store.Room, error)
	ProjectMessage(ctx context.Context, msg store.Message) (store.Change, *store.Comment, error)
	ProjectEdit(ctx context.Context, edit store.Edit) (store.Change, *store.Comment, error)
	ProjectRedaction(ctx context.Context, redaction store.Redaction) (store.Change, *store.Comment, error)
	GetProfile(ctx context.Context, userID ref.UserID) (store.Profile, error)
	UpsertProfile(ctx context.Context, userID ref.UserID, displayName, avatarURL string) error
	IncrementSkippedEvents(ctx context.Context) (int64, error)
}

// ProfileSource fetches homeserver profiles for native commenters.
type ProfileSource interface {
	GetProfile(ctx context.Context, userID ref.UserID) (*messaging.ProfileResponse, error)
}

// ProjectorConfig holds the parameters for a Projector.
type ProjectorConfig struct {
	// View is the local comment view. Required.
	View View

	// Hub receives every effective change. Required.
	Hub *Hub

	// Hasher derives author identities for native commenters.
	// Required.
	Hasher *identity.Hasher

	// Profiles hydrates display names for native commenters.
	// Optional; without it native authors fall back to their
	// localpart.
	Profiles ProfileSource

	// Clock paces projection retries. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// Projector applies the adapter's normalized event stream to the view
// and fans effective changes out to subscribers. It implements
// adapter.Handler.
type Projector struct {
	view     View
	hub      *Hub
	hasher   *identity.Hasher
	profiles ProfileSource
	clock    clock.Clock
	logger   *slog.Logger
}

// NewProjector creates a Projector.
func NewProjector(cfg ProjectorConfig) (*Projector, error) {
	switch {
	case cfg.View == nil:
		return nil, fmt.Errorf("comments: View is required")
	case cfg.Hub == nil:
		return nil, fmt.Errorf("comments: Hub is required")
	case cfg.Hasher == nil:
		return nil, fmt.Errorf("comments: Hasher is required")
	case cfg.Clock == nil:
		return nil, fmt.Errorf("comments: Clock is required")
	case cfg.Logger == nil:
		return nil, fmt.Errorf("comments: Logger is required")
	}
	return &Projector{
		view:     cfg.View,
		hub:      cfg.Hub,
		hasher:   cfg.Hasher,
		profiles: cfg.Profiles,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}, nil
}

// HandleEvent projects one event with a bounded retry, then publishes
// the change. Persistent failures skip the event and bump the skipped
// counter; the stream itself never stops.
func (p *Projector) HandleEvent(ctx context.Context, event adapter.Event) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		result, err := p.apply(ctx, event)
		if err == nil {
			if result != nil {
				p.publish(result)
			}
			return nil
		}
		lastErr = err
		if attempt >= len(projectionRetryDelays) {
			break
		}
		p.logger.Warn("projection attempt failed, retrying",
			"event_id", event.ID.String(), "attempt", attempt+1, "error", err)
		p.clock.Sleep(projectionRetryDelays[attempt])
	}

	p.logger.Error("projection failed, skipping event",
		"event_id", event.ID.String(), "kind", event.Kind.String(), "error", lastErr)
	if _, err := p.view.IncrementSkippedEvents(ctx); err != nil {
		p.logger.Error("recording skipped event failed", "error", err)
	}
	return nil
}

// projected is one effective change with its fan-out routing.
type projected struct {
	change  store.Change
	comment *store.Comment
	room    store.Room
}

// apply projects a single event. A nil result with nil error means
// the event was dropped or had no effect.
func (p *Projector) apply(ctx context.Context, event adapter.Event) (*projected, error) {
	room, err := p.view.RoomByID(ctx, event.RoomID)
	if errors.Is(err, store.ErrNotFound) {
		// Not a comment thread room; the bot may be in others.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var change store.Change
	var comment *store.Comment
	switch event.Kind {
	case adapter.KindMessage:
		msg, ok, err := p.buildMessage(ctx, event)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		change, comment, err = p.view.ProjectMessage(ctx, msg)
		if err != nil {
			return nil, err
		}

	case adapter.KindEdit:
		content, err := NormalizeContent(event.NewContent)
		if err != nil {
			return nil, nil
		}
		change, comment, err = p.view.ProjectEdit(ctx, store.Edit{
			TargetID:   event.Target,
			RoomID:     event.RoomID,
			NewContent: content,
			Timestamp:  event.OriginServerTS,
		})
		if err != nil {
			return nil, err
		}

	case adapter.KindRedaction:
		change, comment, err = p.view.ProjectRedaction(ctx, store.Redaction{
			TargetID:  event.Target,
			RoomID:    event.RoomID,
			Timestamp: event.OriginServerTS,
		})
		if err != nil {
			return nil, err
		}

	default:
		return nil, nil
	}

	if change == store.ChangeIgnored || comment == nil {
		return nil, nil
	}
	return &projected{change: change, comment: comment, room: room}, nil
}

// buildMessage maps a normalized message onto a store insert.
// Envelope events carry their author data; native Matrix messages are
// attributed to the hashed sender with cached profile hydration.
func (p *Projector) buildMessage(ctx context.Context, event adapter.Event) (store.Message, bool, error) {
	content, err := NormalizeContent(event.Body)
	if err != nil {
		// Whitespace-only or oversize native messages are not
		// comments.
		return store.Message{}, false, nil
	}

	msg := store.Message{
		ID:        event.ID,
		RoomID:    event.RoomID,
		Content:   content,
		ReplyTo:   event.ReplyTo,
		CreatedAt: event.OriginServerTS,
		RawEvent:  event.Raw,
	}

	if meta := event.Metadata; meta != nil {
		msg.AuthorName = meta.AuthorName
		msg.IsGuest = meta.IsGuest
		msg.Fingerprint = meta.Fingerprint
		msg.TxnID = meta.TxnID
		if meta.IsGuest {
			msg.AuthorID = p.hasher.AuthorForGuest(meta.AuthorName, meta.Fingerprint)
		} else {
			msg.AuthorID = p.hasher.AuthorForUser(event.Sender)
		}
		return msg, true, nil
	}

	msg.AuthorID = p.hasher.AuthorForUser(event.Sender)
	msg.AuthorName = event.Sender.Localpart()
	if profile, ok := p.lookupProfile(ctx, event.Sender); ok {
		if profile.DisplayName != "" {
			msg.AuthorName = profile.DisplayName
		}
		msg.AvatarURL = profile.AvatarURL
	}
	return msg, true, nil
}

// profileRefreshAge is how long a cached profile serves before the
// next native comment from that user triggers a homeserver refresh.
const profileRefreshAge = 24 * time.Hour

// lookupProfile consults the profile cache, falling back to the
// homeserver for unseen or stale users. Profile failures never block
// projection.
func (p *Projector) lookupProfile(ctx context.Context, userID ref.UserID) (store.Profile, bool) {
	profile, err := p.view.GetProfile(ctx, userID)
	if err == nil {
		age := p.clock.Now().UnixMilli() - profile.UpdatedAt
		if age < profileRefreshAge.Milliseconds() || p.profiles == nil {
			return profile, true
		}
		if fresh, ok := p.fetchProfile(ctx, userID); ok {
			return fresh, true
		}
		// A stale cache entry still beats the bare localpart.
		return profile, true
	}
	if !errors.Is(err, store.ErrNotFound) || p.profiles == nil {
		return store.Profile{}, false
	}
	return p.fetchProfile(ctx, userID)
}

func (p *Projector) fetchProfile(ctx context.Context, userID ref.UserID) (store.Profile, bool) {
	fetched, err := p.profiles.GetProfile(ctx, userID)
	if err != nil {
		p.logger.Warn("profile fetch failed", "user_id", userID.String(), "error", err)
		return store.Profile{}, false
	}
	if err := p.view.UpsertProfile(ctx, userID, fetched.DisplayName, fetched.AvatarURL); err != nil {
		p.logger.Warn("profile cache write failed", "user_id", userID.String(), "error", err)
	}
	return store.Profile{
		UserID:      userID,
		DisplayName: fetched.DisplayName,
		AvatarURL:   fetched.AvatarURL,
	}, true
}

func (p *Projector) publish(result *projected) {
	eventType := ""
	switch result.change {
	case store.ChangeInserted:
		eventType = EventNewComment
	case store.ChangeUpdated:
		eventType = EventUpdateComment
	case store.ChangeRedacted:
		eventType = EventDeleteComment
	default:
		return
	}
	p.hub.Publish(result.room.SiteID, result.room.PostSlug, Notification{
		Type:    eventType,
		Comment: result.comment,
	})
}
