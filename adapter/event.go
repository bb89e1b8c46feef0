// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/cumments-foundation/cumments/lib/ref"
	"github.com/cumments-foundation/cumments/messaging"
)

// metadataKey is the event content key carrying structured comment
// data. Clients that do not understand it render the plain-text body
// fallback instead.
const metadataKey = "com.cumments.v1"

// Metadata is the structured comment envelope embedded in outbound
// m.room.message events. Matrix is the source of truth, so everything
// the view needs to rebuild a comment rides inside the event.
type Metadata struct {
	AuthorName    string `json:"author_name"`
	IsGuest       bool   `json:"is_guest"`
	OriginContent string `json:"origin_content"`
	Fingerprint   string `json:"author_fingerprint,omitempty"`
	TxnID         string `json:"txn_id,omitempty"`
}

// Kind discriminates normalized events.
type Kind int

const (
	KindMessage Kind = iota
	KindEdit
	KindRedaction
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindEdit:
		return "edit"
	case KindRedaction:
		return "redaction"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is a normalized Matrix room event, reduced to the three
// shapes projection understands.
type Event struct {
	Kind           Kind
	ID             ref.EventID
	RoomID         ref.RoomID
	Sender         ref.UserID
	OriginServerTS int64

	// Message fields. Body is the comment text: the envelope's
	// origin_content when present, otherwise the plain body.
	Body     string
	ReplyTo  string
	Metadata *Metadata

	// Edit and redaction target.
	Target     ref.EventID
	NewContent string

	// Raw is the original event content.
	Raw json.RawMessage
}

// Handler consumes normalized events in stream order. Implementations
// own their retry policy; a returned error stops the adapter.
type Handler interface {
	HandleEvent(ctx context.Context, event Event) error
}

// SendRequest is an outbound comment. SiteID and PostSlug identify
// the thread so a send hitting a server-side abandoned room can
// rebind the mapping and retry.
type SendRequest struct {
	RoomID      ref.RoomID
	SiteID      ref.SiteID
	PostSlug    string
	AuthorID    string
	AuthorName  string
	IsGuest     bool
	Fingerprint string
	Content     string
	ReplyTo     string
	TxnID       string
}

// roomGone reports whether a send failed because the target room no
// longer exists or the sender was evicted from it.
func roomGone(err error) bool {
	return messaging.IsMatrixError(err, messaging.ErrCodeNotFound) ||
		messaging.IsMatrixError(err, messaging.ErrCodeForbidden)
}

// Adapter is the uniform homeserver contract. Run blocks driving the
// inbound stream until the context is canceled or a fatal error.
type Adapter interface {
	EnsureRoom(ctx context.Context, site ref.SiteID, slug string) (ref.RoomID, error)
	SendComment(ctx context.Context, send SendRequest) (ref.EventID, error)
	RedactComment(ctx context.Context, roomID ref.RoomID, target ref.EventID, reason string) (ref.EventID, error)
	Run(ctx context.Context) error
}

// redactionTxnID generates a fresh Matrix transaction id for
// moderation redactions, which have no client-supplied token.
func redactionTxnID() string {
	var raw [8]byte
	rand.Read(raw[:])
	return "cumments-redact-" + hex.EncodeToString(raw[:])
}

type relatesTo struct {
	RelType   string    `json:"rel_type,omitempty"`
	EventID   string    `json:"event_id,omitempty"`
	InReplyTo *replyRef `json:"m.in_reply_to,omitempty"`
}

type replyRef struct {
	EventID string `json:"event_id"`
}

type outboundContent struct {
	MsgType   string     `json:"msgtype"`
	Body      string     `json:"body"`
	Metadata  *Metadata  `json:"com.cumments.v1,omitempty"`
	RelatesTo *relatesTo `json:"m.relates_to,omitempty"`
}

// buildCommentContent assembles the outbound event content for a
// comment. The body is a human-readable fallback for ordinary Matrix
// clients in the room.
func buildCommentContent(send SendRequest) outboundContent {
	body := "**" + send.AuthorName + "**: " + send.Content
	if send.IsGuest {
		body = "**" + send.AuthorName + "** (Guest): " + send.Content
	}
	content := outboundContent{
		MsgType: "m.text",
		Body:    body,
		Metadata: &Metadata{
			AuthorName:    send.AuthorName,
			IsGuest:       send.IsGuest,
			OriginContent: send.Content,
			Fingerprint:   send.Fingerprint,
			TxnID:         send.TxnID,
		},
	}
	if send.ReplyTo != "" {
		content.RelatesTo = &relatesTo{InReplyTo: &replyRef{EventID: send.ReplyTo}}
	}
	return content
}

type inboundContent struct {
	MsgType    string `json:"msgtype"`
	Body       string `json:"body"`
	NewContent struct {
		Body string `json:"body"`
	} `json:"m.new_content"`
	RelatesTo struct {
		RelType   string `json:"rel_type"`
		EventID   string `json:"event_id"`
		InReplyTo struct {
			EventID string `json:"event_id"`
		} `json:"m.in_reply_to"`
	} `json:"m.relates_to"`
	Metadata *Metadata `json:"com.cumments.v1"`
}

// Normalize reduces a raw Matrix event to a normalized Event. Events
// outside the comment vocabulary (state events, non-text messages,
// malformed identifiers) are dropped with ok=false, never an error.
// raw.RoomID must be populated; bot sync fills it from the response
// map key.
func Normalize(raw messaging.Event) (Event, bool) {
	eventID, err := ref.ParseEventID(raw.EventID)
	if err != nil {
		return Event{}, false
	}
	roomID, err := ref.ParseRoomID(raw.RoomID)
	if err != nil {
		return Event{}, false
	}
	sender, err := ref.ParseUserID(raw.Sender)
	if err != nil {
		return Event{}, false
	}

	event := Event{
		ID:             eventID,
		RoomID:         roomID,
		Sender:         sender,
		OriginServerTS: raw.OriginServerTS,
		Raw:            raw.Content,
	}

	switch raw.Type {
	case "m.room.redaction":
		target, err := ref.ParseEventID(raw.Redacts)
		if err != nil {
			return Event{}, false
		}
		event.Kind = KindRedaction
		event.Target = target
		return event, true

	case "m.room.message":
		var content inboundContent
		if err := json.Unmarshal(raw.Content, &content); err != nil {
			return Event{}, false
		}
		if content.MsgType != "m.text" {
			return Event{}, false
		}

		if content.RelatesTo.RelType == "m.replace" {
			target, err := ref.ParseEventID(content.RelatesTo.EventID)
			if err != nil {
				return Event{}, false
			}
			event.Kind = KindEdit
			event.Target = target
			event.NewContent = content.NewContent.Body
			return event, true
		}

		event.Kind = KindMessage
		event.Body = content.Body
		event.Metadata = content.Metadata
		if content.Metadata != nil {
			event.Body = content.Metadata.OriginContent
		}
		event.ReplyTo = content.RelatesTo.InReplyTo.EventID
		return event, true

	default:
		return Event{}, false
	}
}
