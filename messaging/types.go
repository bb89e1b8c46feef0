// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/json"

	"github.com/cumments-foundation/cumments/lib/ref"
)

// ServerVersionsResponse is the response from /_matrix/client/versions.
type ServerVersionsResponse struct {
	Versions         []string        `json:"versions"`
	UnstableFeatures map[string]bool `json:"unstable_features,omitempty"`
}

// WhoAmIResponse is the response from /account/whoami.
type WhoAmIResponse struct {
	UserID   ref.UserID `json:"user_id"`
	DeviceID string     `json:"device_id,omitempty"`
}

// ResolveAliasResponse is the response from /directory/room/{alias}.
type ResolveAliasResponse struct {
	RoomID  ref.RoomID `json:"room_id"`
	Servers []string   `json:"servers,omitempty"`
}

// StateEvent is an initial state event in a room creation request.
type StateEvent struct {
	Type     string `json:"type"`
	StateKey string `json:"state_key"`
	Content  any    `json:"content"`
}

// CreateRoomRequest is the request body for /createRoom.
type CreateRoomRequest struct {
	// Name is the human-readable room name.
	Name string `json:"name,omitempty"`
	// Topic is the room topic.
	Topic string `json:"topic,omitempty"`
	// Alias is the localpart of the room's canonical alias; the
	// server qualifies it with its own server name. Named
	// room_alias_name on the wire.
	Alias string `json:"room_alias_name,omitempty"`
	// Preset selects the access preset, e.g. "public_chat".
	Preset string `json:"preset,omitempty"`
	// InitialState seeds state events, e.g. history visibility.
	InitialState []StateEvent `json:"initial_state,omitempty"`
}

// CreateRoomResponse is the response from /createRoom.
type CreateRoomResponse struct {
	RoomID ref.RoomID `json:"room_id"`
}

// SendEventResponse is the response from event send and redact PUTs.
type SendEventResponse struct {
	EventID ref.EventID `json:"event_id"`
}

// ProfileResponse is the response from /profile/{userId}.
type ProfileResponse struct {
	DisplayName string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// SyncOptions controls a /sync request.
type SyncOptions struct {
	// Since is the batch token from the previous sync. Empty for an
	// initial sync.
	Since string
	// Timeout is the long-poll wait in milliseconds. Only sent when
	// SetTimeout is true, so a zero timeout (return immediately) is
	// expressible.
	Timeout    int
	SetTimeout bool
	// Filter is a filter ID or inline JSON filter.
	Filter string
	// FullState requests full room state regardless of Since.
	FullState bool
}

// SyncResponse is the response from /sync, reduced to the sections
// the projection pipeline consumes.
type SyncResponse struct {
	NextBatch string       `json:"next_batch"`
	Rooms     RoomsSection `json:"rooms"`
}

// RoomsSection groups per-room sync data by membership.
type RoomsSection struct {
	Join map[string]JoinedRoom `json:"join,omitempty"`
}

// JoinedRoom is the sync payload for a room the user is joined to.
type JoinedRoom struct {
	Timeline TimelineSection `json:"timeline"`
}

// TimelineSection is the ordered event batch for one room.
type TimelineSection struct {
	Events    []Event `json:"events,omitempty"`
	Limited   bool    `json:"limited,omitempty"`
	PrevBatch string  `json:"prev_batch,omitempty"`
}

// Event is a Matrix room event as delivered by /sync or an appservice
// transaction. Content stays raw; the adapter parses it per type.
type Event struct {
	EventID        string          `json:"event_id"`
	Type           string          `json:"type"`
	Sender         string          `json:"sender"`
	RoomID         string          `json:"room_id,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Content        json.RawMessage `json:"content"`
	// Redacts is set on m.room.redaction events.
	Redacts string `json:"redacts,omitempty"`
	// StateKey is set on state events.
	StateKey *string `json:"state_key,omitempty"`
}
