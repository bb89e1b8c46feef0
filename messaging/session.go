// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/cumments-foundation/cumments/lib/ref"
)

// Session is an authenticated Matrix session. It wraps a Client with
// an access token. Sessions are lightweight; an appservice creates
// one per ghost user via Impersonate without extra handshakes.
//
// Session is safe for concurrent use.
type Session struct {
	client      *Client
	accessToken string
	userID      ref.UserID

	// impersonate, when set, is appended as the user_id query
	// parameter on every request. Appservice tokens may act as any
	// user inside their exclusive namespace this way.
	impersonate ref.UserID
}

// UserID returns the Matrix user ID this session acts as.
func (s *Session) UserID() ref.UserID {
	if !s.impersonate.IsZero() {
		return s.impersonate
	}
	return s.userID
}

// Impersonate returns a Session that performs every request as the
// given user via the appservice user_id query parameter. Only valid
// with an appservice access token; a regular token gets M_FORBIDDEN.
func (s *Session) Impersonate(userID ref.UserID) *Session {
	return &Session{
		client:      s.client,
		accessToken: s.accessToken,
		userID:      s.userID,
		impersonate: userID,
	}
}

// CloseIdleConnections closes idle HTTP connections in the shared
// transport pool.
func (s *Session) CloseIdleConnections() {
	s.client.CloseIdleConnections()
}

// query returns the base query values for this session, carrying the
// impersonated sender when set.
func (s *Session) query() url.Values {
	values := url.Values{}
	if !s.impersonate.IsZero() {
		values.Set("user_id", s.impersonate.String())
	}
	return values
}

// WhoAmI validates the access token and returns the acting user ID.
func (s *Session) WhoAmI(ctx context.Context) (ref.UserID, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", s.accessToken, nil, s.query())
	if err != nil {
		return ref.UserID{}, fmt.Errorf("messaging: whoami failed: %w", err)
	}

	var response WhoAmIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.UserID{}, fmt.Errorf("messaging: failed to parse whoami response: %w", err)
	}
	return response.UserID, nil
}

// ResolveAlias resolves a room alias to a room ID. An unknown alias
// returns a *MatrixError with code M_NOT_FOUND.
func (s *Session) ResolveAlias(ctx context.Context, alias ref.RoomAlias) (ref.RoomID, error) {
	path := "/_matrix/client/v3/directory/room/" + url.PathEscape(alias.String())
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil, s.query())
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: resolve alias %q failed: %w", alias, err)
	}

	var response ResolveAliasResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: failed to parse resolve alias response: %w", err)
	}
	return response.RoomID, nil
}

// CreateRoom creates a new Matrix room.
func (s *Session) CreateRoom(ctx context.Context, request CreateRoomRequest) (ref.RoomID, error) {
	body, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/createRoom", s.accessToken, request, s.query())
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: create room failed: %w", err)
	}

	var response CreateRoomResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: failed to parse createRoom response: %w", err)
	}

	s.client.logger.Info("created matrix room",
		"room_id", response.RoomID,
		"alias", request.Alias,
	)
	return response.RoomID, nil
}

// JoinRoom joins a room by ID or alias string. Returns the room ID.
func (s *Session) JoinRoom(ctx context.Context, roomIDOrAlias string) (ref.RoomID, error) {
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomIDOrAlias)
	body, err := s.client.doRequest(ctx, http.MethodPost, path, s.accessToken, struct{}{}, s.query())
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: join room %s failed: %w", roomIDOrAlias, err)
	}

	var response struct {
		RoomID ref.RoomID `json:"room_id"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: failed to parse join response: %w", err)
	}
	return response.RoomID, nil
}

// SendEvent sends an event to a room via Matrix's idempotent PUT. The
// caller supplies the transaction ID: reusing one replays the same
// event instead of duplicating it, which is the backbone of
// submit-side idempotency. Returns the event ID.
func (s *Session) SendEvent(ctx context.Context, roomID ref.RoomID, eventType, txnID string, content any) (ref.EventID, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventType),
		url.PathEscape(txnID),
	)

	body, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, content, s.query())
	if err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: send %s to %q failed: %w", eventType, roomID, err)
	}

	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: failed to parse send response: %w", err)
	}
	return response.EventID, nil
}

// RedactEvent redacts an event in a room. Same idempotent PUT shape
// as SendEvent.
func (s *Session) RedactEvent(ctx context.Context, roomID ref.RoomID, eventID ref.EventID, txnID, reason string) (ref.EventID, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/redact/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventID.String()),
		url.PathEscape(txnID),
	)

	var content struct {
		Reason string `json:"reason,omitempty"`
	}
	content.Reason = reason

	body, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, content, s.query())
	if err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: redact %s in %q failed: %w", eventID, roomID, err)
	}

	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: failed to parse redact response: %w", err)
	}
	return response.EventID, nil
}

// Sync performs an incremental sync with the homeserver. For initial
// sync, leave options.Since empty. For long-polling, set
// options.Timeout to the desired wait in milliseconds.
func (s *Session) Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error) {
	query := s.query()
	if options.Since != "" {
		query.Set("since", options.Since)
	}
	if options.SetTimeout {
		query.Set("timeout", strconv.Itoa(options.Timeout))
	}
	if options.Filter != "" {
		query.Set("filter", options.Filter)
	}
	if options.FullState {
		query.Set("full_state", "true")
	}

	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/sync", s.accessToken, nil, query)
	if err != nil {
		return nil, fmt.Errorf("messaging: sync failed: %w", err)
	}

	var response SyncResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse sync response: %w", err)
	}
	return &response, nil
}

// GetProfile fetches a user's display name and avatar URL. Users
// without a profile return empty fields, not an error; a missing user
// surfaces as M_NOT_FOUND.
func (s *Session) GetProfile(ctx context.Context, userID ref.UserID) (*ProfileResponse, error) {
	path := "/_matrix/client/v3/profile/" + url.PathEscape(userID.String())
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil, s.query())
	if err != nil {
		return nil, fmt.Errorf("messaging: get profile for %q failed: %w", userID, err)
	}

	var response ProfileResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse profile response: %w", err)
	}
	return &response, nil
}

// SetDisplayName sets the acting user's display name.
func (s *Session) SetDisplayName(ctx context.Context, displayName string) error {
	path := "/_matrix/client/v3/profile/" + url.PathEscape(s.UserID().String()) + "/displayname"
	request := map[string]string{"displayname": displayName}
	if _, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, request, s.query()); err != nil {
		return fmt.Errorf("messaging: set display name failed: %w", err)
	}
	return nil
}

// SetAvatarURL sets the acting user's avatar to an mxc:// URL.
func (s *Session) SetAvatarURL(ctx context.Context, avatarURL string) error {
	path := "/_matrix/client/v3/profile/" + url.PathEscape(s.UserID().String()) + "/avatar_url"
	request := map[string]string{"avatar_url": avatarURL}
	if _, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, request, s.query()); err != nil {
		return fmt.Errorf("messaging: set avatar url failed: %w", err)
	}
	return nil
}
