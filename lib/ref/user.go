// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// UserID is a fully-qualified Matrix user ID, e.g.
// "@cumments:matrix.example.org". Immutable value type; the zero
// value is invalid.
type UserID struct {
	localpart string
	server    string
}

// ParseUserID validates a Matrix user ID of the form
// "@localpart:server".
func ParseUserID(raw string) (UserID, error) {
	localpart, server, err := parseMatrixUserID(raw)
	if err != nil {
		return UserID{}, err
	}
	if err := validateServer(server); err != nil {
		return UserID{}, fmt.Errorf("user ID %q: %w", raw, err)
	}
	return UserID{localpart: localpart, server: server}, nil
}

// MustParseUserID is like ParseUserID but panics on error.
func MustParseUserID(raw string) UserID {
	u, err := ParseUserID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseUserID(%q): %v", raw, err))
	}
	return u
}

// NewUserID constructs a user ID from a localpart and server name.
func NewUserID(localpart string, server ServerName) (UserID, error) {
	if localpart == "" {
		return UserID{}, fmt.Errorf("%w: empty user localpart", ErrInvalidID)
	}
	if server.IsZero() {
		return UserID{}, fmt.Errorf("%w: zero server name", ErrInvalidID)
	}
	return UserID{localpart: localpart, server: server.String()}, nil
}

// String returns the full Matrix user ID ("@localpart:server").
func (u UserID) String() string {
	return "@" + u.localpart + ":" + u.server
}

// Localpart returns the part between '@' and ':'.
func (u UserID) Localpart() string { return u.localpart }

// ServerName returns the server portion of the user ID.
func (u UserID) ServerName() string { return u.server }

// IsZero reports whether the UserID is the zero value.
func (u UserID) IsZero() bool { return u.localpart == "" && u.server == "" }

// MarshalText implements encoding.TextMarshaler.
func (u UserID) MarshalText() ([]byte, error) {
	if u.IsZero() {
		return nil, nil
	}
	return []byte(u.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *UserID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*u = UserID{}
		return nil
	}
	parsed, err := ParseUserID(string(data))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
