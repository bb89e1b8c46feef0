// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// RoomID is an opaque Matrix room ID, e.g. "!abc123:matrix.example.org".
// Unlike aliases, room IDs are server-assigned and carry no structure
// beyond the sigil; they are validated for shape only. Immutable value
// type; the zero value is invalid.
type RoomID struct {
	id string
}

// ParseRoomID validates a Matrix room ID of the form "!opaque:server".
func ParseRoomID(raw string) (RoomID, error) {
	_, server, err := parsePrefixedID(raw, '!', "room ID")
	if err != nil {
		return RoomID{}, err
	}
	if err := validateServer(server); err != nil {
		return RoomID{}, fmt.Errorf("room ID %q: %w", raw, err)
	}
	return RoomID{id: raw}, nil
}

// MustParseRoomID is like ParseRoomID but panics on error.
func MustParseRoomID(raw string) RoomID {
	r, err := ParseRoomID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseRoomID(%q): %v", raw, err))
	}
	return r
}

// String returns the full room ID ("!opaque:server").
func (r RoomID) String() string { return r.id }

// IsZero reports whether the RoomID is the zero value.
func (r RoomID) IsZero() bool { return r.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (r RoomID) MarshalText() ([]byte, error) {
	return []byte(r.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RoomID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*r = RoomID{}
		return nil
	}
	parsed, err := ParseRoomID(string(data))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
