// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// EventID is an opaque Matrix event ID, e.g. "$Rqnc-F-dvnEYJTyHq_iKxU2bZ1CI92-kuZq3a5lr5Zg".
// Modern room versions use a bare hash with no :server suffix, so only
// the sigil and non-emptiness are checked. Immutable value type; the
// zero value is invalid.
type EventID struct {
	id string
}

// ParseEventID validates a Matrix event ID of the form "$opaque".
func ParseEventID(raw string) (EventID, error) {
	if len(raw) < 2 || raw[0] != '$' {
		return EventID{}, fmt.Errorf("%w: event ID %q must start with $", ErrInvalidID, raw)
	}
	for i := 1; i < len(raw); i++ {
		if raw[i] <= ' ' {
			return EventID{}, fmt.Errorf("%w: event ID %q has invalid character at position %d", ErrInvalidID, raw, i)
		}
	}
	return EventID{id: raw}, nil
}

// MustParseEventID is like ParseEventID but panics on error.
func MustParseEventID(raw string) EventID {
	e, err := ParseEventID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseEventID(%q): %v", raw, err))
	}
	return e
}

// String returns the full event ID ("$opaque").
func (e EventID) String() string { return e.id }

// IsZero reports whether the EventID is the zero value.
func (e EventID) IsZero() bool { return e.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (e EventID) MarshalText() ([]byte, error) {
	return []byte(e.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *EventID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*e = EventID{}
		return nil
	}
	parsed, err := ParseEventID(string(data))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}
