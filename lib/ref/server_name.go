// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// ServerName identifies a Matrix homeserver, e.g. "matrix.example.org"
// or "localhost:8008". Immutable value type; the zero value is invalid.
type ServerName struct {
	name string
}

// ParseServerName validates and wraps a Matrix server name.
func ParseServerName(raw string) (ServerName, error) {
	if err := validateServer(raw); err != nil {
		return ServerName{}, err
	}
	return ServerName{name: raw}, nil
}

// MustParseServerName is like ParseServerName but panics on error.
func MustParseServerName(raw string) ServerName {
	s, err := ParseServerName(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseServerName(%q): %v", raw, err))
	}
	return s
}

// String returns the server name (e.g., "matrix.example.org").
func (s ServerName) String() string { return s.name }

// IsZero reports whether the ServerName is the zero value.
func (s ServerName) IsZero() bool { return s.name == "" }

// MarshalText implements encoding.TextMarshaler.
func (s ServerName) MarshalText() ([]byte, error) {
	return []byte(s.name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ServerName) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*s = ServerName{}
		return nil
	}
	parsed, err := ParseServerName(string(data))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
