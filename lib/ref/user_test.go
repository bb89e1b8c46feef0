// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"errors"
	"testing"
)

func TestParseUserID(t *testing.T) {
	u, err := ParseUserID("@cumments:matrix.example.org")
	if err != nil {
		t.Fatalf("ParseUserID: %v", err)
	}
	if u.Localpart() != "cumments" {
		t.Errorf("Localpart() = %q", u.Localpart())
	}
	if u.ServerName() != "matrix.example.org" {
		t.Errorf("ServerName() = %q", u.ServerName())
	}
	if u.String() != "@cumments:matrix.example.org" {
		t.Errorf("String() = %q", u.String())
	}

	for _, raw := range []string{"", "@", "@nolocal", "@:server", "cumments:server", "#room:server"} {
		if _, err := ParseUserID(raw); !errors.Is(err, ErrInvalidID) {
			t.Errorf("ParseUserID(%q): want ErrInvalidID, got %v", raw, err)
		}
	}
}

func TestNewUserID(t *testing.T) {
	server := MustParseServerName("matrix.example.org")
	u, err := NewUserID("cumments_a1b2c3", server)
	if err != nil {
		t.Fatalf("NewUserID: %v", err)
	}
	if u.String() != "@cumments_a1b2c3:matrix.example.org" {
		t.Errorf("String() = %q", u.String())
	}
	if _, err := NewUserID("", server); err == nil {
		t.Error("NewUserID with empty localpart: expected error")
	}
}

func TestParseRoomID(t *testing.T) {
	r, err := ParseRoomID("!abc123:matrix.example.org")
	if err != nil {
		t.Fatalf("ParseRoomID: %v", err)
	}
	if r.String() != "!abc123:matrix.example.org" {
		t.Errorf("String() = %q", r.String())
	}
	for _, raw := range []string{"", "!", "!noserver", "abc:server"} {
		if _, err := ParseRoomID(raw); !errors.Is(err, ErrInvalidID) {
			t.Errorf("ParseRoomID(%q): want ErrInvalidID, got %v", raw, err)
		}
	}
}

func TestParseEventID(t *testing.T) {
	e, err := ParseEventID("$Rqnc-F-dvnEYJTyHq_iKxU2bZ1CI92-kuZq3a5lr5Zg")
	if err != nil {
		t.Fatalf("ParseEventID: %v", err)
	}
	if e.IsZero() {
		t.Error("IsZero() = true for parsed event ID")
	}
	for _, raw := range []string{"", "$", "noprefix", "$has space"} {
		if _, err := ParseEventID(raw); !errors.Is(err, ErrInvalidID) {
			t.Errorf("ParseEventID(%q): want ErrInvalidID, got %v", raw, err)
		}
	}
}
