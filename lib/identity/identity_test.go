// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"strings"
	"testing"

	"github.com/cumments-foundation/cumments/lib/ref"
)

func TestHasherDeterministic(t *testing.T) {
	h, err := NewHasher("test-salt")
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	user := ref.MustParseUserID("@alice:matrix.example.org")
	a := h.AuthorForUser(user)
	b := h.AuthorForUser(user)
	if a != b {
		t.Errorf("same input produced different IDs: %q vs %q", a, b)
	}
	if len(a) != 64 {
		t.Errorf("author ID length = %d, want 64 hex chars", len(a))
	}
	if a != strings.ToLower(a) {
		t.Errorf("author ID is not lowercase: %q", a)
	}
}

func TestHasherDomainSeparation(t *testing.T) {
	h, err := NewHasher("test-salt")
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	// A guest whose material spells out a full MXID must not collide
	// with the authenticated user of that MXID.
	user := ref.MustParseUserID("@alice:matrix.example.org")
	guest := h.AuthorForGuest("@alice:matrix.example.org", "")
	if h.AuthorForUser(user) == guest {
		t.Error("matrix and guest hashes collide")
	}

	// Different fingerprints keep same-nickname guests apart.
	if h.AuthorForGuest("Alice", "fp1") == h.AuthorForGuest("Alice", "fp2") {
		t.Error("guests with different fingerprints collide")
	}
}

func TestHasherSaltDependence(t *testing.T) {
	h1, _ := NewHasher("salt-one")
	h2, _ := NewHasher("salt-two")
	user := ref.MustParseUserID("@alice:matrix.example.org")
	if h1.AuthorForUser(user) == h2.AuthorForUser(user) {
		t.Error("different salts produced the same author ID")
	}
	if _, err := NewHasher(""); err == nil {
		t.Error("NewHasher(\"\"): expected error")
	}
}

func TestGhostLocalpart(t *testing.T) {
	got := GhostLocalpart("a1b2c3d4e5f60718deadbeef")
	if got != "cumments_a1b2c3d4e5f60718" {
		t.Errorf("GhostLocalpart = %q", got)
	}
	if GhostLocalpart("short") != "cumments_short" {
		t.Errorf("short ID not passed through: %q", GhostLocalpart("short"))
	}
}

func TestNormalizeNickname(t *testing.T) {
	got, err := NormalizeNickname("  Alice  ")
	if err != nil {
		t.Fatalf("NormalizeNickname: %v", err)
	}
	if got != "Alice" {
		t.Errorf("got %q, want %q", got, "Alice")
	}
	if _, err := NormalizeNickname("   "); err == nil {
		t.Error("whitespace-only nickname: expected error")
	}
	if _, err := NormalizeNickname(strings.Repeat("x", 65)); err == nil {
		t.Error("65-byte nickname: expected error")
	}
	if _, err := NormalizeNickname(strings.Repeat("x", 64)); err != nil {
		t.Errorf("64-byte nickname rejected: %v", err)
	}
}
