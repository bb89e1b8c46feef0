// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity derives stable, opaque author identifiers from
// Matrix user IDs and guest nicknames. All derivation is one-way
// hashing with a process-wide secret salt, so raw identities never
// reach the database or the public API.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cumments-foundation/cumments/lib/ref"
)

// Hash kinds. Kind participates in the hash input so a Matrix user
// and a guest with colliding material can never share an author ID.
const (
	kindMatrix = "matrix"
	kindGuest  = "guest"
)

// maxNicknameLength bounds display nicknames after trimming.
const maxNicknameLength = 64

// ghostPrefixLength is how many hex characters of the author ID go
// into a ghost user localpart. 16 chars is 64 bits, enough that
// accidental collisions within one deployment are not a concern.
const ghostPrefixLength = 16

// Hasher computes salted one-way hashes of author identities. The
// salt is loaded once at startup from configuration and never logged.
type Hasher struct {
	salt string
}

// NewHasher constructs a Hasher from the process-wide secret salt.
func NewHasher(salt string) (*Hasher, error) {
	if salt == "" {
		return nil, fmt.Errorf("identity: empty global salt")
	}
	return &Hasher{salt: salt}, nil
}

// hash computes hex(SHA-256(salt || ":" || kind || ":" || material)),
// lowercase.
func (h *Hasher) hash(kind, material string) string {
	sum := sha256.Sum256([]byte(h.salt + ":" + kind + ":" + material))
	return hex.EncodeToString(sum[:])
}

// AuthorForUser derives the author ID for an authenticated Matrix
// user from their full user ID.
func (h *Hasher) AuthorForUser(user ref.UserID) string {
	return h.hash(kindMatrix, user.String())
}

// AuthorForGuest derives the author ID for a guest from the
// normalized nickname and the server-assigned client fingerprint.
// The fingerprint keeps two guests who picked the same nickname
// distinct; it is never surfaced to clients.
func (h *Hasher) AuthorForGuest(nickname, fingerprint string) string {
	return h.hash(kindGuest, nickname+":"+fingerprint)
}

// GhostLocalpart returns the AppService ghost user localpart for an
// author ID: "cumments_" plus a fixed-length prefix of the ID.
func GhostLocalpart(authorID string) string {
	prefix := authorID
	if len(prefix) > ghostPrefixLength {
		prefix = prefix[:ghostPrefixLength]
	}
	return "cumments_" + prefix
}

// NormalizeNickname trims surrounding whitespace and enforces the
// nickname length cap. Returns an error for empty or over-long names
// rather than silently truncating, so the author sees the rejection.
func NormalizeNickname(raw string) (string, error) {
	nick := strings.TrimSpace(raw)
	if nick == "" {
		return "", fmt.Errorf("identity: empty nickname")
	}
	if len(nick) > maxNicknameLength {
		return "", fmt.Errorf("identity: nickname is %d bytes, maximum is %d", len(nick), maxNicknameLength)
	}
	return nick, nil
}
