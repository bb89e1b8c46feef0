// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// Post slugs are arbitrary non-empty strings chosen by the site
// ("hello-world", "posts/2026/go", "日本語"). Room alias localparts
// are not: the Matrix alias grammar is much narrower, and '_' is our
// own structural separator. EscapeSlug maps any slug onto the safe
// alphabet reversibly so that a thread alias can always be derived
// and the original slug recovered from it.
//
// Scheme: bytes in [a-z0-9.-] pass through; every other byte encodes
// as "=xx" with lowercase hex. '=' is the escape sigil and therefore
// always encoded. Uppercase ASCII is escaped rather than folded so
// that distinct slugs never collide.

// EscapeSlug encodes a post slug into the room-alias-safe alphabet
// [a-z0-9.-=]. The encoding is injective; UnescapeSlug inverts it.
func EscapeSlug(slug string) string {
	var b strings.Builder
	b.Grow(len(slug))
	for i := 0; i < len(slug); i++ {
		c := slug[i]
		if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '.' || c == '-' {
			b.WriteByte(c)
			continue
		}
		b.WriteString(fmt.Sprintf("=%02x", c))
	}
	return b.String()
}

// UnescapeSlug decodes a slug previously encoded with EscapeSlug.
// Returns ErrInvalidSlug (wrapped) on truncated or malformed escapes.
func UnescapeSlug(escaped string) (string, error) {
	var b strings.Builder
	b.Grow(len(escaped))
	for i := 0; i < len(escaped); i++ {
		c := escaped[i]
		if c != '=' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(escaped) {
			return "", fmt.Errorf("%w: truncated escape at position %d in %q", ErrInvalidSlug, i, escaped)
		}
		high, ok1 := hexValue(escaped[i+1])
		low, ok2 := hexValue(escaped[i+2])
		if !ok1 || !ok2 {
			return "", fmt.Errorf("%w: malformed escape %q at position %d in %q", ErrInvalidSlug, escaped[i:i+3], i, escaped)
		}
		b.WriteByte(high<<4 | low)
		i += 2
	}
	return b.String(), nil
}

// ValidateSlug checks that a raw post slug is acceptable: non-empty
// and at most 200 bytes. Escaping can triple the byte count, so the
// bound keeps derived alias localparts inside typical homeserver
// limits even for all-escaped slugs.
func ValidateSlug(slug string) error {
	if slug == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSlug)
	}
	if len(slug) > 200 {
		return fmt.Errorf("%w: %d bytes, maximum is 200", ErrInvalidSlug, len(slug))
	}
	return nil
}

func hexValue(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}
