// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// aliasPrefix namespaces every thread alias this service manages.
// The full localpart shape is "cumments_<site>_<escaped-slug>".
// Neither site IDs nor escaped slugs may contain '_', so the two
// separators are unambiguous and the mapping is reversible.
const aliasPrefix = "cumments_"

// RoomAlias is a fully-qualified Matrix room alias, e.g.
// "#cumments_blog.example_hello-world:matrix.example.org".
// Immutable value type; the zero value is invalid.
type RoomAlias struct {
	localpart string
	server    string
}

// ThreadAlias derives the canonical room alias for a comment thread
// from a site, a raw post slug, and the homeserver name. The slug is
// escaped into the alias-safe alphabet; ParseThreadAlias inverts the
// derivation exactly.
func ThreadAlias(site SiteID, slug string, server ServerName) (RoomAlias, error) {
	if site.IsZero() {
		return RoomAlias{}, fmt.Errorf("%w: zero site ID", ErrInvalidSiteID)
	}
	if err := ValidateSlug(slug); err != nil {
		return RoomAlias{}, err
	}
	if server.IsZero() {
		return RoomAlias{}, fmt.Errorf("%w: zero server name", ErrInvalidID)
	}
	localpart := aliasPrefix + site.String() + "_" + EscapeSlug(slug)
	return RoomAlias{localpart: localpart, server: server.String()}, nil
}

// ParseRoomAlias validates a Matrix room alias of the form
// "#localpart:server". It accepts any alias, not only thread aliases;
// use ParseThreadAlias to recover the site and slug.
func ParseRoomAlias(raw string) (RoomAlias, error) {
	localpart, server, err := parseMatrixRoomAlias(raw)
	if err != nil {
		return RoomAlias{}, err
	}
	if err := validateServer(server); err != nil {
		return RoomAlias{}, fmt.Errorf("room alias %q: %w", raw, err)
	}
	return RoomAlias{localpart: localpart, server: server}, nil
}

// MustParseRoomAlias is like ParseRoomAlias but panics on error.
func MustParseRoomAlias(raw string) RoomAlias {
	a, err := ParseRoomAlias(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseRoomAlias(%q): %v", raw, err))
	}
	return a
}

// ParseThreadAlias parses a room alias previously produced by
// ThreadAlias, recovering the site ID and the original (unescaped)
// post slug. Aliases outside the "cumments_" namespace are rejected.
func ParseThreadAlias(raw string) (site SiteID, slug string, err error) {
	alias, err := ParseRoomAlias(raw)
	if err != nil {
		return SiteID{}, "", err
	}
	rest, ok := strings.CutPrefix(alias.localpart, aliasPrefix)
	if !ok {
		return SiteID{}, "", fmt.Errorf("%w: alias %q is not in the %q namespace", ErrInvalidID, raw, aliasPrefix)
	}
	siteRaw, escaped, ok := strings.Cut(rest, "_")
	if !ok {
		return SiteID{}, "", fmt.Errorf("%w: alias %q is missing the site/slug separator", ErrInvalidID, raw)
	}
	site, err = ParseSiteID(siteRaw)
	if err != nil {
		return SiteID{}, "", fmt.Errorf("alias %q: %w", raw, err)
	}
	slug, err = UnescapeSlug(escaped)
	if err != nil {
		return SiteID{}, "", fmt.Errorf("alias %q: %w", raw, err)
	}
	if err := ValidateSlug(slug); err != nil {
		return SiteID{}, "", fmt.Errorf("alias %q: %w", raw, err)
	}
	return site, slug, nil
}

// String returns the full room alias ("#localpart:server").
func (a RoomAlias) String() string {
	return "#" + a.localpart + ":" + a.server
}

// Localpart returns the part between '#' and ':'.
func (a RoomAlias) Localpart() string { return a.localpart }

// ServerName returns the server portion of the alias.
func (a RoomAlias) ServerName() string { return a.server }

// IsZero reports whether the RoomAlias is the zero value.
func (a RoomAlias) IsZero() bool { return a.localpart == "" && a.server == "" }

// MarshalText implements encoding.TextMarshaler.
func (a RoomAlias) MarshalText() ([]byte, error) {
	if a.IsZero() {
		return nil, nil
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *RoomAlias) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*a = RoomAlias{}
		return nil
	}
	parsed, err := ParseRoomAlias(string(data))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
