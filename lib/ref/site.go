// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// maxSiteIDLength bounds site identifiers. Sites are short host-like
// labels ("blog.example"); 64 bytes is generous and keeps derived
// room alias localparts well under the Matrix 255-byte alias limit.
const maxSiteIDLength = 64

// SiteID identifies a site (tenant) hosting comment threads, e.g.
// "blog.example". Characters are restricted to [a-z0-9.-]. Underscore
// is deliberately excluded: it is the separator between site and slug
// in derived room alias localparts ("cumments_<site>_<slug>"), so a
// site ID containing one would make aliases ambiguous.
//
// SiteID is an immutable value type. The zero value is not valid;
// use IsZero to check.
type SiteID struct {
	id string
}

// ParseSiteID validates and wraps a raw site identifier. Returns
// ErrInvalidSiteID (wrapped) if the string is empty, too long, or
// contains characters outside [a-z0-9.-].
func ParseSiteID(raw string) (SiteID, error) {
	if raw == "" {
		return SiteID{}, fmt.Errorf("%w: empty", ErrInvalidSiteID)
	}
	if len(raw) > maxSiteIDLength {
		return SiteID{}, fmt.Errorf("%w: %q is %d bytes, maximum is %d", ErrInvalidSiteID, raw, len(raw), maxSiteIDLength)
	}
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '.' || c == '-' {
			continue
		}
		if c == '_' {
			return SiteID{}, fmt.Errorf("%w: %q contains '_' (reserved as the alias separator; use '-' or '.')", ErrInvalidSiteID, raw)
		}
		return SiteID{}, fmt.Errorf("%w: %q contains invalid character %q at position %d", ErrInvalidSiteID, raw, c, i)
	}
	return SiteID{id: raw}, nil
}

// MustParseSiteID is like ParseSiteID but panics on error. Use in
// tests and static initialization where the input is known-valid.
func MustParseSiteID(raw string) SiteID {
	s, err := ParseSiteID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseSiteID(%q): %v", raw, err))
	}
	return s
}

// String returns the site identifier string (e.g., "blog.example").
func (s SiteID) String() string { return s.id }

// IsZero reports whether the SiteID is the zero value (uninitialized).
func (s SiteID) IsZero() bool { return s.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (s SiteID) MarshalText() ([]byte, error) {
	return []byte(s.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Validates the
// site ID format. An empty input produces the zero value.
func (s *SiteID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*s = SiteID{}
		return nil
	}
	parsed, err := ParseSiteID(string(data))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
