// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"errors"
	"strings"
	"testing"
)

func TestParseSiteID(t *testing.T) {
	valid := []string{
		"blog",
		"blog.example",
		"my-site.example.org",
		"a",
		"0numeric",
		strings.Repeat("a", 64),
	}
	for _, raw := range valid {
		site, err := ParseSiteID(raw)
		if err != nil {
			t.Errorf("ParseSiteID(%q): unexpected error: %v", raw, err)
			continue
		}
		if site.String() != raw {
			t.Errorf("ParseSiteID(%q).String() = %q", raw, site.String())
		}
		if site.IsZero() {
			t.Errorf("ParseSiteID(%q): IsZero() = true", raw)
		}
	}

	invalid := []string{
		"",
		"a_b",
		"Blog.Example",
		"blog example",
		"blog/example",
		"блог",
		strings.Repeat("a", 65),
	}
	for _, raw := range invalid {
		if _, err := ParseSiteID(raw); !errors.Is(err, ErrInvalidSiteID) {
			t.Errorf("ParseSiteID(%q): want ErrInvalidSiteID, got %v", raw, err)
		}
	}
}

func TestSiteIDUnderscoreError(t *testing.T) {
	_, err := ParseSiteID("my_blog")
	if err == nil {
		t.Fatal("ParseSiteID(\"my_blog\"): expected error")
	}
	if !strings.Contains(err.Error(), "separator") {
		t.Errorf("underscore rejection should mention the separator, got: %v", err)
	}
}

func TestSiteIDTextRoundTrip(t *testing.T) {
	site := MustParseSiteID("blog.example")
	data, err := site.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	var decoded SiteID
	if err := decoded.UnmarshalText(data); err != nil {
		t.Fatalf("UnmarshalText(%q): %v", data, err)
	}
	if decoded != site {
		t.Errorf("round trip: got %q, want %q", decoded, site)
	}

	var bad SiteID
	if err := bad.UnmarshalText([]byte("Not Valid")); !errors.Is(err, ErrInvalidSiteID) {
		t.Errorf("UnmarshalText invalid: want ErrInvalidSiteID, got %v", err)
	}
}
