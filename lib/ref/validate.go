// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// validateServer checks that a Matrix server name is minimally valid:
// non-empty, no whitespace or control characters, no Matrix sigils.
// Full DNS validation is the homeserver's problem; this catches
// configuration typos and injection through identifier suffixes.
func validateServer(server string) error {
	if server == "" {
		return fmt.Errorf("%w: empty server name", ErrInvalidID)
	}
	for i := 0; i < len(server); i++ {
		c := server[i]
		if c <= ' ' || c == '@' || c == '#' {
			return fmt.Errorf("%w: server name %q has invalid character at position %d", ErrInvalidID, server, i)
		}
	}
	return nil
}

// parsePrefixedID extracts localpart and server from a Matrix
// identifier with the given sigil prefix ('@' for user IDs, '#' for
// room aliases, '!' for room IDs).
func parsePrefixedID(identifier string, sigil byte, kind string) (localpart, server string, err error) {
	if len(identifier) < 2 || identifier[0] != sigil {
		return "", "", fmt.Errorf("%w: %s %q must start with %c", ErrInvalidID, kind, identifier, sigil)
	}
	colon := strings.Index(identifier[1:], ":")
	if colon < 0 {
		return "", "", fmt.Errorf("%w: %s %q is missing :server", ErrInvalidID, kind, identifier)
	}
	if colon == 0 {
		return "", "", fmt.Errorf("%w: %s %q has an empty localpart", ErrInvalidID, kind, identifier)
	}
	localpart = identifier[1 : 1+colon]
	server = identifier[2+colon:]
	if server == "" {
		return "", "", fmt.Errorf("%w: %s %q has an empty server", ErrInvalidID, kind, identifier)
	}
	return localpart, server, nil
}

func parseMatrixUserID(id string) (localpart, server string, err error) {
	return parsePrefixedID(id, '@', "Matrix user ID")
}

func parseMatrixRoomAlias(alias string) (localpart, server string, err error) {
	return parsePrefixedID(alias, '#', "room alias")
}
