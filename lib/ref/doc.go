// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated, immutable identifier types for the
// Cumments comment system: site and post addressing (SiteID, slug
// escaping, thread aliases) and Matrix identifiers (UserID, RoomID,
// RoomAlias, EventID, ServerName).
//
// All types follow the same contract: construct through Parse* (or a
// derivation helper), never by casting; the zero value is invalid and
// detectable with IsZero; String returns the wire form; MarshalText /
// UnmarshalText give JSON round-trips with validation at the
// deserialization boundary.
//
// Identifiers arriving from outside (HTTP requests, Matrix API
// responses, database rows written by older versions) are parsed at
// the boundary. Code past the boundary passes typed values and never
// re-validates.
package ref
