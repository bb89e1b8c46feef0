// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the local comment view: a SQLite projection of
// Matrix room events, rebuildable from homeserver history at any
// time.
//
// The store is not the source of truth. Comments are Matrix events;
// this package applies them idempotently (ProjectMessage,
// ProjectEdit, ProjectRedaction) so that replaying any prefix or
// permutation of the event stream converges to the same rows. Reads
// (List, GetByTxn) serve the public API without touching the
// homeserver.
//
// Writes are serialized per room. Schema migrations are append-only
// and versioned through the meta table; a database written by a newer
// binary is refused rather than half-migrated.
package store
