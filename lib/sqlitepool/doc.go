// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the SQLite connection pool backing the
// local comment view store.
//
// It wraps zombiezen.com/go/sqlite with the defaults the view store
// wants: WAL journal mode so list reads never block the projection
// writer, NORMAL synchronous (the store is rebuildable from Matrix
// history, so OS-crash durability is not required), and a busy
// timeout to absorb write contention.
//
// The package is intentionally thin: callers Take a connection, write
// SQL with sqlitex.Execute, manage transactions with
// sqlitex.ImmediateTransaction, and Put the connection back. There is
// no query builder and no abstraction over SQLite's connection model.
package sqlitepool
