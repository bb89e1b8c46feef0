// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the public HTTP surface: challenge minting,
// comment submission, thread listing, the SSE change stream, and
// bearer-token moderation.
//
// The server is a thin JSON layer over comments.Service. Domain
// errors carry their own kind; handlers translate kinds to status
// codes and a machine-readable error body, never inventing semantics
// of their own.
package server
