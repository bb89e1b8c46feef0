// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

package comments

import "errors"

// Pipeline error kinds. The HTTP layer maps these to status codes;
// everything else is treated as internal.
var (
	// ErrInvalidInput covers malformed site IDs, slugs, nicknames,
	// content, and reply targets.
	ErrInvalidInput = errors.New("comments: invalid input")

	// ErrPowFailed wraps a proof-of-work rejection. The pow package's
	// sentinel rides along for the machine-readable reason.
	ErrPowFailed = errors.New("comments: proof of work failed")

	// ErrAuthFailed means the submission claimed an identity it could
	// not substantiate.
	ErrAuthFailed = errors.New("comments: authentication failed")

	// ErrNotFound means the referenced thread or comment is unknown.
	ErrNotFound = errors.New("comments: not found")

	// ErrConflict means the submission collided with existing state.
	ErrConflict = errors.New("comments: conflict")

	// ErrUpstreamUnavailable means the homeserver could not accept the
	// write. The client should retry with the same txn id.
	ErrUpstreamUnavailable = errors.New("comments: upstream unavailable")
)
