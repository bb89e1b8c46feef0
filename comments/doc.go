// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

// Package comments is the submission and fan-out pipeline. Submit
// validates a comment, charges the proof-of-work gate, and hands the
// event to the Matrix adapter; the Projector consumes the adapter's
// inbound stream, applies it to the local view, and broadcasts every
// effective change to SSE subscribers through the Hub.
//
// The pipeline never writes comment rows directly. Matrix is the
// source of truth; the view only ever changes through projection, so
// a rebuild from room history converges to the same state.
package comments
