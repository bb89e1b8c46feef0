// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

// Package adapter connects the comment pipeline to a Matrix
// homeserver. It owns room lifecycle (lazy creation keyed on thread
// alias), outbound comment sends, and the inbound event stream that
// feeds projection.
//
// Two implementations share the event normalization and room logic:
// Bot drives a /sync long-poll loop as a single user account, and
// AppService receives pushed transactions for an exclusive namespace
// and may puppet ghost users. Callers program against the Adapter
// interface and never see the mode.
package adapter
