// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging is a minimal Matrix Client-Server API client.
//
// It covers exactly what the comment adapter needs: alias resolution,
// room creation and joining, idempotent event sends, redactions,
// incremental /sync, profile reads and writes, and appservice user
// registration with sender impersonation. No E2EE, no media, no VoIP.
//
// Client holds the homeserver URL and HTTP transport. Session adds an
// access token and an optional impersonated sender (appservice
// puppeting via the user_id query parameter). Event content is typed
// by the caller; this package moves JSON.
package messaging
