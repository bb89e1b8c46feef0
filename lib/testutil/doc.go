// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers: bounded channel
// operations that fail the test instead of hanging it, and unique
// identifier generation for transaction IDs and message bodies.
package testutil
