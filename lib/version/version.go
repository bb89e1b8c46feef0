// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the build stamp of the cumments binary.
//
// The values are injected with -ldflags, for example:
//
//	go build -ldflags "-X github.com/cumments-foundation/cumments/lib/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import "fmt"

// Set at build time via -ldflags. Defaults describe a local build
// without a stamp.
var (
	// Version is the semantic release version.
	Version = "0.1.0-dev"

	// GitCommit is the short commit SHA of the build.
	GitCommit = "unknown"

	// GitDirty is "true" when the tree had uncommitted changes.
	GitDirty = "false"

	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"
)

// Info renders the stamp for --version output and startup logs.
func Info() string {
	dirty := ""
	if GitDirty == "true" {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, GitCommit, dirty, BuildTime)
}
