// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers: fatal error
// reporting and the service's exit code contract.
package process

import (
	"fmt"
	"os"
)

// Exit codes. Operators and process supervisors key restart policy
// off these: config errors are not retryable, adapter failures are.
const (
	ExitOK        = 0
	ExitConfig    = 1
	ExitMigration = 2
	ExitAdapter   = 3
)

// Fatal writes "error: err" to stderr and exits with ExitConfig. Use
// in main() for errors from run() where the structured logger may not
// be initialized yet.
func Fatal(err error) {
	FatalCode(ExitConfig, err)
}

// FatalCode writes "error: err" to stderr and exits with the given
// code.
func FatalCode(code int, err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(code)
}
