// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "errors"

// Invalid-input sentinels. Handlers match these with errors.Is to map
// bad identifiers to 400 responses without string inspection.
var (
	ErrInvalidSiteID = errors.New("invalid site ID")
	ErrInvalidSlug   = errors.New("invalid post slug")
	ErrInvalidID     = errors.New("invalid Matrix identifier")
)
