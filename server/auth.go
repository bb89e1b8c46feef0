// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"

	"github.com/cumments-foundation/cumments/lib/ref"
	"github.com/cumments-foundation/cumments/messaging"
)

// Authenticator resolves a submission bearer token to a Matrix user.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (ref.UserID, error)
}

// MatrixAuthenticator validates bearer tokens against the homeserver.
// Commenters who log in with their own Matrix account submit their
// access token; whoami confirms it and yields the MXID their author
// identity is derived from.
type MatrixAuthenticator struct {
	Client *messaging.Client
}

func (a *MatrixAuthenticator) Authenticate(ctx context.Context, token string) (ref.UserID, error) {
	return a.Client.Session(ref.UserID{}, token).WhoAmI(ctx)
}
