// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/cumments-foundation/cumments/lib/netutil"
	"github.com/cumments-foundation/cumments/lib/ref"
)

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// HomeserverURL is the base URL of the Matrix homeserver
	// (e.g., "https://matrix.example.org").
	HomeserverURL string
	// HTTPClient is used for all requests. If nil, http.DefaultClient
	// is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Client is an unauthenticated Matrix client. It holds the homeserver
// URL and HTTP transport, shared across Sessions.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new unauthenticated Matrix client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.HomeserverURL == "" {
		return nil, fmt.Errorf("messaging: HomeserverURL is required")
	}

	// Validate the URL structure. We store the string form (trailing
	// slash stripped) and build request URLs by direct concatenation
	// to avoid double-encoding through url.URL.String().
	if _, err := url.Parse(config.HomeserverURL); err != nil {
		return nil, fmt.Errorf("messaging: invalid HomeserverURL %q: %w", config.HomeserverURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(config.HomeserverURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// CloseIdleConnections closes idle HTTP connections in the underlying
// transport's pool. Call after a sync transport error to force fresh
// TCP connections instead of reusing a poisoned pooled one.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// ServerVersions returns the Matrix protocol versions supported by
// the homeserver. Unauthenticated; used as a startup reachability
// check.
func (c *Client) ServerVersions(ctx context.Context) (*ServerVersionsResponse, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/_matrix/client/versions", "", nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: server versions failed: %w", err)
	}

	var response ServerVersionsResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse versions response: %w", err)
	}
	return &response, nil
}

// Session creates an authenticated Session from an access token. The
// token is not validated; the first API call fails if it is invalid.
// userID must be the fully-qualified Matrix user ID the token belongs
// to (or, for appservice tokens, the sender the service acts as).
func (c *Client) Session(userID ref.UserID, accessToken string) *Session {
	return &Session{
		client:      c,
		accessToken: accessToken,
		userID:      userID,
	}
}

// RegisterAppServiceUser registers a user within the appservice's
// exclusive namespace using m.login.application_service. asToken is
// the appservice token from the registration file. Returns the new
// user's ID. Registering an existing localpart returns a MatrixError
// with code M_USER_IN_USE; callers treat that as success.
func (c *Client) RegisterAppServiceUser(ctx context.Context, asToken, localpart string) (ref.UserID, error) {
	request := map[string]any{
		"type":     "m.login.application_service",
		"username": localpart,
	}
	query := url.Values{}
	// inhibit_login: the appservice acts with its own token, so no
	// device or access token is needed for the new user.
	query.Set("inhibit_login", "true")

	body, err := c.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/register", asToken, request, query)
	if err != nil {
		return ref.UserID{}, fmt.Errorf("messaging: appservice registration of %q failed: %w", localpart, err)
	}

	var response struct {
		UserID ref.UserID `json:"user_id"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.UserID{}, fmt.Errorf("messaging: failed to parse register response: %w", err)
	}

	c.logger.Info("registered appservice user", "user_id", response.UserID)
	return response.UserID, nil
}

// doRequest performs an HTTP request to the homeserver and returns
// the response body. On 2xx, returns the body. On 4xx/5xx, returns a
// *MatrixError. accessToken may be empty for unauthenticated
// endpoints; query may be omitted.
func (c *Client) doRequest(ctx context.Context, method, path string, accessToken string, requestBody any, query ...url.Values) ([]byte, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 && query[0] != nil {
		requestURL += "?" + query[0].Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("messaging: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to create request: %w", err)
	}

	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+accessToken)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("messaging: request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to read response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	// All Matrix error responses use the same JSON shape.
	var matrixErr MatrixError
	if jsonErr := json.Unmarshal(responseBody, &matrixErr); jsonErr != nil {
		// Non-JSON error from a non-compliant server or intermediary.
		return nil, fmt.Errorf("messaging: unexpected %d response from %s %s: %s",
			response.StatusCode, method, path, string(responseBody))
	}
	matrixErr.StatusCode = response.StatusCode

	return responseBody, &matrixErr
}
