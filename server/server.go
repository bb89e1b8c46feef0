// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cumments-foundation/cumments/comments"
	"github.com/cumments-foundation/cumments/lib/clock"
	"github.com/cumments-foundation/cumments/pow"
	"github.com/cumments-foundation/cumments/store"
)

// maxRequestBody bounds submission bodies. Content itself is capped
// far lower; this only stops a hostile client from streaming gigabytes
// into the JSON decoder.
const maxRequestBody = 1 << 20

// Config holds the parameters for a Server.
type Config struct {
	// Service handles submissions, listings, and moderation. Required.
	Service *comments.Service

	// Gate mints proof-of-work challenges. Required.
	Gate *pow.Gate

	// Hub provides SSE subscriptions. Required.
	Hub *comments.Hub

	// Auth resolves bearer tokens on submissions to Matrix users.
	// Optional; without it every submission is a guest submission.
	Auth Authenticator

	// Clock paces SSE heartbeats. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger

	// Host is the listen address.
	Host string

	// Port is the listen port. Required.
	Port int

	// CORSOrigins lists allowed CORS origins. "*" allows any origin.
	CORSOrigins []string

	// AdminToken enables the moderation endpoint when non-empty.
	AdminToken string
}

// Server is the public HTTP API.
type Server struct {
	service     *comments.Service
	gate        *pow.Gate
	hub         *comments.Hub
	auth        Authenticator
	clock       clock.Clock
	logger      *slog.Logger
	listen      string
	corsOrigins []string
	adminToken  string
}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Service == nil:
		return nil, fmt.Errorf("server: Service is required")
	case cfg.Gate == nil:
		return nil, fmt.Errorf("server: Gate is required")
	case cfg.Hub == nil:
		return nil, fmt.Errorf("server: Hub is required")
	case cfg.Clock == nil:
		return nil, fmt.Errorf("server: Clock is required")
	case cfg.Logger == nil:
		return nil, fmt.Errorf("server: Logger is required")
	case cfg.Port <= 0 || cfg.Port > 65535:
		return nil, fmt.Errorf("server: Port %d out of range", cfg.Port)
	}
	return &Server{
		service:     cfg.Service,
		gate:        cfg.Gate,
		hub:         cfg.Hub,
		auth:        cfg.Auth,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		listen:      net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		corsOrigins: cfg.CORSOrigins,
		adminToken:  cfg.AdminToken,
	}, nil
}

// Run serves the public API until the context is canceled. Request
// contexts descend from ctx, so cancellation also ends long-lived SSE
// streams.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.listen,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("public api listening", "addr", s.listen)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server: listen on %s: %w", s.listen, err)
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/challenge", s.handleChallenge)
	mux.HandleFunc("POST /api/{siteID}/comments", s.handleSubmit)
	mux.HandleFunc("GET /api/{siteID}/comments/{slug}", s.handleList)
	mux.HandleFunc("GET /api/{siteID}/comments/{slug}/sse", s.handleStream)
	mux.HandleFunc("DELETE /api/{siteID}/comments/{slug}/{commentID}", s.handleDelete)
	return s.withCORS(mux)
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	challenge, err := s.gate.Mint()
	if err != nil {
		s.logger.Error("challenge mint failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "challenge unavailable")
		return
	}
	writeJSON(w, http.StatusOK, challenge)
}

type submitRequest struct {
	PostSlug          string `json:"post_slug"`
	Nickname          string `json:"nickname"`
	Content           string `json:"content"`
	ChallengeResponse string `json:"challenge_response"`
	ReplyTo           string `json:"reply_to"`
	TxnID             string `json:"txn_id"`
}

type submitResponse struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var request submitRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed request body")
		return
	}

	var userID string
	if token := bearerToken(r); token != "" && s.auth != nil {
		authed, err := s.auth.Authenticate(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "auth_failed", "token rejected")
			return
		}
		userID = authed.String()
	}

	receipt, err := s.service.Submit(r.Context(), comments.Submission{
		SiteID:            r.PathValue("siteID"),
		PostSlug:          request.PostSlug,
		Nickname:          request.Nickname,
		Content:           request.Content,
		ChallengeResponse: request.ChallengeResponse,
		ReplyTo:           request.ReplyTo,
		TxnID:             request.TxnID,
		UserID:            userID,
		Fingerprint:       clientFingerprint(r),
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{
		ID:        receipt.Comment.ID.String(),
		CreatedAt: receipt.Comment.CreatedAt,
	})
}

type listResponse struct {
	Items      []commentPayload `json:"items"`
	NextBefore string           `json:"next_before,omitempty"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "limit is not an integer")
			return
		}
		limit = n
	}

	page, err := s.service.List(r.Context(),
		r.PathValue("siteID"), r.PathValue("slug"),
		r.URL.Query().Get("before"), limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	response := listResponse{
		Items:      make([]commentPayload, 0, len(page.Comments)),
		NextBefore: page.NextBefore,
	}
	for _, comment := range page.Comments {
		response.Items = append(response.Items, commentToPayload(&comment))
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if s.adminToken == "" {
		writeError(w, http.StatusNotFound, "not_found", "moderation is not enabled")
		return
	}
	token := bearerToken(r)
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
		writeError(w, http.StatusUnauthorized, "auth_failed", "token rejected")
		return
	}

	err := s.service.Delete(r.Context(),
		r.PathValue("siteID"), r.PathValue("slug"), r.PathValue("commentID"),
		r.URL.Query().Get("reason"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// commentPayload is the public JSON shape of a comment. Fingerprints
// and transaction ids never leave the service.
type commentPayload struct {
	ID         string `json:"id"`
	AuthorID   string `json:"author_id"`
	AuthorName string `json:"author_name"`
	IsGuest    bool   `json:"is_guest"`
	AvatarURL  string `json:"avatar_url,omitempty"`
	Content    string `json:"content"`
	ReplyTo    string `json:"reply_to,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at,omitempty"`
	IsRedacted bool   `json:"is_redacted"`
}

func commentToPayload(comment *store.Comment) commentPayload {
	return commentPayload{
		ID:         comment.ID.String(),
		AuthorID:   comment.AuthorID,
		AuthorName: comment.AuthorName,
		IsGuest:    comment.IsGuest,
		AvatarURL:  comment.AvatarURL,
		Content:    comment.Content,
		ReplyTo:    comment.ReplyTo,
		CreatedAt:  comment.CreatedAt,
		UpdatedAt:  comment.UpdatedAt,
		IsRedacted: comment.IsRedacted,
	}
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeServiceError maps a domain error kind to a status code and a
// machine-readable body.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, comments.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, comments.ErrPowFailed):
		writeError(w, http.StatusForbidden, "pow_failed", err.Error())
	case errors.Is(err, comments.ErrAuthFailed):
		writeError(w, http.StatusUnauthorized, "auth_failed", err.Error())
	case errors.Is(err, comments.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, comments.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, comments.ErrUpstreamUnavailable):
		writeError(w, http.StatusServiceUnavailable, "upstream_unavailable", "comment backend unavailable")
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// bearerToken extracts the Authorization bearer token, empty when
// absent or malformed.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return token
}

// clientFingerprint derives the server-assigned guest fingerprint
// from the client address. It feeds guest identity hashing and never
// appears in any response.
func clientFingerprint(r *http.Request) string {
	addr := r.RemoteAddr
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		addr, _, _ = strings.Cut(forwarded, ",")
		addr = strings.TrimSpace(addr)
	} else if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	sum := sha256.Sum256([]byte(addr))
	return hex.EncodeToString(sum[:8])
}
