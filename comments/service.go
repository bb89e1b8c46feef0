// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

package comments

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cumments-foundation/cumments/adapter"
	"github.com/cumments-foundation/cumments/lib/clock"
	"github.com/cumments-foundation/cumments/lib/identity"
	"github.com/cumments-foundation/cumments/lib/ref"
	"github.com/cumments-foundation/cumments/pow"
	"github.com/cumments-foundation/cumments/store"
)

// maxContentBytes caps normalized comment text.
const maxContentBytes = 4096

// Config holds the parameters for a Service.
type Config struct {
	// Adapter is the homeserver connection. Required.
	Adapter adapter.Adapter

	// Store is the local comment view. Required.
	Store *store.Store

	// Gate admits submissions. Required.
	Gate *pow.Gate

	// Hasher derives author identities. Required.
	Hasher *identity.Hasher

	// Clock timestamps provisional payloads. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// Service is the submission pipeline.
type Service struct {
	adapter adapter.Adapter
	store   *store.Store
	gate    *pow.Gate
	hasher  *identity.Hasher
	clock   clock.Clock
	logger  *slog.Logger
}

// NewService creates a Service.
func NewService(cfg Config) (*Service, error) {
	switch {
	case cfg.Adapter == nil:
		return nil, fmt.Errorf("comments: Adapter is required")
	case cfg.Store == nil:
		return nil, fmt.Errorf("comments: Store is required")
	case cfg.Gate == nil:
		return nil, fmt.Errorf("comments: Gate is required")
	case cfg.Hasher == nil:
		return nil, fmt.Errorf("comments: Hasher is required")
	case cfg.Clock == nil:
		return nil, fmt.Errorf("comments: Clock is required")
	case cfg.Logger == nil:
		return nil, fmt.Errorf("comments: Logger is required")
	}
	return &Service{
		adapter: cfg.Adapter,
		store:   cfg.Store,
		gate:    cfg.Gate,
		hasher:  cfg.Hasher,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
	}, nil
}

// Submission is one inbound comment request.
type Submission struct {
	SiteID            string
	PostSlug          string
	Nickname          string
	Content           string
	ChallengeResponse string
	ReplyTo           string
	TxnID             string

	// UserID is an authenticated Matrix ID, empty for guests.
	UserID string

	// Fingerprint is the server-assigned guest fingerprint. Never
	// surfaced to clients.
	Fingerprint string
}

// Receipt is the accepted-submission response. The comment payload is
// provisional: the authoritative row appears once the event flows
// back through sync and projection.
type Receipt struct {
	Comment  store.Comment
	Replayed bool
}

// Submit validates a submission, charges the proof-of-work gate, and
// posts the comment to Matrix. A duplicate txn id returns the
// original comment instead of posting twice.
func (s *Service) Submit(ctx context.Context, submission Submission) (Receipt, error) {
	site, err := ref.ParseSiteID(submission.SiteID)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := ref.ValidateSlug(submission.PostSlug); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	content, err := NormalizeContent(submission.Content)
	if err != nil {
		return Receipt{}, err
	}

	if err := s.gate.Verify(submission.ChallengeResponse); err != nil {
		return Receipt{}, fmt.Errorf("%w: %w", ErrPowFailed, err)
	}

	nickname, err := identity.NormalizeNickname(submission.Nickname)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	authorID, isGuest, err := s.deriveAuthor(submission, nickname)
	if err != nil {
		return Receipt{}, err
	}

	roomID, err := s.adapter.EnsureRoom(ctx, site, submission.PostSlug)
	if err != nil {
		if errors.Is(err, ref.ErrInvalidSiteID) || errors.Is(err, ref.ErrInvalidSlug) {
			return Receipt{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return Receipt{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	if submission.ReplyTo != "" {
		if err := s.checkReplyTarget(ctx, roomID, submission.ReplyTo); err != nil {
			return Receipt{}, err
		}
	}

	txnID := submission.TxnID
	if txnID != "" {
		if prior, err := s.store.GetByTxn(ctx, roomID, txnID); err == nil {
			return Receipt{Comment: *prior, Replayed: true}, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return Receipt{}, err
		}
	} else {
		txnID = newTxnID()
	}

	eventID, err := s.adapter.SendComment(ctx, adapter.SendRequest{
		RoomID:      roomID,
		SiteID:      site,
		PostSlug:    submission.PostSlug,
		AuthorID:    authorID,
		AuthorName:  nickname,
		IsGuest:     isGuest,
		Fingerprint: submission.Fingerprint,
		Content:     content,
		ReplyTo:     submission.ReplyTo,
		TxnID:       txnID,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	return Receipt{Comment: store.Comment{
		ID:         eventID,
		RoomID:     roomID,
		AuthorID:   authorID,
		AuthorName: nickname,
		IsGuest:    isGuest,
		Content:    content,
		ReplyTo:    submission.ReplyTo,
		CreatedAt:  s.clock.Now().UnixMilli(),
		TxnID:      txnID,
	}}, nil
}

func (s *Service) deriveAuthor(submission Submission, nickname string) (authorID string, isGuest bool, err error) {
	if submission.UserID == "" {
		return s.hasher.AuthorForGuest(nickname, submission.Fingerprint), true, nil
	}
	user, err := ref.ParseUserID(submission.UserID)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return s.hasher.AuthorForUser(user), false, nil
}

// checkReplyTarget requires the parent comment to exist in the same
// room.
func (s *Service) checkReplyTarget(ctx context.Context, roomID ref.RoomID, replyTo string) error {
	target, err := ref.ParseEventID(replyTo)
	if err != nil {
		return fmt.Errorf("%w: reply target: %v", ErrInvalidInput, err)
	}
	parent, err := s.store.GetByID(ctx, target)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: reply target %s not found", ErrInvalidInput, replyTo)
	}
	if err != nil {
		return err
	}
	if parent.RoomID != roomID {
		return fmt.Errorf("%w: reply target %s belongs to another thread", ErrInvalidInput, replyTo)
	}
	return nil
}

// List returns a page of comments for a thread. An unknown thread is
// an empty page, not an error.
func (s *Service) List(ctx context.Context, siteID, slug, before string, limit int) (store.Page, error) {
	site, err := ref.ParseSiteID(siteID)
	if err != nil {
		return store.Page{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := ref.ValidateSlug(slug); err != nil {
		return store.Page{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	roomID, err := s.store.LookupRoom(ctx, site, slug)
	if errors.Is(err, store.ErrNotFound) {
		return store.Page{}, nil
	}
	if err != nil {
		return store.Page{}, err
	}

	page, err := s.store.List(ctx, roomID, store.ListOptions{Before: before, Limit: limit})
	if err != nil {
		if errors.Is(err, store.ErrBadCursor) {
			return store.Page{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return store.Page{}, err
	}
	return page, nil
}

// Delete redacts a comment on Matrix. The view row flips to its
// tombstone once the redaction flows back through projection.
func (s *Service) Delete(ctx context.Context, siteID, slug, commentID, reason string) error {
	site, err := ref.ParseSiteID(siteID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	target, err := ref.ParseEventID(commentID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	roomID, err := s.store.LookupRoom(ctx, site, slug)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: thread %s/%s", ErrNotFound, siteID, slug)
	}
	if err != nil {
		return err
	}

	comment, err := s.store.GetByID(ctx, target)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: comment %s", ErrNotFound, commentID)
	}
	if err != nil {
		return err
	}
	if comment.RoomID != roomID {
		return fmt.Errorf("%w: comment %s is not in thread %s/%s", ErrNotFound, commentID, siteID, slug)
	}

	if _, err := s.adapter.RedactComment(ctx, roomID, target, reason); err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return nil
}

// NormalizeContent trims surrounding whitespace, folds CR and CRLF
// line endings to LF, and enforces the size cap.
func NormalizeContent(raw string) (string, error) {
	content := strings.ReplaceAll(raw, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	content = strings.TrimSpace(content)
	if content == "" {
		return "", fmt.Errorf("%w: empty content", ErrInvalidInput)
	}
	if len(content) > maxContentBytes {
		return "", fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidInput, maxContentBytes)
	}
	return content, nil
}

func newTxnID() string {
	var raw [8]byte
	rand.Read(raw[:])
	return "cumments-" + hex.EncodeToString(raw[:])
}
