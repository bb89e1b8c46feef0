// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/cumments-foundation/cumments/lib/ref"
)

// Comment is one row of the comment view. ID is the Matrix event id
// of the originating m.room.message event.
type Comment struct {
	ID                ref.EventID
	RoomID            ref.RoomID
	AuthorID          string
	AuthorName        string
	IsGuest           bool
	AuthorFingerprint string
	Content           string
	ReplyTo           string
	CreatedAt         int64
	UpdatedAt         int64
	IsRedacted        bool
	AvatarURL         string
	TxnID             string
}

// Message is a new-comment event to project.
type Message struct {
	ID          ref.EventID
	RoomID      ref.RoomID
	AuthorID    string
	AuthorName  string
	IsGuest     bool
	Fingerprint string
	Content     string
	ReplyTo     string
	CreatedAt   int64
	AvatarURL   string
	TxnID       string
	RawEvent    []byte
}

// Edit is a replacement event to project against an existing comment.
type Edit struct {
	TargetID   ref.EventID
	RoomID     ref.RoomID
	NewContent string
	Timestamp  int64
}

// Redaction is a redaction event to project.
type Redaction struct {
	TargetID  ref.EventID
	RoomID    ref.RoomID
	Timestamp int64
}

// Change describes what a projection call did to the view.
type Change int

const (
	// ChangeIgnored means the event was a replay, lost a conflict, or
	// referenced a row the view cannot act on yet.
	ChangeIgnored Change = iota
	// ChangeInserted means a new comment row was created.
	ChangeInserted
	// ChangeUpdated means an existing comment's content was replaced.
	ChangeUpdated
	// ChangeRedacted means an existing comment was redacted.
	ChangeRedacted
)

func (c Change) String() string {
	switch c {
	case ChangeInserted:
		return "inserted"
	case ChangeUpdated:
		return "updated"
	case ChangeRedacted:
		return "redacted"
	default:
		return "ignored"
	}
}

const commentColumns = `id, room_id, author_id, author_name, is_guest,
	author_fingerprint, content, reply_to, created_at, updated_at,
	is_redacted, avatar_url, txn_id`

func commentFromStmt(stmt *sqlite.Stmt) (Comment, error) {
	id, err := ref.ParseEventID(stmt.ColumnText(0))
	if err != nil {
		return Comment{}, err
	}
	roomID, err := ref.ParseRoomID(stmt.ColumnText(1))
	if err != nil {
		return Comment{}, err
	}
	return Comment{
		ID:                id,
		RoomID:            roomID,
		AuthorID:          stmt.ColumnText(2),
		AuthorName:        stmt.ColumnText(3),
		IsGuest:           stmt.ColumnInt64(4) != 0,
		AuthorFingerprint: stmt.ColumnText(5),
		Content:           stmt.ColumnText(6),
		ReplyTo:           stmt.ColumnText(7),
		CreatedAt:         stmt.ColumnInt64(8),
		UpdatedAt:         stmt.ColumnInt64(9),
		IsRedacted:        stmt.ColumnInt64(10) != 0,
		AvatarURL:         stmt.ColumnText(11),
		TxnID:             stmt.ColumnText(12),
	}, nil
}

// ProjectMessage applies a new-comment event. Replays of an already
// projected event return ChangeIgnored. If a redaction for this event
// id arrived earlier, the row is inserted already redacted and
// ChangeRedacted is returned.
func (s *Store) ProjectMessage(ctx context.Context, msg Message) (Change, *Comment, error) {
	unlock := s.lockRoom(msg.RoomID.String())
	defer unlock()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return ChangeIgnored, nil, fmt.Errorf("store: project message: %w", err)
	}
	defer s.pool.Put(conn)

	change, comment, err := s.projectMessageConn(conn, msg)
	if err != nil {
		return ChangeIgnored, nil, fmt.Errorf("store: project message %s: %w", msg.ID, err)
	}
	return change, comment, nil
}

func (s *Store) projectMessageConn(conn *sqlite.Conn, msg Message) (change Change, comment *Comment, err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return ChangeIgnored, nil, err
	}
	defer endTransaction(&err)

	var exists bool
	err = sqlitex.Execute(conn, "SELECT 1 FROM comments WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{msg.ID.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			exists = true
			return nil
		},
	})
	if err != nil {
		return ChangeIgnored, nil, err
	}
	if exists {
		return ChangeIgnored, nil, nil
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO comments (id, room_id, author_id, author_name, is_guest,
			author_fingerprint, content, reply_to, created_at,
			avatar_url, txn_id, raw_event)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			msg.ID.String(), msg.RoomID.String(), msg.AuthorID, msg.AuthorName,
			boolToInt(msg.IsGuest), nullable(msg.Fingerprint), msg.Content,
			nullable(msg.ReplyTo), msg.CreatedAt, nullable(msg.AvatarURL),
			nullable(msg.TxnID), nullableBytes(msg.RawEvent),
		}})
	if err != nil {
		return ChangeIgnored, nil, err
	}

	change = ChangeInserted
	if ts, buffered := s.takePendingRedaction(msg.ID.String()); buffered {
		if err := redactConn(conn, msg.ID.String(), ts); err != nil {
			return ChangeIgnored, nil, err
		}
		change = ChangeRedacted
	}

	row, err := getByIDConn(conn, msg.ID)
	if err != nil {
		return ChangeIgnored, nil, err
	}
	return change, row, nil
}

// ProjectEdit applies a replacement. Last-writer-wins: the edit takes
// effect only when its timestamp is strictly greater than the row's
// current effective timestamp. Edits to redacted or unknown comments
// are ignored.
func (s *Store) ProjectEdit(ctx context.Context, edit Edit) (Change, *Comment, error) {
	unlock := s.lockRoom(edit.RoomID.String())
	defer unlock()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return ChangeIgnored, nil, fmt.Errorf("store: project edit: %w", err)
	}
	defer s.pool.Put(conn)

	change, comment, err := s.projectEditConn(conn, edit)
	if err != nil {
		return ChangeIgnored, nil, fmt.Errorf("store: project edit of %s: %w", edit.TargetID, err)
	}
	return change, comment, nil
}

func (s *Store) projectEditConn(conn *sqlite.Conn, edit Edit) (change Change, comment *Comment, err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return ChangeIgnored, nil, err
	}
	defer endTransaction(&err)

	var found, redacted bool
	var effectiveTS int64
	err = sqlitex.Execute(conn,
		"SELECT is_redacted, COALESCE(updated_at, created_at) FROM comments WHERE id = ?",
		&sqlitex.ExecOptions{
			Args: []any{edit.TargetID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				redacted = stmt.ColumnInt64(0) != 0
				effectiveTS = stmt.ColumnInt64(1)
				return nil
			},
		})
	if err != nil {
		return ChangeIgnored, nil, err
	}
	if !found || redacted || edit.Timestamp <= effectiveTS {
		return ChangeIgnored, nil, nil
	}

	err = sqlitex.Execute(conn,
		"UPDATE comments SET content = ?, updated_at = ? WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{edit.NewContent, edit.Timestamp, edit.TargetID.String()}})
	if err != nil {
		return ChangeIgnored, nil, err
	}

	row, err := getByIDConn(conn, edit.TargetID)
	if err != nil {
		return ChangeIgnored, nil, err
	}
	return ChangeUpdated, row, nil
}

// ProjectRedaction applies a redaction. Redaction is terminal: later
// edits and repeated redactions are ignored. A redaction whose target
// has not been projected yet is buffered (bounded, oldest dropped on
// overflow) and applied when the target arrives.
func (s *Store) ProjectRedaction(ctx context.Context, redaction Redaction) (Change, *Comment, error) {
	unlock := s.lockRoom(redaction.RoomID.String())
	defer unlock()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return ChangeIgnored, nil, fmt.Errorf("store: project redaction: %w", err)
	}
	defer s.pool.Put(conn)

	change, comment, err := s.projectRedactionConn(conn, redaction)
	if err != nil {
		return ChangeIgnored, nil, fmt.Errorf("store: project redaction of %s: %w", redaction.TargetID, err)
	}
	return change, comment, nil
}

func (s *Store) projectRedactionConn(conn *sqlite.Conn, redaction Redaction) (change Change, comment *Comment, err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return ChangeIgnored, nil, err
	}
	defer endTransaction(&err)

	var found, redacted bool
	err = sqlitex.Execute(conn, "SELECT is_redacted FROM comments WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{redaction.TargetID.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			redacted = stmt.ColumnInt64(0) != 0
			return nil
		},
	})
	if err != nil {
		return ChangeIgnored, nil, err
	}
	if !found {
		s.bufferRedaction(redaction.TargetID.String(), redaction.Timestamp)
		return ChangeIgnored, nil, nil
	}
	if redacted {
		return ChangeIgnored, nil, nil
	}

	if err := redactConn(conn, redaction.TargetID.String(), redaction.Timestamp); err != nil {
		return ChangeIgnored, nil, err
	}
	row, err := getByIDConn(conn, redaction.TargetID)
	if err != nil {
		return ChangeIgnored, nil, err
	}
	return ChangeRedacted, row, nil
}

// redactConn marks a comment redacted and clears its content. The
// original text must not survive in the view once the homeserver has
// redacted it.
func redactConn(conn *sqlite.Conn, targetID string, timestamp int64) error {
	return sqlitex.Execute(conn,
		"UPDATE comments SET content = '', is_redacted = 1, updated_at = ?, raw_event = NULL WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{timestamp, targetID}})
}

// bufferRedaction remembers an early redaction until its target is
// projected. The buffer is a FIFO capped at maxPendingRedactions.
func (s *Store) bufferRedaction(targetID string, timestamp int64) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	if _, ok := s.pendingByTarget[targetID]; ok {
		return
	}
	if len(s.pendingRedactions) >= maxPendingRedactions {
		oldest := s.pendingRedactions[0]
		s.pendingRedactions = s.pendingRedactions[1:]
		delete(s.pendingByTarget, oldest.targetID)
		s.logger.Warn("pending redaction buffer full, dropping oldest",
			"dropped_target", oldest.targetID)
	}
	s.pendingRedactions = append(s.pendingRedactions, pendingRedaction{targetID: targetID, timestamp: timestamp})
	s.pendingByTarget[targetID] = timestamp
}

func (s *Store) takePendingRedaction(targetID string) (int64, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	ts, ok := s.pendingByTarget[targetID]
	if !ok {
		return 0, false
	}
	delete(s.pendingByTarget, targetID)
	for i, pending := range s.pendingRedactions {
		if pending.targetID == targetID {
			s.pendingRedactions = append(s.pendingRedactions[:i], s.pendingRedactions[i+1:]...)
			break
		}
	}
	return ts, true
}

// PendingRedactionCount reports the early-redaction buffer size.
func (s *Store) PendingRedactionCount() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pendingRedactions)
}

// ListOptions controls a List call.
type ListOptions struct {
	// Before is an exclusive pagination cursor from a previous page's
	// NextBefore. Empty means start from the newest comments.
	Before string

	// Limit is the page size. Values outside [1, 200] are clamped;
	// zero means the default of 50.
	Limit int
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Page is one page of comments in ascending (created_at, id) order.
type Page struct {
	Comments []Comment

	// NextBefore is the cursor for the next older page, empty when
	// this page reaches the start of the thread.
	NextBefore string
}

// List returns a page of comments for a room, newest page first,
// rows within the page in ascending chronological order. Redacted
// comments are included as tombstones with empty content.
func (s *Store) List(ctx context.Context, roomID ref.RoomID, opts ListOptions) (Page, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Page{}, fmt.Errorf("store: list: %w", err)
	}
	defer s.pool.Put(conn)

	query := "SELECT " + commentColumns + " FROM comments WHERE room_id = ?"
	args := []any{roomID.String()}
	if opts.Before != "" {
		cursorTS, cursorID, err := parseCursor(opts.Before)
		if err != nil {
			return Page{}, err
		}
		query += " AND (created_at < ? OR (created_at = ? AND id < ?))"
		args = append(args, cursorTS, cursorTS, cursorID)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit+1)

	var rows []Comment
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			row, err := commentFromStmt(stmt)
			if err != nil {
				return err
			}
			rows = append(rows, row)
			return nil
		},
	})
	if err != nil {
		return Page{}, fmt.Errorf("store: list %s: %w", roomID, err)
	}

	var page Page
	if len(rows) > limit {
		rows = rows[:limit]
		oldest := rows[len(rows)-1]
		page.NextBefore = formatCursor(oldest.CreatedAt, oldest.ID.String())
	}

	// Rows were fetched newest-first for the cursor walk; present
	// them oldest-first.
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	page.Comments = rows
	return page, nil
}

// ErrBadCursor is returned by List for an unparseable Before cursor.
var ErrBadCursor = errors.New("store: malformed cursor")

// Cursors are "<created_at>:<event id>". Event ids contain no ':'
// before their opaque body, so splitting on the first ':' is safe.
func parseCursor(cursor string) (int64, string, error) {
	tsPart, idPart, ok := strings.Cut(cursor, ":")
	if !ok || idPart == "" {
		return 0, "", fmt.Errorf("%w: %q", ErrBadCursor, cursor)
	}
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %q", ErrBadCursor, cursor)
	}
	return ts, idPart, nil
}

func formatCursor(ts int64, id string) string {
	return strconv.FormatInt(ts, 10) + ":" + id
}

// GetByID returns one comment by event id, or ErrNotFound.
func (s *Store) GetByID(ctx context.Context, id ref.EventID) (*Comment, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: get by id: %w", err)
	}
	defer s.pool.Put(conn)

	row, err := getByIDConn(conn, id)
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", id, err)
	}
	if row == nil {
		return nil, fmt.Errorf("store: comment %s: %w", id, ErrNotFound)
	}
	return row, nil
}

func getByIDConn(conn *sqlite.Conn, id ref.EventID) (*Comment, error) {
	var row *Comment
	err := sqlitex.Execute(conn,
		"SELECT "+commentColumns+" FROM comments WHERE id = ?",
		&sqlitex.ExecOptions{
			Args: []any{id.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				parsed, err := commentFromStmt(stmt)
				if err != nil {
					return err
				}
				row = &parsed
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// GetByTxn returns the comment a given (room, txn_id) submission
// produced, or ErrNotFound. Used to answer duplicate submissions with
// the original comment instead of posting twice.
func (s *Store) GetByTxn(ctx context.Context, roomID ref.RoomID, txnID string) (*Comment, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: get by txn: %w", err)
	}
	defer s.pool.Put(conn)

	var row *Comment
	err = sqlitex.Execute(conn,
		"SELECT "+commentColumns+" FROM comments WHERE room_id = ? AND txn_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{roomID.String(), txnID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				parsed, err := commentFromStmt(stmt)
				if err != nil {
					return err
				}
				row = &parsed
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: get by txn %q: %w", txnID, err)
	}
	if row == nil {
		return nil, fmt.Errorf("store: txn %q in %s: %w", txnID, roomID, ErrNotFound)
	}
	return row, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
