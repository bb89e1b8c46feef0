// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cumments-foundation/cumments/lib/identity"
	"github.com/cumments-foundation/cumments/lib/ref"
	"github.com/cumments-foundation/cumments/messaging"
	"github.com/cumments-foundation/cumments/store"
)

// ghostPrefix is the exclusive localpart namespace registered in the
// appservice registration file.
const ghostPrefix = "cumments_"

// AppServiceConfig holds the parameters for an AppService adapter.
type AppServiceConfig struct {
	// Client is the shared homeserver client. Required.
	Client *messaging.Client

	// BotLocalpart is the primary appservice user's localpart.
	// Required.
	BotLocalpart string

	// ASToken authenticates this service to the homeserver. Required.
	ASToken string

	// HSToken authenticates the homeserver's pushed transactions.
	// Required.
	HSToken string

	// ServerName is the homeserver name for aliases and ghosts.
	// Required.
	ServerName ref.ServerName

	// ListenPort is the transaction ingress port. Required.
	ListenPort int

	// Store persists room mappings and the last transaction id.
	// Required.
	Store *store.Store

	// Handler consumes the normalized event stream. Required.
	Handler Handler

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// AppService is the namespaced adapter. The homeserver pushes event
// transactions to it, and comments are sent by per-author ghost users
// puppeted through the appservice token.
type AppService struct {
	client   *messaging.Client
	session  *messaging.Session
	rooms    roomManager
	store    *store.Store
	handler  Handler
	logger   *slog.Logger
	server   ref.ServerName
	asToken  string
	hsToken  string
	botUser  ref.UserID
	listen   string

	ghostFlight singleflight.Group
	ghostMu     sync.Mutex
	ghosts      map[string]ref.UserID // localpart → registered ghost
}

// NewAppService creates an AppService adapter.
func NewAppService(cfg AppServiceConfig) (*AppService, error) {
	switch {
	case cfg.Client == nil:
		return nil, fmt.Errorf("adapter: Client is required")
	case cfg.BotLocalpart == "":
		return nil, fmt.Errorf("adapter: BotLocalpart is required")
	case cfg.ASToken == "":
		return nil, fmt.Errorf("adapter: ASToken is required")
	case cfg.HSToken == "":
		return nil, fmt.Errorf("adapter: HSToken is required")
	case cfg.ServerName.IsZero():
		return nil, fmt.Errorf("adapter: ServerName is required")
	case cfg.ListenPort <= 0 || cfg.ListenPort > 65535:
		return nil, fmt.Errorf("adapter: ListenPort %d out of range", cfg.ListenPort)
	case cfg.Store == nil:
		return nil, fmt.Errorf("adapter: Store is required")
	case cfg.Handler == nil:
		return nil, fmt.Errorf("adapter: Handler is required")
	case cfg.Logger == nil:
		return nil, fmt.Errorf("adapter: Logger is required")
	}

	botUser, err := ref.NewUserID(cfg.BotLocalpart, cfg.ServerName)
	if err != nil {
		return nil, fmt.Errorf("adapter: bot localpart: %w", err)
	}

	session := cfg.Client.Session(botUser, cfg.ASToken)
	return &AppService{
		client:  cfg.Client,
		session: session,
		rooms: roomManager{
			session: session,
			store:   cfg.Store,
			server:  cfg.ServerName,
			logger:  cfg.Logger,
		},
		store:   cfg.Store,
		handler: cfg.Handler,
		logger:  cfg.Logger,
		server:  cfg.ServerName,
		asToken: cfg.ASToken,
		hsToken: cfg.HSToken,
		botUser: botUser,
		listen:  net.JoinHostPort("", strconv.Itoa(cfg.ListenPort)),
		ghosts:  make(map[string]ref.UserID),
	}, nil
}

// EnsureRoom resolves or lazily creates the thread room.
func (a *AppService) EnsureRoom(ctx context.Context, site ref.SiteID, slug string) (ref.RoomID, error) {
	return a.rooms.EnsureRoom(ctx, site, slug)
}

// SendComment posts a comment as the author's ghost user, registering
// the ghost on first use.
func (a *AppService) SendComment(ctx context.Context, send SendRequest) (ref.EventID, error) {
	ghost, err := a.ensureGhost(ctx, send.AuthorID, send.AuthorName)
	if err != nil {
		return ref.EventID{}, err
	}

	puppet := a.session.Impersonate(ghost)
	eventID, err := a.sendAsGhost(ctx, puppet, ghost, send.RoomID, send)
	if err == nil || !roomGone(err) || send.SiteID.IsZero() {
		return eventID, err
	}

	// The mapped room was abandoned server-side. Re-resolve the alias
	// (recreating the room if needed) and retry once.
	a.logger.Warn("mapped room gone, rebinding thread",
		"room_id", send.RoomID.String(), "error", err)
	roomID, rebindErr := a.rooms.Rebind(ctx, send.SiteID, send.PostSlug)
	if rebindErr != nil {
		return ref.EventID{}, fmt.Errorf("adapter: rebinding thread %s/%s: %w", send.SiteID, send.PostSlug, rebindErr)
	}
	return a.sendAsGhost(ctx, puppet, ghost, roomID, send)
}

func (a *AppService) sendAsGhost(ctx context.Context, puppet *messaging.Session, ghost ref.UserID, roomID ref.RoomID, send SendRequest) (ref.EventID, error) {
	if _, err := puppet.JoinRoom(ctx, roomID.String()); err != nil {
		return ref.EventID{}, fmt.Errorf("adapter: ghost %s joining %s: %w", ghost, roomID, err)
	}
	return puppet.SendEvent(ctx, roomID, "m.room.message", send.TxnID, buildCommentContent(send))
}

// RedactComment redacts a comment event as the appservice bot user.
func (a *AppService) RedactComment(ctx context.Context, roomID ref.RoomID, target ref.EventID, reason string) (ref.EventID, error) {
	return a.session.RedactEvent(ctx, roomID, target, redactionTxnID(), reason)
}

// ensureGhost registers the ghost user for an author id, single-flight
// per localpart. An already-registered ghost (including ones created
// by a previous process) is treated as success.
func (a *AppService) ensureGhost(ctx context.Context, authorID, displayName string) (ref.UserID, error) {
	localpart := identity.GhostLocalpart(authorID)

	a.ghostMu.Lock()
	ghost, ok := a.ghosts[localpart]
	a.ghostMu.Unlock()
	if ok {
		return ghost, nil
	}

	result, err, _ := a.ghostFlight.Do(localpart, func() (any, error) {
		ghost, err := a.client.RegisterAppServiceUser(ctx, a.asToken, localpart)
		if messaging.IsMatrixError(err, messaging.ErrCodeUserInUse) {
			ghost, err = ref.NewUserID(localpart, a.server)
		}
		if err != nil {
			return ref.UserID{}, fmt.Errorf("adapter: registering ghost %s: %w", localpart, err)
		}

		if displayName != "" {
			if err := a.session.Impersonate(ghost).SetDisplayName(ctx, displayName); err != nil {
				a.logger.Warn("setting ghost display name failed", "ghost", ghost.String(), "error", err)
			}
		}

		a.ghostMu.Lock()
		a.ghosts[localpart] = ghost
		a.ghostMu.Unlock()
		return ghost, nil
	})
	if err != nil {
		return ref.UserID{}, err
	}
	return result.(ref.UserID), nil
}

// Run registers the bot user, then serves the appservice HTTP API
// until the context is canceled.
func (a *AppService) Run(ctx context.Context) error {
	if _, err := a.client.RegisterAppServiceUser(ctx, a.asToken, a.botUser.Localpart()); err != nil {
		if !messaging.IsMatrixError(err, messaging.ErrCodeUserInUse) {
			return fmt.Errorf("adapter: registering bot user: %w", err)
		}
	}

	server := &http.Server{
		Addr:              a.listen,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	a.logger.Info("appservice ingress listening", "addr", a.listen)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("adapter: appservice ingress: %w", err)
	}
}

func (a *AppService) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /_matrix/app/v1/transactions/{txnID}", a.handleTransaction)
	mux.HandleFunc("GET /_matrix/app/v1/users/{userID}", a.handleUserQuery)
	mux.HandleFunc("GET /_matrix/app/v1/rooms/{alias}", a.handleRoomQuery)
	return mux
}

// authorized checks the homeserver token in constant time.
func (a *AppService) authorized(r *http.Request) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || token == r.Header.Get("Authorization") {
		// Older homeservers send the token as a query parameter.
		token = r.URL.Query().Get("access_token")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.hsToken)) == 1
}

func writeMatrixError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"errcode": code, "error": message})
}

func writeEmptyObject(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte("{}"))
}

// handleTransaction ingests one pushed transaction. Transactions are
// applied exactly once per txn id: the last-applied id lives in meta,
// and a replay answers 200 without reprojecting.
func (a *AppService) handleTransaction(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(r) {
		writeMatrixError(w, http.StatusForbidden, "M_FORBIDDEN", "bad homeserver token")
		return
	}
	txnID := r.PathValue("txnID")

	last, err := a.store.LastTransactionID(r.Context())
	if err != nil {
		writeMatrixError(w, http.StatusInternalServerError, "M_UNKNOWN", "transaction ledger unavailable")
		return
	}
	if last == txnID && txnID != "" {
		writeEmptyObject(w)
		return
	}

	var transaction struct {
		Events []messaging.Event `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&transaction); err != nil {
		writeMatrixError(w, http.StatusBadRequest, "M_NOT_JSON", "malformed transaction body")
		return
	}

	for _, raw := range transaction.Events {
		event, ok := Normalize(raw)
		if !ok {
			continue
		}
		if err := a.handler.HandleEvent(r.Context(), event); err != nil {
			a.logger.Error("transaction event handling failed",
				"txn_id", txnID, "event_id", raw.EventID, "error", err)
			writeMatrixError(w, http.StatusInternalServerError, "M_UNKNOWN", "event handling failed")
			return
		}
	}

	if err := a.store.SetLastTransactionID(r.Context(), txnID); err != nil {
		writeMatrixError(w, http.StatusInternalServerError, "M_UNKNOWN", "transaction ledger unavailable")
		return
	}
	writeEmptyObject(w)
}

// handleUserQuery answers namespace existence probes. Any user inside
// the ghost namespace is claimed; the homeserver provisions it on
// demand.
func (a *AppService) handleUserQuery(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(r) {
		writeMatrixError(w, http.StatusForbidden, "M_FORBIDDEN", "bad homeserver token")
		return
	}
	userID, err := ref.ParseUserID(r.PathValue("userID"))
	if err != nil || !strings.HasPrefix(userID.Localpart(), ghostPrefix) {
		writeMatrixError(w, http.StatusNotFound, "M_NOT_FOUND", "user not in namespace")
		return
	}
	writeEmptyObject(w)
}

// handleRoomQuery mirrors the namespace rule for thread aliases.
func (a *AppService) handleRoomQuery(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(r) {
		writeMatrixError(w, http.StatusForbidden, "M_FORBIDDEN", "bad homeserver token")
		return
	}
	if _, _, err := ref.ParseThreadAlias(r.PathValue("alias")); err != nil {
		writeMatrixError(w, http.StatusNotFound, "M_NOT_FOUND", "alias not in namespace")
		return
	}
	writeEmptyObject(w)
}
