// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cumments-foundation/cumments/lib/clock"
	"github.com/cumments-foundation/cumments/lib/ref"
	"github.com/cumments-foundation/cumments/messaging"
	"github.com/cumments-foundation/cumments/store"
)

func newTestBot(t *testing.T, homeserver http.Handler, fakeClock clock.Clock, viewStore *store.Store) (*Bot, *recordingHandler) {
	t.Helper()
	server := httptest.NewServer(homeserver)
	t.Cleanup(server.Close)

	client, err := messaging.NewClient(messaging.ClientConfig{HomeserverURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if viewStore == nil {
		viewStore = newTestStore(t)
	}

	handler := &recordingHandler{}
	bot, err := NewBot(BotConfig{
		Client:      client,
		UserID:      ref.MustParseUserID("@cumments:matrix.example.org"),
		AccessToken: "bot-token",
		ServerName:  ref.MustParseServerName("matrix.example.org"),
		Store:       viewStore,
		Handler:     handler,
		Clock:       fakeClock,
		Logger:      slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("NewBot: %v", err)
	}
	return bot, handler
}

func syncBatch(nextBatch string, events ...map[string]any) map[string]any {
	return map[string]any{
		"next_batch": nextBatch,
		"rooms": map[string]any{
			"join": map[string]any{
				"!room:matrix.example.org": map[string]any{
					"timeline": map[string]any{"events": events},
				},
			},
		},
	}
}

func messageEvent(id, body string) map[string]any {
	return map[string]any{
		"event_id":         id,
		"type":             "m.room.message",
		"sender":           "@alice:matrix.example.org",
		"origin_server_ts": 1000,
		"content":          map[string]any{"msgtype": "m.text", "body": body},
	}
}

func TestBotSyncLoopPersistsTokenAfterBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	calls := 0
	homeserver := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		call := calls
		mu.Unlock()
		switch call {
		case 1:
			if since := r.URL.Query().Get("since"); since != "" {
				t.Errorf("initial sync carried since=%q", since)
			}
			json.NewEncoder(w).Encode(syncBatch("s1", messageEvent("$e1", "hello")))
		default:
			if since := r.URL.Query().Get("since"); since != "s1" {
				t.Errorf("incremental sync since = %q, want s1", since)
			}
			json.NewEncoder(w).Encode(syncBatch("s2"))
		}
	})

	viewStore := newTestStore(t)
	bot, handler := newTestBot(t, homeserver, clock.Fake(time.Unix(0, 0)), viewStore)
	handler.onEach = func(Event) { cancel() }

	err := bot.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if handler.count() != 1 {
		t.Fatalf("handler saw %d events", handler.count())
	}
	if got := handler.events[0]; got.ID.String() != "$e1" || got.RoomID.String() != "!room:matrix.example.org" {
		t.Errorf("event = %+v", got)
	}

	// The token is persisted only after the batch was handled.
	token, err := viewStore.SyncToken(context.Background())
	if err != nil || token == "" {
		t.Errorf("sync token = %q, %v", token, err)
	}
}

func TestBotSyncBacksOffOnTransportError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	calls := 0
	homeserver := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		call := calls
		mu.Unlock()
		if call == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"errcode": "M_UNKNOWN", "error": "boom"})
			return
		}
		json.NewEncoder(w).Encode(syncBatch("s1", messageEvent("$e1", "hi")))
	})

	fakeClock := clock.Fake(time.Unix(0, 0))
	bot, handler := newTestBot(t, homeserver, fakeClock, nil)
	handler.onEach = func(Event) { cancel() }

	done := make(chan error, 1)
	go func() { done <- bot.Run(ctx) }()

	// The failed sync registers one backoff sleep. First backoff is
	// 250 ms plus jitter below 125 ms.
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(time.Second)

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if handler.count() != 1 {
		t.Errorf("handler saw %d events", handler.count())
	}
}

func TestBotSyncFallsBackOnRejectedToken(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	calls := 0
	homeserver := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		call := calls
		mu.Unlock()
		switch call {
		case 1:
			if since := r.URL.Query().Get("since"); since != "stale" {
				t.Errorf("first sync since = %q, want stale", since)
			}
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"errcode": "M_UNKNOWN_TOKEN", "error": "unknown token"})
		default:
			if since := r.URL.Query().Get("since"); since != "" {
				t.Errorf("fallback sync carried since=%q", since)
			}
			json.NewEncoder(w).Encode(syncBatch("fresh", messageEvent("$e1", "hi")))
		}
	})

	viewStore := newTestStore(t)
	if err := viewStore.SetSyncToken(context.Background(), "stale"); err != nil {
		t.Fatalf("SetSyncToken: %v", err)
	}

	bot, handler := newTestBot(t, homeserver, clock.Fake(time.Unix(0, 0)), viewStore)
	handler.onEach = func(Event) { cancel() }

	if err := bot.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}

	token, err := viewStore.SyncToken(context.Background())
	if err != nil || token != "fresh" {
		t.Errorf("sync token = %q, %v", token, err)
	}
}

func TestBotSendRebindsAfterRoomGone(t *testing.T) {
	stale := ref.MustParseRoomID("!stale:matrix.example.org")
	fresh := ref.MustParseRoomID("!fresh:matrix.example.org")

	var mu sync.Mutex
	var sends []string
	homeserver := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/rooms/"+stale.String()+"/send/"):
			mu.Lock()
			sends = append(sends, stale.String())
			mu.Unlock()
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"errcode": "M_NOT_FOUND", "error": "room gone"})
		case r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/rooms/"+fresh.String()+"/send/"):
			mu.Lock()
			sends = append(sends, fresh.String())
			mu.Unlock()
			json.NewEncoder(w).Encode(map[string]string{"event_id": "$sent"})
		case strings.HasPrefix(r.URL.Path, "/_matrix/client/v3/directory/room/"):
			json.NewEncoder(w).Encode(map[string]string{"room_id": fresh.String()})
		case strings.HasPrefix(r.URL.Path, "/_matrix/client/v3/join/"):
			json.NewEncoder(w).Encode(map[string]string{"room_id": fresh.String()})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.Write([]byte("{}"))
		}
	})

	viewStore := newTestStore(t)
	ctx := context.Background()
	site := ref.MustParseSiteID("blog.example")
	if err := viewStore.UpsertRoom(ctx, site, "hello", stale); err != nil {
		t.Fatalf("UpsertRoom: %v", err)
	}

	bot, _ := newTestBot(t, homeserver, clock.Fake(time.Unix(0, 0)), viewStore)
	eventID, err := bot.SendComment(ctx, SendRequest{
		RoomID:     stale,
		SiteID:     site,
		PostSlug:   "hello",
		AuthorName: "Ada",
		IsGuest:    true,
		Content:    "hi",
		TxnID:      "txn-1",
	})
	if err != nil {
		t.Fatalf("SendComment: %v", err)
	}
	if eventID.String() != "$sent" {
		t.Errorf("event = %q", eventID)
	}

	mu.Lock()
	if len(sends) != 2 || sends[0] != stale.String() || sends[1] != fresh.String() {
		t.Errorf("sends = %v", sends)
	}
	mu.Unlock()

	// The thread mapping follows the recreated room.
	roomID, err := viewStore.LookupRoom(ctx, site, "hello")
	if err != nil || roomID != fresh {
		t.Errorf("LookupRoom = %q, %v", roomID, err)
	}
}

func TestEnsureRoomSingleFlight(t *testing.T) {
	var mu sync.Mutex
	creates := 0
	resolves := 0

	homeserver := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/_matrix/client/v3/createRoom":
			mu.Lock()
			creates++
			mu.Unlock()
			// Slow creation widens the race window.
			time.Sleep(50 * time.Millisecond)
			json.NewEncoder(w).Encode(map[string]string{"room_id": "!new:matrix.example.org"})
		case r.Method == http.MethodGet:
			mu.Lock()
			resolves++
			mu.Unlock()
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"errcode": "M_NOT_FOUND", "error": "no alias"})
		default:
			w.Write([]byte("{}"))
		}
	})

	bot, _ := newTestBot(t, homeserver, clock.Fake(time.Unix(0, 0)), nil)
	site := ref.MustParseSiteID("blog.example")

	ctx := context.Background()
	var wg sync.WaitGroup
	results := make([]ref.RoomID, 4)
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = bot.EnsureRoom(ctx, site, "hello")
		}(i)
	}
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("EnsureRoom %d: %v", i, errs[i])
		}
		if results[i].String() != "!new:matrix.example.org" {
			t.Errorf("room %d = %q", i, results[i])
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if creates != 1 {
		t.Errorf("creates = %d, want 1", creates)
	}

	// The mapping is now cached in the store; no further resolves.
	roomID, err := bot.EnsureRoom(ctx, site, "hello")
	if err != nil || roomID.String() != "!new:matrix.example.org" {
		t.Errorf("cached EnsureRoom = %q, %v", roomID, err)
	}
}
