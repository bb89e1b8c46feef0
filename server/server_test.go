// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cumments-foundation/cumments/adapter"
	"github.com/cumments-foundation/cumments/comments"
	"github.com/cumments-foundation/cumments/lib/clock"
	"github.com/cumments-foundation/cumments/lib/identity"
	"github.com/cumments-foundation/cumments/lib/ref"
	"github.com/cumments-foundation/cumments/pow"
	"github.com/cumments-foundation/cumments/store"
)

var testRoomID = ref.MustParseRoomID("!thread:matrix.example.org")

const testAdminToken = "admin-secret"

// fakeAdapter records sends and answers with sequential event ids.
type fakeAdapter struct {
	mu         sync.Mutex
	roomID     ref.RoomID
	sendErr    error
	sends      []adapter.SendRequest
	redactions []ref.EventID
}

func (f *fakeAdapter) EnsureRoom(ctx context.Context, site ref.SiteID, slug string) (ref.RoomID, error) {
	return f.roomID, nil
}

func (f *fakeAdapter) SendComment(ctx context.Context, send adapter.SendRequest) (ref.EventID, error) {
	if f.sendErr != nil {
		return ref.EventID{}, f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, send)
	return ref.MustParseEventID("$sent-" + strconv.Itoa(len(f.sends))), nil
}

func (f *fakeAdapter) RedactComment(ctx context.Context, roomID ref.RoomID, target ref.EventID, reason string) (ref.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redactions = append(f.redactions, target)
	return ref.MustParseEventID("$redaction"), nil
}

func (f *fakeAdapter) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// stubAuthenticator accepts exactly one token.
type stubAuthenticator struct {
	token  string
	userID ref.UserID
}

func (a *stubAuthenticator) Authenticate(ctx context.Context, token string) (ref.UserID, error) {
	if token != a.token {
		return ref.UserID{}, errors.New("token rejected")
	}
	return a.userID, nil
}

type serverFixture struct {
	server  *Server
	handler http.Handler
	adapter *fakeAdapter
	store   *store.Store
	gate    *pow.Gate
	hub     *comments.Hub
	clock   *clock.FakeClock
}

func newServerFixture(t *testing.T, mutate func(*Config)) *serverFixture {
	t.Helper()
	fakeClock := clock.Fake(time.UnixMilli(1_700_000_000_000))

	viewStore, err := store.Open(store.Config{
		Path:   filepath.Join(t.TempDir(), "view.db"),
		Clock:  fakeClock,
		Logger: slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { viewStore.Close() })

	gate, err := pow.New(pow.Config{Difficulty: 1, Clock: fakeClock})
	if err != nil {
		t.Fatalf("pow.New: %v", err)
	}
	hasher, err := identity.NewHasher("test-salt")
	if err != nil {
		t.Fatalf("identity.NewHasher: %v", err)
	}

	fake := &fakeAdapter{roomID: testRoomID}
	service, err := comments.NewService(comments.Config{
		Adapter: fake,
		Store:   viewStore,
		Gate:    gate,
		Hasher:  hasher,
		Clock:   fakeClock,
		Logger:  slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	hub := comments.NewHub()
	cfg := Config{
		Service:     service,
		Gate:        gate,
		Hub:         hub,
		Clock:       fakeClock,
		Logger:      slog.New(slog.DiscardHandler),
		Host:        "127.0.0.1",
		Port:        3000,
		CORSOrigins: []string{"*"},
		AdminToken:  testAdminToken,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	server, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &serverFixture{
		server:  server,
		handler: server.routes(),
		adapter: fake,
		store:   viewStore,
		gate:    gate,
		hub:     hub,
		clock:   fakeClock,
	}
}

// solvedResponse mints and brute-forces one challenge.
func (f *serverFixture) solvedResponse(t *testing.T) string {
	t.Helper()
	challenge, err := f.gate.Mint()
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	for i := 0; i < 1<<20; i++ {
		nonce := strconv.Itoa(i)
		if pow.Solves(challenge.Secret, nonce, challenge.Difficulty) {
			return challenge.Secret + "|" + nonce
		}
	}
	t.Fatal("no nonce found")
	return ""
}

func (f *serverFixture) do(method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != nil {
		encoded, _ := json.Marshal(body)
		reader = strings.NewReader(string(encoded))
	} else {
		reader = strings.NewReader("")
	}
	request := httptest.NewRequest(method, path, reader)
	for key, values := range header {
		request.Header[key] = values
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func (f *serverFixture) submitBody(t *testing.T) map[string]string {
	return map[string]string{
		"post_slug":          "hello",
		"nickname":           "Ada",
		"content":            "first!",
		"challenge_response": f.solvedResponse(t),
	}
}

func decodeError(t *testing.T, recorder *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var body errorResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error body %q: %v", recorder.Body.String(), err)
	}
	return body
}

func TestChallengeEndpoint(t *testing.T) {
	fixture := newServerFixture(t, nil)

	recorder := fixture.do(http.MethodGet, "/api/challenge", nil, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body)
	}
	var challenge pow.Challenge
	if err := json.Unmarshal(recorder.Body.Bytes(), &challenge); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(challenge.Secret) != 32 || challenge.Difficulty != 1 {
		t.Errorf("challenge = %+v", challenge)
	}
}

func TestSubmitGuest(t *testing.T) {
	fixture := newServerFixture(t, nil)

	recorder := fixture.do(http.MethodPost, "/api/blog.example/comments", fixture.submitBody(t), nil)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body)
	}
	var response submitResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if response.ID != "$sent-1" || response.CreatedAt == 0 {
		t.Errorf("response = %+v", response)
	}

	send := fixture.adapter.sends[0]
	if !send.IsGuest || send.Fingerprint == "" {
		t.Errorf("send = %+v", send)
	}
}

func TestSubmitMalformedBody(t *testing.T) {
	fixture := newServerFixture(t, nil)

	request := httptest.NewRequest(http.MethodPost, "/api/blog.example/comments", strings.NewReader("{broken"))
	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", recorder.Code)
	}
	if body := decodeError(t, recorder); body.Code != "invalid_input" {
		t.Errorf("code = %q", body.Code)
	}
}

func TestSubmitPowFailure(t *testing.T) {
	fixture := newServerFixture(t, nil)

	body := fixture.submitBody(t)
	body["challenge_response"] = "deadbeef|0"
	recorder := fixture.do(http.MethodPost, "/api/blog.example/comments", body, nil)

	if recorder.Code != http.StatusForbidden {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body)
	}
	if got := decodeError(t, recorder); got.Code != "pow_failed" {
		t.Errorf("code = %q", got.Code)
	}
}

func TestSubmitAuthenticated(t *testing.T) {
	auth := &stubAuthenticator{
		token:  "user-token",
		userID: ref.MustParseUserID("@alice:matrix.example.org"),
	}
	fixture := newServerFixture(t, func(cfg *Config) { cfg.Auth = auth })

	header := http.Header{"Authorization": {"Bearer user-token"}}
	recorder := fixture.do(http.MethodPost, "/api/blog.example/comments", fixture.submitBody(t), header)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body)
	}
	if send := fixture.adapter.sends[0]; send.IsGuest {
		t.Errorf("send = %+v", send)
	}

	header = http.Header{"Authorization": {"Bearer wrong-token"}}
	recorder = fixture.do(http.MethodPost, "/api/blog.example/comments", fixture.submitBody(t), header)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body)
	}
	if got := decodeError(t, recorder); got.Code != "auth_failed" {
		t.Errorf("code = %q", got.Code)
	}
}

func TestSubmitUpstreamUnavailable(t *testing.T) {
	fixture := newServerFixture(t, nil)
	fixture.adapter.sendErr = errors.New("homeserver down")

	recorder := fixture.do(http.MethodPost, "/api/blog.example/comments", fixture.submitBody(t), nil)
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body)
	}
	if got := decodeError(t, recorder); got.Code != "upstream_unavailable" {
		t.Errorf("code = %q", got.Code)
	}
}

func (f *serverFixture) projectComment(t *testing.T, id string, ts int64) {
	t.Helper()
	_, _, err := f.store.ProjectMessage(context.Background(), store.Message{
		ID:         ref.MustParseEventID(id),
		RoomID:     testRoomID,
		AuthorID:   "author",
		AuthorName: "Ada",
		IsGuest:    true,
		Content:    "comment " + id,
		CreatedAt:  ts,
	})
	if err != nil {
		t.Fatalf("ProjectMessage: %v", err)
	}
}

func TestListEndpoint(t *testing.T) {
	fixture := newServerFixture(t, nil)
	ctx := context.Background()

	if err := fixture.store.UpsertRoom(ctx, ref.MustParseSiteID("blog.example"), "hello", testRoomID); err != nil {
		t.Fatalf("UpsertRoom: %v", err)
	}
	fixture.projectComment(t, "$c1", 1000)
	fixture.projectComment(t, "$c2", 2000)
	fixture.projectComment(t, "$c3", 3000)

	recorder := fixture.do(http.MethodGet, "/api/blog.example/comments/hello?limit=2", nil, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body)
	}
	var page listResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Items) != 2 || page.NextBefore == "" {
		t.Fatalf("page = %+v", page)
	}
	if page.Items[0].ID != "$c2" || page.Items[1].ID != "$c3" {
		t.Errorf("items = %+v", page.Items)
	}

	recorder = fixture.do(http.MethodGet, "/api/blog.example/comments/hello?before="+page.NextBefore, nil, nil)
	page = listResponse{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != "$c1" || page.NextBefore != "" {
		t.Errorf("page = %+v", page)
	}
}

func TestListUnknownThreadIsEmpty(t *testing.T) {
	fixture := newServerFixture(t, nil)

	recorder := fixture.do(http.MethodGet, "/api/blog.example/comments/nowhere", nil, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body)
	}
	if body := recorder.Body.String(); !strings.Contains(body, `"items":[]`) {
		t.Errorf("body = %s", body)
	}
}

func TestListRejectsMalformedQuery(t *testing.T) {
	fixture := newServerFixture(t, nil)

	if err := fixture.store.UpsertRoom(context.Background(),
		ref.MustParseSiteID("blog.example"), "hello", testRoomID); err != nil {
		t.Fatalf("UpsertRoom: %v", err)
	}

	recorder := fixture.do(http.MethodGet, "/api/blog.example/comments/hello?limit=abc", nil, nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("limit status = %d", recorder.Code)
	}

	recorder = fixture.do(http.MethodGet, "/api/blog.example/comments/hello?before=garbage", nil, nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("before status = %d, body %s", recorder.Code, recorder.Body)
	}
}

func TestDeleteModeration(t *testing.T) {
	fixture := newServerFixture(t, nil)
	ctx := context.Background()

	if err := fixture.store.UpsertRoom(ctx, ref.MustParseSiteID("blog.example"), "hello", testRoomID); err != nil {
		t.Fatalf("UpsertRoom: %v", err)
	}
	fixture.projectComment(t, "$c1", 1000)

	recorder := fixture.do(http.MethodDelete, "/api/blog.example/comments/hello/$c1", nil, nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", recorder.Code)
	}

	header := http.Header{"Authorization": {"Bearer wrong"}}
	recorder = fixture.do(http.MethodDelete, "/api/blog.example/comments/hello/$c1", nil, header)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d", recorder.Code)
	}

	header = http.Header{"Authorization": {"Bearer " + testAdminToken}}
	recorder = fixture.do(http.MethodDelete, "/api/blog.example/comments/hello/$c1?reason=spam", nil, header)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body)
	}
	if len(fixture.adapter.redactions) != 1 || fixture.adapter.redactions[0].String() != "$c1" {
		t.Errorf("redactions = %v", fixture.adapter.redactions)
	}

	recorder = fixture.do(http.MethodDelete, "/api/blog.example/comments/hello/$missing", nil, header)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("missing comment status = %d", recorder.Code)
	}
}

func TestDeleteDisabledWithoutAdminToken(t *testing.T) {
	fixture := newServerFixture(t, func(cfg *Config) { cfg.AdminToken = "" })

	recorder := fixture.do(http.MethodDelete, "/api/blog.example/comments/hello/$c1", nil, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("status = %d", recorder.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	fixture := newServerFixture(t, func(cfg *Config) {
		cfg.CORSOrigins = []string{"https://blog.example"}
	})

	header := http.Header{"Origin": {"https://blog.example"}}
	recorder := fixture.do(http.MethodOptions, "/api/challenge", nil, header)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("status = %d", recorder.Code)
	}
	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "https://blog.example" {
		t.Errorf("allow-origin = %q", got)
	}

	header = http.Header{"Origin": {"https://evil.example"}}
	recorder = fixture.do(http.MethodGet, "/api/challenge", nil, header)
	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin got %q", got)
	}
}

func TestCORSWildcard(t *testing.T) {
	fixture := newServerFixture(t, nil)

	header := http.Header{"Origin": {"https://anywhere.example"}}
	recorder := fixture.do(http.MethodGet, "/api/challenge", nil, header)
	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin = %q", got)
	}
}
