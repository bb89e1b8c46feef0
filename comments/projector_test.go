// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

package comments

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cumments-foundation/cumments/adapter"
	"github.com/cumments-foundation/cumments/lib/clock"
	"github.com/cumments-foundation/cumments/lib/identity"
	"github.com/cumments-foundation/cumments/lib/ref"
	"github.com/cumments-foundation/cumments/lib/testutil"
	"github.com/cumments-foundation/cumments/messaging"
	"github.com/cumments-foundation/cumments/store"
)

type projectorFixture struct {
	projector *Projector
	store     *store.Store
	hub       *Hub
	hasher    *identity.Hasher
	clock     *clock.FakeClock
}

func newProjectorFixture(t *testing.T, view View, profiles ProfileSource) *projectorFixture {
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

	if err := viewStore.UpsertRoom(context.Background(),
		ref.MustParseSiteID("blog.example"), "hello", testRoomID); err != nil {
		t.Fatalf("UpsertRoom: %v", err)
	}

	if view == nil {
		view = viewStore
	} else if wrapper, ok := view.(*failingView); ok {
		wrapper.View = viewStore
	}

	hasher, err := identity.NewHasher("test-salt")
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	hub := NewHub()
	projector, err := NewProjector(ProjectorConfig{
		View:     view,
		Hub:      hub,
		Hasher:   hasher,
		Profiles: profiles,
		Clock:    fakeClock,
		Logger:   slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("NewProjector: %v", err)
	}
	return &projectorFixture{
		projector: projector,
		store:     viewStore,
		hub:       hub,
		hasher:    hasher,
		clock:     fakeClock,
	}
}

func envelopeMessage(id string, ts int64) adapter.Event {
	return adapter.Event{
		Kind:           adapter.KindMessage,
		ID:             ref.MustParseEventID(id),
		RoomID:         testRoomID,
		Sender:         ref.MustParseUserID("@cumments:matrix.example.org"),
		OriginServerTS: ts,
		Body:           "first!",
		Metadata: &adapter.Metadata{
			AuthorName:    "Ada",
			IsGuest:       true,
			OriginContent: "first!",
			Fingerprint:   "fp-1",
			TxnID:         "T1",
		},
	}
}

func TestProjectorEnvelopeMessage(t *testing.T) {
	fixture := newProjectorFixture(t, nil, nil)
	ctx := context.Background()

	subscriber := fixture.hub.Subscribe(ref.MustParseSiteID("blog.example"), "hello")
	defer subscriber.Close()

	if err := fixture.projector.HandleEvent(ctx, envelopeMessage("$e1", 1000)); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	notification := testutil.RequireReceive(t, subscriber.C(), time.Second, "new comment fan-out")
	if notification.Type != EventNewComment {
		t.Errorf("type = %q", notification.Type)
	}
	comment := notification.Comment
	if comment.AuthorName != "Ada" || !comment.IsGuest || comment.TxnID != "T1" {
		t.Errorf("comment = %+v", comment)
	}
	if want := fixture.hasher.AuthorForGuest("Ada", "fp-1"); comment.AuthorID != want {
		t.Errorf("author id = %q, want %q", comment.AuthorID, want)
	}

	// Replay projects to Ignored and publishes nothing.
	if err := fixture.projector.HandleEvent(ctx, envelopeMessage("$e1", 1000)); err != nil {
		t.Fatalf("replay: %v", err)
	}
	select {
	case extra := <-subscriber.C():
		t.Errorf("replay published %+v", extra)
	default:
	}
}

type staticProfiles struct {
	mu      sync.Mutex
	fetched int
}

func (p *staticProfiles) GetProfile(ctx context.Context, userID ref.UserID) (*messaging.ProfileResponse, error) {
	p.mu.Lock()
	p.fetched++
	p.mu.Unlock()
	return &messaging.ProfileResponse{DisplayName: "Alice Liddell", AvatarURL: "mxc://hs/abc"}, nil
}

func TestProjectorNativeMessageHydratesProfile(t *testing.T) {
	profiles := &staticProfiles{}
	fixture := newProjectorFixture(t, nil, profiles)
	ctx := context.Background()

	native := adapter.Event{
		Kind:           adapter.KindMessage,
		ID:             ref.MustParseEventID("$native"),
		RoomID:         testRoomID,
		Sender:         ref.MustParseUserID("@alice:matrix.example.org"),
		OriginServerTS: 2000,
		Body:           "hello from element",
	}
	if err := fixture.projector.HandleEvent(ctx, native); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	comment, err := fixture.store.GetByID(ctx, native.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if comment.AuthorName != "Alice Liddell" || comment.AvatarURL != "mxc://hs/abc" {
		t.Errorf("comment = %+v", comment)
	}
	if comment.IsGuest {
		t.Error("native commenter marked guest")
	}

	// Second message from the same sender hits the cache.
	second := native
	second.ID = ref.MustParseEventID("$native2")
	if err := fixture.projector.HandleEvent(ctx, second); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if profiles.fetched != 1 {
		t.Errorf("profile fetches = %d, want 1", profiles.fetched)
	}

	// A stale cache entry is refreshed on the next native comment.
	fixture.clock.Advance(25 * time.Hour)
	third := native
	third.ID = ref.MustParseEventID("$native3")
	if err := fixture.projector.HandleEvent(ctx, third); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if profiles.fetched != 2 {
		t.Errorf("profile fetches after expiry = %d, want 2", profiles.fetched)
	}
}

func TestProjectorEditAndRedaction(t *testing.T) {
	fixture := newProjectorFixture(t, nil, nil)
	ctx := context.Background()

	subscriber := fixture.hub.Subscribe(ref.MustParseSiteID("blog.example"), "hello")
	defer subscriber.Close()

	if err := fixture.projector.HandleEvent(ctx, envelopeMessage("$e1", 1000)); err != nil {
		t.Fatalf("message: %v", err)
	}
	testutil.RequireReceive(t, subscriber.C(), time.Second, "insert fan-out")

	edit := adapter.Event{
		Kind:           adapter.KindEdit,
		ID:             ref.MustParseEventID("$edit"),
		RoomID:         testRoomID,
		Sender:         ref.MustParseUserID("@cumments:matrix.example.org"),
		OriginServerTS: 2000,
		Target:         ref.MustParseEventID("$e1"),
		NewContent:     "corrected",
	}
	if err := fixture.projector.HandleEvent(ctx, edit); err != nil {
		t.Fatalf("edit: %v", err)
	}
	notification := testutil.RequireReceive(t, subscriber.C(), time.Second, "edit fan-out")
	if notification.Type != EventUpdateComment || notification.Comment.Content != "corrected" {
		t.Errorf("edit notification = %+v", notification)
	}

	redaction := adapter.Event{
		Kind:           adapter.KindRedaction,
		ID:             ref.MustParseEventID("$redaction"),
		RoomID:         testRoomID,
		Sender:         ref.MustParseUserID("@cumments:matrix.example.org"),
		OriginServerTS: 3000,
		Target:         ref.MustParseEventID("$e1"),
	}
	if err := fixture.projector.HandleEvent(ctx, redaction); err != nil {
		t.Fatalf("redaction: %v", err)
	}
	notification = testutil.RequireReceive(t, subscriber.C(), time.Second, "redaction fan-out")
	if notification.Type != EventDeleteComment || !notification.Comment.IsRedacted {
		t.Errorf("redaction notification = %+v", notification)
	}
	if notification.Comment.Content != "" {
		t.Errorf("redacted content = %q", notification.Comment.Content)
	}
}

func TestProjectorDropsUnknownRoom(t *testing.T) {
	fixture := newProjectorFixture(t, nil, nil)

	event := envelopeMessage("$e1", 1000)
	event.RoomID = ref.MustParseRoomID("!lobby:matrix.example.org")
	if err := fixture.projector.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if _, err := fixture.store.GetByID(context.Background(), event.ID); err == nil {
		t.Error("event from unknown room was projected")
	}
}

// failingView fails ProjectMessage a configured number of times.
type failingView struct {
	View
	mu        sync.Mutex
	failures  int
	attempts  int
}

func (v *failingView) ProjectMessage(ctx context.Context, msg store.Message) (store.Change, *store.Comment, error) {
	v.mu.Lock()
	v.attempts++
	fail := v.attempts <= v.failures
	v.mu.Unlock()
	if fail {
		return store.ChangeIgnored, nil, fmt.Errorf("synthetic failure %d", v.attempts)
	}
	return v.View.ProjectMessage(ctx, msg)
}

func TestProjectorRetriesThenSucceeds(t *testing.T) {
	view := &failingView{failures: 1}
	fixture := newProjectorFixture(t, view, nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- fixture.projector.HandleEvent(ctx, envelopeMessage("$e1", 1000)) }()

	// One failure registers one retry sleep.
	fixture.clock.WaitForTimers(1)
	fixture.clock.Advance(5 * time.Second)

	if err := testutil.RequireReceive(t, done, 5*time.Second, "handle returns"); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if _, err := fixture.store.GetByID(ctx, ref.MustParseEventID("$e1")); err != nil {
		t.Errorf("comment missing after retry: %v", err)
	}
}

func TestProjectorSkipsAfterRetryBudget(t *testing.T) {
	view := &failingView{failures: 10}
	fixture := newProjectorFixture(t, view, nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- fixture.projector.HandleEvent(ctx, envelopeMessage("$e1", 1000)) }()

	for range projectionRetryDelays {
		fixture.clock.WaitForTimers(1)
		fixture.clock.Advance(5 * time.Second)
	}

	if err := testutil.RequireReceive(t, done, 5*time.Second, "handle returns"); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if view.attempts != len(projectionRetryDelays)+1 {
		t.Errorf("attempts = %d, want %d", view.attempts, len(projectionRetryDelays)+1)
	}
	skipped, err := fixture.store.SkippedEvents(ctx)
	if err != nil || skipped != 1 {
		t.Errorf("skipped = %d, %v", skipped, err)
	}
}
