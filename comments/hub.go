// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

package comments

import (
	"sync"

	"github.com/cumments-foundation/cumments/lib/ref"
	"github.com/cumments-foundation/cumments/store"
)

// Fan-out event types, mirrored as SSE event names.
const (
	EventNewComment    = "new_comment"
	EventUpdateComment = "update_comment"
	EventDeleteComment = "delete_comment"
)

// subscriberQueueSize bounds each subscriber's backlog. A subscriber
// that falls this far behind is terminated so one slow reader cannot
// stall the pipeline.
const subscriberQueueSize = 64

// Notification is one fan-out message: a projected change on a
// thread.
type Notification struct {
	Type    string
	Comment *store.Comment
}

// Hub broadcasts projected changes to per-thread subscribers. The
// projection loop publishes; SSE handlers subscribe. All methods are
// safe for concurrent use.
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[*Subscriber]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[*Subscriber]struct{})}
}

// Subscriber receives notifications for one thread in projection
// order. The channel is closed when the subscriber is terminated for
// falling behind; SSE handlers surface that as a terminal error event
// so the client reconnects and reloads.
type Subscriber struct {
	hub     *Hub
	key     string
	channel chan Notification

	// closed is guarded by hub.mu.
	closed bool
}

// C returns the notification channel.
func (s *Subscriber) C() <-chan Notification {
	return s.channel
}

// Close detaches the subscriber. Safe to call more than once and
// concurrently with Publish.
func (s *Subscriber) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s)
}

func topicKey(site ref.SiteID, slug string) string {
	return site.String() + "/" + slug
}

// Subscribe attaches a new subscriber to a thread.
func (h *Hub) Subscribe(site ref.SiteID, slug string) *Subscriber {
	subscriber := &Subscriber{
		hub:     h,
		key:     topicKey(site, slug),
		channel: make(chan Notification, subscriberQueueSize),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	topic, ok := h.topics[subscriber.key]
	if !ok {
		topic = make(map[*Subscriber]struct{})
		h.topics[subscriber.key] = topic
	}
	topic[subscriber] = struct{}{}
	return subscriber
}

// Publish offers a notification to every live subscriber on the
// thread, in FIFO order per subscriber. A subscriber whose queue is
// full is terminated rather than blocked on.
func (h *Hub) Publish(site ref.SiteID, slug string, notification Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for subscriber := range h.topics[topicKey(site, slug)] {
		select {
		case subscriber.channel <- notification:
		default:
			h.removeLocked(subscriber)
		}
	}
}

// SubscriberCount reports the number of live subscribers on a thread.
func (h *Hub) SubscriberCount(site ref.SiteID, slug string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topicKey(site, slug)])
}

func (h *Hub) removeLocked(subscriber *Subscriber) {
	if subscriber.closed {
		return
	}
	subscriber.closed = true
	topic := h.topics[subscriber.key]
	delete(topic, subscriber)
	if len(topic) == 0 {
		delete(h.topics, subscriber.key)
	}
	close(subscriber.channel)
}
