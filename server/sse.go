// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cumments-foundation/cumments/lib/ref"
)

// heartbeatInterval spaces SSE comment lines that keep idle streams
// alive through proxies with read timeouts.
const heartbeatInterval = 15 * time.Second

// handleStream serves the per-thread change stream. Events mirror the
// projection fan-out; a subscriber that falls behind its queue gets a
// terminal error event so the client reconnects and reloads the
// thread.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	site, err := ref.ParseSiteID(r.PathValue("siteID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed site id")
		return
	}
	slug := r.PathValue("slug")
	if err := ref.ValidateSlug(slug); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed post slug")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	subscriber := s.hub.Subscribe(site, slug)
	defer subscriber.Close()

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := s.clock.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()

		case notification, ok := <-subscriber.C():
			if !ok {
				// Queue overflow terminated this subscriber.
				writeSSEEvent(w, "error", errorResponse{
					Code:    "overflow",
					Message: "event queue overflow, reconnect and reload",
				})
				flusher.Flush()
				return
			}
			writeSSEEvent(w, notification.Type, commentToPayload(notification.Comment))
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
}
