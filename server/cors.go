// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

package server

import "net/http"

// withCORS answers preflight requests and stamps allowed responses.
// The comment widget is embedded in static pages on other origins, so
// the API is cross-origin by design; the operator narrows the origin
// list in configuration.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowed := s.allowedOrigin(origin); allowed != "" {
			header := w.Header()
			header.Set("Access-Control-Allow-Origin", allowed)
			header.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			if allowed != "*" {
				header.Add("Vary", "Origin")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowedOrigin(origin string) string {
	if origin == "" {
		return ""
	}
	for _, candidate := range s.corsOrigins {
		if candidate == "*" {
			return "*"
		}
		if candidate == origin {
			return origin
		}
	}
	return ""
}
