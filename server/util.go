package server

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// upgrader builds a WebSocket upgrader checking origins against the
// server's configured allow-list.
func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  2048,
		WriteBufferSize: 2048,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin validates a WebSocket origin against allowed origins.
// Prefix matching allows any port on an allowed host.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	// No origin header: direct WebSocket clients and tests.
	if origin == "" {
		return true
	}

	for _, allowed := range s.allowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

// shortID truncates an id to 8 characters for logging.
func shortID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}
