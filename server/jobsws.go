package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgesyte/forgesyte/errors"
	"github.com/forgesyte/forgesyte/jobs"
	"github.com/forgesyte/forgesyte/logger"
)

// handleJobWS binds one WebSocket to a job's progress topic:
// WS /ws/jobs/{job_id}. Progress and terminal events published by the
// worker reach the client as JSON messages. The server keeps no
// per-connection state beyond the subscription; reconnecting clients
// simply re-subscribe.
func (s *Server) handleJobWS(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimPrefix(r.URL.Path, "/ws/jobs/")
	if jobID == "" || strings.Contains(jobID, "/") {
		writeError(w, errors.Tag(errors.KindInvalidInput, "job id missing from path"))
		return
	}
	if _, err := s.manager.Get(jobID); err != nil {
		writeError(w, err)
		return
	}

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debugw("Job channel upgrade failed", logger.FieldError, err)
		return
	}

	clientID := uuid.NewString()
	client := newSocketClient(conn, clientID)
	topic := jobs.Topic(jobID)

	s.hub.Attach(clientID, client)
	s.hub.Subscribe(clientID, topic)
	defer func() {
		s.hub.Unsubscribe(clientID, topic)
		s.hub.Detach(clientID)
		client.close()
	}()

	logger.Debugw("Job channel opened",
		logger.FieldClientID, shortID(clientID),
		logger.FieldJobID, jobID,
	)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			client.TrySend(protocolError("invalid JSON: %v", err))
			continue
		}
		if msg.Type == msgTypePing {
			client.TrySend(pongMessage{Type: msgTypePong})
		}
	}

	logger.Debugw("Job channel closed",
		logger.FieldClientID, shortID(clientID),
		logger.FieldJobID, jobID,
	)
}
