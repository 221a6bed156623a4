package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgesyte/forgesyte/errors"
	"github.com/forgesyte/forgesyte/logger"
	"github.com/forgesyte/forgesyte/plugin"
)

// Realtime protocol message types.
const (
	msgTypeFrame          = "frame"
	msgTypeSwitchPlugin   = "switch_plugin"
	msgTypeSubscribe      = "subscribe"
	msgTypePing           = "ping"
	msgTypeConnected      = "connected"
	msgTypeResult         = "result"
	msgTypePluginSwitched = "plugin_switched"
	msgTypeError          = "error"
	msgTypePong           = "pong"
)

// clientMessage is any inbound realtime message.
type clientMessage struct {
	Type    string `json:"type"`
	FrameID string `json:"frame_id,omitempty"`
	Data    string `json:"data,omitempty"`
	Tool    string `json:"tool,omitempty"`
	Plugin  string `json:"plugin,omitempty"`
	Topic   string `json:"topic,omitempty"`
}

type connectedMessage struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
	Plugin   string `json:"plugin"`
}

type resultMessage struct {
	Type             string         `json:"type"`
	FrameID          string         `json:"frame_id,omitempty"`
	Payload          map[string]any `json:"payload"`
	ProcessingTimeMS int64          `json:"processing_time_ms"`
}

type pluginSwitchedMessage struct {
	Type   string `json:"type"`
	Plugin string `json:"plugin"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type pongMessage struct {
	Type string `json:"type"`
}

func protocolError(format string, args ...any) errorMessage {
	return errorMessage{
		Type:    msgTypeError,
		Kind:    string(errors.KindProtocol),
		Message: errors.Newf(format, args...).Error(),
	}
}

func kindError(err error) errorMessage {
	return errorMessage{
		Type:    msgTypeError,
		Kind:    string(errors.KindOf(err)),
		Message: err.Error(),
	}
}

// StreamConfig tunes realtime sessions.
type StreamConfig struct {
	// BacklogDepth bounds per-session queued frames; overflow drops the
	// oldest frame.
	BacklogDepth int

	// IdleTimeout closes sessions with no inbound traffic; 0 disables.
	IdleTimeout time.Duration

	// MaxFramesPerSec rate-limits inbound frames per session; 0 means
	// unlimited.
	MaxFramesPerSec float64

	// DefaultPlugin is used when the connect query omits ?plugin=.
	DefaultPlugin string
}

// StreamManager owns all realtime frame-analysis sessions.
type StreamManager struct {
	registry *plugin.Registry
	hub      *Hub
	cfg      StreamConfig

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewStreamManager creates a realtime session manager.
func NewStreamManager(registry *plugin.Registry, hub *Hub, cfg StreamConfig) *StreamManager {
	if cfg.BacklogDepth <= 0 {
		cfg.BacklogDepth = 4
	}
	return &StreamManager{
		registry: registry,
		hub:      hub,
		cfg:      cfg,
		sessions: make(map[string]*session),
	}
}

// HandleWS upgrades the connection and runs a realtime session until
// the client disconnects.
func (m *StreamManager) HandleWS(s *Server, w http.ResponseWriter, r *http.Request) {
	pluginName := r.URL.Query().Get("plugin")
	if pluginName == "" {
		pluginName = m.cfg.DefaultPlugin
	}
	if _, err := m.registry.Get(pluginName); err != nil {
		writeError(w, err)
		return
	}

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debugw("Stream upgrade failed", logger.FieldError, err)
		return
	}

	clientID := uuid.NewString()
	sess := newSession(clientID, conn, pluginName, m)

	m.mu.Lock()
	m.sessions[clientID] = sess
	m.mu.Unlock()

	logger.Infow("Stream session opened",
		logger.FieldClientID, shortID(clientID),
		logger.FieldPlugin, pluginName,
	)

	sess.run()

	m.mu.Lock()
	delete(m.sessions, clientID)
	m.mu.Unlock()

	logger.Infow("Stream session closed", logger.FieldClientID, shortID(clientID))
}

// SessionStats is the diagnostics snapshot of one live session.
// All counters are integers; partial failures never poison them.
type SessionStats struct {
	ClientID         string    `json:"client_id"`
	ActivePlugin     string    `json:"active_plugin"`
	CreatedAt        time.Time `json:"created_at"`
	FramesReceived   int64     `json:"frames_received"`
	DetectionsTotal  int64     `json:"detections_total"`
	ProcessingTimeMS int64     `json:"processing_time_ms_sum"`
	Errors           int64     `json:"errors"`
}

// Stats returns snapshots of all live sessions.
func (m *StreamManager) Stats() []SessionStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionStats, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess.snapshot())
	}
	return out
}

// SessionCount returns the number of live sessions.
func (m *StreamManager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
