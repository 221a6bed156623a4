package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/forgesyte/forgesyte/errors"
	"github.com/forgesyte/forgesyte/logger"
)

// frameWork is one frame waiting for dispatch.
type frameWork struct {
	frameID string
	data    string
	tool    string
}

// session is one realtime analysis client. The read loop feeds a
// bounded backlog; a single dispatch goroutine drains it, so responses
// leave in frame-arrival order.
type session struct {
	id      string
	conn    *websocket.Conn
	client  *socketClient
	manager *StreamManager

	mu           sync.Mutex
	activePlugin string
	overflowed   bool

	backlog chan frameWork
	limiter *rate.Limiter
	cancel  context.CancelFunc

	createdAt        time.Time
	framesReceived   atomic.Int64
	detectionsTotal  atomic.Int64
	processingTimeMS atomic.Int64
	errorCount       atomic.Int64
}

func newSession(id string, conn *websocket.Conn, pluginName string, m *StreamManager) *session {
	var limiter *rate.Limiter
	if m.cfg.MaxFramesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(m.cfg.MaxFramesPerSec), m.cfg.BacklogDepth)
	}
	return &session{
		id:           id,
		conn:         conn,
		client:       newSocketClient(conn, id),
		manager:      m,
		activePlugin: pluginName,
		backlog:      make(chan frameWork, m.cfg.BacklogDepth),
		limiter:      limiter,
		createdAt:    time.Now().UTC(),
	}
}

// run drives the session to completion: dispatch goroutine plus the
// read loop on the calling goroutine.
func (s *session) run() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.manager.hub.Attach(s.id, s.client)
	defer func() {
		cancel()
		s.manager.hub.Detach(s.id)
		s.client.close()
	}()

	go s.dispatchLoop(ctx)

	s.send(connectedMessage{Type: msgTypeConnected, ClientID: s.id, Plugin: s.activePlugin})
	s.readLoop()
}

// send queues an outbound message, counting drops as client loss.
func (s *session) send(message any) {
	if !s.client.TrySend(message) {
		logger.Debugw("Session send dropped", logger.FieldClientID, shortID(s.id))
	}
}

func (s *session) plugin() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activePlugin
}

// readLoop consumes inbound messages until disconnect or idle timeout.
func (s *session) readLoop() {
	s.conn.SetReadLimit(maxMessageSize)
	s.resetIdleDeadline()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debugw("Stream read error",
					logger.FieldClientID, shortID(s.id),
					logger.FieldError, err,
				)
			}
			return
		}
		s.resetIdleDeadline()

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.errorCount.Add(1)
			s.send(protocolError("invalid JSON: %v", err))
			continue
		}
		s.handleMessage(msg)
	}
}

func (s *session) resetIdleDeadline() {
	if s.manager.cfg.IdleTimeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.manager.cfg.IdleTimeout))
	}
}

func (s *session) handleMessage(msg clientMessage) {
	switch msg.Type {
	case msgTypePing:
		s.send(pongMessage{Type: msgTypePong})

	case msgTypeSubscribe:
		if msg.Topic == "" {
			s.errorCount.Add(1)
			s.send(protocolError("subscribe requires a topic"))
			return
		}
		s.manager.hub.Subscribe(s.id, msg.Topic)

	case msgTypeSwitchPlugin:
		s.switchPlugin(msg.Plugin)

	case msgTypeFrame:
		s.enqueueFrame(msg)

	default:
		s.errorCount.Add(1)
		s.send(protocolError("unknown message type %q", msg.Type))
	}
}

func (s *session) switchPlugin(name string) {
	if name == "" {
		s.errorCount.Add(1)
		s.send(protocolError("switch_plugin requires a plugin"))
		return
	}
	if _, err := s.manager.registry.Get(name); err != nil {
		s.errorCount.Add(1)
		s.send(kindError(err))
		return
	}
	s.mu.Lock()
	s.activePlugin = name
	s.mu.Unlock()
	s.send(pluginSwitchedMessage{Type: msgTypePluginSwitched, Plugin: name})
	logger.Debugw("Session switched plugin",
		logger.FieldClientID, shortID(s.id),
		logger.FieldPlugin, name,
	)
}

// enqueueFrame admits a frame into the backlog. Overflow drops the
// oldest queued frame; one BACKPRESSURE error is emitted per overflow
// episode (the flag clears once the backlog drains).
func (s *session) enqueueFrame(msg clientMessage) {
	if msg.Data == "" {
		s.errorCount.Add(1)
		s.send(protocolError("frame requires data"))
		return
	}
	s.framesReceived.Add(1)

	work := frameWork{frameID: msg.FrameID, data: msg.Data, tool: msg.Tool}

	overflow := false
	if s.limiter != nil && !s.limiter.Allow() {
		overflow = true
	} else {
		select {
		case s.backlog <- work:
			return
		default:
			// Backlog full: drop the oldest frame, keep the newest.
			select {
			case <-s.backlog:
			default:
			}
			select {
			case s.backlog <- work:
			default:
			}
			overflow = true
		}
	}

	if overflow {
		s.mu.Lock()
		firstInEpisode := !s.overflowed
		s.overflowed = true
		s.mu.Unlock()
		if firstInEpisode {
			s.errorCount.Add(1)
			s.send(errorMessage{
				Type:    msgTypeError,
				Kind:    string(errors.KindBackpressure),
				Message: "frame backlog full, dropping oldest frames",
			})
		}
	}
}

// dispatchLoop serially processes queued frames. Disconnect cancels it
// at the next frame boundary.
func (s *session) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case work := <-s.backlog:
			if len(s.backlog) == 0 {
				s.mu.Lock()
				s.overflowed = false
				s.mu.Unlock()
			}
			s.processFrame(ctx, work)
		}
	}
}

func (s *session) processFrame(ctx context.Context, work frameWork) {
	frame, err := base64.StdEncoding.DecodeString(work.data)
	if err != nil {
		s.errorCount.Add(1)
		s.send(kindError(errors.Tag(errors.KindInvalidInput, "frame data is not valid base64: %v", err)))
		return
	}

	pluginName := s.plugin()
	toolName := work.tool
	if toolName == "" {
		// Legacy clients omit the tool; fall back to the plugin's first
		// declared tool.
		toolName, err = s.manager.registry.FirstTool(pluginName)
		if err != nil {
			s.errorCount.Add(1)
			s.send(kindError(err))
			return
		}
		logger.Warnw("Frame omitted tool, using plugin's first declared tool",
			logger.FieldClientID, shortID(s.id),
			logger.FieldPlugin, pluginName,
			logger.FieldTool, toolName,
		)
	}

	payload := map[string]any{"image_bytes": frame}
	started := time.Now()
	result, err := s.manager.registry.Invoke(ctx, pluginName, toolName, payload)
	elapsed := time.Since(started).Milliseconds()
	s.processingTimeMS.Add(elapsed)

	if err != nil {
		if ctx.Err() != nil {
			// Client already gone; no further messages.
			return
		}
		s.errorCount.Add(1)
		s.send(kindError(err))
		return
	}

	if dets, ok := result["detections"].([]any); ok {
		s.detectionsTotal.Add(int64(len(dets)))
	}

	s.send(resultMessage{
		Type:             msgTypeResult,
		FrameID:          work.frameID,
		Payload:          result,
		ProcessingTimeMS: elapsed,
	})
}

func (s *session) snapshot() SessionStats {
	return SessionStats{
		ClientID:         s.id,
		ActivePlugin:     s.plugin(),
		CreatedAt:        s.createdAt,
		FramesReceived:   s.framesReceived.Load(),
		DetectionsTotal:  s.detectionsTotal.Load(),
		ProcessingTimeMS: s.processingTimeMS.Load(),
		Errors:           s.errorCount.Load(),
	}
}
