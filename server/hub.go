package server

import (
	"sync"

	"github.com/forgesyte/forgesyte/logger"
)

// Sink receives outbound messages for one connected client. TrySend
// must not block; it reports false when the client cannot accept the
// message (backlog full or connection gone).
type Sink interface {
	TrySend(message any) bool
}

// Hub is the WebSocket connection registry: clients, topic
// subscriptions, and broadcast primitives. One slow or dead client
// never affects delivery to the others.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]Sink
	topics  map[string]map[string]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]Sink),
		topics:  make(map[string]map[string]bool),
	}
}

// Attach registers a client sink under its id.
func (h *Hub) Attach(clientID string, sink Sink) {
	h.mu.Lock()
	h.clients[clientID] = sink
	h.mu.Unlock()
	logger.Debugw("Client attached", logger.FieldClientID, clientID)
}

// Detach removes a client and purges it from every topic.
func (h *Hub) Detach(clientID string) {
	h.mu.Lock()
	delete(h.clients, clientID)
	for topic, members := range h.topics {
		delete(members, clientID)
		if len(members) == 0 {
			delete(h.topics, topic)
		}
	}
	h.mu.Unlock()
	logger.Debugw("Client detached", logger.FieldClientID, clientID)
}

// Subscribe adds the client to a topic.
func (h *Hub) Subscribe(clientID, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[clientID]; !ok {
		return
	}
	members, ok := h.topics[topic]
	if !ok {
		members = make(map[string]bool)
		h.topics[topic] = members
	}
	members[clientID] = true
}

// Unsubscribe removes the client from a topic.
func (h *Hub) Unsubscribe(clientID, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(members, clientID)
	if len(members) == 0 {
		delete(h.topics, topic)
	}
}

// BroadcastTopic delivers message to every subscriber of topic.
// Delivery iterates over a membership snapshot so the lock is never
// held across sends; clients that refuse the message are detached.
func (h *Hub) BroadcastTopic(topic string, message any) {
	h.mu.RLock()
	members := h.topics[topic]
	sinks := make(map[string]Sink, len(members))
	for id := range members {
		if sink, ok := h.clients[id]; ok {
			sinks[id] = sink
		}
	}
	h.mu.RUnlock()

	var dead []string
	for id, sink := range sinks {
		if !sink.TrySend(message) {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		logger.Debugw("Dropping unresponsive client",
			logger.FieldClientID, id,
			logger.FieldTopic, topic,
		)
		h.Detach(id)
	}
}

// Send delivers a message to one client. Returns false if the client
// is unknown or refused the message.
func (h *Hub) Send(clientID string, message any) bool {
	h.mu.RLock()
	sink, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return sink.TrySend(message)
}

// ClientCount returns the number of attached clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// TopicCount returns the number of live topics.
func (h *Hub) TopicCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}
