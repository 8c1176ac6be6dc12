// Copyright 2024 The plantgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gateway holds the browser side of the gateway: the registry of
// push sockets (one per user, newest wins), the websocket transport, and the
// dispatch of commands sent by clients.
package gateway

import (
	"log"
	"sync"

	"github.com/turtacn/plantgate/pkg/metrics"
	"github.com/turtacn/plantgate/pkg/protocol/scada"
)

// Socket is a registered push channel to one browser.
type Socket interface {
	// Send queues p and reports false when the frame was dropped.
	Send(p scada.Push) bool
	Close()
}

// Hub maps user ids to their single live socket.
type Hub struct {
	mu      sync.RWMutex
	sockets map[string]Socket
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{sockets: make(map[string]Socket)}
}

// Register makes s the socket of userID. A previous socket is closed and
// reported as evicted.
func (h *Hub) Register(userID string, s Socket) (evicted bool) {
	h.mu.Lock()
	prev, ok := h.sockets[userID]
	h.sockets[userID] = s
	n := len(h.sockets)
	h.mu.Unlock()

	metrics.ClientSockets.Set(float64(n))
	if ok && prev != s {
		log.Printf("[INFO] gateway: new socket for user %s evicts the previous one", userID)
		prev.Close()
		return true
	}
	return false
}

// Unregister removes s only if it is still the socket of userID, so a
// closing stale socket never evicts a newer one.
func (h *Hub) Unregister(userID string, s Socket) bool {
	h.mu.Lock()
	cur, ok := h.sockets[userID]
	if !ok || cur != s {
		h.mu.Unlock()
		return false
	}
	delete(h.sockets, userID)
	n := len(h.sockets)
	h.mu.Unlock()

	metrics.ClientSockets.Set(float64(n))
	return true
}

// Drop closes and removes the socket of userID, if any.
func (h *Hub) Drop(userID string) {
	h.mu.Lock()
	s, ok := h.sockets[userID]
	delete(h.sockets, userID)
	n := len(h.sockets)
	h.mu.Unlock()
	if !ok {
		return
	}
	metrics.ClientSockets.Set(float64(n))
	s.Close()
}

// Push sends p to the socket of userID. It reports false when the user has
// no socket or the frame was dropped.
func (h *Hub) Push(userID string, p scada.Push) bool {
	h.mu.RLock()
	s, ok := h.sockets[userID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	if !s.Send(p) {
		metrics.MessagesDroppedTotal.WithLabelValues("socket_backpressure").Inc()
		log.Printf("[WARN] gateway: send queue of user %s is full, dropping %s frame", userID, p.Type)
		return false
	}
	return true
}

// Online reports whether userID has a registered socket.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sockets[userID]
	return ok
}

// Len returns the number of registered sockets.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sockets)
}
