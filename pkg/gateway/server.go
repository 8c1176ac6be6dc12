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

package gateway

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/turtacn/plantgate/pkg/protocol/scada"
)

// ConnectedMessage is the greeting sent on every new socket.
const ConnectedMessage = "WebSocket连接成功"

// Options tunes the websocket transport.
type Options struct {
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	// AllowedOrigins lists accepted Origin headers; empty accepts any.
	AllowedOrigins []string
}

// DefaultOptions returns the transport settings used in production.
func DefaultOptions() Options {
	return Options{
		SendBuffer:     256,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		MaxMessageSize: 64 * 1024,
	}
}

func (o Options) pingPeriod() time.Duration {
	return o.PongWait * 9 / 10
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.SendBuffer <= 0 {
		o.SendBuffer = def.SendBuffer
	}
	if o.WriteWait <= 0 {
		o.WriteWait = def.WriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = def.PongWait
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = def.MaxMessageSize
	}
	return o
}

// ConnectHook runs for every new socket before the greeting is sent.
type ConnectHook func(ctx context.Context, userID string)

// Server upgrades HTTP requests to push sockets.
type Server struct {
	hub        *Hub
	dispatcher *Dispatcher
	onConnect  ConnectHook
	opts       Options
	upgrader   websocket.Upgrader
}

// NewServer creates the websocket endpoint. onConnect may be nil.
func NewServer(hub *Hub, d *Dispatcher, onConnect ConnectHook, opts Options) *Server {
	opts = opts.withDefaults()
	s := &Server{hub: hub, dispatcher: d, onConnect: onConnect, opts: opts}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range s.opts.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// HandleWebSocket serves one socket. The user is identified by the userId
// query parameter only.
// TODO: require the session token on upgrade once the browser client sends it.
func (s *Server) HandleWebSocket(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "userId is required"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[WARN] gateway: websocket upgrade for user %s failed: %v", userID, err)
		return
	}

	client := newWSClient(userID, conn, s.opts)
	s.hub.Register(userID, client)
	log.Printf("[INFO] gateway: user %s connected from %s", userID, c.ClientIP())

	go client.writePump()

	if s.onConnect != nil {
		s.onConnect(c.Request.Context(), userID)
	}
	client.Send(scada.Connected(ConnectedMessage))

	ctx := context.WithoutCancel(c.Request.Context())
	client.readPump(func(frame []byte) {
		if err := s.dispatcher.Handle(ctx, userID, frame); err != nil {
			log.Printf("[WARN] gateway: command from user %s rejected: %v", userID, err)
		}
	})

	if s.hub.Unregister(userID, client) {
		log.Printf("[INFO] gateway: user %s disconnected", userID)
	}
	client.Close()
}
