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
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/turtacn/plantgate/pkg/protocol/scada"
)

// wsClient is a Socket over a websocket connection. Frames are queued and
// written by writePump; a full queue drops the frame.
type wsClient struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
	opts   Options

	closeOnce sync.Once
	closed    atomic.Bool
}

func newWSClient(userID string, conn *websocket.Conn, opts Options) *wsClient {
	return &wsClient{
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, opts.SendBuffer),
		opts:   opts,
	}
}

// Send implements Socket.
func (c *wsClient) Send(p scada.Push) (sent bool) {
	data, err := json.Marshal(p)
	if err != nil {
		log.Printf("[ERROR] gateway: cannot encode %s frame for user %s: %v", p.Type, c.userID, err)
		return false
	}
	// Close may run between the check and the send.
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close implements Socket. writePump sends the close frame.
func (c *wsClient) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

// readPump hands every text frame to handle until the connection fails.
func (c *wsClient) readPump(handle func([]byte)) {
	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Printf("[WARN] gateway: socket of user %s failed: %v", c.userID, err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		handle(data)
	}
}

// writePump drains the send queue and pings the peer.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(c.opts.pingPeriod())
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
