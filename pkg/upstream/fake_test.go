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

package upstream

import (
	"context"
	"errors"
	"sync"

	"github.com/turtacn/plantgate/pkg/protocol/scada"
)

type published struct {
	topic   string
	payload []byte
}

type fakeConn struct {
	mu         sync.Mutex
	ep         Endpoint
	onMessage  MessageHandler
	onLost     LostHandler
	subscribed []string
	published  []published
	closed     bool
}

func (c *fakeConn) Subscribe(topics []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, topics...)
	return nil
}

func (c *fakeConn) Publish(topic string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic: topic, payload: payload})
	return nil
}

func (c *fakeConn) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeConn) deliver(topic, payload string) {
	c.onMessage(topic, []byte(payload))
}

func (c *fakeConn) drop(err error) {
	c.onLost(err)
}

func (c *fakeConn) topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subscribed...)
}

func (c *fakeConn) sent() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.published...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeDialer fails the roles listed in down and records every connection.
type fakeDialer struct {
	mu    sync.Mutex
	down  map[string]bool
	dials []string
	conns []*fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{down: map[string]bool{}}
}

func (d *fakeDialer) Dial(_ context.Context, ep Endpoint, _ string, onMessage MessageHandler, onLost LostHandler) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, ep.Role)
	if d.down[ep.Role] {
		return nil, errors.New("connection refused")
	}
	c := &fakeConn{ep: ep, onMessage: onMessage, onLost: onLost}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setDown(role string, down bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.down[role] = down
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

type pushed struct {
	user  string
	frame scada.Push
}

// fakePusher records frames for users listed as online.
type fakePusher struct {
	mu     sync.Mutex
	online map[string]bool
	frames []pushed
}

func newFakePusher(online ...string) *fakePusher {
	p := &fakePusher{online: map[string]bool{}}
	for _, u := range online {
		p.online[u] = true
	}
	return p
}

func (p *fakePusher) Push(userID string, f scada.Push) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.online[userID] {
		return false
	}
	p.frames = append(p.frames, pushed{user: userID, frame: f})
	return true
}

func (p *fakePusher) all() []pushed {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pushed(nil), p.frames...)
}

func (p *fakePusher) forUser(userID string) []scada.Push {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []scada.Push
	for _, f := range p.frames {
		if f.user == userID {
			out = append(out, f.frame)
		}
	}
	return out
}
