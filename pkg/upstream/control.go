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
	"encoding/json"
	"fmt"
	"log"

	"github.com/turtacn/plantgate/pkg/actor"
	"github.com/turtacn/plantgate/pkg/protocol/scada"
	"github.com/turtacn/plantgate/pkg/supervisor"
)

// Control is the shared session that publishes the realtime alarm control
// message. It subscribes to nothing.
type Control struct {
	session *Session
	topics  Topics
	mailbox *actor.Mailbox
	resync  func(ctx context.Context) error
}

// NewControl creates the control session. It subscribes to nothing and only
// publishes alarm control messages.
func NewControl(cfg ManagerConfig, d Dialer) *Control {
	c := &Control{topics: cfg.Topics, mailbox: actor.NewMailbox(1)}
	c.session = NewSession(SessionConfig{
		Name:      "control",
		ClientID:  cfg.clientID("control"),
		Endpoints: cfg.Endpoints(),
		OnConnect: c.onConnect,
	}, d)
	return c
}

// OnConnect sets the hook run after every connect. Call before Start.
func (c *Control) OnConnect(resync func(ctx context.Context) error) {
	c.resync = resync
}

// Start runs the control session under sup.
func (c *Control) Start(ctx context.Context, sup supervisor.Supervisor) *supervisor.Child {
	return sup.StartChild(ctx, supervisor.Spec{
		ID:      "upstream-control",
		Actor:   c.session,
		Restart: supervisor.RestartTransient,
		Mailbox: c.mailbox,
	})
}

// Connected reports whether the control session is connected.
func (c *Control) Connected() bool {
	return c.session.State().Connected()
}

// SetAlarmFeed publishes the subscribe (on) or unsubscribe control message.
func (c *Control) SetAlarmFeed(_ context.Context, on bool) error {
	payload, err := json.Marshal(scada.NewAlarmControl(on, c.topics.RealtimeAlarmResponse))
	if err != nil {
		return fmt.Errorf("encoding alarm control: %w", err)
	}
	return c.session.Publish(c.topics.RealtimeAlarmControl, payload)
}

func (c *Control) onConnect(ctx context.Context) {
	if c.resync == nil {
		return
	}
	if err := c.resync(ctx); err != nil {
		log.Printf("[WARN] upstream: alarm feed resync after reconnect failed: %v", err)
	}
}
