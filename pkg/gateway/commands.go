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
	"errors"
	"fmt"
	"log"

	"github.com/turtacn/plantgate/pkg/protocol/scada"
	"github.com/turtacn/plantgate/pkg/upstream"
)

// ErrTopicNotAllowed is returned when a client publishes outside the history
// query topics.
var ErrTopicNotAllowed = errors.New("topic not allowed for client publish")

// ErrSeqUnavailable is returned when no free history query seq was found.
var ErrSeqUnavailable = errors.New("history query seq unavailable")

// Publisher publishes on behalf of a user through the user's upstream session.
type Publisher interface {
	Publish(userID, topic string, payload []byte) error
	Connected(userID string) bool
}

// Tickets issues history query tickets. Register reports false when seq is
// pending for another user.
type Tickets interface {
	Register(seq int64, userID string) bool
	Cancel(seq int64, userID string) bool
	NextSeq() int64
}

// maxSeqAttempts bounds how often a conflicting seq is replaced.
const maxSeqAttempts = 8

// AlarmSubscriptions toggles a user's realtime alarm membership.
type AlarmSubscriptions interface {
	Subscribe(ctx context.Context, userID string) error
	Unsubscribe(ctx context.Context, userID string) error
}

// Dispatcher executes the commands clients send over their socket.
type Dispatcher struct {
	Upstream Publisher
	Tickets  Tickets
	Alarms   AlarmSubscriptions
	Topics   upstream.Topics
}

// Handle decodes and executes one client frame from userID.
func (d *Dispatcher) Handle(ctx context.Context, userID string, frame []byte) error {
	cmd, err := scada.DecodeCommand(frame)
	if err != nil {
		return err
	}
	switch cmd.Type {
	case scada.TypePublishMQTT:
		if cmd.Topic == "" || len(cmd.Payload) == 0 {
			return fmt.Errorf("%w: publish_mqtt needs topic and payload", scada.ErrMalformedMessage)
		}
		return d.historyQuery(userID, cmd.Topic, cmd.Payload)
	case scada.TypeQueryHistoryAlarm:
		if len(cmd.Data) == 0 {
			return fmt.Errorf("%w: query_history_alarm needs data", scada.ErrMalformedMessage)
		}
		return d.historyQuery(userID, d.Topics.HistoryAlarmRequest, cmd.Data)
	case scada.TypeAlarmSubscribe:
		if cmd.State == nil {
			return fmt.Errorf("%w: alarm_subscribe needs state", scada.ErrMalformedMessage)
		}
		if cmd.State.Valid && cmd.State.Value == scada.AlarmControlSubscribe {
			return d.Alarms.Subscribe(ctx, userID)
		}
		return d.Alarms.Unsubscribe(ctx, userID)
	default:
		return fmt.Errorf("%w: unknown command %q", scada.ErrMalformedMessage, cmd.Type)
	}
}

// historyQuery registers the ticket before publishing so the response can
// never arrive ahead of it. A seq already pending for another user is
// replaced with a fresh one, so the pushed response may carry a seq the
// client did not send.
func (d *Dispatcher) historyQuery(userID, topic string, payload []byte) error {
	if !d.Topics.IsHistoryQuery(topic) {
		return fmt.Errorf("%w: %s", ErrTopicNotAllowed, topic)
	}
	if !d.Upstream.Connected(userID) {
		return fmt.Errorf("%w: user %s", upstream.ErrUpstreamUnavailable, userID)
	}
	q, err := scada.PrepareHistoryQuery(payload, d.Topics.ResponseFor(topic), d.Tickets.NextSeq)
	if err != nil {
		return err
	}
	if err := d.claim(userID, q); err != nil {
		return err
	}
	if err := d.Upstream.Publish(userID, topic, q.Payload); err != nil {
		d.Tickets.Cancel(q.Seq, userID)
		return err
	}
	log.Printf("[INFO] gateway: user %s sent history query seq %d on %s", userID, q.Seq, topic)
	return nil
}

func (d *Dispatcher) claim(userID string, q *scada.HistoryQuery) error {
	for i := 0; i < maxSeqAttempts; i++ {
		if d.Tickets.Register(q.Seq, userID) {
			return nil
		}
		prev := q.Seq
		if err := q.Reseq(d.Tickets.NextSeq()); err != nil {
			return err
		}
		log.Printf("[WARN] gateway: seq %d of user %s is taken, using %d", prev, userID, q.Seq)
	}
	return fmt.Errorf("%w: no free seq for user %s", ErrSeqUnavailable, userID)
}
