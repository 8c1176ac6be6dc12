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
	"fmt"
	"log"
	"sync"

	"github.com/turtacn/plantgate/pkg/actor"
	"github.com/turtacn/plantgate/pkg/metrics"
)

var (
	// ErrUpstreamUnavailable means no configured endpoint accepted the
	// connection, or the session is currently not connected.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrNoSession means the user has no upstream session.
	ErrNoSession = errors.New("no upstream session")
	// ErrSessionGone is returned by a Topics resolver when the session must
	// stop for good instead of reconnecting.
	ErrSessionGone = errors.New("upstream session no longer needed")
)

// State is the connectivity state of a session.
type State int

const (
	StateDisconnected State = iota
	StateConnectingPrimary
	StateConnectedPrimary
	StateConnectingBackup
	StateConnectedBackup
)

func (s State) String() string {
	switch s {
	case StateConnectingPrimary:
		return "connecting_primary"
	case StateConnectedPrimary:
		return "connected_primary"
	case StateConnectingBackup:
		return "connecting_backup"
	case StateConnectedBackup:
		return "connected_backup"
	default:
		return "disconnected"
	}
}

// Connected reports whether s is one of the connected states.
func (s State) Connected() bool {
	return s == StateConnectedPrimary || s == StateConnectedBackup
}

// inbound is a message received on the connection, queued in the mailbox.
type inbound struct {
	topic   string
	payload []byte
}

// SessionConfig describes one upstream session.
type SessionConfig struct {
	// Name identifies the session in logs.
	Name      string
	ClientID  string
	Endpoints []Endpoint
	// Topics is resolved before every connect so permission changes apply
	// on the next reconnect.
	Topics func(ctx context.Context) ([]string, error)
	// Handle is called from the session goroutine for every inbound message.
	Handle func(ctx context.Context, topic string, payload []byte)
	// OnConnect runs after the topics are subscribed.
	OnConnect func(ctx context.Context)
}

// Session is the actor owning one upstream connection. Start connects to
// the primary endpoint, falls back to the backup once, subscribes, and then
// serializes all inbound messages. It returns when the connection drops so
// the supervisor can reconnect it.
type Session struct {
	cfg    SessionConfig
	dialer Dialer

	mu    sync.RWMutex
	state State
	conn  Conn
}

// NewSession creates a disconnected session.
func NewSession(cfg SessionConfig, d Dialer) *Session {
	return &Session{cfg: cfg, dialer: d}
}

// State returns the current connectivity state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Publish sends payload on topic through the live connection.
func (s *Session) Publish(topic string, payload []byte) error {
	s.mu.RLock()
	conn, state := s.conn, s.state
	s.mu.RUnlock()
	if conn == nil || !state.Connected() || !conn.IsConnected() {
		return fmt.Errorf("%w: session %s is %s", ErrUpstreamUnavailable, s.cfg.Name, state)
	}
	if err := conn.Publish(topic, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Start implements actor.Actor.
func (s *Session) Start(ctx context.Context, mb *actor.Mailbox) error {
	var topics []string
	if s.cfg.Topics != nil {
		t, err := s.cfg.Topics(ctx)
		if errors.Is(err, ErrSessionGone) {
			log.Printf("[INFO] upstream: session %s stops: %v", s.cfg.Name, err)
			return nil
		}
		if err != nil {
			return fmt.Errorf("resolving topics for %s: %w", s.cfg.Name, err)
		}
		topics = t
	}

	lost := make(chan error, 1)
	onMessage := func(topic string, payload []byte) {
		if !mb.TrySend(inbound{topic: topic, payload: payload}) {
			metrics.MessagesDroppedTotal.WithLabelValues("mailbox_full").Inc()
			log.Printf("[WARN] upstream: session %s mailbox full, dropping message on %s", s.cfg.Name, topic)
		}
	}
	onLost := func(err error) {
		select {
		case lost <- err:
		default:
		}
	}

	conn, err := s.connect(ctx, onMessage, onLost)
	if err != nil {
		return err
	}
	metrics.UpstreamSessions.Inc()
	defer func() {
		metrics.UpstreamSessions.Dec()
		s.setConn(nil, StateDisconnected)
		conn.Disconnect()
	}()

	if err := conn.Subscribe(topics); err != nil {
		return fmt.Errorf("subscribing %s: %w", s.cfg.Name, err)
	}
	log.Printf("[INFO] upstream: session %s subscribed to %v", s.cfg.Name, topics)
	if s.cfg.OnConnect != nil {
		s.cfg.OnConnect(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-lost:
			log.Printf("[WARN] upstream: session %s lost its connection: %v", s.cfg.Name, err)
			return fmt.Errorf("connection lost: %w", err)
		case msg := <-mb.Chan():
			in, ok := msg.(inbound)
			if !ok {
				log.Printf("[WARN] upstream: session %s ignoring unexpected mailbox message %T", s.cfg.Name, msg)
				continue
			}
			if s.cfg.Handle != nil {
				s.cfg.Handle(ctx, in.topic, in.payload)
			}
		}
	}
}

// connect tries each endpoint once, in order.
func (s *Session) connect(ctx context.Context, onMessage MessageHandler, onLost LostHandler) (Conn, error) {
	var lastErr error
	for _, ep := range s.cfg.Endpoints {
		connecting, connected := StateConnectingPrimary, StateConnectedPrimary
		if ep.Role == RoleBackup {
			connecting, connected = StateConnectingBackup, StateConnectedBackup
		}
		s.setState(connecting)

		conn, err := s.dialer.Dial(ctx, ep, s.cfg.ClientID, onMessage, onLost)
		if err != nil {
			metrics.UpstreamConnectAttemptsTotal.WithLabelValues(ep.Role, "failure").Inc()
			log.Printf("[WARN] upstream: session %s cannot reach %s broker %s: %v", s.cfg.Name, ep.Role, ep.URL(), err)
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		metrics.UpstreamConnectAttemptsTotal.WithLabelValues(ep.Role, "success").Inc()
		s.setConn(conn, connected)
		return conn, nil
	}
	s.setState(StateDisconnected)
	if lastErr == nil {
		lastErr = errors.New("no endpoint configured")
	}
	return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, lastErr)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		log.Printf("[INFO] upstream: session %s %s -> %s", s.cfg.Name, prev, st)
	}
}

func (s *Session) setConn(conn Conn, st State) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.setState(st)
}
