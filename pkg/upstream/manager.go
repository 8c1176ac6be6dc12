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

// Package upstream manages the gateway's sessions on the SCADA upstream bus:
// one supervised session per logged-in user, which subscribes to the user's
// realtime feeds and the shared response topics, and one shared control
// session for the realtime alarm feed.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/plantgate/pkg/actor"
	"github.com/turtacn/plantgate/pkg/store"
	"github.com/turtacn/plantgate/pkg/supervisor"
)

// Topics names the fixed upstream topics.
type Topics struct {
	HistoryDataRequest    string `yaml:"history_data_request" json:"history_data_request"`
	HistoryDataResponse   string `yaml:"history_data_response" json:"history_data_response"`
	HistoryAlarmRequest   string `yaml:"history_alarm_request" json:"history_alarm_request"`
	HistoryAlarmResponse  string `yaml:"history_alarm_response" json:"history_alarm_response"`
	RealtimeAlarmControl  string `yaml:"realtime_alarm_control" json:"realtime_alarm_control"`
	RealtimeAlarmResponse string `yaml:"realtime_alarm_response" json:"realtime_alarm_response"`
}

// DefaultTopics returns the topics used by the SCADA deployment.
func DefaultTopics() Topics {
	return Topics{
		HistoryDataRequest:    "SupconScadaHisData",
		HistoryDataResponse:   "hisdatatest",
		HistoryAlarmRequest:   "SupconScadaHisAlarm",
		HistoryAlarmResponse:  "HisAlarm",
		RealtimeAlarmControl:  "SupconScadaRealAlarm",
		RealtimeAlarmResponse: "backend/real/alarm",
	}
}

// IsHistoryQuery reports whether topic is one of the history request topics.
func (t Topics) IsHistoryQuery(topic string) bool {
	return topic == t.HistoryDataRequest || topic == t.HistoryAlarmRequest
}

// ResponseFor returns the response topic of a history request topic.
func (t Topics) ResponseFor(requestTopic string) string {
	switch requestTopic {
	case t.HistoryDataRequest:
		return t.HistoryDataResponse
	case t.HistoryAlarmRequest:
		return t.HistoryAlarmResponse
	default:
		return ""
	}
}

// ManagerConfig configures the per-user sessions.
type ManagerConfig struct {
	Primary        Endpoint
	Backup         Endpoint
	ClientIDPrefix string
	Topics         Topics
	MailboxSize    int
}

// Endpoints returns the configured endpoints in failover order.
func (c ManagerConfig) Endpoints() []Endpoint {
	primary := c.Primary
	primary.Role = RolePrimary
	eps := []Endpoint{primary}
	if c.Backup.Enabled() {
		backup := c.Backup
		backup.Role = RoleBackup
		eps = append(eps, backup)
	}
	return eps
}

func (c ManagerConfig) clientID(name string) string {
	prefix := c.ClientIDPrefix
	if prefix == "" {
		prefix = "plantgate"
	}
	return fmt.Sprintf("%s_%s_%s", prefix, name, uuid.NewString()[:8])
}

type managed struct {
	session *Session
	child   *supervisor.Child
}

// Manager owns at most one supervised upstream session per user.
type Manager struct {
	cfg    ManagerConfig
	dialer Dialer
	users  store.UserStore
	router *Router
	sup    supervisor.Supervisor

	mu       sync.Mutex
	ctx      context.Context
	sessions map[string]*managed
}

// NewManager creates a manager. Sessions run under sup and route their
// messages through router.
func NewManager(cfg ManagerConfig, d Dialer, users store.UserStore, router *Router, sup supervisor.Supervisor) *Manager {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 256
	}
	return &Manager{
		cfg:      cfg,
		dialer:   d,
		users:    users,
		router:   router,
		sup:      sup,
		ctx:      context.Background(),
		sessions: make(map[string]*managed),
	}
}

// Start sets the context every session runs under. Sessions started
// earlier keep the background context.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()
}

// Ensure starts the session of userID unless one exists.
func (m *Manager) Ensure(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[userID]; ok {
		return
	}

	s := NewSession(SessionConfig{
		Name:      "user-" + userID,
		ClientID:  m.cfg.clientID(userID),
		Endpoints: m.cfg.Endpoints(),
		Topics:    m.topicsFor(userID),
		Handle: func(ctx context.Context, topic string, payload []byte) {
			m.router.Route(ctx, userID, topic, payload)
		},
	}, m.dialer)
	child := m.sup.StartChild(m.ctx, supervisor.Spec{
		ID:      "upstream-user-" + userID,
		Actor:   s,
		Restart: supervisor.RestartTransient,
		Mailbox: actor.NewMailbox(m.cfg.MailboxSize),
	})
	entry := &managed{session: s, child: child}
	m.sessions[userID] = entry
	go m.forget(userID, entry)
	log.Printf("[INFO] upstream: started session for user %s", userID)
}

// forget drops entry once its child will not run again, unless it has been
// replaced in the meantime.
func (m *Manager) forget(userID string, entry *managed) {
	<-entry.child.Done()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[userID] == entry {
		delete(m.sessions, userID)
		log.Printf("[INFO] upstream: session for user %s ended", userID)
	}
}

// Remove stops and forgets the session of userID.
func (m *Manager) Remove(userID string) {
	m.mu.Lock()
	entry, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()
	if !ok {
		return
	}
	entry.child.Stop()
	log.Printf("[INFO] upstream: stopped session for user %s", userID)
}

// Restart replaces the session of userID so topic changes apply. Users
// without a session are left alone.
func (m *Manager) Restart(userID string) {
	if _, ok := m.session(userID); !ok {
		return
	}
	m.Remove(userID)
	m.Ensure(userID)
}

// Publish sends payload through the session of userID.
func (m *Manager) Publish(userID, topic string, payload []byte) error {
	s, ok := m.session(userID)
	if !ok {
		return fmt.Errorf("%w for user %s", ErrNoSession, userID)
	}
	return s.Publish(topic, payload)
}

// Connected reports whether userID has a connected session.
func (m *Manager) Connected(userID string) bool {
	return m.State(userID).Connected()
}

// State returns the state of the session of userID.
func (m *Manager) State(userID string) State {
	s, ok := m.session(userID)
	if !ok {
		return StateDisconnected
	}
	return s.State()
}

// Len returns the number of managed sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// StopAll stops every session and waits for them to disconnect.
func (m *Manager) StopAll(timeout time.Duration) {
	m.mu.Lock()
	entries := make([]*managed, 0, len(m.sessions))
	for id, e := range m.sessions {
		entries = append(entries, e)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, e := range entries {
			wg.Add(1)
			go func(e *managed) {
				defer wg.Done()
				e.child.Stop()
			}(e)
		}
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		log.Printf("[WARN] upstream: timed out stopping %d sessions", len(entries))
	}
}

func (m *Manager) session(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[userID]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// topicsFor reads the user again on every connect: the realtime feeds follow
// the current factory bitmask, plus the shared response topics.
func (m *Manager) topicsFor(userID string) func(ctx context.Context) ([]string, error) {
	return func(ctx context.Context) ([]string, error) {
		u, err := m.users.GetUserByID(ctx, userID)
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, fmt.Errorf("%w: user %s does not exist", ErrSessionGone, userID)
		}
		if err != nil {
			return nil, err
		}
		topics := u.Authorization().Topics()
		return append(topics,
			m.cfg.Topics.HistoryDataResponse,
			m.cfg.Topics.HistoryAlarmResponse,
			m.cfg.Topics.RealtimeAlarmResponse,
		), nil
	}
}
