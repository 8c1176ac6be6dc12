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
	"fmt"
	"net"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Endpoint roles.
const (
	RolePrimary = "primary"
	RoleBackup  = "backup"
)

// Endpoint is one upstream broker address with its credentials.
type Endpoint struct {
	Role     string `yaml:"-" json:"role"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Enabled reports whether the endpoint is configured.
func (e Endpoint) Enabled() bool {
	return e.Host != ""
}

// URL returns the broker URL paho dials.
func (e Endpoint) URL() string {
	return "tcp://" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// MessageHandler receives every message of a connection.
type MessageHandler func(topic string, payload []byte)

// LostHandler is called once when an established connection drops.
type LostHandler func(err error)

// Dialer opens upstream connections.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint, clientID string, onMessage MessageHandler, onLost LostHandler) (Conn, error)
}

// Conn is an established upstream connection.
type Conn interface {
	Subscribe(topics []string) error
	Publish(topic string, payload []byte) error
	Disconnect()
	IsConnected() bool
}

// PahoDialer dials with the Eclipse Paho client. Reconnection is left to the
// supervisor, so paho's own auto-reconnect is off.
type PahoDialer struct {
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	// OperationTimeout bounds subscribe and publish acknowledgements.
	OperationTimeout time.Duration
	QoS              byte
}

// Dial implements Dialer.
func (d PahoDialer) Dial(ctx context.Context, ep Endpoint, clientID string, onMessage MessageHandler, onLost LostHandler) (Conn, error) {
	connectTimeout := orDefault(d.ConnectTimeout, 5*time.Second)

	opts := mqtt.NewClientOptions().
		AddBroker(ep.URL()).
		SetClientID(clientID).
		SetUsername(ep.Username).
		SetPassword(ep.Password).
		SetCleanSession(true).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(orDefault(d.KeepAlive, 30*time.Second)).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true)
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, m mqtt.Message) {
		payload := make([]byte, len(m.Payload()))
		copy(payload, m.Payload())
		onMessage(m.Topic(), payload)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		onLost(err)
	})

	client := mqtt.NewClient(opts)
	if err := wait(ctx, client.Connect(), connectTimeout); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("connect %s: %w", ep.URL(), err)
	}
	return &pahoConn{
		client:  client,
		qos:     d.QoS,
		timeout: orDefault(d.OperationTimeout, 10*time.Second),
	}, nil
}

type pahoConn struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration
}

func (c *pahoConn) Subscribe(topics []string) error {
	if len(topics) == 0 {
		return nil
	}
	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = c.qos
	}
	return wait(context.Background(), c.client.SubscribeMultiple(filters, nil), c.timeout)
}

func (c *pahoConn) Publish(topic string, payload []byte) error {
	return wait(context.Background(), c.client.Publish(topic, c.qos, false, payload), c.timeout)
}

func (c *pahoConn) Disconnect() {
	c.client.Disconnect(250)
}

func (c *pahoConn) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

func wait(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
