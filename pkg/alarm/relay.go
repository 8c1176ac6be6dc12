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

// Package alarm multiplexes the single shared realtime alarm feed of the
// upstream bus to the users that opted in. The feed is switched on when the
// first user subscribes and off when the last one leaves.
package alarm

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/turtacn/plantgate/pkg/metrics"
)

// DefaultRetryInterval is how often Run retries a failed switch.
const DefaultRetryInterval = 10 * time.Second

// Controller sends the upstream control message that switches the shared
// feed on or off.
type Controller interface {
	SetAlarmFeed(ctx context.Context, on bool) error
}

// Relay tracks alarm subscribers. Membership lives under mu, which the
// routing path reads; control messages are serialized under ctl so
// concurrent subscribe and unsubscribe calls produce exactly one control
// message per empty/non-empty change without stalling readers.
type Relay struct {
	controller Controller

	ctl sync.Mutex
	// feedOn is the state last confirmed by the controller.
	feedOn bool

	mu          sync.RWMutex
	subscribers map[string]struct{}
}

// NewRelay creates a relay driving c.
func NewRelay(c Controller) *Relay {
	return &Relay{
		controller:  c,
		subscribers: make(map[string]struct{}),
	}
}

// Subscribe adds userID. The first subscriber switches the feed on. When the
// control message fails the user stays subscribed and the error is
// returned; the next transition, Resync or Run retries it.
func (r *Relay) Subscribe(ctx context.Context, userID string) error {
	r.ctl.Lock()
	defer r.ctl.Unlock()

	r.mu.Lock()
	_, ok := r.subscribers[userID]
	r.subscribers[userID] = struct{}{}
	n := len(r.subscribers)
	r.mu.Unlock()
	if !ok {
		log.Printf("[INFO] alarm: user %s subscribed, %d subscribers", userID, n)
	}
	return r.reconcile(ctx, n > 0)
}

// Unsubscribe removes userID. The last subscriber switches the feed off.
func (r *Relay) Unsubscribe(ctx context.Context, userID string) error {
	r.ctl.Lock()
	defer r.ctl.Unlock()

	r.mu.Lock()
	_, ok := r.subscribers[userID]
	delete(r.subscribers, userID)
	n := len(r.subscribers)
	r.mu.Unlock()
	if ok {
		log.Printf("[INFO] alarm: user %s unsubscribed, %d subscribers", userID, n)
	}
	return r.reconcile(ctx, n > 0)
}

// IsSubscribed reports whether userID receives realtime alarms.
func (r *Relay) IsSubscribed(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subscribers[userID]
	return ok
}

// Active reports whether the shared feed should be on.
func (r *Relay) Active() bool {
	return r.Subscribers() > 0
}

// Subscribers returns the number of subscribed users.
func (r *Relay) Subscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

// Resync resends the subscribe control message if the feed should be on,
// and a pending unsubscribe otherwise. The control session calls it after
// every reconnect.
func (r *Relay) Resync(ctx context.Context) error {
	r.ctl.Lock()
	defer r.ctl.Unlock()
	want := r.Active()
	if !want && !r.feedOn {
		return nil
	}
	return r.send(ctx, want)
}

// Run retries a failed switch every interval until ctx is done.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ctl.Lock()
			_ = r.reconcile(ctx, r.Active())
			r.ctl.Unlock()
		}
	}
}

// reconcile sends a control message when want differs from the confirmed
// feed state. Callers hold ctl.
func (r *Relay) reconcile(ctx context.Context, want bool) error {
	if want {
		metrics.AlarmRelayActive.Set(1)
	} else {
		metrics.AlarmRelayActive.Set(0)
	}
	if want == r.feedOn {
		return nil
	}
	return r.send(ctx, want)
}

func (r *Relay) send(ctx context.Context, on bool) error {
	if err := r.controller.SetAlarmFeed(ctx, on); err != nil {
		log.Printf("[ERROR] alarm: failed to switch realtime alarm feed (on=%t): %v", on, err)
		return err
	}
	r.feedOn = on
	log.Printf("[INFO] alarm: realtime alarm feed switched (on=%t)", on)
	return nil
}
