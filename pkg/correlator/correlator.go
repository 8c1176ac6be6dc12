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

// Package correlator routes asynchronous history query responses back to the
// user that issued the query. A ticket maps the caller-supplied sequence
// number to a user id and is consumed at most once: by the first Resolve or by
// expiry, whichever comes first.
package correlator

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/turtacn/plantgate/pkg/metrics"
)

const (
	// DefaultTTL is how long an unresolved ticket stays resolvable.
	DefaultTTL = 60 * time.Second
	// DefaultSweepInterval is how often expired tickets are removed.
	DefaultSweepInterval = 5 * time.Second
)

// ErrCorrelationMiss is returned when a response carries a sequence number
// with no live ticket.
var ErrCorrelationMiss = errors.New("no ticket for sequence number")

type ticket struct {
	userID string
	issued time.Time
}

// Correlator is the seq to user table. It is safe for concurrent use.
type Correlator struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	tickets map[int64]ticket

	lastSeq atomic.Int64
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Correlator) { c.now = now }
}

// New creates a correlator. A non-positive ttl uses DefaultTTL.
func New(ttl time.Duration, opts ...Option) *Correlator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Correlator{
		ttl:     ttl,
		now:     time.Now,
		tickets: make(map[int64]ticket),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register issues a ticket for seq and reports whether userID now owns it.
// A live ticket of another user is never taken over; the caller has to pick
// a different seq. Re-registering one's own seq restarts its TTL.
func (c *Correlator) Register(seq int64, userID string) bool {
	c.mu.Lock()
	if prev, ok := c.tickets[seq]; ok && prev.userID != userID && !c.expired(prev) {
		c.mu.Unlock()
		metrics.CorrelationTicketsTotal.WithLabelValues("conflict").Inc()
		log.Printf("[WARN] correlator: seq %d is pending for user %s, refused for user %s", seq, prev.userID, userID)
		return false
	}
	c.tickets[seq] = ticket{userID: userID, issued: c.now()}
	c.mu.Unlock()
	metrics.CorrelationTicketsTotal.WithLabelValues("issued").Inc()
	return true
}

// Cancel deletes the ticket of seq if userID owns it.
func (c *Correlator) Cancel(seq int64, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tickets[seq]
	if !ok || t.userID != userID {
		return false
	}
	delete(c.tickets, seq)
	return true
}

// Resolve returns the user that registered seq and deletes the ticket.
// Unknown and expired tickets are misses.
func (c *Correlator) Resolve(seq int64) (string, bool) {
	c.mu.Lock()
	t, ok := c.tickets[seq]
	delete(c.tickets, seq)
	c.mu.Unlock()

	if !ok {
		metrics.CorrelationTicketsTotal.WithLabelValues("missed").Inc()
		return "", false
	}
	if c.expired(t) {
		metrics.CorrelationTicketsTotal.WithLabelValues("expired").Inc()
		return "", false
	}
	metrics.CorrelationTicketsTotal.WithLabelValues("resolved").Inc()
	return t.userID, true
}

// Pending returns the number of live tickets, including expired ones not
// yet swept.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickets)
}

// Sweep deletes expired tickets and returns how many were removed.
func (c *Correlator) Sweep() int {
	c.mu.Lock()
	removed := 0
	for seq, t := range c.tickets {
		if c.expired(t) {
			delete(c.tickets, seq)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		metrics.CorrelationTicketsTotal.WithLabelValues("expired").Add(float64(removed))
		log.Printf("[DEBUG] correlator: swept %d expired tickets", removed)
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (c *Correlator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// NextSeq returns a sequence number derived from the current time in
// milliseconds, strictly greater than any value it returned before.
func (c *Correlator) NextSeq() int64 {
	for {
		last := c.lastSeq.Load()
		next := c.now().UnixMilli()
		if next <= last {
			next = last + 1
		}
		if c.lastSeq.CompareAndSwap(last, next) {
			return next
		}
	}
}

func (c *Correlator) expired(t ticket) bool {
	return !c.now().Before(t.issued.Add(c.ttl))
}
