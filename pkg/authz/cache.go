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

// Package authz caches, per user, the set of devices the user is allowed to
// see. Entries are built from the device store, replaced wholesale on every
// reload and refreshed for every known user on a fixed interval.
package authz

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/turtacn/plantgate/pkg/store"
)

// DefaultRefreshInterval is how often every known entry is rebuilt.
const DefaultRefreshInterval = 5 * time.Minute

// DeviceSet is a set of device identifiers.
type DeviceSet map[string]struct{}

// Contains reports whether id is in the set. A nil set contains nothing.
func (s DeviceSet) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

// Entry is the cached authorization of one user.
type Entry struct {
	User     store.User
	Devices  []store.Device
	Set      DeviceSet
	LoadedAt time.Time
}

// Cache maps user ids to their authorized device sets.
type Cache struct {
	store    store.Store
	interval time.Duration
	now      func() time.Time

	mu      sync.RWMutex
	entries map[string]*Entry
	known   map[string]struct{}
	// epoch changes on every invalidation so loads that started before it
	// do not repopulate the cache.
	epoch uint64

	group singleflight.Group
}

// New creates a cache over s. A non-positive interval uses DefaultRefreshInterval.
func New(s store.Store, interval time.Duration) *Cache {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Cache{
		store:    s,
		interval: interval,
		now:      time.Now,
		entries:  make(map[string]*Entry),
		known:    make(map[string]struct{}),
	}
}

// Get returns the cached entry without touching the store.
func (c *Cache) Get(userID string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[userID]
	return e, ok
}

// Lookup returns the cached entry for u, loading it on a miss. A failing
// first load is returned to the caller.
func (c *Cache) Lookup(ctx context.Context, u *store.User) (*Entry, error) {
	if e, ok := c.Get(u.Key()); ok {
		return e, nil
	}
	return c.load(ctx, u)
}

// Reload rebuilds the entry for u. When the store fails, the stale entry
// (if any) is kept and returned together with the error.
func (c *Cache) Reload(ctx context.Context, u *store.User) (*Entry, error) {
	e, err := c.load(ctx, u)
	if err != nil {
		if stale, ok := c.Get(u.Key()); ok {
			return stale, err
		}
		return nil, err
	}
	return e, nil
}

// Authorized returns the device set of userID, loading the user and its
// devices when no entry is cached. Any failure yields an empty set.
func (c *Cache) Authorized(ctx context.Context, userID string) DeviceSet {
	if e, ok := c.Get(userID); ok {
		return e.Set
	}
	u, err := c.store.GetUserByID(ctx, userID)
	if err != nil {
		log.Printf("[WARN] authz: cannot load user %s: %v", userID, err)
		return DeviceSet{}
	}
	e, err := c.load(ctx, u)
	if err != nil {
		log.Printf("[WARN] authz: cannot load devices for user %s: %v", userID, err)
		return DeviceSet{}
	}
	return e.Set
}

// Invalidate drops the entry of one user and forgets the user for refreshes.
func (c *Cache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
	delete(c.known, userID)
	c.epoch++
}

// Clear drops every entry. Known users are kept, so the next refresh
// rebuilds them.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
	c.epoch++
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Refresh rebuilds the entry of every known user. The user record is read
// again so bitmask and area changes apply. Users that no longer exist are
// forgotten; any other failure keeps the stale entry.
func (c *Cache) Refresh(ctx context.Context) {
	c.mu.RLock()
	ids := make([]string, 0, len(c.known))
	for id := range c.known {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	refreshed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		u, err := c.store.GetUserByID(ctx, id)
		if errors.Is(err, store.ErrUserNotFound) {
			log.Printf("[INFO] authz: user %s no longer exists, dropping entry", id)
			c.Invalidate(id)
			continue
		}
		if err != nil {
			log.Printf("[WARN] authz: refresh of user %s failed, keeping stale entry: %v", id, err)
			continue
		}
		if _, err := c.load(ctx, u); err != nil {
			log.Printf("[WARN] authz: refresh of user %s failed, keeping stale entry: %v", id, err)
			continue
		}
		refreshed++
	}
	log.Printf("[DEBUG] authz: refreshed %d of %d entries", refreshed, len(ids))
}

// Run refreshes the cache every interval until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Refresh(ctx)
		}
	}
}

// load queries the store for u and replaces its entry. Concurrent loads of
// the same user share one query.
func (c *Cache) load(ctx context.Context, u *store.User) (*Entry, error) {
	key := u.Key()
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		c.mu.RLock()
		epoch := c.epoch
		c.mu.RUnlock()

		scope := u.Authorization()
		devices, err := c.store.GetUserDevices(ctx, key, scope.Factories, scope.AreaLevel, scope.SuperAdmin)
		if err != nil {
			return nil, fmt.Errorf("loading devices for user %s: %w", key, err)
		}

		e := &Entry{
			User:     *u,
			Devices:  make([]store.Device, 0, len(devices)),
			Set:      make(DeviceSet, len(devices)),
			LoadedAt: c.now(),
		}
		for _, d := range devices {
			if !d.IsAuthorized(scope) {
				continue
			}
			e.Devices = append(e.Devices, d)
			e.Set[d.ID] = struct{}{}
		}

		c.mu.Lock()
		if c.epoch == epoch {
			c.entries[key] = e
			c.known[key] = struct{}{}
		}
		c.mu.Unlock()
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}
