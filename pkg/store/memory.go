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

package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/turtacn/plantgate/pkg/permission"
)

// MemoryStore is an in-memory catalog. Devices are kept in insertion order.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[string]*User
	devices []Device
	failErr error
}

// NewMemoryStore creates an empty in-memory catalog.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]*User),
	}
}

// PutUser adds or replaces a user.
func (m *MemoryStore) PutUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := u
	m.users[u.Key()] = &cp
}

// AddDevices appends devices to the catalog.
func (m *MemoryStore) AddDevices(devices ...Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = append(m.devices, devices...)
}

// SetDevices replaces the whole catalog.
func (m *MemoryStore) SetDevices(devices []Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = append([]Device(nil), devices...)
}

// FailWith makes every subsequent query fail with err. Pass nil to recover.
func (m *MemoryStore) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// GetUserByID implements UserStore.
func (m *MemoryStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, m.failErr)
	}
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// GetUserByUsername implements UserStore.
func (m *MemoryStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, m.failErr)
	}
	for _, u := range m.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

// GetUserDevices implements DeviceStore using Device.IsAuthorized.
func (m *MemoryStore) GetUserDevices(ctx context.Context, userID string, factories []permission.Factory, areaLevel int, isSuperAdmin bool) ([]Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, m.failErr)
	}
	scope := permission.Authorization{Factories: factories, AreaLevel: areaLevel, SuperAdmin: isSuperAdmin}
	out := []Device{}
	for _, d := range m.devices {
		if d.IsAuthorized(scope) {
			out = append(out, d)
		}
	}
	return out, nil
}
