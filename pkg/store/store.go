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

// Package store defines the read-only view the gateway has of the external
// user and device catalog, with a PostgreSQL implementation and an in-memory
// one used by tests.
package store

import (
	"context"
	"errors"
	"strconv"

	"github.com/turtacn/plantgate/pkg/permission"
)

var (
	// ErrUserNotFound is returned when no user matches the lookup key.
	ErrUserNotFound = errors.New("user not found")
	// ErrStore wraps failures of the underlying catalog.
	ErrStore = errors.New("store query failed")
)

// User is a row of the external user catalog.
type User struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	Realname     string `json:"realname"`
	FactoryLevel int    `json:"factory_level"`
	AreaLevel    int    `json:"area_level"`
	Enabled      bool   `json:"enabled"`
}

// Key returns the user id in the string form used by sockets and caches.
func (u User) Key() string {
	return strconv.FormatInt(u.ID, 10)
}

// IsSuperAdmin reports whether the user carries the superadmin bitmask.
func (u User) IsSuperAdmin() bool {
	return permission.IsSuperAdmin(u.FactoryLevel)
}

// Authorization returns the visibility scope derived from the user's levels.
func (u User) Authorization() permission.Authorization {
	return permission.NewAuthorization(u.FactoryLevel, u.AreaLevel)
}

// Device is a row of the device catalog. Level is nil when the device has no
// visibility ceiling.
type Device struct {
	ID            string             `json:"device_no"`
	Description   string             `json:"description"`
	Unit          string             `json:"unit"`
	QtyMin        *float64           `json:"qty_min"`
	QtyMax        *float64           `json:"qty_max"`
	H             *float64           `json:"H"`
	L             *float64           `json:"L"`
	HH            *float64           `json:"HH"`
	LL            *float64           `json:"LL"`
	Type          string             `json:"type"`
	Factory       permission.Factory `json:"factory"`
	Level         *int               `json:"level"`
	IsMajorHazard bool               `json:"is_major_hazard"`
	IsSIS         bool               `json:"is_sis"`
}

// IsAuthorized reports whether the device is visible under the given scope:
// superadmins see everything, everyone else needs the device's factory and a
// level at or below their area ceiling.
func (d Device) IsAuthorized(a permission.Authorization) bool {
	if a.SuperAdmin {
		return true
	}
	if !a.HasFactory(d.Factory) {
		return false
	}
	return d.Level == nil || *d.Level <= a.AreaLevel
}

// UserStore looks up users.
type UserStore interface {
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
}

// DeviceStore returns the devices a user may see.
type DeviceStore interface {
	GetUserDevices(ctx context.Context, userID string, factories []permission.Factory, areaLevel int, isSuperAdmin bool) ([]Device, error)
}

// Store is the full catalog view required by the gateway.
type Store interface {
	UserStore
	DeviceStore
}
