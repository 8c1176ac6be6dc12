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

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/plantgate/pkg/auth"
	"github.com/turtacn/plantgate/pkg/authz"
	"github.com/turtacn/plantgate/pkg/monitor"
	"github.com/turtacn/plantgate/pkg/permission"
	"github.com/turtacn/plantgate/pkg/store"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) Ensure(userID string)  { r.add("ensure:" + userID) }
func (r *recorder) Remove(userID string)  { r.add("remove:" + userID) }
func (r *recorder) Restart(userID string) { r.add("restart:" + userID) }
func (r *recorder) Drop(userID string)    { r.add("drop:" + userID) }

func (r *recorder) Unsubscribe(_ context.Context, userID string) error {
	r.add("unsubscribe:" + userID)
	return nil
}

type fixture struct {
	health *monitor.HealthChecker
	store  *store.MemoryStore
	cache  *authz.Cache
	rec    *recorder
	router *gin.Engine
}

func intPtr(v int) *int { return &v }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hash, err := auth.HashPassword("pw")
	require.NoError(t, err)

	m := store.NewMemoryStore()
	m.PutUser(store.User{ID: 1, Username: "alice", Realname: "Alice", PasswordHash: hash, FactoryLevel: 2, AreaLevel: 3, Enabled: true})
	m.PutUser(store.User{ID: 2, Username: "root", PasswordHash: hash, FactoryLevel: permission.SuperAdminLevel, Enabled: true})
	m.PutUser(store.User{ID: 3, Username: "bob", PasswordHash: hash, FactoryLevel: 2, Enabled: false})
	m.AddDevices(
		store.Device{ID: "RD-1", Factory: permission.FactoryRD, Level: intPtr(1)},
		store.Device{ID: "RD-9", Factory: permission.FactoryRD, Level: intPtr(9)},
		store.Device{ID: "QH-1", Factory: permission.FactoryQH},
	)

	f := &fixture{health: monitor.NewHealthChecker(), store: m, cache: authz.New(m, 0), rec: &recorder{}}
	s := NewAPIServer(Deps{
		Auth:     auth.NewService(m, "secret"),
		Users:    m,
		Cache:    f.cache,
		Sessions: f.rec,
		Sockets:  f.rec,
		Alarms:   f.rec,
		Health:   f.health,
	})
	f.router = NewRouter(s, nil)
	return f
}

func (f *fixture) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) login(t *testing.T, username string) LoginResponse {
	t.Helper()
	w := f.do(http.MethodPost, "/api/login", "", loginRequest{Username: username, Password: "pw"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func decode(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestLogin(t *testing.T) {
	f := newFixture(t)

	resp := f.login(t, "alice")
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, int64(1), resp.User.ID)
	assert.Equal(t, "Alice", resp.User.Realname)
	assert.Equal(t, auth.RoleUser, resp.User.Role)
	require.Len(t, resp.Data.AllowedDevices, 1)
	assert.Equal(t, "RD-1", resp.Data.AllowedDevices[0].ID)

	_, cached := f.cache.Get("1")
	assert.True(t, cached)
	assert.Equal(t, []string{"ensure:1"}, f.rec.all())

	admin := f.login(t, "root")
	assert.Equal(t, auth.RoleAdmin, admin.User.Role)
	assert.Len(t, admin.Data.AllowedDevices, 3)
}

func TestLogin_RecomputesDevices(t *testing.T) {
	f := newFixture(t)
	first := f.login(t, "alice")
	require.Len(t, first.Data.AllowedDevices, 1)

	hash, err := auth.HashPassword("pw")
	require.NoError(t, err)
	f.store.PutUser(store.User{ID: 1, Username: "alice", Realname: "Alice", PasswordHash: hash, FactoryLevel: 6, AreaLevel: 9, Enabled: true})

	second := f.login(t, "alice")
	assert.Len(t, second.Data.AllowedDevices, 3)
	entry, ok := f.cache.Get("1")
	require.True(t, ok)
	assert.Len(t, entry.Set, 3)
}

func TestLogin_CompatPath(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/api/auth/login", "", loginRequest{Username: "alice", Password: "pw"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLogin_Failures(t *testing.T) {
	f := newFixture(t)

	testCases := []struct {
		name   string
		body   any
		status int
	}{
		{"missing fields", loginRequest{Username: "alice"}, http.StatusBadRequest},
		{"wrong password", loginRequest{Username: "alice", Password: "nope"}, http.StatusUnauthorized},
		{"unknown user", loginRequest{Username: "nobody", Password: "pw"}, http.StatusUnauthorized},
		{"disabled account", loginRequest{Username: "bob", Password: "pw"}, http.StatusForbidden},
		{"disabled account, wrong password", loginRequest{Username: "bob", Password: "nope"}, http.StatusUnauthorized},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.do(http.MethodPost, "/api/login", "", tc.body)
			assert.Equal(t, tc.status, w.Code)
			resp := decode(t, w)
			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Message)
		})
	}
	assert.Empty(t, f.rec.all())
}

func TestDevices_StoreFailure(t *testing.T) {
	f := newFixture(t)
	resp := f.login(t, "alice")

	f.store.FailWith(errors.New("db down"))
	w := f.do(http.MethodGet, "/api/devices", resp.Token, nil)
	require.Equal(t, http.StatusOK, w.Code, "cached entry is served")
	assert.True(t, decode(t, w).Success)

	f.cache.Invalidate("1")
	w = f.do(http.MethodGet, "/api/devices", resp.Token, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.False(t, decode(t, w).Success)
}

func TestDevices(t *testing.T) {
	f := newFixture(t)
	resp := f.login(t, "alice")

	f.store.AddDevices(store.Device{ID: "RD-2", Factory: permission.FactoryRD})
	w := f.do(http.MethodGet, "/api/devices", resp.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Success bool           `json:"success"`
		Data    []store.Device `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Len(t, body.Data, 2)

	set := f.cache.Authorized(context.Background(), "1")
	assert.True(t, set.Contains("RD-2"), "devices reloads the cache entry")
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/devices", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodGet, "/api/devices", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	first := f.login(t, "alice")
	second := f.login(t, "alice")

	w = f.do(http.MethodGet, "/api/devices", first.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, decode(t, w).Message, "elsewhere")

	w = f.do(http.MethodGet, "/api/devices", second.Token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	resp := f.login(t, "alice")

	w := f.do(http.MethodPost, "/api/logout", resp.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode(t, w).Success)

	assert.Equal(t, []string{"ensure:1", "remove:1", "drop:1", "unsubscribe:1"}, f.rec.all())
	_, cached := f.cache.Get("1")
	assert.False(t, cached)

	w = f.do(http.MethodGet, "/api/devices", resp.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminInvalidate(t *testing.T) {
	f := newFixture(t)
	user := f.login(t, "alice")
	admin := f.login(t, "root")

	w := f.do(http.MethodPost, "/api/admin/cache/users/1/invalidate", user.Token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(http.MethodPost, "/api/admin/cache/users/1/invalidate", admin.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, cached := f.cache.Get("1")
	assert.False(t, cached)
	assert.Contains(t, f.rec.all(), "restart:1")

	w = f.do(http.MethodPost, "/api/admin/cache/devices/invalidate", admin.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, f.cache.Len())
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	dbErr := error(nil)
	f.health.RegisterCheck("database", func(context.Context) error { return dbErr }, true)

	w := f.do(http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status monitor.HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, monitor.StatusHealthy, status.Status)

	dbErr = errors.New("connection refused")
	w = f.do(http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, monitor.StatusUnhealthy, status.Status)
	assert.Equal(t, "connection refused", status.Checks["database"].Message)
}
