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

package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/turtacn/plantgate/pkg/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService(t *testing.T) (*Service, *store.MemoryStore, *testClock) {
	t.Helper()
	hashCost = bcrypt.MinCost
	t.Cleanup(func() { hashCost = bcrypt.DefaultCost })

	hash, err := HashPassword("s3cret")
	require.NoError(t, err)

	m := store.NewMemoryStore()
	m.PutUser(store.User{ID: 1, Username: "alice", PasswordHash: hash, FactoryLevel: 6, AreaLevel: 3, Enabled: true})
	m.PutUser(store.User{ID: 2, Username: "root", PasswordHash: hash, FactoryLevel: 99, Enabled: true})
	m.PutUser(store.User{ID: 3, Username: "bob", PasswordHash: hash, FactoryLevel: 2, Enabled: false})
	m.PutUser(store.User{ID: 4, Username: "legacy", PasswordHash: "s3cret", FactoryLevel: 2, Enabled: true})

	clock := &testClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	return NewService(m, "test-secret", WithClock(clock.Now)), m, clock
}

func TestService_Login(t *testing.T) {
	svc, _, clock := newTestService(t)

	s, err := svc.Login(context.Background(), "alice", "s3cret")
	require.NoError(t, err)
	assert.NotEmpty(t, s.Token)
	assert.True(t, clock.Now().Add(DefaultTokenTTL).Equal(s.ExpiresAt))
	assert.Equal(t, "1", s.Claims.UserID)
	assert.Equal(t, RoleUser, s.Claims.Role)

	claims, err := svc.Verify(s.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username)
	assert.False(t, claims.IsAdmin())

	admin, err := svc.Login(context.Background(), "root", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, admin.Claims.Role)
	assert.Equal(t, 2, svc.Sessions())
}

func TestService_LoginFailures(t *testing.T) {
	svc, m, _ := newTestService(t)
	ctx := context.Background()

	testCases := []struct {
		name     string
		username string
		password string
		expected error
	}{
		{"wrong password", "alice", "nope", ErrInvalidCredentials},
		{"unknown user", "mallory", "s3cret", ErrInvalidCredentials},
		{"disabled account", "bob", "s3cret", ErrAccountDisabled},
		{"disabled account with wrong password", "bob", "nope", ErrInvalidCredentials},
		{"plaintext stored password is never accepted", "legacy", "s3cret", ErrInvalidCredentials},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Login(ctx, tc.username, tc.password)
			assert.ErrorIs(t, err, tc.expected)
		})
	}

	m.FailWith(errors.New("db down"))
	_, err := svc.Login(ctx, "alice", "s3cret")
	assert.ErrorIs(t, err, store.ErrStore)
	assert.False(t, IsAuthError(err))
	assert.Equal(t, 0, svc.Sessions())
}

func TestService_SecondLoginSupersedesFirst(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Login(ctx, "alice", "s3cret")
	require.NoError(t, err)
	second, err := svc.Login(ctx, "alice", "s3cret")
	require.NoError(t, err)
	require.NotEqual(t, first.Token, second.Token)

	_, err = svc.Verify(first.Token)
	assert.ErrorIs(t, err, ErrSessionSuperseded)
	assert.True(t, IsAuthError(err))

	_, err = svc.Verify(second.Token)
	assert.NoError(t, err)
}

func TestService_VerifyExpired(t *testing.T) {
	svc, _, clock := newTestService(t)

	s, err := svc.Login(context.Background(), "alice", "s3cret")
	require.NoError(t, err)

	clock.Advance(DefaultTokenTTL + time.Second)
	_, err = svc.Verify(s.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestService_VerifyForeignTokens(t *testing.T) {
	svc, _, clock := newTestService(t)
	_, err := svc.Login(context.Background(), "alice", "s3cret")
	require.NoError(t, err)

	claims := Claims{
		UserID: "1",
		Role:   RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Hour)),
		},
	}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other-secret"))
	require.NoError(t, err)
	_, err = svc.Verify(forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = svc.Verify(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestService_Logout(t *testing.T) {
	svc, _, _ := newTestService(t)

	s, err := svc.Login(context.Background(), "alice", "s3cret")
	require.NoError(t, err)

	svc.Logout("1")
	_, err = svc.Verify(s.Token)
	assert.ErrorIs(t, err, ErrSessionSuperseded)
	assert.Equal(t, 0, svc.Sessions())
	svc.Logout("1")
}

func TestTokenRegistry(t *testing.T) {
	r := NewTokenRegistry()
	assert.False(t, r.Set("1", "a"))
	assert.True(t, r.Set("1", "b"))

	tok, ok := r.Current("1")
	assert.True(t, ok)
	assert.Equal(t, "b", tok)

	assert.True(t, r.Delete("1"))
	assert.False(t, r.Delete("1"))
	assert.Equal(t, 0, r.Len())
}
