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

// Package auth issues and verifies the signed session tokens of the request
// API. Passwords are checked against bcrypt hashes only, and every user has at
// most one valid token: a new login supersedes the previous one.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/turtacn/plantgate/pkg/store"
)

var (
	// ErrInvalidCredentials is returned for an unknown user or a wrong password.
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrAccountDisabled is returned when the account exists but is disabled.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrInvalidToken is returned for tokens with a bad signature, an unexpected
	// algorithm or an expired lifetime.
	ErrInvalidToken = errors.New("invalid token")
	// ErrSessionSuperseded is returned for a valid token that is no longer the
	// user's current one.
	ErrSessionSuperseded = errors.New("session superseded by a newer login")
)

// IsAuthError reports whether err means the caller must authenticate again.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrSessionSuperseded)
}

// DefaultTokenTTL is the lifetime of an issued token.
const DefaultTokenTTL = 24 * time.Hour

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// hashCost is lowered by tests.
var hashCost = bcrypt.DefaultCost

// HashPassword returns the bcrypt hash stored in the user catalog.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), hashCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// RoleOf returns the token role of u.
func RoleOf(u *store.User) string {
	if u.IsSuperAdmin() {
		return RoleAdmin
	}
	return RoleUser
}

// Claims is the token payload.
type Claims struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// IsAdmin reports whether the token carries the admin role.
func (c *Claims) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// Session is the result of a successful login.
type Session struct {
	Token     string
	ExpiresAt time.Time
	User      *store.User
	Claims    *Claims
}

// Option configures a Service.
type Option func(*Service)

// WithTokenTTL overrides DefaultTokenTTL.
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock replaces time.Now for issuing and validating tokens.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service logs users in and verifies their tokens.
type Service struct {
	users  store.UserStore
	secret []byte
	ttl    time.Duration
	now    func() time.Time
	tokens *TokenRegistry
}

// NewService creates a Service signing tokens with secret using HS256.
func NewService(users store.UserStore, secret string, opts ...Option) *Service {
	s := &Service{
		users:  users,
		secret: []byte(secret),
		ttl:    DefaultTokenTTL,
		now:    time.Now,
		tokens: NewTokenRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Login checks the credentials, issues a token and makes it the user's only
// valid one.
func (s *Service) Login(ctx context.Context, username, password string) (*Session, error) {
	u, err := s.users.GetUserByUsername(ctx, username)
	if errors.Is(err, store.ErrUserNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("login lookup for %s: %w", username, err)
	}
	// The password is checked first so a disabled account is only revealed
	// to its owner.
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		log.Printf("[WARN] auth: password check failed for user %s", username)
		return nil, ErrInvalidCredentials
	}
	if !u.Enabled {
		return nil, ErrAccountDisabled
	}

	now := s.now()
	claims := &Claims{
		UserID:   u.Key(),
		Username: u.Username,
		Role:     RoleOf(u),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   u.Key(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	if s.tokens.Set(u.Key(), token) {
		log.Printf("[INFO] auth: user %s logged in, previous session superseded", u.Key())
	} else {
		log.Printf("[INFO] auth: user %s logged in", u.Key())
	}
	return &Session{Token: token, ExpiresAt: claims.ExpiresAt.Time, User: u, Claims: claims}, nil
}

// Verify checks the token signature and lifetime and that it is still the
// user's current token.
func (s *Service) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing userId", ErrInvalidToken)
	}
	if current, ok := s.tokens.Current(claims.UserID); !ok || current != token {
		return nil, ErrSessionSuperseded
	}
	return claims, nil
}

// Logout drops the user's current token.
func (s *Service) Logout(userID string) {
	if s.tokens.Delete(userID) {
		log.Printf("[INFO] auth: user %s logged out", userID)
	}
}

// Sessions returns the number of users holding a valid token.
func (s *Service) Sessions() int {
	return s.tokens.Len()
}
