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

// Package api serves the request/response surface of the gateway: login,
// logout, the caller's device list and the cache hooks used by the external
// administration tool.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/turtacn/plantgate/pkg/auth"
	"github.com/turtacn/plantgate/pkg/authz"
	"github.com/turtacn/plantgate/pkg/monitor"
	"github.com/turtacn/plantgate/pkg/store"
)

const claimsKey = "claims"

// UpstreamSessions controls the per-user upstream sessions.
type UpstreamSessions interface {
	Ensure(userID string)
	Remove(userID string)
	Restart(userID string)
}

// Sockets closes a user's push socket.
type Sockets interface {
	Drop(userID string)
}

// AlarmMembership removes a user from the realtime alarm audience.
type AlarmMembership interface {
	Unsubscribe(ctx context.Context, userID string) error
}

// Deps are the collaborators of the API server. Health may be nil.
type Deps struct {
	Auth     *auth.Service
	Users    store.UserStore
	Cache    *authz.Cache
	Sessions UpstreamSessions
	Sockets  Sockets
	Alarms   AlarmMembership
	Health   *monitor.HealthChecker
}

// APIResponse is the body of every error and of the plain success replies.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// UserView is the public part of a user returned at login.
type UserView struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	Realname     string `json:"realname"`
	Role         string `json:"role"`
	FactoryLevel int    `json:"factory_level"`
	AreaLevel    int    `json:"area_level"`
}

// LoginData carries the devices the user may see.
type LoginData struct {
	AllowedDevices []store.Device `json:"allowedDevices"`
}

// LoginResponse is the body of a successful login.
type LoginResponse struct {
	Success bool      `json:"success"`
	Token   string    `json:"token"`
	User    UserView  `json:"user"`
	Data    LoginData `json:"data"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// APIServer implements the HTTP handlers.
type APIServer struct {
	Deps
}

// NewAPIServer creates the API server.
func NewAPIServer(d Deps) *APIServer {
	return &APIServer{Deps: d}
}

// NewRouter returns a gin engine with CORS, request logging and the API
// routes. An empty origin list allows any origin.
func NewRouter(s *APIServer, allowedOrigins []string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	r.Use(cors.New(cfg))
	r.Use(requestLogger())

	s.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers all API routes.
func (s *APIServer) RegisterRoutes(r gin.IRouter) {
	r.GET("/api/health", s.handleHealth)
	r.POST("/api/login", s.handleLogin)
	r.POST("/api/auth/login", s.handleLogin)

	protected := r.Group("/api", s.authenticate)
	protected.GET("/devices", s.handleDevices)
	protected.POST("/logout", s.handleLogout)

	admin := protected.Group("/admin", s.requireAdmin)
	admin.POST("/cache/users/:id/invalidate", s.handleInvalidateUser)
	admin.POST("/cache/devices/invalidate", s.handleInvalidateDevices)
}

func (s *APIServer) authenticate(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		writeError(c, http.StatusUnauthorized, "missing bearer token")
		return
	}
	claims, err := s.Auth.Verify(token)
	if errors.Is(err, auth.ErrSessionSuperseded) {
		writeError(c, http.StatusUnauthorized, "account logged in elsewhere, please log in again")
		return
	}
	if err != nil {
		log.Printf("[DEBUG] api: rejected token: %v", err)
		writeError(c, http.StatusUnauthorized, "invalid or expired token")
		return
	}
	c.Set(claimsKey, claims)
	c.Next()
}

func (s *APIServer) requireAdmin(c *gin.Context) {
	if !claimsOf(c).IsAdmin() {
		writeError(c, http.StatusForbidden, "administrator role required")
		return
	}
	c.Next()
}

func claimsOf(c *gin.Context) *auth.Claims {
	v, _ := c.Get(claimsKey)
	claims, _ := v.(*auth.Claims)
	if claims == nil {
		return &auth.Claims{}
	}
	return claims
}

func (s *APIServer) handleHealth(c *gin.Context) {
	if s.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": monitor.StatusHealthy})
		return
	}
	status := s.Health.RunChecks(c.Request.Context())
	code := http.StatusOK
	if !status.Healthy() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (s *APIServer) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Username == "" || req.Password == "" {
		writeError(c, http.StatusBadRequest, "username and password are required")
		return
	}

	ctx := c.Request.Context()
	session, err := s.Auth.Login(ctx, req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(c, http.StatusUnauthorized, "invalid username or password")
		return
	case errors.Is(err, auth.ErrAccountDisabled):
		writeError(c, http.StatusForbidden, "account disabled")
		return
	case err != nil:
		log.Printf("[ERROR] api: login for %s failed: %v", req.Username, err)
		writeError(c, http.StatusInternalServerError, "login failed, please retry later")
		return
	}

	// Every login recomputes the device set; a store failure keeps the
	// previous entry.
	u := session.User
	devices := []store.Device{}
	entry, err := s.Cache.Reload(ctx, u)
	if err != nil {
		log.Printf("[WARN] api: loading devices for user %s at login failed: %v", u.Key(), err)
	}
	if entry != nil {
		devices = entry.Devices
	}
	s.Sessions.Ensure(u.Key())

	c.JSON(http.StatusOK, LoginResponse{
		Success: true,
		Token:   session.Token,
		User: UserView{
			ID:           u.ID,
			Username:     u.Username,
			Realname:     u.Realname,
			Role:         session.Claims.Role,
			FactoryLevel: u.FactoryLevel,
			AreaLevel:    u.AreaLevel,
		},
		Data: LoginData{AllowedDevices: devices},
	})
}

// handleDevices rebuilds the caller's entry. A store failure falls back to
// the cached entry when there is one.
func (s *APIServer) handleDevices(c *gin.Context) {
	ctx := c.Request.Context()
	userID := claimsOf(c).UserID

	u, err := s.Users.GetUserByID(ctx, userID)
	if errors.Is(err, store.ErrUserNotFound) {
		writeError(c, http.StatusUnauthorized, "user no longer exists")
		return
	}
	var entry *authz.Entry
	if err == nil {
		entry, err = s.Cache.Reload(ctx, u)
	}
	if err != nil {
		stale, ok := s.Cache.Get(userID)
		if !ok {
			log.Printf("[ERROR] api: device reload for user %s failed: %v", userID, err)
			writeError(c, http.StatusInternalServerError, "failed to load devices")
			return
		}
		log.Printf("[WARN] api: device reload for user %s failed, serving cached entry: %v", userID, err)
		entry = stale
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: entry.Devices})
}

func (s *APIServer) handleLogout(c *gin.Context) {
	userID := claimsOf(c).UserID

	s.Auth.Logout(userID)
	s.Cache.Invalidate(userID)
	s.Sessions.Remove(userID)
	s.Sockets.Drop(userID)
	if err := s.Alarms.Unsubscribe(context.WithoutCancel(c.Request.Context()), userID); err != nil {
		log.Printf("[WARN] api: alarm unsubscribe for user %s at logout failed: %v", userID, err)
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Message: "logged out"})
}

func (s *APIServer) handleInvalidateUser(c *gin.Context) {
	userID := c.Param("id")
	s.Cache.Invalidate(userID)
	s.Sessions.Restart(userID)
	log.Printf("[INFO] api: authorization of user %s invalidated by %s", userID, claimsOf(c).Username)
	c.JSON(http.StatusOK, APIResponse{Success: true, Message: "user cache invalidated"})
}

func (s *APIServer) handleInvalidateDevices(c *gin.Context) {
	s.Cache.Clear()
	log.Printf("[INFO] api: all device authorizations cleared by %s", claimsOf(c).Username)
	c.JSON(http.StatusOK, APIResponse{Success: true, Message: "device cache cleared"})
}

func writeError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, APIResponse{Success: false, Message: message})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		status := c.Writer.Status()
		level := "DEBUG"
		if status >= http.StatusInternalServerError {
			level = "ERROR"
		}
		log.Printf("[%s] api: %s %s - %d (%v)", level, c.Request.Method, path, status, time.Since(start))
	}
}
