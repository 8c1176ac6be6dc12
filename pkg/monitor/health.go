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

// Package monitor runs the gateway health checks: catalog reachability,
// upstream control session state and process statistics.
package monitor

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sort"
	"sync"
	"time"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"

	checkPassed = "passed"
	checkFailed = "failed"
)

// DefaultCheckTimeout bounds a single check.
const DefaultCheckTimeout = 2 * time.Second

// CheckFunc reports a failed check by returning an error.
type CheckFunc func(ctx context.Context) error

type healthCheck struct {
	name     string
	fn       CheckFunc
	critical bool
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Critical bool   `json:"critical"`
}

// HealthStatus is the outcome of a full run.
type HealthStatus struct {
	Status     string                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Uptime     int64                  `json:"uptime"`
	Checks     map[string]CheckResult `json:"checks"`
	Goroutines int                    `json:"goroutines"`
	HeapAlloc  uint64                 `json:"heap_alloc"`
}

// Healthy reports whether no critical check failed.
func (s HealthStatus) Healthy() bool {
	return s.Status != StatusUnhealthy
}

// HealthChecker runs the registered checks on demand.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  map[string]healthCheck
	started time.Time
	timeout time.Duration
	now     func() time.Time
}

// NewHealthChecker creates a checker with no checks.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks:  make(map[string]healthCheck),
		started: time.Now(),
		timeout: DefaultCheckTimeout,
		now:     time.Now,
	}
}

// RegisterCheck adds or replaces a check. A failing critical check makes the
// whole status unhealthy, any other failure only degraded.
func (hc *HealthChecker) RegisterCheck(name string, fn CheckFunc, critical bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = healthCheck{name: name, fn: fn, critical: critical}
}

// UnregisterCheck removes a check.
func (hc *HealthChecker) UnregisterCheck(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	delete(hc.checks, name)
}

// RunChecks executes every check with its own timeout.
func (hc *HealthChecker) RunChecks(ctx context.Context) HealthStatus {
	hc.mu.RLock()
	checks := make([]healthCheck, 0, len(hc.checks))
	for _, c := range hc.checks {
		checks = append(checks, c)
	}
	hc.mu.RUnlock()
	sort.Slice(checks, func(i, j int) bool { return checks[i].name < checks[j].name })

	status := StatusHealthy
	results := make(map[string]CheckResult, len(checks))
	for _, c := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, hc.timeout)
		err := c.fn(checkCtx)
		cancel()

		res := CheckResult{Status: checkPassed, Critical: c.critical}
		if err != nil {
			res.Status = checkFailed
			res.Message = err.Error()
			log.Printf("[WARN] monitor: health check %s failed: %v", c.name, err)
			if c.critical {
				status = StatusUnhealthy
			} else if status == StatusHealthy {
				status = StatusDegraded
			}
		}
		results[c.name] = res
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	now := hc.now()
	return HealthStatus{
		Status:     status,
		Timestamp:  now,
		Uptime:     int64(now.Sub(hc.started).Seconds()),
		Checks:     results,
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  mem.HeapAlloc,
	}
}

// ConnectedCheck turns a connectivity predicate into a check.
func ConnectedCheck(what string, connected func() bool) CheckFunc {
	return func(context.Context) error {
		if !connected() {
			return fmt.Errorf("%s not connected", what)
		}
		return nil
	}
}
