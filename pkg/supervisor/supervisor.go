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

// package supervisor restarts failed actors, one child at a time, after a
// fixed delay.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/turtacn/plantgate/pkg/actor"
	"github.com/turtacn/plantgate/pkg/metrics"
)

// DefaultRestartDelay is used when no delay is configured.
const DefaultRestartDelay = 3 * time.Second

// RestartStrategy defines the restart behavior for a supervised child actor.
type RestartStrategy int

const (
	// RestartPermanent always restarts the child.
	RestartPermanent RestartStrategy = iota
	// RestartTransient restarts the child only after an error or a panic.
	RestartTransient
	// RestartTemporary never restarts the child.
	RestartTemporary
)

// Spec describes one supervised child.
type Spec struct {
	// ID names the child in logs and metrics.
	ID      string
	Actor   actor.Actor
	Restart RestartStrategy
	Mailbox *actor.Mailbox
	// startFunc overrides Actor.Start in tests.
	startFunc func(context.Context, *actor.Mailbox) error
}

// Supervisor starts and monitors children.
type Supervisor interface {
	Start(ctx context.Context, specs []Spec) error
	StartChild(ctx context.Context, spec Spec) *Child
}

// Child is the handle of a running supervised child.
type Child struct {
	ID     string
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop cancels the child and waits until its monitor loop has returned.
func (c *Child) Stop() {
	c.cancel()
	<-c.done
}

// Done is closed once the child will not run again.
func (c *Child) Done() <-chan struct{} {
	return c.done
}

// OneForOneSupervisor restarts only the child that terminated.
type OneForOneSupervisor struct {
	delay time.Duration
}

// NewOneForOneSupervisor creates a supervisor that waits delay between a
// termination and the restart. A non-positive delay uses DefaultRestartDelay.
func NewOneForOneSupervisor(delay time.Duration) *OneForOneSupervisor {
	if delay <= 0 {
		delay = DefaultRestartDelay
	}
	return &OneForOneSupervisor{delay: delay}
}

// Start launches the initial set of children. It does not block.
func (s *OneForOneSupervisor) Start(ctx context.Context, specs []Spec) error {
	if len(specs) == 0 {
		return fmt.Errorf("no child specs provided")
	}
	for _, spec := range specs {
		s.StartChild(ctx, spec)
	}
	return nil
}

// StartChild launches spec in its own goroutine and returns its handle.
func (s *OneForOneSupervisor) StartChild(ctx context.Context, spec Spec) *Child {
	childCtx, cancel := context.WithCancel(ctx)
	c := &Child{ID: spec.ID, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		s.monitorChild(childCtx, cancel, spec)
	}()
	return c
}

func (s *OneForOneSupervisor) monitorChild(ctx context.Context, cancel context.CancelFunc, spec Spec) {
	defer cancel()

	for {
		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("actor %s panicked: %v", spec.ID, r)
				}
			}()
			err = s.startActor(ctx, spec)
		}()

		if ctx.Err() != nil {
			log.Printf("[INFO] Actor %s stopped.", spec.ID)
			return
		}
		if err != nil {
			log.Printf("[WARN] Actor %s terminated: %v", spec.ID, err)
		} else {
			log.Printf("[INFO] Actor %s terminated normally.", spec.ID)
		}

		shouldRestart := false
		switch spec.Restart {
		case RestartPermanent:
			shouldRestart = true
		case RestartTransient:
			shouldRestart = err != nil
		case RestartTemporary:
			shouldRestart = false
		}
		if !shouldRestart {
			log.Printf("[INFO] Actor %s will not be restarted based on strategy.", spec.ID)
			return
		}

		metrics.SupervisorRestartsTotal.WithLabelValues(spec.ID).Inc()
		log.Printf("[INFO] Restarting actor %s in %s...", spec.ID, s.delay)
		timer := time.NewTimer(s.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *OneForOneSupervisor) startActor(ctx context.Context, spec Spec) error {
	log.Printf("[DEBUG] Starting actor %s...", spec.ID)
	if spec.startFunc != nil {
		return spec.startFunc(ctx, spec.Mailbox)
	}
	return spec.Actor.Start(ctx, spec.Mailbox)
}
