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

// Package actor provides the mailbox that serializes all events of one
// long-lived process, such as a user's upstream session.
package actor

import "context"

// Actor is a process driven by its mailbox. Start blocks until the actor
// terminates; a nil error means a normal stop.
type Actor interface {
	Start(ctx context.Context, mb *Mailbox) error
}

// Mailbox is a buffered message queue owned by one actor. Any goroutine may
// send; only the owning actor receives.
type Mailbox struct {
	messages chan any
}

// NewMailbox creates a mailbox holding up to size pending messages.
func NewMailbox(size int) *Mailbox {
	return &Mailbox{
		messages: make(chan any, size),
	}
}

// Send enqueues msg, blocking while the mailbox is full.
func (mb *Mailbox) Send(msg any) {
	mb.messages <- msg
}

// TrySend enqueues msg without blocking. It reports false when the mailbox
// is full and the message was dropped.
func (mb *Mailbox) TrySend(msg any) bool {
	select {
	case mb.messages <- msg:
		return true
	default:
		return false
	}
}

// SendContext enqueues msg, giving up when ctx is done.
func (mb *Mailbox) SendContext(ctx context.Context, msg any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case mb.messages <- msg:
		return nil
	}
}

// Receive blocks until a message arrives or ctx is done.
func (mb *Mailbox) Receive(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-mb.messages:
		return msg, nil
	}
}

// Chan exposes the queue for use in a select.
func (mb *Mailbox) Chan() <-chan any {
	return mb.messages
}

// Len returns the number of pending messages.
func (mb *Mailbox) Len() int {
	return len(mb.messages)
}
