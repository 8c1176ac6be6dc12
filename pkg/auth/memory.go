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

import "sync"

// TokenRegistry keeps the single current token of every logged-in user.
type TokenRegistry struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewTokenRegistry creates an empty registry.
func NewTokenRegistry() *TokenRegistry {
	return &TokenRegistry{tokens: make(map[string]string)}
}

// Set stores token as the user's current one and reports whether it replaced
// an earlier token.
func (r *TokenRegistry) Set(userID, token string) (replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, replaced = r.tokens[userID]
	r.tokens[userID] = token
	return replaced
}

// Current returns the user's current token.
func (r *TokenRegistry) Current(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[userID]
	return t, ok
}

// Delete removes the user's token and reports whether one existed.
func (r *TokenRegistry) Delete(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tokens[userID]
	delete(r.tokens, userID)
	return ok
}

// Len returns the number of stored tokens.
func (r *TokenRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tokens)
}
