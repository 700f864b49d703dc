// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

package keystore

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Registry holds the engine's fixed set of named server-side scripts. Each
// script is invoked by content hash (EVALSHA); when the store replies
// NOSCRIPT — after a restart or failover — the client falls back to the
// source and the hash is re-registered transparently.
type Registry struct {
	client *Client

	mu      sync.RWMutex
	scripts map[string]*redis.Script
}

// NewRegistry creates an empty registry bound to the client.
func NewRegistry(client *Client) *Registry {
	return &Registry{client: client, scripts: make(map[string]*redis.Script)}
}

// Register adds a named script. Registering the same name twice replaces the
// previous source; components register their scripts once at construction.
func (r *Registry) Register(name, source string) {
	r.mu.Lock()
	r.scripts[name] = redis.NewScript(source)
	r.mu.Unlock()
}

// Load uploads every registered script so the first hot-path invocation does
// not pay the fallback round-trip. Errors are returned but non-fatal: Run
// still recovers via the NOSCRIPT fallback.
func (r *Registry) Load(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, s := range r.scripts {
		if err := s.Load(ctx, r.client.raw()).Err(); err != nil {
			return fmt.Errorf("keystore: load script %q: %w", name, err)
		}
	}
	return nil
}

// Run executes the named script by hash with source fallback.
func (r *Registry) Run(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	r.mu.RLock()
	s, ok := r.scripts[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("keystore: script %q not registered", name)
	}
	res, err := s.Run(ctx, r.client.raw(), keys, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("keystore: run script %q: %w", name, err)
	}
	return res, nil
}

// RunInts executes the named script and coerces the reply into an int64
// slice, the shape every engine script returns.
func (r *Registry) RunInts(ctx context.Context, name string, keys []string, args ...interface{}) ([]int64, error) {
	res, err := r.Run(ctx, name, keys, args...)
	if err != nil {
		return nil, err
	}
	raw, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("keystore: script %q returned %T, want array", name, res)
	}
	out := make([]int64, len(raw))
	for i, v := range raw {
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("keystore: script %q element %d is %T, want int64", name, i, v)
		}
		out[i] = n
	}
	return out, nil
}

// RunStrings executes the named script and coerces the reply into a string
// slice (used by the outbox claim script).
func (r *Registry) RunStrings(ctx context.Context, name string, keys []string, args ...interface{}) ([]string, error) {
	res, err := r.Run(ctx, name, keys, args...)
	if err != nil {
		return nil, err
	}
	raw, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("keystore: script %q returned %T, want array", name, res)
	}
	out := make([]string, len(raw))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("keystore: script %q element %d is %T, want string", name, i, v)
		}
		out[i] = s
	}
	return out, nil
}
