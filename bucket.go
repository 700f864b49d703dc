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

// Package seckill provides the thread-safe, in-process primitives of the
// flash-sale execution engine. The central type is Bucket, a classic token
// bucket with lazy refill: tokens accrue as a function of elapsed time and a
// request either consumes its tokens immediately or is rejected. There is no
// blocking wait and no I/O on any path.
package seckill

import (
	"sync"
	"time"
)

// BucketConfig describes a bucket's capacity and sustained refill rate.
// Capacity is the burst size; RefillPerSecond is the steady-state rate.
// A capacity of zero yields a bucket that rejects every request.
type BucketConfig struct {
	Capacity        int64
	RefillPerSecond float64
}

// BucketState is the externally visible snapshot of a bucket. Tokens are
// fractional internally but reported as a whole number.
type BucketState struct {
	Capacity        int64     `json:"capacity"`
	RefillPerSecond float64   `json:"refillPerSecond"`
	Tokens          int64     `json:"tokens"`
	LastRefill      time.Time `json:"lastRefill"`
}

// Bucket is a token bucket guarded by a single mutex. All methods are safe
// for concurrent use. Refill is lazy: every operation first credits
// elapsed × rate, capped at capacity, before acting.
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	rate       float64 // tokens per second
	tokens     float64
	lastRefill time.Time

	// now is swappable in tests for deterministic refill arithmetic.
	now func() time.Time
}

// NewBucket creates a bucket that starts full (credit-on-arrival): a freshly
// created bucket admits a burst of up to Capacity immediately.
func NewBucket(cfg BucketConfig) *Bucket {
	b := &Bucket{
		capacity: float64(cfg.Capacity),
		rate:     cfg.RefillPerSecond,
		now:      time.Now,
	}
	b.tokens = b.capacity
	b.lastRefill = b.now()
	return b
}

// refillLocked credits tokens for the time elapsed since the last refill.
// Caller must hold b.mu.
func (b *Bucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// Allow consumes n tokens if at least n are available after the lazy refill.
// It reports whether the consumption happened. n <= 0 is rejected outright.
func (b *Bucket) Allow(n int64) bool {
	if n <= 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if b.tokens < float64(n) {
		return false
	}
	b.tokens -= float64(n)
	return true
}

// Return credits n tokens back, capped at capacity. It exists so a composite
// limiter can undo deductions when a later level rejects, keeping the
// contract that a rejected request costs nothing.
func (b *Bucket) Return(n int64) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	b.tokens += float64(n)
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// Reset sets the token count to zero.
func (b *Bucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	b.tokens = 0
}

// Fill sets the token count to capacity.
func (b *Bucket) Fill() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = b.capacity
	b.lastRefill = b.now()
}

// Reconfigure atomically replaces capacity and rate. When the capacity
// decreases, the current token count is truncated to the new capacity so a
// shrunken bucket cannot carry an oversized burst.
func (b *Bucket) Reconfigure(cfg BucketConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	b.capacity = float64(cfg.Capacity)
	b.rate = cfg.RefillPerSecond
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// Tokens reports the whole-number token count after a lazy refill.
func (b *Bucket) Tokens() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return int64(b.tokens)
}

// State returns a snapshot for persistence or inspection.
func (b *Bucket) State() BucketState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return BucketState{
		Capacity:        int64(b.capacity),
		RefillPerSecond: b.rate,
		Tokens:          int64(b.tokens),
		LastRefill:      b.lastRefill,
	}
}

// Config returns the bucket's current configuration.
func (b *Bucket) Config() BucketConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BucketConfig{Capacity: int64(b.capacity), RefillPerSecond: b.rate}
}
