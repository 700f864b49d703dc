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

package telemetry

import (
	"sync"
	"time"
)

// defaultAlpha weights the decaying mean. 0.2 means roughly the last five
// observations dominate.
const defaultAlpha = 0.2

// LatencyStats is a snapshot of the tracker.
type LatencyStats struct {
	Count   int64         `json:"count"`
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
	Avg     time.Duration `json:"avg"`
	Decayed time.Duration `json:"decayed"`
}

// LatencyTracker keeps running min/max/mean plus an exponentially decaying
// mean that reacts to recent shifts. Safe for concurrent use.
type LatencyTracker struct {
	mu      sync.Mutex
	alpha   float64
	count   int64
	sum     time.Duration
	min     time.Duration
	max     time.Duration
	decayed float64 // seconds
}

// NewLatencyTracker creates a tracker; alpha <= 0 uses the default.
func NewLatencyTracker(alpha float64) *LatencyTracker {
	if alpha <= 0 || alpha > 1 {
		alpha = defaultAlpha
	}
	return &LatencyTracker{alpha: alpha}
}

func (t *LatencyTracker) Observe(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count++
	t.sum += d
	if t.count == 1 {
		t.min, t.max = d, d
		t.decayed = d.Seconds()
		return
	}
	if d < t.min {
		t.min = d
	}
	if d > t.max {
		t.max = d
	}
	t.decayed = t.alpha*d.Seconds() + (1-t.alpha)*t.decayed
}

func (t *LatencyTracker) Snapshot() LatencyStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count == 0 {
		return LatencyStats{}
	}
	return LatencyStats{
		Count:   t.count,
		Min:     t.min,
		Max:     t.max,
		Avg:     t.sum / time.Duration(t.count),
		Decayed: time.Duration(t.decayed * float64(time.Second)),
	}
}

// Reset clears the tracker, used at retention boundaries.
func (t *LatencyTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count, t.sum, t.min, t.max, t.decayed = 0, 0, 0, 0, 0
}
