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

// Package limiter composes three token-bucket families into the admission
// rate check: a per-activity global bucket, a per-IP bucket, and a per-user
// bucket. Levels are checked in that order and a rejected request costs
// nothing at any level.
package limiter

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"seckill"
	"seckill/internal/engine/config"
	"seckill/internal/engine/keystore"
)

// Level identifies a bucket family. It doubles as the rejection reason
// qualifier reported to callers and metrics.
type Level string

const (
	LevelGlobal Level = "global"
	LevelIP     Level = "ip"
	LevelUser   Level = "user"
)

// checkOrder is fixed: coarse to fine, so a saturated activity sheds load
// before per-IP and per-user state is touched.
var checkOrder = []Level{LevelGlobal, LevelIP, LevelUser}

// Decision is the outcome of one admission check. DeniedLevel is set only
// when Allowed is false.
type Decision struct {
	Allowed     bool
	DeniedLevel Level
}

// managedBucket pairs a bucket with its last-touched time so the GC loop can
// evict idle entries.
type managedBucket struct {
	bucket       *seckill.Bucket
	lastAccessed atomic.Int64 // unix nanos
}

// family is one keyed collection of buckets sharing a config.
type family struct {
	level Level

	cfgMu sync.RWMutex
	cfg   seckill.BucketConfig

	buckets sync.Map // string -> *managedBucket
}

func (f *family) get(key string, now time.Time) *managedBucket {
	if v, ok := f.buckets.Load(key); ok {
		mb := v.(*managedBucket)
		mb.lastAccessed.Store(now.UnixNano())
		return mb
	}
	f.cfgMu.RLock()
	cfg := f.cfg
	f.cfgMu.RUnlock()
	mb := &managedBucket{bucket: seckill.NewBucket(cfg)}
	mb.lastAccessed.Store(now.UnixNano())
	actual, _ := f.buckets.LoadOrStore(key, mb)
	return actual.(*managedBucket)
}

// reconfigure swaps the family config and applies it to every live bucket.
func (f *family) reconfigure(cfg seckill.BucketConfig) {
	f.cfgMu.Lock()
	f.cfg = cfg
	f.cfgMu.Unlock()
	f.buckets.Range(func(_, v interface{}) bool {
		v.(*managedBucket).bucket.Reconfigure(cfg)
		return true
	})
}

// gc evicts buckets idle since before cutoff and returns the eviction count.
func (f *family) gc(cutoff time.Time) int {
	evicted := 0
	f.buckets.Range(func(k, v interface{}) bool {
		if v.(*managedBucket).lastAccessed.Load() < cutoff.UnixNano() {
			f.buckets.Delete(k)
			evicted++
		}
		return true
	})
	return evicted
}

func (f *family) size() int {
	n := 0
	f.buckets.Range(func(_, _ interface{}) bool { n++; return true })
	return n
}

// Limiter is the three-level composite. Start launches the GC and snapshot
// workers; Stop drains them and flushes a final snapshot.
type Limiter struct {
	families map[Level]*family

	baseMu         sync.Mutex
	globalBaseline seckill.BucketConfig
	tightened      atomic.Bool

	idleTimeout      time.Duration
	gcInterval       time.Duration
	snapshotInterval time.Duration

	ks  *keystore.Client
	log *zap.Logger
	now func() time.Time

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

func toBucketConfig(c config.LimitConfig) seckill.BucketConfig {
	return seckill.BucketConfig{Capacity: c.Capacity, RefillPerSecond: c.RefillPerSecond}
}

// New builds the limiter from the engine config. ks may be nil, which
// disables bucket-state snapshots.
func New(cfg config.Config, ks *keystore.Client, log *zap.Logger) *Limiter {
	if log == nil {
		log = zap.NewNop()
	}
	global := toBucketConfig(cfg.GlobalLimit)
	l := &Limiter{
		families: map[Level]*family{
			LevelGlobal: {level: LevelGlobal, cfg: global},
			LevelIP:     {level: LevelIP, cfg: toBucketConfig(cfg.IPLimit)},
			LevelUser:   {level: LevelUser, cfg: toBucketConfig(cfg.UserLimit)},
		},
		globalBaseline:   global,
		idleTimeout:      cfg.LimiterIdleTimeout,
		gcInterval:       cfg.LimiterGCInterval,
		snapshotInterval: cfg.LimiterSnapshotInterval,
		ks:               ks,
		log:              log,
		now:              time.Now,
		stopCh:           make(chan struct{}),
	}
	return l
}

// Allow checks the three levels in order, deducting one token from each. If
// a later level rejects, tokens already taken at earlier levels are returned
// so the rejected request leaves no trace.
func (l *Limiter) Allow(activityID, ip, userID string) Decision {
	now := l.now()
	keys := map[Level]string{
		LevelGlobal: activityID,
		LevelIP:     ip,
		LevelUser:   userID,
	}
	taken := make([]*managedBucket, 0, len(checkOrder))
	for _, level := range checkOrder {
		mb := l.families[level].get(keys[level], now)
		if !mb.bucket.Allow(1) {
			for _, prev := range taken {
				prev.bucket.Return(1)
			}
			return Decision{Allowed: false, DeniedLevel: level}
		}
		taken = append(taken, mb)
	}
	return Decision{Allowed: true}
}

// UpdateConfig replaces one family's configuration at runtime. Existing
// buckets are reconfigured in place; shrinking truncates their tokens.
func (l *Limiter) UpdateConfig(level Level, cfg seckill.BucketConfig) {
	fam, ok := l.families[level]
	if !ok {
		return
	}
	fam.reconfigure(cfg)
	if level == LevelGlobal && !l.tightened.Load() {
		l.baseMu.Lock()
		l.globalBaseline = cfg
		l.baseMu.Unlock()
	}
	l.log.Info("limiter config updated",
		zap.String("level", string(level)),
		zap.Int64("capacity", cfg.Capacity),
		zap.Float64("refill_per_second", cfg.RefillPerSecond))
}

// TightenGlobal halves the global family under backpressure. Idempotent
// until RelaxGlobal restores the baseline.
func (l *Limiter) TightenGlobal() {
	if !l.tightened.CompareAndSwap(false, true) {
		return
	}
	l.baseMu.Lock()
	base := l.globalBaseline
	l.baseMu.Unlock()
	halved := seckill.BucketConfig{
		Capacity:        base.Capacity / 2,
		RefillPerSecond: base.RefillPerSecond / 2,
	}
	if halved.Capacity < 1 {
		halved.Capacity = 1
	}
	l.families[LevelGlobal].reconfigure(halved)
	l.log.Warn("global rate limit tightened",
		zap.Int64("capacity", halved.Capacity),
		zap.Float64("refill_per_second", halved.RefillPerSecond))
}

// RelaxGlobal restores the baseline after backpressure clears.
func (l *Limiter) RelaxGlobal() {
	if !l.tightened.CompareAndSwap(true, false) {
		return
	}
	l.baseMu.Lock()
	base := l.globalBaseline
	l.baseMu.Unlock()
	l.families[LevelGlobal].reconfigure(base)
	l.log.Info("global rate limit restored", zap.Int64("capacity", base.Capacity))
}

// Tightened reports whether the global family is currently halved.
func (l *Limiter) Tightened() bool { return l.tightened.Load() }

// BucketCount returns the live bucket count of a family.
func (l *Limiter) BucketCount(level Level) int {
	fam, ok := l.families[level]
	if !ok {
		return 0
	}
	return fam.size()
}

// Start launches the idle-GC worker and, when snapshots are enabled, the
// snapshot worker.
func (l *Limiter) Start() {
	l.wg.Add(1)
	go l.gcLoop()
	if l.ks != nil && l.snapshotInterval > 0 {
		l.wg.Add(1)
		go l.snapshotLoop()
	}
}

// Stop halts the workers and flushes a final snapshot.
func (l *Limiter) Stop() {
	l.stopped.Do(func() { close(l.stopCh) })
	l.wg.Wait()
	if l.ks != nil && l.snapshotInterval > 0 {
		l.snapshot(context.Background())
	}
}

func (l *Limiter) gcLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.runGC()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) runGC() {
	cutoff := l.now().Add(-l.idleTimeout)
	total := 0
	for _, fam := range l.families {
		total += fam.gc(cutoff)
	}
	if total > 0 {
		l.log.Debug("evicted idle rate buckets", zap.Int("count", total))
	}
}

func (l *Limiter) snapshotLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.snapshot(context.Background())
		case <-l.stopCh:
			return
		}
	}
}

// snapshot persists every live bucket's state to the keystore. Snapshots are
// advisory (operator visibility, warm restarts); failures are logged and
// skipped, never propagated to the admission path.
func (l *Limiter) snapshot(ctx context.Context) {
	for _, fam := range l.families {
		fam.buckets.Range(func(k, v interface{}) bool {
			state := v.(*managedBucket).bucket.State()
			raw, err := json.Marshal(state)
			if err != nil {
				return true
			}
			key := keystore.RateBucketKey(string(fam.level), k.(string))
			if err := l.ks.Set(ctx, key, string(raw), l.idleTimeout); err != nil {
				l.log.Warn("bucket snapshot failed", zap.String("key", key), zap.Error(err))
			}
			return true
		})
	}
}
