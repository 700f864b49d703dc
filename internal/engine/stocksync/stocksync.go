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

// Package stocksync reconciles the live keystore stock counters with the
// database system of record. The commit path never waits on the database;
// this synchronizer runs behind it on a fixed interval and repairs drift
// according to a configured policy.
package stocksync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"seckill/internal/engine/activity"
	"seckill/internal/engine/keystore"
	"seckill/internal/engine/persistence"
	"seckill/internal/engine/telemetry"
)

// Policy decides which side wins when the keystore and the database
// disagree about remaining stock.
type Policy string

const (
	// PolicyRedisPriority trusts the live counter and writes it back to the
	// database. Right for counters only ever mutated by the commit script.
	PolicyRedisPriority Policy = "redis_priority"
	// PolicyDBPriority trusts the database and overwrites the live counter.
	// Right after manual stock corrections.
	PolicyDBPriority Policy = "db_priority"
	// PolicyMerge takes the conservative minimum of both remainders. The
	// default: it can undersell on drift but never oversell.
	PolicyMerge Policy = "merge"
)

// ParsePolicy validates a policy string from configuration.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyRedisPriority, PolicyDBPriority, PolicyMerge:
		return Policy(s), nil
	}
	return "", fmt.Errorf("stocksync: unknown policy %q", s)
}

const scriptSetStock = "seckill_set_stock"

// setStockScript writes a resolved stock value only if the version counter
// still matches what the synchronizer read. A concurrent commit bumps the
// version and the write is refused, returning the current version so the
// caller can re-read and retry.
//
// KEYS: stock, stockver
// ARGV: newStock, expectedVersion
// Reply: {0, newVersion} on success, {-1, currentVersion} on conflict
const setStockScript = `
local ver = tonumber(redis.call('GET', KEYS[2])) or 0
if ver ~= tonumber(ARGV[2]) then
  return {-1, ver}
end
redis.call('SET', KEYS[1], ARGV[1])
local nv = redis.call('INCR', KEYS[2])
return {0, nv}
`

// maxWriteAttempts bounds optimistic-write retries per activity per cycle.
// Losing a round to a live commit is normal; the next cycle catches up.
const maxWriteAttempts = 3

// ErrVersionConflict is returned when every optimistic write attempt lost
// to concurrent commits.
var ErrVersionConflict = errors.New("stocksync: version conflict, will retry next cycle")

// Synchronizer runs the reconciliation loop.
type Synchronizer struct {
	ks       *keystore.Client
	reg      *keystore.Registry
	store    persistence.Store
	policy   Policy
	interval time.Duration
	batch    int
	metrics  *telemetry.Metrics
	log      *zap.Logger

	stopCh chan struct{}
	done   chan struct{}
}

// New wires a synchronizer and registers its script. metrics may be nil to
// run uninstrumented.
func New(ks *keystore.Client, reg *keystore.Registry, store persistence.Store, policy Policy, interval time.Duration, batch int, metrics *telemetry.Metrics, log *zap.Logger) *Synchronizer {
	if log == nil {
		log = zap.NewNop()
	}
	if batch <= 0 {
		batch = 50
	}
	reg.Register(scriptSetStock, setStockScript)
	return &Synchronizer{
		ks:       ks,
		reg:      reg,
		store:    store,
		policy:   policy,
		interval: interval,
		batch:    batch,
		metrics:  metrics,
		log:      log,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Warmup seeds the keystore from the database for every active activity,
// using db_priority regardless of the configured policy. Run once at
// startup before the engine admits traffic.
func (s *Synchronizer) Warmup(ctx context.Context) error {
	acts, err := s.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("stocksync: warmup list: %w", err)
	}
	for _, a := range acts {
		if _, err := s.syncOne(ctx, a, PolicyDBPriority); err != nil {
			return fmt.Errorf("stocksync: warmup %s: %w", a.ID, err)
		}
	}
	s.log.Info("stock warmup complete", zap.Int("activities", len(acts)))
	return nil
}

// Start launches the periodic loop.
func (s *Synchronizer) Start() {
	go s.run()
}

// Stop halts the loop and waits for an in-progress cycle to finish.
func (s *Synchronizer) Stop() {
	close(s.stopCh)
	<-s.done
}

func (s *Synchronizer) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.SyncAll(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// SyncAll reconciles every active activity in batches. Per-activity failures
// are logged and skipped; a sync failure must never take down the engine.
func (s *Synchronizer) SyncAll(ctx context.Context) {
	acts, err := s.store.ListActive(ctx)
	if err != nil {
		s.log.Error("sync cycle: list active failed", zap.Error(err))
		return
	}
	conflicts := 0
	for i := 0; i < len(acts); i += s.batch {
		end := i + s.batch
		if end > len(acts) {
			end = len(acts)
		}
		for _, a := range acts[i:end] {
			rec, err := s.syncOne(ctx, a, s.policy)
			if err != nil {
				s.log.Warn("sync failed", zap.String("activity_id", a.ID), zap.Error(err))
				continue
			}
			if rec.Conflict {
				conflicts++
			}
		}
	}
	if conflicts > 0 {
		s.log.Info("sync cycle found drift", zap.Int("activities", len(acts)), zap.Int("conflicts", conflicts))
	}
}

// SyncOne reconciles a single activity under the configured policy.
func (s *Synchronizer) SyncOne(ctx context.Context, a *activity.Activity) (persistence.SyncRecord, error) {
	return s.syncOne(ctx, a, s.policy)
}

func (s *Synchronizer) syncOne(ctx context.Context, a *activity.Activity, policy Policy) (rec persistence.SyncRecord, err error) {
	start := time.Now()
	defer func() { s.metrics.RecordSync(time.Since(start), err) }()

	dbRemaining := a.Remaining()

	redisStock, ver, found, err := s.readStock(ctx, a.ID)
	if err != nil {
		return persistence.SyncRecord{}, err
	}
	if !found {
		// Counter missing (expired or never seeded): seed from the database
		// regardless of policy.
		if err := s.seed(ctx, a.ID, dbRemaining); err != nil {
			return persistence.SyncRecord{}, err
		}
		redisStock, ver = dbRemaining, 0
	}

	resolved := redisStock
	switch policy {
	case PolicyRedisPriority:
		resolved = redisStock
	case PolicyDBPriority:
		resolved = dbRemaining
	case PolicyMerge:
		if dbRemaining < redisStock {
			resolved = dbRemaining
		}
	}
	if resolved < 0 {
		resolved = 0
	}

	rec = persistence.SyncRecord{
		ActivityID: a.ID,
		Policy:     string(policy),
		DBValue:    dbRemaining,
		CacheValue: redisStock,
		Resolved:   resolved,
		Conflict:   redisStock != dbRemaining,
		SyncedAt:   time.Now().UTC(),
	}
	if rec.Conflict {
		s.metrics.RecordSyncConflict("value_drift")
	}

	if resolved != redisStock {
		if err := s.writeStock(ctx, a.ID, resolved, ver); err != nil {
			return rec, err
		}
	}
	if resolved != dbRemaining {
		if err := s.store.UpdateSold(ctx, a.ID, a.TotalStock-resolved); err != nil {
			return rec, err
		}
	}
	if err := s.store.AppendSyncRecord(ctx, rec); err != nil {
		// The reconciliation itself succeeded; a lost audit row is logged,
		// not fatal.
		s.log.Warn("sync record write failed", zap.String("activity_id", a.ID), zap.Error(err))
	}
	return rec, nil
}

func (s *Synchronizer) readStock(ctx context.Context, id string) (stock, ver int64, found bool, err error) {
	stock, err = s.ks.GetInt(ctx, keystore.StockKey(id))
	if errors.Is(err, keystore.ErrNotFound) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	ver, err = s.ks.GetInt(ctx, keystore.StockVerKey(id))
	if errors.Is(err, keystore.ErrNotFound) {
		ver = 0
	} else if err != nil {
		return 0, 0, false, err
	}
	return stock, ver, true, nil
}

func (s *Synchronizer) seed(ctx context.Context, id string, stock int64) error {
	set, err := s.ks.SetNX(ctx, keystore.StockKey(id), fmt.Sprintf("%d", stock), 0)
	if err != nil {
		return err
	}
	if set {
		return s.ks.Set(ctx, keystore.StockVerKey(id), "0", 0)
	}
	return nil
}

// writeStock applies the resolved value with optimistic version retries.
// Each conflict means a commit landed mid-sync; re-read and recompute the
// conservative value before retrying.
func (s *Synchronizer) writeStock(ctx context.Context, id string, resolved, expectedVer int64) error {
	keys := []string{keystore.StockKey(id), keystore.StockVerKey(id)}
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		reply, err := s.reg.RunInts(ctx, scriptSetStock, keys, resolved, expectedVer)
		if err != nil {
			return err
		}
		if len(reply) == 2 && reply[0] == 0 {
			return nil
		}
		s.metrics.RecordSyncConflict("version")
		current, ver, found, err := s.readStock(ctx, id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("stocksync: stock key vanished for %s", id)
		}
		// A commit consumed units meanwhile; never write back more than the
		// live counter now holds.
		if current < resolved {
			resolved = current
		}
		expectedVer = ver
	}
	return ErrVersionConflict
}
