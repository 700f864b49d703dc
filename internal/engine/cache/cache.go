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

// Package cache keeps the keystore projection of activity records aligned
// with the database under three update strategies, and runs a background
// consistency validator that measures and repairs drift.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"seckill/internal/engine/activity"
	"seckill/internal/engine/keystore"
	"seckill/internal/engine/persistence"
	"seckill/internal/engine/telemetry"
)

// Strategy selects how an activity update propagates to the cache.
type Strategy string

const (
	// WriteThrough writes the database first, then the cache. Strongest
	// consistency, paid on the update path.
	WriteThrough Strategy = "write_through"
	// WriteBehind writes the cache immediately and defers the database write
	// to the outbox. The sale stays fast; durability follows.
	WriteBehind Strategy = "write_behind"
	// RefreshAhead is a read-side strategy: reads near TTL expiry trigger an
	// asynchronous re-load so hot records never lapse.
	RefreshAhead Strategy = "refresh_ahead"
)

// Enqueuer defers a database write. Satisfied by the outbox.
type Enqueuer interface {
	EnqueueStockSync(ctx context.Context, activityID string, soldCount, currentStock int64) error
}

// UpdateResult reports how an update went, including how many retries the
// cache write needed.
type UpdateResult struct {
	Strategy Strategy
	Retries  int
}

// ErrNoEnqueuer is returned when write_behind is requested without an
// outbox wired in.
var ErrNoEnqueuer = errors.New("cache: write_behind requires an enqueuer")

// Strategist applies update strategies and serves cached reads.
type Strategist struct {
	ks               *keystore.Client
	store            persistence.Store
	enq              Enqueuer
	defaultTTL       time.Duration
	maxRetries       int
	retryDelay       time.Duration
	refreshThreshold float64
	metrics          *telemetry.Metrics
	log              *zap.Logger

	refreshing sync.Map // activity id -> struct{}
	wg         sync.WaitGroup
}

// NewStrategist wires a strategist. enq may be nil if write_behind is never
// used; metrics may be nil to run uninstrumented.
func NewStrategist(ks *keystore.Client, store persistence.Store, enq Enqueuer,
	defaultTTL time.Duration, maxRetries int, retryDelay time.Duration,
	refreshThreshold float64, metrics *telemetry.Metrics, log *zap.Logger) *Strategist {
	if log == nil {
		log = zap.NewNop()
	}
	return &Strategist{
		ks:               ks,
		store:            store,
		enq:              enq,
		defaultTTL:       defaultTTL,
		maxRetries:       maxRetries,
		retryDelay:       retryDelay,
		refreshThreshold: refreshThreshold,
		metrics:          metrics,
		log:              log,
	}
}

// setCached writes the record with bounded retries. The delay between
// attempts is fixed; the budget is small enough that backoff buys nothing.
func (s *Strategist) setCached(ctx context.Context, a *activity.Activity) (int, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return 0, fmt.Errorf("cache: marshal %s: %w", a.ID, err)
	}
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.retryDelay):
			case <-ctx.Done():
				return attempt, ctx.Err()
			}
		}
		if lastErr = s.ks.Set(ctx, keystore.ActivityKey(a.ID), string(raw), s.defaultTTL); lastErr == nil {
			s.metrics.RecordCacheOp("set")
			return attempt, nil
		}
	}
	s.metrics.RecordCacheOp("error")
	return s.maxRetries, fmt.Errorf("cache: set %s after %d retries: %w", a.ID, s.maxRetries, lastErr)
}

// UpdateActivity propagates a changed record under the given strategy.
func (s *Strategist) UpdateActivity(ctx context.Context, a *activity.Activity, strategy Strategy) (UpdateResult, error) {
	res := UpdateResult{Strategy: strategy}
	switch strategy {
	case WriteThrough:
		if err := s.store.UpsertActivity(ctx, a); err != nil {
			return res, err
		}
		retries, err := s.setCached(ctx, a)
		res.Retries = retries
		return res, err
	case WriteBehind:
		if s.enq == nil {
			return res, ErrNoEnqueuer
		}
		retries, err := s.setCached(ctx, a)
		res.Retries = retries
		if err != nil {
			return res, err
		}
		return res, s.enq.EnqueueStockSync(ctx, a.ID, a.SoldCount, a.Remaining())
	case RefreshAhead:
		// Read-side strategy; an explicit update just writes the cache.
		retries, err := s.setCached(ctx, a)
		res.Retries = retries
		return res, err
	default:
		return res, fmt.Errorf("cache: unknown strategy %q", strategy)
	}
}

// GetActivity serves the cached record, loading from the store on a miss.
// When the remaining TTL drops under the refresh threshold the record is
// re-loaded in the background so hot entries never expire under load.
func (s *Strategist) GetActivity(ctx context.Context, id string) (*activity.Activity, error) {
	raw, err := s.ks.Get(ctx, keystore.ActivityKey(id))
	if errors.Is(err, keystore.ErrNotFound) {
		s.metrics.RecordCacheOp("miss")
		return s.load(ctx, id)
	}
	if err != nil {
		s.metrics.RecordCacheOp("error")
		return nil, err
	}
	var a activity.Activity
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		s.metrics.RecordCacheOp("error")
		return nil, fmt.Errorf("cache: decode %s: %w", id, err)
	}
	s.metrics.RecordCacheOp("hit")
	s.maybeRefresh(ctx, id)
	return &a, nil
}

func (s *Strategist) load(ctx context.Context, id string) (*activity.Activity, error) {
	a, err := s.store.GetActivity(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.setCached(ctx, a); err != nil {
		s.log.Warn("cache populate failed", zap.String("activity_id", id), zap.Error(err))
	}
	return a, nil
}

func (s *Strategist) maybeRefresh(ctx context.Context, id string) {
	if s.refreshThreshold <= 0 {
		return
	}
	ttl, err := s.ks.TTL(ctx, keystore.ActivityKey(id))
	if err != nil || ttl <= 0 {
		return
	}
	if float64(ttl) >= s.refreshThreshold*float64(s.defaultTTL) {
		return
	}
	if _, loaded := s.refreshing.LoadOrStore(id, struct{}{}); loaded {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.refreshing.Delete(id)
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.load(rctx, id); err != nil {
			s.log.Warn("refresh-ahead failed", zap.String("activity_id", id), zap.Error(err))
		}
	}()
}

// Wait blocks until in-flight background refreshes finish. Used on shutdown.
func (s *Strategist) Wait() { s.wg.Wait() }
