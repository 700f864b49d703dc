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

package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"seckill/internal/engine/keystore"
	"seckill/internal/engine/telemetry"
)

// Reason codes produced by the validator. They map onto the admission
// facade's public reasons; the validator is advisory only — the atomic
// commit script has the final say on every condition it re-checks.
type Reason string

const (
	ReasonOK         Reason = "ok"
	ReasonNotFound   Reason = "activity_not_found"
	ReasonNotActive  Reason = "activity_not_active"
	ReasonNotStarted Reason = "activity_not_started"
	ReasonEnded      Reason = "activity_ended"
	ReasonOutOfStock Reason = "out_of_stock"
)

// Source is the database fallback for cache misses. persistence.Store
// satisfies it.
type Source interface {
	GetActivity(ctx context.Context, id string) (*Activity, error)
}

// ErrSourceNotFound must be returned (possibly wrapped) by Source when the
// activity does not exist, so the validator can distinguish not-found from
// infrastructure failure.
var ErrSourceNotFound = errors.New("activity: not found")

// Result of a validation.
type Result struct {
	Valid    bool
	Reason   Reason
	Activity *Activity
}

// Validator performs the cheap pre-check of the admission path: record
// existence (keystore cache with database fallback), status, time window
// with a skew buffer, and an advisory stock check.
type Validator struct {
	ks         *keystore.Client
	source     Source
	cacheTTL   time.Duration
	timeBuffer time.Duration
	metrics    *telemetry.Metrics
	log        *zap.Logger
}

// NewValidator wires the validator. cacheTTL damps repeated database trips
// during a burst; timeBuffer absorbs client/server clock skew at the start
// boundary. metrics may be nil to run uninstrumented.
func NewValidator(ks *keystore.Client, source Source, cacheTTL, timeBuffer time.Duration, metrics *telemetry.Metrics, log *zap.Logger) *Validator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Validator{ks: ks, source: source, cacheTTL: cacheTTL, timeBuffer: timeBuffer, metrics: metrics, log: log}
}

// Lookup returns the activity record from cache, falling back to the source
// and re-populating the cache on miss.
func (v *Validator) Lookup(ctx context.Context, id string) (*Activity, error) {
	raw, err := v.ks.Get(ctx, keystore.ActivityKey(id))
	switch {
	case err == nil:
		var a Activity
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			v.metrics.RecordCacheOp("error")
			return nil, fmt.Errorf("activity: decode cached %s: %w", id, err)
		}
		v.metrics.RecordCacheOp("hit")
		return &a, nil
	case errors.Is(err, keystore.ErrNotFound):
		v.metrics.RecordCacheOp("miss")
		// fall through to the source
	default:
		v.metrics.RecordCacheOp("error")
		return nil, err
	}

	a, err := v.source.GetActivity(ctx, id)
	if err != nil {
		return nil, err
	}
	blob, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("activity: marshal %s: %w", id, err)
	}
	if err := v.ks.Set(ctx, keystore.ActivityKey(id), string(blob), v.cacheTTL); err != nil {
		// Cache population failure is not a validation failure.
		v.log.Warn("activity cache populate failed", zap.String("activity_id", id), zap.Error(err))
	} else {
		v.metrics.RecordCacheOp("set")
	}
	return a, nil
}

// Validate runs the pre-checks in order and returns the first failure.
// nowMillis is passed in so callers and tests share one clock.
func (v *Validator) Validate(ctx context.Context, id string, nowMillis int64) (Result, error) {
	a, err := v.Lookup(ctx, id)
	if err != nil {
		if errors.Is(err, ErrSourceNotFound) {
			return Result{Reason: ReasonNotFound}, nil
		}
		return Result{Reason: ReasonNotFound}, err
	}

	if a.Status.Terminal() {
		return Result{Reason: ReasonEnded, Activity: a}, nil
	}
	if nowMillis > a.EndTime {
		return Result{Reason: ReasonEnded, Activity: a}, nil
	}
	if nowMillis < a.StartTime-v.timeBuffer.Milliseconds() {
		return Result{Reason: ReasonNotStarted, Activity: a}, nil
	}
	if a.Status != StatusActive {
		return Result{Reason: ReasonNotActive, Activity: a}, nil
	}
	if a.Remaining() <= 0 {
		return Result{Reason: ReasonOutOfStock, Activity: a}, nil
	}
	return Result{Valid: true, Reason: ReasonOK, Activity: a}, nil
}
