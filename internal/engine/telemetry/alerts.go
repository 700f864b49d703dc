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
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"seckill/internal/engine/outbox"
)

// AlertLevel grades an alert.
type AlertLevel string

const (
	LevelWarning  AlertLevel = "warning"
	LevelError    AlertLevel = "error"
	LevelCritical AlertLevel = "critical"
)

// Alert types.
const (
	AlertLowHitRate    = "low_cache_hit_rate"
	AlertHighErrorRate = "high_error_rate"
	AlertLowStock      = "low_stock"
	AlertHighLatency   = "high_latency"
	AlertInconsistency = "cache_inconsistency"
)

// Alert is one threshold breach.
type Alert struct {
	Type      string     `json:"type"`
	Level     AlertLevel `json:"level"`
	Message   string     `json:"message"`
	Value     float64    `json:"value"`
	Threshold float64    `json:"threshold"`
	Ts        int64      `json:"ts"` // epoch ms
}

// Sink receives fired alerts.
type Sink interface {
	Emit(ctx context.Context, a Alert) error
}

// OutboxSink delivers alerts as email.send events through the outbox, so
// alert delivery inherits its retry and dead-letter semantics.
type OutboxSink struct {
	ob *outbox.Outbox
	to string
}

func NewOutboxSink(ob *outbox.Outbox, to string) *OutboxSink {
	return &OutboxSink{ob: ob, to: to}
}

func (s *OutboxSink) Emit(ctx context.Context, a Alert) error {
	id := fmt.Sprintf("alert-%s-%d", a.Type, a.Ts)
	return s.ob.Enqueue(ctx, id, outbox.TopicEmail, outbox.KindEmailSend, outbox.EmailPayload{
		To:       s.to,
		Template: "alert",
		Data: map[string]string{
			"type":      a.Type,
			"level":     string(a.Level),
			"message":   a.Message,
			"value":     fmt.Sprintf("%g", a.Value),
			"threshold": fmt.Sprintf("%g", a.Threshold),
		},
	})
}

// Thresholds for the alerter. Zero disables the corresponding check.
type Thresholds struct {
	LowHitRate    float64
	HighErrorRate float64
	LowStock      int64
	HighLatency   time.Duration
}

// Alerter evaluates thresholds and emits at most one alert per type per
// cooldown window, so a sustained breach does not flood the sink.
type Alerter struct {
	thresholds Thresholds
	sink       Sink
	cooldown   time.Duration
	log        *zap.Logger
	now        func() time.Time

	mu        sync.Mutex
	lastFired map[string]time.Time
}

func NewAlerter(th Thresholds, sink Sink, cooldown time.Duration, log *zap.Logger) *Alerter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Alerter{
		thresholds: th,
		sink:       sink,
		cooldown:   cooldown,
		log:        log,
		now:        time.Now,
		lastFired:  make(map[string]time.Time),
	}
}

// fire emits unless the type is still cooling down. The dedup key includes
// the subject so two activities can alert independently.
func (a *Alerter) fire(ctx context.Context, key string, alert Alert) {
	a.mu.Lock()
	last, seen := a.lastFired[key]
	now := a.now()
	if seen && now.Sub(last) < a.cooldown {
		a.mu.Unlock()
		return
	}
	a.lastFired[key] = now
	a.mu.Unlock()

	a.log.Warn("alert fired",
		zap.String("type", alert.Type),
		zap.String("level", string(alert.Level)),
		zap.Float64("value", alert.Value),
		zap.Float64("threshold", alert.Threshold))
	if a.sink == nil {
		return
	}
	if err := a.sink.Emit(ctx, alert); err != nil {
		a.log.Error("alert emit failed", zap.String("type", alert.Type), zap.Error(err))
	}
}

// CheckHitRate alerts when the cache hit rate over a window falls under the
// threshold. Windows with no traffic are skipped.
func (a *Alerter) CheckHitRate(ctx context.Context, hits, misses int64) {
	if a.thresholds.LowHitRate <= 0 || hits+misses == 0 {
		return
	}
	rate := float64(hits) / float64(hits+misses)
	if rate >= a.thresholds.LowHitRate {
		return
	}
	a.fire(ctx, AlertLowHitRate, Alert{
		Type:      AlertLowHitRate,
		Level:     LevelWarning,
		Message:   fmt.Sprintf("cache hit rate %.2f under %.2f", rate, a.thresholds.LowHitRate),
		Value:     rate,
		Threshold: a.thresholds.LowHitRate,
		Ts:        a.now().UnixMilli(),
	})
}

// CheckErrorRate alerts when errors/total exceeds the threshold.
func (a *Alerter) CheckErrorRate(ctx context.Context, errors, total int64) {
	if a.thresholds.HighErrorRate <= 0 || total == 0 {
		return
	}
	rate := float64(errors) / float64(total)
	if rate <= a.thresholds.HighErrorRate {
		return
	}
	a.fire(ctx, AlertHighErrorRate, Alert{
		Type:      AlertHighErrorRate,
		Level:     LevelError,
		Message:   fmt.Sprintf("error rate %.3f over %.3f", rate, a.thresholds.HighErrorRate),
		Value:     rate,
		Threshold: a.thresholds.HighErrorRate,
		Ts:        a.now().UnixMilli(),
	})
}

// CheckLowStock alerts per activity when remaining stock drops under the
// threshold but is not yet zero (sold out is an outcome, not an incident).
func (a *Alerter) CheckLowStock(ctx context.Context, activityID string, remaining int64) {
	if a.thresholds.LowStock <= 0 || remaining <= 0 || remaining >= a.thresholds.LowStock {
		return
	}
	a.fire(ctx, AlertLowStock+":"+activityID, Alert{
		Type:      AlertLowStock,
		Level:     LevelWarning,
		Message:   fmt.Sprintf("activity %s has %d units left", activityID, remaining),
		Value:     float64(remaining),
		Threshold: float64(a.thresholds.LowStock),
		Ts:        a.now().UnixMilli(),
	})
}

// CheckLatency alerts when the decayed mean admission latency exceeds the
// threshold.
func (a *Alerter) CheckLatency(ctx context.Context, stats LatencyStats) {
	if a.thresholds.HighLatency <= 0 || stats.Count == 0 || stats.Decayed <= a.thresholds.HighLatency {
		return
	}
	a.fire(ctx, AlertHighLatency, Alert{
		Type:      AlertHighLatency,
		Level:     LevelWarning,
		Message:   fmt.Sprintf("admission latency %s over %s", stats.Decayed, a.thresholds.HighLatency),
		Value:     stats.Decayed.Seconds(),
		Threshold: a.thresholds.HighLatency.Seconds(),
		Ts:        a.now().UnixMilli(),
	})
}

// ConsistencyAlert forwards a low cache-consistency sweep.
func (a *Alerter) ConsistencyAlert(ctx context.Context, rate, threshold float64) {
	a.fire(ctx, AlertInconsistency, Alert{
		Type:      AlertInconsistency,
		Level:     LevelCritical,
		Message:   fmt.Sprintf("cache consistency %.3f under %.3f", rate, threshold),
		Value:     rate,
		Threshold: threshold,
		Ts:        a.now().UnixMilli(),
	})
}
