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

// Package config enumerates every tunable of the flash-sale engine together
// with its default. The binary binds these fields to flags; components take
// the sub-structs they need at construction and never read flags themselves.
package config

import "time"

// LimitConfig describes one token-bucket family of the rate limiter.
type LimitConfig struct {
	Capacity        int64
	RefillPerSecond float64
}

// Config is the full engine configuration. Zero values are not meaningful;
// always start from Default() and override.
type Config struct {
	// Connection strings. These are the only values also read from the
	// environment (KEYSTORE_URL, DATABASE_URL, BROKER_URL).
	KeystoreURL string
	DatabaseURL string
	BrokerURL   string

	// Rate limiter (global bucket is per-activity).
	GlobalLimit        LimitConfig
	IPLimit            LimitConfig
	UserLimit          LimitConfig
	LimiterIdleTimeout time.Duration
	LimiterGCInterval  time.Duration
	// SnapshotInterval controls write-behind persistence of bucket state to
	// the keystore. Zero disables snapshots.
	LimiterSnapshotInterval time.Duration

	// Activity validation.
	ActivityCacheTimeout time.Duration
	ActivityTimeBuffer   time.Duration
	// ActivityGrace extends TTLs of stock and quota keys past activity end.
	ActivityGrace time.Duration
	// ActivityRetention bounds the status-history log.
	ActivityRetention time.Duration

	// User quota ceilings beyond the per-activity limit. Zero disables the
	// corresponding check.
	DailyQuotaCeiling    int64
	LifetimeQuotaCeiling int64
	LifetimeQuotaTTL     time.Duration

	// Stock synchronizer.
	SyncInterval  time.Duration
	SyncBatchSize int
	SyncPolicy    string // redis_priority | db_priority | merge

	// Cache update strategist and consistency validator.
	CacheMaxRetries           int
	CacheRetryDelay           time.Duration
	CacheRefreshThreshold     float64 // fraction of default TTL
	ConsistencyCheckInterval  time.Duration
	ConsistencyAlertThreshold float64
	RepairEnabled             bool
	MaxRepairRetries          int

	// Reliable outbox.
	OutboxMessageTTL      time.Duration
	OutboxRetryBase       time.Duration
	OutboxBackoff         float64
	OutboxMaxRetries      int
	OutboxBatchSize       int
	OutboxProcessInterval time.Duration
	OutboxInFlightTimeout time.Duration
	DeadLetterRetention   time.Duration
	// BackpressureThreshold is the outstanding-backlog size above which the
	// admission facade tightens the global buckets. Zero derives 10× batch.
	BackpressureThreshold int64

	// Circuit breaker around broker publishes.
	BreakerFailureThreshold uint32
	BreakerResetTimeout     time.Duration

	// Metrics and alerting.
	MetricsCollectInterval time.Duration
	MetricsRetention       time.Duration
	AlertLowHitRate        float64
	AlertHighErrorRate     float64
	AlertLowStock          int64
	AlertHighLatency       time.Duration

	// Admission facade.
	AdmitDeadline time.Duration
	DedupTTL      time.Duration
	ShutdownGrace time.Duration
}

// Default returns the configuration with every documented default applied.
func Default() Config {
	return Config{
		GlobalLimit:        LimitConfig{Capacity: 1000, RefillPerSecond: 1000},
		IPLimit:            LimitConfig{Capacity: 10, RefillPerSecond: 1},
		UserLimit:          LimitConfig{Capacity: 1, RefillPerSecond: 1},
		LimiterIdleTimeout: 10 * time.Minute,
		LimiterGCInterval:  time.Minute,

		ActivityCacheTimeout: 5 * time.Minute,
		ActivityTimeBuffer:   30 * time.Second,
		ActivityGrace:        24 * time.Hour,
		ActivityRetention:    7 * 24 * time.Hour,

		LifetimeQuotaTTL: 30 * 24 * time.Hour,

		SyncInterval:  time.Minute,
		SyncBatchSize: 50,
		SyncPolicy:    "merge",

		CacheMaxRetries:           3,
		CacheRetryDelay:           100 * time.Millisecond,
		CacheRefreshThreshold:     0.20,
		ConsistencyCheckInterval:  5 * time.Minute,
		ConsistencyAlertThreshold: 0.95,
		RepairEnabled:             true,
		MaxRepairRetries:          3,

		OutboxMessageTTL:      7 * 24 * time.Hour,
		OutboxRetryBase:       time.Second,
		OutboxBackoff:         2,
		OutboxMaxRetries:      3,
		OutboxBatchSize:       100,
		OutboxProcessInterval: time.Second,
		OutboxInFlightTimeout: 30 * time.Second,
		DeadLetterRetention:   7 * 24 * time.Hour,

		BreakerFailureThreshold: 3,
		BreakerResetTimeout:     5 * time.Second,

		MetricsCollectInterval: 30 * time.Second,
		MetricsRetention:       24 * time.Hour,
		AlertLowHitRate:        0.80,
		AlertHighErrorRate:     0.05,
		AlertLowStock:          10,
		AlertHighLatency:       100 * time.Millisecond,

		AdmitDeadline: 500 * time.Millisecond,
		DedupTTL:      5 * time.Minute,
		ShutdownGrace: 30 * time.Second,
	}
}

// Backpressure returns the effective backlog threshold.
func (c Config) Backpressure() int64 {
	if c.BackpressureThreshold > 0 {
		return c.BackpressureThreshold
	}
	return int64(10 * c.OutboxBatchSize)
}
