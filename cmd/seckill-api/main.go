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

// Package main runs the flash-sale admission engine: the public HTTP
// surface, the admin surface, and the background workers (rate limiter GC,
// stock synchronizer, cache consistency validator, reliable outbox).
//
// Connection strings come from flags or the environment (KEYSTORE_URL,
// DATABASE_URL, BROKER_URL). Without DATABASE_URL the engine runs on an
// in-memory catalog; without BROKER_URL events go to the log. Both
// fallbacks are for local runs only.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"seckill/internal/engine/activity"
	"seckill/internal/engine/admission"
	"seckill/internal/engine/api"
	"seckill/internal/engine/cache"
	"seckill/internal/engine/commit"
	"seckill/internal/engine/config"
	"seckill/internal/engine/keystore"
	"seckill/internal/engine/limiter"
	"seckill/internal/engine/outbox"
	"seckill/internal/engine/persistence"
	"seckill/internal/engine/quota"
	"seckill/internal/engine/stocksync"
	"seckill/internal/engine/telemetry"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	cfg := config.Default()

	httpAddr := flag.String("http_addr", ":8080", "Public HTTP listen address")
	adminAddr := flag.String("admin_addr", ":8081", "Admin/metrics HTTP listen address")
	keystoreURL := flag.String("keystore_url", "redis://localhost:6379/0", "Keystore connection URL")
	databaseURL := flag.String("database_url", "", "Postgres DSN; empty runs the in-memory catalog")
	brokerURL := flag.String("broker_url", "", "AMQP broker URL; empty logs events instead of publishing")

	flag.Int64Var(&cfg.GlobalLimit.Capacity, "global_capacity", cfg.GlobalLimit.Capacity, "Per-activity global bucket capacity")
	flag.Float64Var(&cfg.GlobalLimit.RefillPerSecond, "global_refill", cfg.GlobalLimit.RefillPerSecond, "Per-activity global bucket refill per second")
	flag.Int64Var(&cfg.IPLimit.Capacity, "ip_capacity", cfg.IPLimit.Capacity, "Per-IP bucket capacity")
	flag.Float64Var(&cfg.IPLimit.RefillPerSecond, "ip_refill", cfg.IPLimit.RefillPerSecond, "Per-IP bucket refill per second")
	flag.Int64Var(&cfg.UserLimit.Capacity, "user_capacity", cfg.UserLimit.Capacity, "Per-user bucket capacity")
	flag.Float64Var(&cfg.UserLimit.RefillPerSecond, "user_refill", cfg.UserLimit.RefillPerSecond, "Per-user bucket refill per second")
	flag.DurationVar(&cfg.LimiterIdleTimeout, "limiter_idle_timeout", cfg.LimiterIdleTimeout, "Idle time before a bucket is evicted")
	flag.DurationVar(&cfg.LimiterGCInterval, "limiter_gc_interval", cfg.LimiterGCInterval, "How often to scan for idle buckets")
	flag.DurationVar(&cfg.LimiterSnapshotInterval, "limiter_snapshot_interval", cfg.LimiterSnapshotInterval, "Bucket state snapshot interval; 0 disables")

	flag.DurationVar(&cfg.ActivityCacheTimeout, "activity_cache_ttl", cfg.ActivityCacheTimeout, "TTL of cached activity records")
	flag.DurationVar(&cfg.ActivityTimeBuffer, "activity_time_buffer", cfg.ActivityTimeBuffer, "Early-admission buffer before start time")
	flag.Int64Var(&cfg.DailyQuotaCeiling, "daily_quota", cfg.DailyQuotaCeiling, "Cross-activity daily purchase ceiling; 0 disables")
	flag.Int64Var(&cfg.LifetimeQuotaCeiling, "lifetime_quota", cfg.LifetimeQuotaCeiling, "Cross-activity lifetime purchase ceiling; 0 disables")

	flag.DurationVar(&cfg.SyncInterval, "sync_interval", cfg.SyncInterval, "Stock reconciliation interval")
	flag.IntVar(&cfg.SyncBatchSize, "sync_batch", cfg.SyncBatchSize, "Activities reconciled per batch")
	flag.StringVar(&cfg.SyncPolicy, "sync_policy", cfg.SyncPolicy, "Conflict policy: redis_priority | db_priority | merge")

	flag.DurationVar(&cfg.ConsistencyCheckInterval, "consistency_interval", cfg.ConsistencyCheckInterval, "Cache consistency sweep interval")
	flag.Float64Var(&cfg.ConsistencyAlertThreshold, "consistency_threshold", cfg.ConsistencyAlertThreshold, "Consistency rate below which an alert fires")
	flag.BoolVar(&cfg.RepairEnabled, "consistency_repair", cfg.RepairEnabled, "Repair drifted cache entries in place")

	flag.DurationVar(&cfg.OutboxProcessInterval, "outbox_interval", cfg.OutboxProcessInterval, "Outbox delivery tick")
	flag.IntVar(&cfg.OutboxMaxRetries, "outbox_max_retries", cfg.OutboxMaxRetries, "Delivery attempts before dead-lettering")
	flag.Int64Var(&cfg.BackpressureThreshold, "backpressure_threshold", cfg.BackpressureThreshold, "Outstanding backlog that tightens admission; 0 derives from batch size")

	flag.DurationVar(&cfg.AdmitDeadline, "admit_deadline", cfg.AdmitDeadline, "Per-request admission deadline")
	flag.DurationVar(&cfg.DedupTTL, "dedup_ttl", cfg.DedupTTL, "Nonce replay window")
	flag.DurationVar(&cfg.ShutdownGrace, "shutdown_grace", cfg.ShutdownGrace, "Graceful shutdown budget")
	alertEmail := flag.String("alert_email", "oncall@example.com", "Recipient for alert emails emitted through the outbox")
	alertCooldown := flag.Duration("alert_cooldown", 5*time.Minute, "Minimum interval between repeats of the same alert")
	flag.Parse()

	cfg.KeystoreURL = envOr("KEYSTORE_URL", *keystoreURL)
	cfg.DatabaseURL = envOr("DATABASE_URL", *databaseURL)
	cfg.BrokerURL = envOr("BROKER_URL", *brokerURL)

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx := context.Background()

	ks, err := keystore.Dial(ctx, cfg.KeystoreURL, log)
	if err != nil {
		log.Fatal("keystore dial failed", zap.Error(err))
	}
	reg := keystore.NewRegistry(ks)

	var store persistence.Store
	if cfg.DatabaseURL != "" {
		pg, err := persistence.OpenPostgres(ctx, cfg.DatabaseURL, log)
		if err != nil {
			log.Fatal("database open failed", zap.Error(err))
		}
		store = pg
	} else {
		log.Warn("no DATABASE_URL, running on the in-memory catalog")
		store = persistence.NewMemoryStore()
	}

	var broker outbox.Broker
	if cfg.BrokerURL != "" {
		broker, err = outbox.DialAMQP(cfg.BrokerURL, log)
		if err != nil {
			log.Fatal("broker dial failed", zap.Error(err))
		}
	} else {
		log.Warn("no BROKER_URL, events go to the log")
		broker = outbox.NewLoggingBroker(log)
	}

	ob := outbox.New(ks, reg, broker, outbox.Options{
		MessageTTL:              cfg.OutboxMessageTTL,
		RetryBase:               cfg.OutboxRetryBase,
		Backoff:                 cfg.OutboxBackoff,
		MaxRetries:              cfg.OutboxMaxRetries,
		BatchSize:               cfg.OutboxBatchSize,
		ProcessInterval:         cfg.OutboxProcessInterval,
		InFlightTimeout:         cfg.OutboxInFlightTimeout,
		DeadRetention:           cfg.DeadLetterRetention,
		BreakerFailureThreshold: cfg.BreakerFailureThreshold,
		BreakerResetTimeout:     cfg.BreakerResetTimeout,
	}, log)

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)
	tracker := telemetry.NewLatencyTracker(0)
	alerter := telemetry.NewAlerter(telemetry.Thresholds{
		LowHitRate:    cfg.AlertLowHitRate,
		HighErrorRate: cfg.AlertHighErrorRate,
		LowStock:      cfg.AlertLowStock,
		HighLatency:   cfg.AlertHighLatency,
	}, telemetry.NewOutboxSink(ob, *alertEmail), *alertCooldown, log)

	lim := limiter.New(cfg, ks, log)
	val := activity.NewValidator(ks, store, cfg.ActivityCacheTimeout, cfg.ActivityTimeBuffer, metrics, log)
	acc := quota.NewAccountant(ks, quota.Ceilings{
		Daily:    cfg.DailyQuotaCeiling,
		Lifetime: cfg.LifetimeQuotaCeiling,
	}, cfg.LifetimeQuotaTTL, time.UTC)
	eng := commit.NewEngine(reg, cfg.ActivityTimeBuffer, cfg.ActivityGrace, log)
	facade := admission.New(cfg, ks, lim, val, acc, eng, ob, metrics, tracker, log)

	policy, err := stocksync.ParsePolicy(cfg.SyncPolicy)
	if err != nil {
		log.Fatal("bad sync policy", zap.Error(err))
	}
	syncer := stocksync.New(ks, reg, store, policy, cfg.SyncInterval, cfg.SyncBatchSize, metrics, log)
	if err := syncer.Warmup(ctx); err != nil {
		log.Warn("stock warmup failed, counters seed lazily", zap.Error(err))
	}

	strat := cache.NewStrategist(ks, store, ob, cfg.ActivityCacheTimeout,
		cfg.CacheMaxRetries, cfg.CacheRetryDelay, cfg.CacheRefreshThreshold, metrics, log)
	validator := cache.NewConsistencyValidator(ks, store,
		cfg.ConsistencyCheckInterval, cfg.ActivityCacheTimeout,
		cfg.RepairEnabled, cfg.ConsistencyAlertThreshold,
		func(r cache.ConsistencyReport) {
			metrics.ConsistencyRate.Set(r.Rate)
			alerter.ConsistencyAlert(context.Background(), r.Rate, cfg.ConsistencyAlertThreshold)
		}, log)

	mgr := activity.NewManager(ks, cfg.ActivityGrace)

	lim.Start()
	syncer.Start()
	validator.Start()
	ob.Start()
	facade.Start()

	// Ops monitor: threshold checks on the collection tick. Hit and error
	// rates are windowed per tick by diffing the cumulative counters.
	monitorStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.MetricsCollectInterval)
		defer ticker.Stop()
		var lastHits, lastMisses, lastFailed, lastTotal int64
		for {
			select {
			case <-monitorStop:
				return
			case <-ticker.C:
				mctx, mcancel := context.WithTimeout(context.Background(), cfg.MetricsCollectInterval)
				alerter.CheckLatency(mctx, tracker.Snapshot())
				hits, misses := metrics.CacheCounts()
				alerter.CheckHitRate(mctx, hits-lastHits, misses-lastMisses)
				lastHits, lastMisses = hits, misses
				failed, total := metrics.AdmitCounts()
				alerter.CheckErrorRate(mctx, failed-lastFailed, total-lastTotal)
				lastFailed, lastTotal = failed, total
				if active, err := store.ListActive(mctx); err == nil {
					for _, a := range active {
						if view, err := facade.GetStock(mctx, a.ID); err == nil {
							alerter.CheckLowStock(mctx, a.ID, view.CurrentStock)
						}
					}
				}
				mcancel()
			}
		}
	}()

	publicMux := http.NewServeMux()
	api.NewServer(facade, ks, log).RegisterRoutes(publicMux)
	publicSrv := api.NewHTTPServer(*httpAddr, publicMux)

	adminMux := http.NewServeMux()
	api.NewAdminServer(mgr, strat, cfg.ActivityCacheTimeout, log).RegisterRoutes(adminMux)
	adminMux.Handle("/metrics", promhttp.Handler())
	adminSrv := api.NewHTTPServer(*adminAddr, adminMux)

	go func() {
		log.Info("public server listening", zap.String("addr", *httpAddr))
		if err := publicSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("public server failed", zap.Error(err))
		}
	}()
	go func() {
		log.Info("admin server listening", zap.String("addr", *adminAddr))
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("admin server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down", zap.Duration("grace", cfg.ShutdownGrace))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	// Stop taking traffic first, then wind the workers down. The outbox
	// stops last among them so every event enqueued by in-flight requests
	// gets a final delivery pass.
	if err := publicSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("public server shutdown", zap.Error(err))
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("admin server shutdown", zap.Error(err))
	}
	close(monitorStop)
	facade.Stop()
	lim.Stop()
	syncer.Stop()
	validator.Stop()
	ob.Stop()
	strat.Wait()

	if err := broker.Close(); err != nil {
		log.Warn("broker close", zap.Error(err))
	}
	if err := store.Close(); err != nil {
		log.Warn("store close", zap.Error(err))
	}
	if err := ks.Close(); err != nil {
		log.Warn("keystore close", zap.Error(err))
	}
	log.Info("stopped")
}
