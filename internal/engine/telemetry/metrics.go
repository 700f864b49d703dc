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

// Package telemetry exposes the engine's Prometheus metrics, a low-overhead
// latency tracker for the admission path, and threshold alerting.
package telemetry

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the engine's instrument set. Construct once with the process
// registerer; tests pass their own registry. The unexported counters
// duplicate a few instruments in readable form, because Prometheus counters
// cannot be read back for the threshold checks.
type Metrics struct {
	AdmittedTotal  prometheus.Counter
	RejectedTotal  *prometheus.CounterVec // label: reason
	CommittedTotal prometheus.Counter
	EmittedTotal   *prometheus.CounterVec // label: topic
	RollbackTotal  prometheus.Counter

	CacheOps *prometheus.CounterVec // label: op (hit|miss|set|delete|error)

	StockRemaining *prometheus.GaugeVec // label: activity_id
	SoldCount      *prometheus.GaugeVec // label: activity_id

	OutboxOutstanding prometheus.Gauge
	OutboxDead        prometheus.Gauge
	ConsistencyRate   prometheus.Gauge

	AdmitLatency prometheus.Histogram

	SyncTotal        prometheus.Counter
	SyncSuccess      prometheus.Counter
	SyncErrors       prometheus.Counter
	SyncConflicts    *prometheus.CounterVec // label: type (value_drift|version)
	SyncDuration     prometheus.Histogram
	SyncLastDuration prometheus.Gauge

	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
	admitFailed atomic.Int64
	admitTotal  atomic.Int64
}

// NewMetrics registers every instrument on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AdmittedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "seckill_admitted_total",
			Help: "Requests admitted through every gate.",
		}),
		RejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "seckill_rejected_total",
			Help: "Requests rejected, by reason.",
		}, []string{"reason"}),
		CommittedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "seckill_committed_total",
			Help: "Successful atomic commits.",
		}),
		EmittedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "seckill_events_enqueued_total",
			Help: "Events enqueued to the outbox, by topic.",
		}, []string{"topic"}),
		RollbackTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "seckill_rollbacks_total",
			Help: "Commits reversed.",
		}),
		CacheOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "seckill_cache_ops_total",
			Help: "Cache operations, by outcome.",
		}, []string{"op"}),
		StockRemaining: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "seckill_stock_remaining",
			Help: "Live remaining stock per activity.",
		}, []string{"activity_id"}),
		SoldCount: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "seckill_sold_count",
			Help: "Units sold per activity.",
		}, []string{"activity_id"}),
		OutboxOutstanding: factory.NewGauge(prometheus.GaugeOpts{
			Name: "seckill_outbox_outstanding",
			Help: "Outbox messages due or in flight.",
		}),
		OutboxDead: factory.NewGauge(prometheus.GaugeOpts{
			Name: "seckill_outbox_dead",
			Help: "Dead-lettered outbox messages.",
		}),
		ConsistencyRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "seckill_cache_consistency_rate",
			Help: "Fraction of cached activity records matching the database in the last sweep.",
		}),
		AdmitLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "seckill_admit_duration_seconds",
			Help:    "End-to-end admission latency.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		SyncTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "seckill_sync_total",
			Help: "Stock reconciliation attempts.",
		}),
		SyncSuccess: factory.NewCounter(prometheus.CounterOpts{
			Name: "seckill_sync_success_total",
			Help: "Stock reconciliations that completed.",
		}),
		SyncErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "seckill_sync_errors_total",
			Help: "Stock reconciliations that failed.",
		}),
		SyncConflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "seckill_sync_conflicts_total",
			Help: "Drift detections during reconciliation, by type.",
		}, []string{"type"}),
		SyncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "seckill_sync_duration_seconds",
			Help:    "Per-activity reconciliation duration.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}),
		SyncLastDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "seckill_sync_last_duration_seconds",
			Help: "Duration of the most recent reconciliation.",
		}),
	}
}

// ObserveAdmit records one admission in both the histogram and the tracker.
func (m *Metrics) ObserveAdmit(d time.Duration, tracker *LatencyTracker) {
	m.AdmitLatency.Observe(d.Seconds())
	if tracker != nil {
		tracker.Observe(d)
	}
}

// RecordCacheOp counts one cache operation. Safe on a nil receiver so
// components can run uninstrumented in tests.
func (m *Metrics) RecordCacheOp(op string) {
	if m == nil {
		return
	}
	m.CacheOps.WithLabelValues(op).Inc()
	switch op {
	case "hit":
		m.cacheHits.Add(1)
	case "miss":
		m.cacheMisses.Add(1)
	}
}

// CacheCounts returns the cumulative hit and miss counts. Callers that want
// a windowed rate keep the previous values and diff.
func (m *Metrics) CacheCounts() (hits, misses int64) {
	if m == nil {
		return 0, 0
	}
	return m.cacheHits.Load(), m.cacheMisses.Load()
}

// CountAdmit records one admission outcome for the error-rate check.
func (m *Metrics) CountAdmit(failed bool) {
	if m == nil {
		return
	}
	m.admitTotal.Add(1)
	if failed {
		m.admitFailed.Add(1)
	}
}

// AdmitCounts returns the cumulative failed and total admission counts.
func (m *Metrics) AdmitCounts() (failed, total int64) {
	if m == nil {
		return 0, 0
	}
	return m.admitFailed.Load(), m.admitTotal.Load()
}

// RecordSync records one reconciliation attempt and its duration.
func (m *Metrics) RecordSync(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.SyncTotal.Inc()
	if err != nil {
		m.SyncErrors.Inc()
	} else {
		m.SyncSuccess.Inc()
	}
	m.SyncDuration.Observe(d.Seconds())
	m.SyncLastDuration.Set(d.Seconds())
}

// RecordSyncConflict counts one drift detection by type.
func (m *Metrics) RecordSyncConflict(kind string) {
	if m == nil {
		return
	}
	m.SyncConflicts.WithLabelValues(kind).Inc()
}
