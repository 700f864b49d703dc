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

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"seckill/internal/engine/activity"
	"seckill/internal/engine/keystore"
	"seckill/internal/engine/persistence"
)

// ConsistencyReport summarizes one validation sweep. Rate counts records
// that were already consistent; repaired entries count against it.
type ConsistencyReport struct {
	CheckedAt  time.Time `json:"checkedAt"`
	Total      int       `json:"total"`
	Consistent int       `json:"consistent"`
	Repaired   int       `json:"repaired"`
	Failed     int       `json:"failed"`
	Rate       float64   `json:"rate"`
}

// AlertFunc receives the consistency rate when it falls under the threshold.
type AlertFunc func(report ConsistencyReport)

// ConsistencyValidator periodically compares cached activity records against
// the database and repairs the cache from the database copy.
type ConsistencyValidator struct {
	ks        *keystore.Client
	store     persistence.Store
	interval  time.Duration
	cacheTTL  time.Duration
	repair    bool
	threshold float64
	onAlert   AlertFunc
	log       *zap.Logger

	stopCh chan struct{}
	done   chan struct{}
}

func NewConsistencyValidator(ks *keystore.Client, store persistence.Store,
	interval, cacheTTL time.Duration, repair bool, threshold float64,
	onAlert AlertFunc, log *zap.Logger) *ConsistencyValidator {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConsistencyValidator{
		ks:        ks,
		store:     store,
		interval:  interval,
		cacheTTL:  cacheTTL,
		repair:    repair,
		threshold: threshold,
		onAlert:   onAlert,
		log:       log,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (v *ConsistencyValidator) Start() { go v.run() }

func (v *ConsistencyValidator) Stop() {
	close(v.stopCh)
	<-v.done
}

func (v *ConsistencyValidator) run() {
	defer close(v.done)
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			report := v.CheckAll(context.Background())
			if report.Total > 0 && report.Rate < v.threshold {
				v.log.Warn("cache consistency below threshold",
					zap.Float64("rate", report.Rate),
					zap.Float64("threshold", v.threshold),
					zap.Int("repaired", report.Repaired))
				if v.onAlert != nil {
					v.onAlert(report)
				}
			}
		case <-v.stopCh:
			return
		}
	}
}

// consistent compares the fields the cache is allowed to serve decisions
// from. Live counters (stock) are the synchronizer's concern, not checked
// here.
func consistent(cached, db *activity.Activity) bool {
	return cached.Status == db.Status &&
		cached.TotalStock == db.TotalStock &&
		cached.StartTime == db.StartTime &&
		cached.EndTime == db.EndTime &&
		cached.PerUserLimit == db.PerUserLimit &&
		cached.Price == db.Price
}

// CheckAll sweeps every active activity once.
func (v *ConsistencyValidator) CheckAll(ctx context.Context) ConsistencyReport {
	report := ConsistencyReport{CheckedAt: time.Now().UTC()}
	acts, err := v.store.ListActive(ctx)
	if err != nil {
		v.log.Error("consistency sweep: list failed", zap.Error(err))
		report.Failed++
		return report
	}
	for _, db := range acts {
		report.Total++
		raw, err := v.ks.Get(ctx, keystore.ActivityKey(db.ID))
		if errors.Is(err, keystore.ErrNotFound) {
			// An expired entry is a miss, not drift.
			report.Consistent++
			continue
		}
		if err != nil {
			report.Failed++
			continue
		}
		var cached activity.Activity
		if err := json.Unmarshal([]byte(raw), &cached); err == nil && consistent(&cached, db) {
			report.Consistent++
			continue
		}
		if !v.repair {
			continue
		}
		if err := v.repairEntry(ctx, db); err != nil {
			v.log.Warn("cache repair failed", zap.String("activity_id", db.ID), zap.Error(err))
			report.Failed++
			continue
		}
		report.Repaired++
	}
	if report.Total > 0 {
		report.Rate = float64(report.Consistent) / float64(report.Total)
	} else {
		report.Rate = 1
	}
	return report
}

func (v *ConsistencyValidator) repairEntry(ctx context.Context, db *activity.Activity) error {
	raw, err := json.Marshal(db)
	if err != nil {
		return err
	}
	return v.ks.Set(ctx, keystore.ActivityKey(db.ID), string(raw), v.cacheTTL)
}
