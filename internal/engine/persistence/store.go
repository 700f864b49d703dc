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

// Package persistence is the durable side of the engine: the activity
// catalog and the stock-sync audit log. The keystore remains authoritative
// for live counters; this store is the system of record the synchronizer
// reconciles against.
package persistence

import (
	"context"
	"time"

	"seckill/internal/engine/activity"
)

// SyncRecord is one reconciliation outcome written by the stock
// synchronizer.
type SyncRecord struct {
	ActivityID string    `db:"activity_id" json:"activityId"`
	Policy     string    `db:"policy" json:"policy"`
	DBValue    int64     `db:"db_value" json:"dbValue"`
	CacheValue int64     `db:"cache_value" json:"cacheValue"`
	Resolved   int64     `db:"resolved" json:"resolved"`
	Conflict   bool      `db:"conflict" json:"conflict"`
	SyncedAt   time.Time `db:"synced_at" json:"syncedAt"`
}

// Store is the persistence surface the engine needs. GetActivity satisfies
// activity.Source, so a Store can back the validator directly; not-found is
// reported as activity.ErrSourceNotFound.
type Store interface {
	GetActivity(ctx context.Context, id string) (*activity.Activity, error)
	ListActive(ctx context.Context) ([]*activity.Activity, error)
	UpsertActivity(ctx context.Context, a *activity.Activity) error
	UpdateSold(ctx context.Context, id string, soldCount int64) error
	AppendSyncRecord(ctx context.Context, rec SyncRecord) error
	Close() error
}
