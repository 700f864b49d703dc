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

package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"seckill/internal/engine/activity"
)

// MemoryStore is an in-process Store for tests and local runs. It holds
// deep copies so callers cannot mutate shared state.
type MemoryStore struct {
	mu         sync.RWMutex
	activities map[string]*activity.Activity
	records    []SyncRecord

	// FailNext, when set, makes the next mutating call return this error.
	FailNext error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{activities: make(map[string]*activity.Activity)}
}

// Put inserts or replaces an activity.
func (m *MemoryStore) Put(a *activity.Activity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.activities[a.ID] = &cp
}

func (m *MemoryStore) takeFailure() error {
	err := m.FailNext
	m.FailNext = nil
	return err
}

func (m *MemoryStore) GetActivity(_ context.Context, id string) (*activity.Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.activities[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", activity.ErrSourceNotFound, id)
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListActive(_ context.Context) ([]*activity.Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*activity.Activity
	for _, a := range m.activities {
		if a.Status == activity.StatusActive {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpsertActivity(_ context.Context, a *activity.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	cp := *a
	m.activities[a.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateSold(_ context.Context, id string, soldCount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	a, ok := m.activities[id]
	if !ok {
		return fmt.Errorf("%w: %s", activity.ErrSourceNotFound, id)
	}
	a.SoldCount = soldCount
	return nil
}

func (m *MemoryStore) AppendSyncRecord(_ context.Context, rec SyncRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	m.records = append(m.records, rec)
	return nil
}

// SyncRecords returns a copy of the recorded reconciliations.
func (m *MemoryStore) SyncRecords() []SyncRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SyncRecord, len(m.records))
	copy(out, m.records)
	return out
}

func (m *MemoryStore) Close() error { return nil }
