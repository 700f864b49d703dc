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

// Package activity holds the flash-sale activity model, its status machine,
// and the read-side validator used as a cheap pre-filter ahead of the atomic
// commit script.
package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"seckill/internal/engine/keystore"
)

// Status of an activity. Transitions follow a fixed table; terminal states
// (ended, cancelled) absorb.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusEnded     Status = "ended"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool { return s == StatusEnded || s == StatusCancelled }

// transitions lists the permitted next states per state. Any non-terminal
// state may additionally move to cancelled.
var transitions = map[Status][]Status{
	StatusDraft:     {StatusScheduled},
	StatusScheduled: {StatusActive},
	StatusActive:    {StatusPaused, StatusEnded},
	StatusPaused:    {StatusActive, StatusEnded},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrBadTransition is returned when a status change violates the table.
var ErrBadTransition = errors.New("activity: illegal status transition")

// Activity is the sale record. Times are epoch milliseconds so the record
// round-trips through the keystore and the commit script without timezone
// ambiguity. Price is in minor currency units.
type Activity struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Status       Status `json:"status"`
	StartTime    int64  `json:"startTime"`
	EndTime      int64  `json:"endTime"`
	TotalStock   int64  `json:"totalStock"`
	SoldCount    int64  `json:"soldCount"`
	Price        int64  `json:"price"`
	PerUserLimit int64  `json:"perUserLimit"`
}

// Remaining is the advisory remaining stock from the record itself. The
// keystore stock counter has final say.
func (a *Activity) Remaining() int64 { return a.TotalStock - a.SoldCount }

// HistoryEntry is one append-only status-transition record.
type HistoryEntry struct {
	From     Status `json:"from"`
	To       Status `json:"to"`
	Reason   string `json:"reason"`
	Ts       int64  `json:"ts"`
	Operator string `json:"operator"`
}

// Manager applies status transitions and maintains the keystore projection
// of an activity: the cached record, the status key, the stock counter, and
// the append-only history log.
type Manager struct {
	ks    *keystore.Client
	grace time.Duration
}

// NewManager creates a manager. grace extends key TTLs past activity end so
// late rollbacks and reads still find their counters.
func NewManager(ks *keystore.Client, grace time.Duration) *Manager {
	return &Manager{ks: ks, grace: grace}
}

// keyTTL returns the TTL for activity-scoped counters: activity end + grace,
// with a floor of grace for activities already past their end.
func (m *Manager) keyTTL(a *Activity, now time.Time) time.Duration {
	end := time.UnixMilli(a.EndTime)
	ttl := end.Sub(now) + m.grace
	if ttl < m.grace {
		ttl = m.grace
	}
	return ttl
}

// Publish writes the activity record, status and — on activation — the stock
// counter into the keystore. Stock is initialized from totalStock-soldCount
// exactly once per activation; re-publishing an active record never resets a
// live counter.
func (m *Manager) Publish(ctx context.Context, a *Activity, cacheTTL time.Duration) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("activity: marshal %s: %w", a.ID, err)
	}
	now := time.Now()
	ttl := m.keyTTL(a, now)
	if err := m.ks.Set(ctx, keystore.ActivityKey(a.ID), string(raw), cacheTTL); err != nil {
		return err
	}
	if err := m.ks.Set(ctx, keystore.StatusKey(a.ID), string(a.Status), ttl); err != nil {
		return err
	}
	if a.Status == StatusActive {
		set, err := m.ks.SetNX(ctx, keystore.StockKey(a.ID), fmt.Sprintf("%d", a.Remaining()), ttl)
		if err != nil {
			return err
		}
		if set {
			if err := m.ks.Set(ctx, keystore.StockVerKey(a.ID), "0", ttl); err != nil {
				return err
			}
		}
	}
	return nil
}

// Transition moves the activity to a new status, appends a history entry and
// refreshes the keystore projection. The caller passes the current record;
// the database side of the transition is owned by the admin path.
func (m *Manager) Transition(ctx context.Context, a *Activity, to Status, reason, operator string, cacheTTL time.Duration) error {
	if !CanTransition(a.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, a.Status, to)
	}
	entry := HistoryEntry{
		From:     a.Status,
		To:       to,
		Reason:   reason,
		Ts:       time.Now().UnixMilli(),
		Operator: operator,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("activity: marshal history: %w", err)
	}
	a.Status = to
	if err := m.Publish(ctx, a, cacheTTL); err != nil {
		return err
	}
	histKey := keystore.StatusHistoryKey(a.ID)
	if err := m.ks.RPush(ctx, histKey, string(raw)); err != nil {
		return err
	}
	return m.ks.Expire(ctx, histKey, m.keyTTL(a, time.Now()))
}

// History returns the recorded transitions, oldest first.
func (m *Manager) History(ctx context.Context, activityID string) ([]HistoryEntry, error) {
	raw, err := m.ks.LRange(ctx, keystore.StatusHistoryKey(activityID), 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, len(raw))
	for _, r := range raw {
		var e HistoryEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("activity: decode history: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}
