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

// Package quota accounts per-user purchases at three scopes: per activity,
// per local day, and lifetime. The per-activity counter is mutated only by
// the atomic commit script; this package mutates the day and lifetime
// counters and serves all reads.
package quota

import (
	"context"
	"errors"
	"time"

	"seckill/internal/engine/keystore"
)

// Ceilings configures the optional day/lifetime checks. Zero disables a
// check; the per-activity ceiling always comes from the activity record.
type Ceilings struct {
	Daily    int64
	Lifetime int64
}

// UserStatus is the read model returned to callers of GetUserStatus.
type UserStatus struct {
	Purchased       int64 `json:"purchased"`
	RemainingQuota  int64 `json:"remainingQuota"`
	DailyPurchased  int64 `json:"dailyPurchased"`
	GlobalPurchased int64 `json:"globalPurchased"`
}

// Accountant reads and maintains the quota counters.
type Accountant struct {
	ks          *keystore.Client
	ceilings    Ceilings
	lifetimeTTL time.Duration
	loc         *time.Location
}

// NewAccountant wires the accountant. loc defines "local midnight" for the
// daily counter; nil means time.Local.
func NewAccountant(ks *keystore.Client, ceilings Ceilings, lifetimeTTL time.Duration, loc *time.Location) *Accountant {
	if loc == nil {
		loc = time.Local
	}
	return &Accountant{ks: ks, ceilings: ceilings, lifetimeTTL: lifetimeTTL, loc: loc}
}

// dayOf formats the counter day and returns the TTL to the next local
// midnight, so the daily key expires exactly when the day rolls over.
func (a *Accountant) dayOf(now time.Time) (string, time.Duration) {
	local := now.In(a.loc)
	day := local.Format("2006-01-02")
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, a.loc).AddDate(0, 0, 1)
	return day, midnight.Sub(local)
}

func (a *Accountant) readCounter(ctx context.Context, key string) (int64, error) {
	n, err := a.ks.GetInt(ctx, key)
	if errors.Is(err, keystore.ErrNotFound) {
		return 0, nil
	}
	return n, err
}

// Status returns the user's counters for the given activity. remaining is
// computed against perUserLimit and never reported negative.
func (a *Accountant) Status(ctx context.Context, userID, activityID string, perUserLimit int64, now time.Time) (UserStatus, error) {
	purchased, err := a.readCounter(ctx, keystore.UserLimitKey(userID, activityID))
	if err != nil {
		return UserStatus{}, err
	}
	day, _ := a.dayOf(now)
	daily, err := a.readCounter(ctx, keystore.DailyKey(userID, day))
	if err != nil {
		return UserStatus{}, err
	}
	global, err := a.readCounter(ctx, keystore.GlobalQuotaKey(userID))
	if err != nil {
		return UserStatus{}, err
	}
	remaining := perUserLimit - purchased
	if remaining < 0 {
		remaining = 0
	}
	return UserStatus{
		Purchased:       purchased,
		RemainingQuota:  remaining,
		DailyPurchased:  daily,
		GlobalPurchased: global,
	}, nil
}

// CheckCeilings reports whether adding qty would exceed a configured day or
// lifetime ceiling. The per-activity ceiling is enforced by the commit
// script, not here.
func (a *Accountant) CheckCeilings(ctx context.Context, userID string, qty int64, now time.Time) (bool, error) {
	if a.ceilings.Daily > 0 {
		day, _ := a.dayOf(now)
		daily, err := a.readCounter(ctx, keystore.DailyKey(userID, day))
		if err != nil {
			return false, err
		}
		if daily+qty > a.ceilings.Daily {
			return false, nil
		}
	}
	if a.ceilings.Lifetime > 0 {
		global, err := a.readCounter(ctx, keystore.GlobalQuotaKey(userID))
		if err != nil {
			return false, err
		}
		if global+qty > a.ceilings.Lifetime {
			return false, nil
		}
	}
	return true, nil
}

// RecordPurchase bumps the day and lifetime counters after a successful
// commit, with their respective TTLs.
func (a *Accountant) RecordPurchase(ctx context.Context, userID string, qty int64, now time.Time) error {
	day, ttl := a.dayOf(now)
	dailyKey := keystore.DailyKey(userID, day)
	if _, err := a.ks.IncrBy(ctx, dailyKey, qty); err != nil {
		return err
	}
	if err := a.ks.Expire(ctx, dailyKey, ttl); err != nil {
		return err
	}
	globalKey := keystore.GlobalQuotaKey(userID)
	if _, err := a.ks.IncrBy(ctx, globalKey, qty); err != nil {
		return err
	}
	if a.lifetimeTTL > 0 {
		return a.ks.Expire(ctx, globalKey, a.lifetimeTTL)
	}
	return nil
}

// ReleasePurchase reverses RecordPurchase after a rollback. Counters are
// clamped at zero; a refund never drives them negative. Clamping rewrites
// the key, so the original TTL is re-applied alongside.
func (a *Accountant) ReleasePurchase(ctx context.Context, userID string, qty int64, now time.Time) error {
	day, dayTTL := a.dayOf(now)
	keys := []struct {
		key string
		ttl time.Duration
	}{
		{keystore.DailyKey(userID, day), dayTTL},
		{keystore.GlobalQuotaKey(userID), a.lifetimeTTL},
	}
	for _, k := range keys {
		n, err := a.ks.DecrBy(ctx, k.key, qty)
		if err != nil {
			return err
		}
		if n < 0 {
			if err := a.ks.Set(ctx, k.key, "0", k.ttl); err != nil {
				return err
			}
		}
	}
	return nil
}
