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

package quota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"seckill/internal/engine/keystore"
)

func newTestAccountant(t *testing.T, ceilings Ceilings) (*Accountant, *keystore.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ks := keystore.New(rdb, nil)
	return NewAccountant(ks, ceilings, 30*24*time.Hour, time.UTC), ks, mr
}

func TestAccountant_StatusZeroForNewUser(t *testing.T) {
	a, _, _ := newTestAccountant(t, Ceilings{})
	st, err := a.Status(context.Background(), "u1", "act1", 2, time.Now())
	require.NoError(t, err)
	require.Equal(t, UserStatus{Purchased: 0, RemainingQuota: 2, DailyPurchased: 0, GlobalPurchased: 0}, st)
}

func TestAccountant_RecordAndStatus(t *testing.T) {
	a, ks, _ := newTestAccountant(t, Ceilings{})
	ctx := context.Background()
	now := time.Date(2026, 8, 25, 15, 0, 0, 0, time.UTC)

	require.NoError(t, a.RecordPurchase(ctx, "u1", 2, now))
	// The per-activity counter is the commit script's job; simulate it.
	_, err := ks.IncrBy(ctx, keystore.UserLimitKey("u1", "act1"), 2)
	require.NoError(t, err)

	st, err := a.Status(ctx, "u1", "act1", 2, now)
	require.NoError(t, err)
	require.Equal(t, int64(2), st.Purchased)
	require.Equal(t, int64(0), st.RemainingQuota)
	require.Equal(t, int64(2), st.DailyPurchased)
	require.Equal(t, int64(2), st.GlobalPurchased)
}

// TestAccountant_DailyTTL verifies the daily counter expires at the next
// local midnight, not a fixed 24 hours later.
func TestAccountant_DailyTTL(t *testing.T) {
	a, _, mr := newTestAccountant(t, Ceilings{})
	ctx := context.Background()
	now := time.Date(2026, 8, 25, 23, 0, 0, 0, time.UTC) // one hour to midnight

	require.NoError(t, a.RecordPurchase(ctx, "u1", 1, now))
	key := keystore.DailyKey("u1", "2026-08-25")
	ttl := mr.TTL(key)
	require.Equal(t, time.Hour, ttl)
}

func TestAccountant_CheckCeilings(t *testing.T) {
	a, _, _ := newTestAccountant(t, Ceilings{Daily: 3, Lifetime: 5})
	ctx := context.Background()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	ok, err := a.CheckCeilings(ctx, "u1", 3, now)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, a.RecordPurchase(ctx, "u1", 3, now))

	ok, err = a.CheckCeilings(ctx, "u1", 1, now)
	require.NoError(t, err)
	require.False(t, ok, "daily ceiling must reject the fourth unit")

	// Next day the daily ceiling resets but the lifetime ceiling holds.
	tomorrow := now.AddDate(0, 0, 1)
	ok, err = a.CheckCeilings(ctx, "u1", 2, tomorrow)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = a.CheckCeilings(ctx, "u1", 3, tomorrow)
	require.NoError(t, err)
	require.False(t, ok, "lifetime ceiling must reject 3+3 > 5")
}

func TestAccountant_ReleaseClampsAtZero(t *testing.T) {
	a, _, _ := newTestAccountant(t, Ceilings{})
	ctx := context.Background()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	require.NoError(t, a.RecordPurchase(ctx, "u1", 1, now))
	require.NoError(t, a.ReleasePurchase(ctx, "u1", 5, now))

	st, err := a.Status(ctx, "u1", "act1", 2, now)
	require.NoError(t, err)
	require.Equal(t, int64(0), st.DailyPurchased)
	require.Equal(t, int64(0), st.GlobalPurchased)
}

// TestAccountant_ReleaseClampsKeepTTL verifies the zero-clamp rewrite does
// not turn the counters into keys that never expire.
func TestAccountant_ReleaseClampsKeepTTL(t *testing.T) {
	a, _, mr := newTestAccountant(t, Ceilings{})
	ctx := context.Background()
	now := time.Date(2026, 8, 25, 23, 0, 0, 0, time.UTC) // one hour to midnight

	require.NoError(t, a.RecordPurchase(ctx, "u1", 1, now))
	require.NoError(t, a.ReleasePurchase(ctx, "u1", 5, now))

	require.Equal(t, time.Hour, mr.TTL(keystore.DailyKey("u1", "2026-08-25")))
	require.Equal(t, 30*24*time.Hour, mr.TTL(keystore.GlobalQuotaKey("u1")))
}
