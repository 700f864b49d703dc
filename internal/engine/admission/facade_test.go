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

package admission

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"seckill/internal/engine/activity"
	"seckill/internal/engine/commit"
	"seckill/internal/engine/config"
	"seckill/internal/engine/keystore"
	"seckill/internal/engine/limiter"
	"seckill/internal/engine/outbox"
	"seckill/internal/engine/persistence"
	"seckill/internal/engine/quota"
	"seckill/internal/engine/telemetry"
)

type nullBroker struct{}

func (nullBroker) Publish(context.Context, string, string, []byte) error { return nil }
func (nullBroker) Close() error                                          { return nil }

type testRig struct {
	facade *Facade
	ks     *keystore.Client
	store  *persistence.MemoryStore
	ob     *outbox.Outbox
	mgr    *activity.Manager
}

func newTestRig(t *testing.T, mutate func(*config.Config)) *testRig {
	t.Helper()
	cfg := config.Default()
	// Generous limits by default; individual tests tighten what they probe.
	cfg.UserLimit = config.LimitConfig{Capacity: 1000, RefillPerSecond: 1000}
	cfg.IPLimit = config.LimitConfig{Capacity: 1000, RefillPerSecond: 1000}
	if mutate != nil {
		mutate(&cfg)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ks := keystore.New(rdb, nil)
	reg := keystore.NewRegistry(ks)
	store := persistence.NewMemoryStore()

	lim := limiter.New(cfg, nil, nil)
	val := activity.NewValidator(ks, store, cfg.ActivityCacheTimeout, cfg.ActivityTimeBuffer, nil, nil)
	acc := quota.NewAccountant(ks, quota.Ceilings{Daily: cfg.DailyQuotaCeiling, Lifetime: cfg.LifetimeQuotaCeiling}, cfg.LifetimeQuotaTTL, time.UTC)
	eng := commit.NewEngine(reg, cfg.ActivityTimeBuffer, cfg.ActivityGrace, nil)
	ob := outbox.New(ks, reg, nullBroker{}, outbox.Options{
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
	}, nil)
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	tracker := telemetry.NewLatencyTracker(0)
	f := New(cfg, ks, lim, val, acc, eng, ob, metrics, tracker, nil)
	return &testRig{facade: f, ks: ks, store: store, ob: ob, mgr: activity.NewManager(ks, cfg.ActivityGrace)}
}

// publish seeds the store and the keystore with an active activity.
func (r *testRig) publish(t *testing.T, id string, stock, perUser int64) *activity.Activity {
	t.Helper()
	now := time.Now()
	a := &activity.Activity{
		ID:           id,
		Name:         "flash sale",
		Status:       activity.StatusActive,
		StartTime:    now.Add(-time.Minute).UnixMilli(),
		EndTime:      now.Add(time.Hour).UnixMilli(),
		TotalStock:   stock,
		Price:        2999,
		PerUserLimit: perUser,
	}
	r.store.Put(a)
	require.NoError(t, r.mgr.Publish(context.Background(), a, 5*time.Minute))
	return a
}

func TestFacade_AdmitHappyPath(t *testing.T) {
	r := newTestRig(t, nil)
	r.publish(t, "act1", 10, 2)
	ctx := context.Background()

	res, err := r.facade.Admit(ctx, Request{ActivityID: "act1", UserID: "u1", IP: "1.1.1.1", Qty: 1})
	require.NoError(t, err)
	require.True(t, res.Admitted)
	require.Equal(t, ReasonOK, res.Reason)
	require.NotEmpty(t, res.Token)
	require.Equal(t, int64(9), res.RemainingStock)
	require.Equal(t, int64(1), res.RemainingQuota)

	// Order and stock events persisted before any broker publish.
	due, err := r.ks.ZCard(ctx, keystore.OutboxDueKey)
	require.NoError(t, err)
	require.Equal(t, int64(2), due)

	msg, err := r.ob.Load(ctx, res.Token)
	require.NoError(t, err)
	require.Equal(t, outbox.TopicOrder, msg.Topic)

	// The stock event carries the signed delta and the value after it.
	smsg, err := r.ob.Load(ctx, "stock-"+res.Token)
	require.NoError(t, err)
	var evt outbox.StockSyncPayload
	require.NoError(t, json.Unmarshal(smsg.Payload, &evt))
	require.Equal(t, outbox.OpDecrease, evt.Operation)
	require.Equal(t, int64(-1), evt.StockChange)
	require.Equal(t, int64(9), evt.CurrentStock)
	require.Equal(t, int64(1), evt.SoldCount)
	require.Equal(t, "commit", evt.Source)

	st, err := r.facade.GetUserStatus(ctx, "u1", "act1")
	require.NoError(t, err)
	require.Equal(t, int64(1), st.Purchased)
	require.Equal(t, int64(1), st.DailyPurchased)
}

func TestFacade_InvalidParams(t *testing.T) {
	r := newTestRig(t, nil)
	for _, req := range []Request{
		{ActivityID: "", UserID: "u1", Qty: 1},
		{ActivityID: "a", UserID: "", Qty: 1},
		{ActivityID: "a", UserID: "u1", Qty: 0},
		{ActivityID: "a", UserID: "u1", Qty: -3},
	} {
		_, err := r.facade.Admit(context.Background(), req)
		require.ErrorIs(t, err, ErrInvalidParams)
	}
}

func TestFacade_UserRateLimit(t *testing.T) {
	r := newTestRig(t, func(cfg *config.Config) {
		cfg.UserLimit = config.LimitConfig{Capacity: 1} // no refill
	})
	r.publish(t, "act1", 10, 5)
	ctx := context.Background()

	res, err := r.facade.Admit(ctx, Request{ActivityID: "act1", UserID: "u1", IP: "1.1.1.1", Qty: 1})
	require.NoError(t, err)
	require.True(t, res.Admitted)

	res, err = r.facade.Admit(ctx, Request{ActivityID: "act1", UserID: "u1", IP: "1.1.1.2", Qty: 1})
	require.NoError(t, err)
	require.False(t, res.Admitted)
	require.Equal(t, "rate_limit_user", res.Reason)
}

func TestFacade_SoldOut(t *testing.T) {
	r := newTestRig(t, nil)
	r.publish(t, "act1", 1, 2)
	ctx := context.Background()

	res, err := r.facade.Admit(ctx, Request{ActivityID: "act1", UserID: "u1", IP: "1.1.1.1", Qty: 1})
	require.NoError(t, err)
	require.True(t, res.Admitted)

	res, err = r.facade.Admit(ctx, Request{ActivityID: "act1", UserID: "u2", IP: "1.1.1.2", Qty: 1})
	require.NoError(t, err)
	require.False(t, res.Admitted)
	require.Equal(t, "insufficient_stock", res.Reason)
	require.Equal(t, int64(0), res.RemainingStock)
}

func TestFacade_PausedActivity(t *testing.T) {
	r := newTestRig(t, nil)
	a := r.publish(t, "act1", 10, 2)
	require.NoError(t, r.mgr.Transition(context.Background(), a, activity.StatusPaused, "maintenance", "ops", 5*time.Minute))
	r.store.Put(a)

	res, err := r.facade.Admit(context.Background(), Request{ActivityID: "act1", UserID: "u1", IP: "1.1.1.1", Qty: 1})
	require.NoError(t, err)
	require.False(t, res.Admitted)
	require.Equal(t, "activity_not_active", res.Reason)
}

func TestFacade_UnknownActivity(t *testing.T) {
	r := newTestRig(t, nil)
	res, err := r.facade.Admit(context.Background(), Request{ActivityID: "ghost", UserID: "u1", IP: "1.1.1.1", Qty: 1})
	require.NoError(t, err)
	require.False(t, res.Admitted)
	require.Equal(t, "activity_not_found", res.Reason)
}

// TestFacade_NonceReplay pins the idempotency contract: a successful result
// replays verbatim without touching stock; a failed result replays as
// duplicate.
func TestFacade_NonceReplay(t *testing.T) {
	r := newTestRig(t, nil)
	r.publish(t, "act1", 10, 2)
	ctx := context.Background()

	first, err := r.facade.Admit(ctx, Request{ActivityID: "act1", UserID: "u1", IP: "1.1.1.1", Qty: 1, Nonce: "n1"})
	require.NoError(t, err)
	require.True(t, first.Admitted)

	replay, err := r.facade.Admit(ctx, Request{ActivityID: "act1", UserID: "u1", IP: "1.1.1.1", Qty: 1, Nonce: "n1"})
	require.NoError(t, err)
	require.True(t, replay.Admitted)
	require.Equal(t, first.Token, replay.Token)

	view, err := r.facade.GetStock(ctx, "act1")
	require.NoError(t, err)
	require.Equal(t, int64(9), view.CurrentStock, "replay must not consume stock")

	// A rejected attempt replays as duplicate.
	soldOut := newTestRig(t, nil)
	soldOut.publish(t, "act2", 0, 2)
	res, err := soldOut.facade.Admit(ctx, Request{ActivityID: "act2", UserID: "u1", IP: "1.1.1.1", Qty: 1, Nonce: "n2"})
	require.NoError(t, err)
	require.False(t, res.Admitted)
	res, err = soldOut.facade.Admit(ctx, Request{ActivityID: "act2", UserID: "u1", IP: "1.1.1.1", Qty: 1, Nonce: "n2"})
	require.NoError(t, err)
	require.False(t, res.Admitted)
	require.Equal(t, ReasonDuplicate, res.Reason)
}

// TestFacade_EnqueueFailureRollsBack forces the order-event persist to fail
// and verifies the commit is undone.
func TestFacade_EnqueueFailureRollsBack(t *testing.T) {
	r := newTestRig(t, nil)
	r.publish(t, "act1", 10, 2)
	ctx := context.Background()

	r.facade.newToken = func() string { return "fixed-token" }
	// Occupy the token's outbox slot so Enqueue reports a duplicate.
	require.NoError(t, r.ks.Set(ctx, keystore.OutboxKey("fixed-token"), "{}", 0))

	res, err := r.facade.Admit(ctx, Request{ActivityID: "act1", UserID: "u1", IP: "1.1.1.1", Qty: 1})
	require.NoError(t, err)
	require.False(t, res.Admitted)
	require.Equal(t, ReasonInternalError, res.Reason)

	view, err := r.facade.GetStock(ctx, "act1")
	require.NoError(t, err)
	require.Equal(t, int64(10), view.CurrentStock, "commit must be rolled back")

	st, err := r.facade.GetUserStatus(ctx, "u1", "act1")
	require.NoError(t, err)
	require.Equal(t, int64(0), st.Purchased)
}

// TestFacade_AdmitSurvivesCallerDeadline kills the caller's context right
// after the commit lands and verifies the order event is still persisted
// and the quota recorded: once stock is decremented, the durable-write step
// runs on its own deadline, not the caller's.
func TestFacade_AdmitSurvivesCallerDeadline(t *testing.T) {
	r := newTestRig(t, nil)
	r.publish(t, "act1", 10, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// newToken runs between the commit and the outbox write; cancelling
	// here models the admission deadline firing at the worst moment.
	r.facade.newToken = func() string {
		cancel()
		return "deadline-token"
	}

	res, err := r.facade.Admit(ctx, Request{ActivityID: "act1", UserID: "u1", IP: "1.1.1.1", Qty: 1})
	require.NoError(t, err)
	require.True(t, res.Admitted)

	bg := context.Background()
	msg, err := r.ob.Load(bg, "deadline-token")
	require.NoError(t, err)
	require.Equal(t, outbox.TopicOrder, msg.Topic)

	view, err := r.facade.GetStock(bg, "act1")
	require.NoError(t, err)
	require.Equal(t, int64(9), view.CurrentStock)

	st, err := r.facade.GetUserStatus(bg, "u1", "act1")
	require.NoError(t, err)
	require.Equal(t, int64(1), st.DailyPurchased)
}

// TestFacade_RollbackSurvivesCallerDeadline is the failure branch of the
// same window: the order event cannot be persisted and the caller's context
// is already dead, yet the compensating rollback must still restore stock.
func TestFacade_RollbackSurvivesCallerDeadline(t *testing.T) {
	r := newTestRig(t, nil)
	r.publish(t, "act1", 10, 2)
	bg := context.Background()

	ctx, cancel := context.WithCancel(bg)
	defer cancel()
	r.facade.newToken = func() string {
		cancel()
		return "taken-token"
	}
	// Occupy the token's outbox slot so the order enqueue fails.
	require.NoError(t, r.ks.Set(bg, keystore.OutboxKey("taken-token"), "{}", 0))

	res, err := r.facade.Admit(ctx, Request{ActivityID: "act1", UserID: "u1", IP: "1.1.1.1", Qty: 1})
	require.NoError(t, err)
	require.False(t, res.Admitted)
	require.Equal(t, ReasonInternalError, res.Reason)

	view, err := r.facade.GetStock(bg, "act1")
	require.NoError(t, err)
	require.Equal(t, int64(10), view.CurrentStock)

	st, err := r.facade.GetUserStatus(bg, "u1", "act1")
	require.NoError(t, err)
	require.Equal(t, int64(0), st.Purchased)
}

func TestFacade_RollbackCommit(t *testing.T) {
	r := newTestRig(t, nil)
	r.publish(t, "act1", 10, 2)
	ctx := context.Background()

	res, err := r.facade.Admit(ctx, Request{ActivityID: "act1", UserID: "u1", IP: "1.1.1.1", Qty: 2})
	require.NoError(t, err)
	require.True(t, res.Admitted)

	require.NoError(t, r.facade.RollbackCommit(ctx, res.Token))

	view, err := r.facade.GetStock(ctx, "act1")
	require.NoError(t, err)
	require.Equal(t, int64(10), view.CurrentStock)

	st, err := r.facade.GetUserStatus(ctx, "u1", "act1")
	require.NoError(t, err)
	require.Equal(t, int64(0), st.Purchased)
	require.Equal(t, int64(0), st.DailyPurchased)

	// Compensating stock event restores the two units.
	msg, err := r.ob.Load(ctx, "rollback-"+res.Token)
	require.NoError(t, err)
	var evt outbox.StockSyncPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &evt))
	require.Equal(t, outbox.OpIncrease, evt.Operation)
	require.Equal(t, int64(2), evt.StockChange)
	require.Equal(t, int64(10), evt.CurrentStock)
	require.Equal(t, "rollback", evt.Source)

	require.Error(t, r.facade.RollbackCommit(ctx, "no-such-token"))
}

func TestFacade_GetStockFallsBackToRecord(t *testing.T) {
	r := newTestRig(t, nil)
	ctx := context.Background()

	// Only in the database; no live counter yet.
	now := time.Now()
	r.store.Put(&activity.Activity{
		ID: "act9", Status: activity.StatusScheduled,
		StartTime:  now.Add(time.Hour).UnixMilli(),
		EndTime:    now.Add(2 * time.Hour).UnixMilli(),
		TotalStock: 500, SoldCount: 0, PerUserLimit: 1,
	})
	view, err := r.facade.GetStock(ctx, "act9")
	require.NoError(t, err)
	require.Equal(t, int64(500), view.CurrentStock)
	require.Equal(t, string(activity.StatusScheduled), view.Status)
	require.Equal(t, int64(500), view.TotalStock)
	require.NotZero(t, view.LastUpdated)
}

func TestFacade_GetBatchStock(t *testing.T) {
	r := newTestRig(t, nil)
	r.publish(t, "act1", 10, 2)
	r.publish(t, "act2", 20, 2)
	ctx := context.Background()

	got, err := r.facade.GetBatchStock(ctx, []string{"act1", "act2", "ghost"})
	require.NoError(t, err)
	require.Len(t, got, 2, "unknown ids are omitted")
	require.Equal(t, int64(10), got["act1"].CurrentStock)
	require.Equal(t, int64(20), got["act2"].CurrentStock)
	require.Equal(t, int64(0), got["act2"].SoldCount)
}

// TestFacade_Backpressure drives the outbox backlog over the threshold and
// verifies the global buckets tighten, then relax once drained.
func TestFacade_Backpressure(t *testing.T) {
	r := newTestRig(t, func(cfg *config.Config) {
		cfg.BackpressureThreshold = 1
		cfg.OutboxProcessInterval = 10 * time.Millisecond
	})
	ctx := context.Background()

	require.NoError(t, r.ob.Enqueue(ctx, "m1", outbox.TopicStock, outbox.KindStockChanged, outbox.StockSyncPayload{ActivityID: "a"}))
	require.NoError(t, r.ob.Enqueue(ctx, "m2", outbox.TopicStock, outbox.KindStockChanged, outbox.StockSyncPayload{ActivityID: "b"}))

	r.facade.Start()
	defer r.facade.Stop()

	require.Eventually(t, func() bool { return r.facade.limiter.Tightened() },
		time.Second, 10*time.Millisecond, "backlog over threshold must tighten the global buckets")

	r.ob.ProcessDue(ctx)
	require.Eventually(t, func() bool { return !r.facade.limiter.Tightened() },
		time.Second, 10*time.Millisecond, "drained backlog must relax the global buckets")
}
