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

// Package admission is the engine's single entry point for purchase
// attempts. It runs the gauntlet in fixed order: rate limits, activity
// validation, quota ceilings, the atomic commit, then event emission. Every
// outcome is a structured result; the only error Admit ever returns is
// ErrInvalidParams.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"seckill/internal/engine/activity"
	"seckill/internal/engine/commit"
	"seckill/internal/engine/config"
	"seckill/internal/engine/keystore"
	"seckill/internal/engine/limiter"
	"seckill/internal/engine/outbox"
	"seckill/internal/engine/quota"
	"seckill/internal/engine/telemetry"
)

// ErrInvalidParams is the only error Admit returns; every other failure is
// encoded in the result's Reason.
var ErrInvalidParams = errors.New("admission: invalid parameters")

// ErrUnknownToken is returned by RollbackCommit when no commit with that
// token exists (or its record has expired).
var ErrUnknownToken = errors.New("admission: unknown commit token")

// Rejection reasons produced by the facade itself. Validator reasons and
// commit codes pass through under their own names.
const (
	ReasonOK            = "ok"
	ReasonDuplicate     = "duplicate"
	ReasonInternalError = "internal_error"
	reasonRateLimit     = "rate_limit_" // + level
)

// Request is one purchase attempt. Nonce is optional; when present it keys
// idempotent replay.
type Request struct {
	ActivityID string `json:"activityId"`
	UserID     string `json:"userId"`
	IP         string `json:"ip"`
	Qty        int64  `json:"qty"`
	Nonce      string `json:"nonce,omitempty"`
}

// Result is the structured admission outcome.
type Result struct {
	Admitted       bool   `json:"admitted"`
	Reason         string `json:"reason"`
	Token          string `json:"token,omitempty"`
	RemainingStock int64  `json:"remainingStock"`
	RemainingQuota int64  `json:"remainingQuota"`
}

// Facade wires the admission pipeline. Construct with New, call Start to
// launch the backpressure watcher, Stop on shutdown.
type Facade struct {
	cfg        config.Config
	ks         *keystore.Client
	limiter    *limiter.Limiter
	validator  *activity.Validator
	accountant *quota.Accountant
	engine     *commit.Engine
	ob         *outbox.Outbox
	metrics    *telemetry.Metrics
	tracker    *telemetry.LatencyTracker
	log        *zap.Logger

	now      func() time.Time
	newToken func() string

	stopCh chan struct{}
	done   chan struct{}
}

func New(cfg config.Config, ks *keystore.Client, lim *limiter.Limiter,
	val *activity.Validator, acc *quota.Accountant, eng *commit.Engine,
	ob *outbox.Outbox, metrics *telemetry.Metrics, tracker *telemetry.LatencyTracker,
	log *zap.Logger) *Facade {
	if log == nil {
		log = zap.NewNop()
	}
	return &Facade{
		cfg:        cfg,
		ks:         ks,
		limiter:    lim,
		validator:  val,
		accountant: acc,
		engine:     eng,
		ob:         ob,
		metrics:    metrics,
		tracker:    tracker,
		log:        log,
		now:        time.Now,
		newToken:   func() string { return ulid.Make().String() },
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func rejected(reason string, stock, quota int64) Result {
	return Result{Admitted: false, Reason: reason, RemainingStock: stock, RemainingQuota: quota}
}

// Admit runs one purchase attempt through every gate. It never panics and
// never surfaces internal errors; the result's Reason carries the outcome.
func (f *Facade) Admit(ctx context.Context, req Request) (Result, error) {
	start := f.now()
	defer func() {
		f.metrics.ObserveAdmit(f.now().Sub(start), f.tracker)
	}()

	if req.ActivityID == "" || req.UserID == "" || req.Qty <= 0 {
		return Result{}, fmt.Errorf("%w: activityId, userId and positive qty required", ErrInvalidParams)
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.AdmitDeadline)
	defer cancel()

	// Nonce replay short-circuits before any token is spent.
	if req.Nonce != "" {
		if prior, ok := f.replay(ctx, req); ok {
			return prior, nil
		}
	}

	res := f.admit(ctx, req)

	if req.Nonce != "" {
		f.storeReplay(ctx, req, res)
	}
	if res.Admitted {
		f.metrics.AdmittedTotal.Inc()
	} else {
		f.metrics.RejectedTotal.WithLabelValues(res.Reason).Inc()
	}
	f.metrics.CountAdmit(res.Reason == ReasonInternalError)
	return res, nil
}

func (f *Facade) admit(ctx context.Context, req Request) Result {
	nowMs := f.now().UnixMilli()

	if d := f.limiter.Allow(req.ActivityID, req.IP, req.UserID); !d.Allowed {
		return rejected(reasonRateLimit+string(d.DeniedLevel), 0, 0)
	}

	vres, err := f.validator.Validate(ctx, req.ActivityID, nowMs)
	if err != nil {
		f.log.Error("activity validation failed", zap.String("activity_id", req.ActivityID), zap.Error(err))
		return rejected(ReasonInternalError, 0, 0)
	}
	if !vres.Valid {
		return rejected(string(vres.Reason), 0, 0)
	}
	act := vres.Activity

	ok, err := f.accountant.CheckCeilings(ctx, req.UserID, req.Qty, f.now())
	if err != nil {
		f.log.Error("quota ceiling check failed", zap.String("user_id", req.UserID), zap.Error(err))
		return rejected(ReasonInternalError, 0, 0)
	}
	if !ok {
		return rejected(string(commit.CodeUserLimitExceeded), 0, 0)
	}

	cres, err := f.engine.Commit(ctx, commit.Request{
		ActivityID:    req.ActivityID,
		UserID:        req.UserID,
		Qty:           req.Qty,
		PerUserLimit:  act.PerUserLimit,
		EndTimeMillis: act.EndTime,
		NowMillis:     nowMs,
	})
	if err != nil {
		f.log.Error("commit failed", zap.String("activity_id", req.ActivityID), zap.Error(err))
		return rejected(ReasonInternalError, 0, 0)
	}
	if cres.Code != commit.CodeOK {
		return rejected(string(cres.Code), cres.RemainingStock, clamp(cres.RemainingQuota))
	}
	f.metrics.CommittedTotal.Inc()
	f.metrics.StockRemaining.WithLabelValues(req.ActivityID).Set(float64(cres.RemainingStock))
	f.metrics.SoldCount.WithLabelValues(req.ActivityID).Set(float64(act.TotalStock - cres.RemainingStock))

	// Past this point stock is already decremented. The admission deadline
	// must not be able to strand that state: the durable-write-or-rollback
	// step runs on its own deadline, detached from the caller's.
	postCtx, postCancel := context.WithTimeout(context.WithoutCancel(ctx), f.cfg.AdmitDeadline)
	defer postCancel()

	token := f.newToken()
	order := outbox.OrderPayload{
		Token:       token,
		ActivityID:  req.ActivityID,
		UserID:      req.UserID,
		Qty:         req.Qty,
		Price:       act.Price,
		TotalStock:  act.TotalStock,
		CommittedAt: nowMs,
	}
	if err := f.ob.Enqueue(postCtx, token, outbox.TopicOrder, outbox.KindOrderCommitted, order); err != nil {
		// The sale is only real once the order event is persisted. Undo the
		// commit and report an internal error.
		f.log.Error("order enqueue failed, rolling back commit",
			zap.String("token", token), zap.Error(err))
		if _, _, rbErr := f.engine.Rollback(postCtx, req.ActivityID, req.UserID, req.Qty, act.TotalStock); rbErr != nil {
			f.log.Error("rollback after enqueue failure also failed",
				zap.String("token", token), zap.Error(rbErr))
		}
		return rejected(ReasonInternalError, 0, 0)
	}
	f.metrics.EmittedTotal.WithLabelValues(outbox.TopicOrder).Inc()

	// Post-commit bookkeeping is best effort: the order event is durable,
	// everything below is logged on failure, never unwound.
	if err := f.accountant.RecordPurchase(postCtx, req.UserID, req.Qty, f.now()); err != nil {
		f.log.Warn("quota record failed", zap.String("user_id", req.UserID), zap.Error(err))
	}
	stockEvt := outbox.StockSyncPayload{
		ActivityID:   req.ActivityID,
		Operation:    outbox.OpDecrease,
		StockChange:  -req.Qty,
		CurrentStock: cres.RemainingStock,
		SoldCount:    act.TotalStock - cres.RemainingStock,
		Source:       "commit",
		Ts:           nowMs,
	}
	if err := f.ob.Enqueue(postCtx, "stock-"+token, outbox.TopicStock, outbox.KindStockChanged, stockEvt); err != nil {
		f.log.Warn("stock event enqueue failed", zap.String("token", token), zap.Error(err))
	} else {
		f.metrics.EmittedTotal.WithLabelValues(outbox.TopicStock).Inc()
	}

	return Result{
		Admitted:       true,
		Reason:         ReasonOK,
		Token:          token,
		RemainingStock: cres.RemainingStock,
		RemainingQuota: clamp(cres.RemainingQuota),
	}
}

func clamp(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

// replay returns the stored outcome for a seen nonce. Successful results
// replay verbatim (same token); failures replay as duplicate.
func (f *Facade) replay(ctx context.Context, req Request) (Result, bool) {
	raw, err := f.ks.Get(ctx, keystore.DedupKey(req.UserID, req.ActivityID, req.Nonce))
	if errors.Is(err, keystore.ErrNotFound) {
		return Result{}, false
	}
	if err != nil {
		f.log.Warn("dedup lookup failed", zap.Error(err))
		return Result{}, false
	}
	var prior Result
	if err := json.Unmarshal([]byte(raw), &prior); err != nil {
		return Result{}, false
	}
	if !prior.Admitted {
		prior.Reason = ReasonDuplicate
	}
	f.metrics.RejectedTotal.WithLabelValues(ReasonDuplicate).Inc()
	return prior, true
}

func (f *Facade) storeReplay(ctx context.Context, req Request, res Result) {
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	key := keystore.DedupKey(req.UserID, req.ActivityID, req.Nonce)
	if err := f.ks.Set(ctx, key, string(raw), f.cfg.DedupTTL); err != nil {
		f.log.Warn("dedup store failed", zap.Error(err))
	}
}

// RollbackCommit reverses a committed sale identified by its token: stock
// and user counters are restored, the quota counters released, and a
// compensating stock event emitted. The original order event stays in the
// outbox history; downstream consumers see the compensation.
func (f *Facade) RollbackCommit(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("%w: token required", ErrInvalidParams)
	}
	msg, err := f.ob.Load(ctx, token)
	if errors.Is(err, keystore.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownToken, token)
	}
	if err != nil {
		return err
	}
	var order outbox.OrderPayload
	if err := json.Unmarshal(msg.Payload, &order); err != nil {
		return fmt.Errorf("admission: decode order %s: %w", token, err)
	}

	stock, _, err := f.engine.Rollback(ctx, order.ActivityID, order.UserID, order.Qty, order.TotalStock)
	if err != nil {
		return fmt.Errorf("admission: rollback %s: %w", token, err)
	}
	f.metrics.RollbackTotal.Inc()
	f.metrics.StockRemaining.WithLabelValues(order.ActivityID).Set(float64(stock))

	if err := f.accountant.ReleasePurchase(ctx, order.UserID, order.Qty, f.now()); err != nil {
		f.log.Warn("quota release failed", zap.String("token", token), zap.Error(err))
	}
	evt := outbox.StockSyncPayload{
		ActivityID:   order.ActivityID,
		Operation:    outbox.OpIncrease,
		StockChange:  order.Qty,
		CurrentStock: stock,
		SoldCount:    order.TotalStock - stock,
		Source:       "rollback",
		Ts:           f.now().UnixMilli(),
	}
	if err := f.ob.Enqueue(ctx, "rollback-"+token, outbox.TopicStock, outbox.KindStockChanged, evt); err != nil &&
		!errors.Is(err, outbox.ErrDuplicate) {
		f.log.Warn("rollback event enqueue failed", zap.String("token", token), zap.Error(err))
	}
	return nil
}

// StockView is the read model for stock queries: the live counter plus the
// record fields a storefront needs to render the activity.
type StockView struct {
	ActivityID   string `json:"activityId"`
	CurrentStock int64  `json:"currentStock"`
	Status       string `json:"status"`
	SoldCount    int64  `json:"soldCount"`
	TotalStock   int64  `json:"totalStock"`
	LastUpdated  int64  `json:"lastUpdated"` // epoch ms, read time
}

// GetStock returns the stock view for an activity. CurrentStock comes from
// the live counter, falling back to the record when the counter is absent.
func (f *Facade) GetStock(ctx context.Context, activityID string) (StockView, error) {
	act, err := f.validator.Lookup(ctx, activityID)
	if err != nil {
		return StockView{}, err
	}
	stock, err := f.ks.GetInt(ctx, keystore.StockKey(activityID))
	if errors.Is(err, keystore.ErrNotFound) {
		stock = clamp(act.Remaining())
	} else if err != nil {
		return StockView{}, err
	}
	return StockView{
		ActivityID:   activityID,
		CurrentStock: stock,
		Status:       string(act.Status),
		SoldCount:    act.TotalStock - stock,
		TotalStock:   act.TotalStock,
		LastUpdated:  f.now().UnixMilli(),
	}, nil
}

// GetBatchStock resolves many activities in one call. Unknown activities
// are omitted from the result rather than failing the batch.
func (f *Facade) GetBatchStock(ctx context.Context, activityIDs []string) (map[string]StockView, error) {
	out := make(map[string]StockView, len(activityIDs))
	for _, id := range activityIDs {
		view, err := f.GetStock(ctx, id)
		if err != nil {
			if errors.Is(err, activity.ErrSourceNotFound) {
				continue
			}
			return nil, err
		}
		out[id] = view
	}
	return out, nil
}

// GetUserStatus reports the caller's purchase counters for an activity.
func (f *Facade) GetUserStatus(ctx context.Context, userID, activityID string) (quota.UserStatus, error) {
	act, err := f.validator.Lookup(ctx, activityID)
	if err != nil {
		return quota.UserStatus{}, err
	}
	return f.accountant.Status(ctx, userID, activityID, act.PerUserLimit, f.now())
}

// Start launches the backpressure watcher: when the outbox backlog exceeds
// the threshold the global rate buckets are halved until it drains.
func (f *Facade) Start() {
	go f.watchBackpressure()
}

// Stop halts the watcher.
func (f *Facade) Stop() {
	close(f.stopCh)
	<-f.done
}

func (f *Facade) watchBackpressure() {
	defer close(f.done)
	ticker := time.NewTicker(f.cfg.OutboxProcessInterval)
	defer ticker.Stop()
	threshold := f.cfg.Backpressure()
	for {
		select {
		case <-ticker.C:
			stats, err := f.ob.Stats(context.Background())
			if err != nil {
				f.log.Warn("backpressure stats failed", zap.Error(err))
				continue
			}
			f.metrics.OutboxOutstanding.Set(float64(stats.Outstanding))
			f.metrics.OutboxDead.Set(float64(stats.Dead))
			if stats.Outstanding > threshold {
				f.limiter.TightenGlobal()
			} else {
				f.limiter.RelaxGlobal()
			}
		case <-f.stopCh:
			return
		}
	}
}
