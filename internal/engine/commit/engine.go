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

// Package commit implements the atomic primitive of the engine: a single
// server-side script that re-checks activity state, user quota and stock and
// performs the decrement/increment pair as one unit of isolation. No other
// component mutates stock or per-activity quota counters on the commit path;
// the stock synchronizer is the sole, version-guarded exception.
package commit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"seckill/internal/engine/keystore"
)

// Code is the commit outcome. The script reports a numeric status which is
// mapped onto these values.
type Code string

const (
	CodeOK                Code = "ok"
	CodeActivityNotActive Code = "activity_not_active"
	CodeInsufficientStock Code = "insufficient_stock"
	CodeUserLimitExceeded Code = "user_limit_exceeded"
	CodeInvalidParams     Code = "invalid_params"
	CodeInternalError     Code = "internal_error"
)

var statusCodes = map[int64]Code{
	0: CodeOK,
	1: CodeActivityNotActive,
	2: CodeInsufficientStock,
	3: CodeUserLimitExceeded,
	4: CodeInvalidParams,
}

const (
	scriptCommit   = "seckill_commit"
	scriptRollback = "seckill_rollback"
)

// commitScript re-verifies every admission condition inside the store.
// The cheap validator pre-check can race with concurrent admissions, so the
// script is authoritative for all four conditions. Status order matters:
// quota before stock, so a capped user never consumes a stock read slot.
//
// KEYS: activity, status, stock, userlimit, stockver
// ARGV: qty, nowMillis, perUserLimit, timeBufferMillis, userlimitTTLSeconds
// Reply: {status, stock, userPurchased, remainingQuota}
const commitScript = `
local qty = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local buffer = tonumber(ARGV[4]) or 0
local ttl = tonumber(ARGV[5]) or 0
if not qty or qty <= 0 or not limit or limit <= 0 then
  return {4, 0, 0, 0}
end
local raw = redis.call('GET', KEYS[1])
if not raw then
  return {1, 0, 0, 0}
end
local status = redis.call('GET', KEYS[2])
if status ~= 'active' then
  return {1, 0, 0, 0}
end
local rec = cjson.decode(raw)
local startTime = tonumber(rec['startTime'])
local endTime = tonumber(rec['endTime'])
if startTime and now < startTime - buffer then
  return {1, 0, 0, 0}
end
if endTime and now > endTime then
  return {1, 0, 0, 0}
end
local purchased = tonumber(redis.call('GET', KEYS[4])) or 0
if purchased + qty > limit then
  local stock = tonumber(redis.call('GET', KEYS[3])) or 0
  return {3, stock, purchased, limit - purchased}
end
local stock = tonumber(redis.call('GET', KEYS[3])) or 0
if stock < qty then
  return {2, stock, purchased, limit - purchased}
end
local newStock = redis.call('DECRBY', KEYS[3], qty)
local newPurchased = redis.call('INCRBY', KEYS[4], qty)
if ttl > 0 then
  redis.call('EXPIRE', KEYS[4], ttl)
end
redis.call('INCR', KEYS[5])
return {0, newStock, newPurchased, limit - newPurchased}
`

// rollbackScript reverses a prior commit unconditionally. Stock is clamped
// at the totalStock ceiling and the user counter at zero, so a duplicate or
// mis-sized rollback cannot corrupt either invariant.
//
// KEYS: stock, userlimit, stockver
// ARGV: qty, totalStockCeiling
// Reply: {stock, userPurchased}
const rollbackScript = `
local qty = tonumber(ARGV[1])
local ceiling = tonumber(ARGV[2]) or 0
local stock = redis.call('INCRBY', KEYS[1], qty)
if ceiling > 0 and stock > ceiling then
  redis.call('SET', KEYS[1], ceiling)
  stock = ceiling
end
local purchased = redis.call('DECRBY', KEYS[2], qty)
if purchased < 0 then
  redis.call('SET', KEYS[2], 0)
  purchased = 0
end
redis.call('INCR', KEYS[3])
return {stock, purchased}
`

// Request carries one commit attempt. EndTimeMillis sizes the TTL of the
// user-quota key (activity end + grace).
type Request struct {
	ActivityID    string
	UserID        string
	Qty           int64
	PerUserLimit  int64
	EndTimeMillis int64
	NowMillis     int64
}

// Result of a commit attempt. RemainingQuota may be negative when the user
// asked for more than the remainder; callers report it clamped.
type Result struct {
	Code           Code
	RemainingStock int64
	UserPurchased  int64
	RemainingQuota int64
}

// Engine owns the two scripts. Safe for concurrent use.
type Engine struct {
	reg        *keystore.Registry
	timeBuffer time.Duration
	grace      time.Duration
	log        *zap.Logger
}

// NewEngine registers the commit and rollback scripts on the registry.
func NewEngine(reg *keystore.Registry, timeBuffer, grace time.Duration, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	reg.Register(scriptCommit, commitScript)
	reg.Register(scriptRollback, rollbackScript)
	return &Engine{reg: reg, timeBuffer: timeBuffer, grace: grace, log: log}
}

// isConnError reports whether the error occurred before the script could
// have started executing (dial/pool failures). Only these are retried; once
// a script may have run, a retry could double-commit.
func isConnError(err error) bool {
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// Commit runs the atomic script, retrying at most once and only on
// connection errors. Every other failure surfaces as CodeInternalError with
// the underlying error attached; the caller must treat that as "commit state
// unknown" and consult the idempotency layer before acting.
func (e *Engine) Commit(ctx context.Context, req Request) (Result, error) {
	if req.ActivityID == "" || req.UserID == "" || req.Qty <= 0 || req.PerUserLimit <= 0 {
		return Result{Code: CodeInvalidParams}, nil
	}
	keys := []string{
		keystore.ActivityKey(req.ActivityID),
		keystore.StatusKey(req.ActivityID),
		keystore.StockKey(req.ActivityID),
		keystore.UserLimitKey(req.UserID, req.ActivityID),
		keystore.StockVerKey(req.ActivityID),
	}
	ttl := e.quotaTTLSeconds(req.EndTimeMillis, req.NowMillis)
	args := []interface{}{req.Qty, req.NowMillis, req.PerUserLimit, e.timeBuffer.Milliseconds(), ttl}

	reply, err := e.reg.RunInts(ctx, scriptCommit, keys, args...)
	if err != nil && isConnError(err) {
		e.log.Warn("commit script connection error, retrying once",
			zap.String("activity_id", req.ActivityID), zap.Error(err))
		reply, err = e.reg.RunInts(ctx, scriptCommit, keys, args...)
	}
	if err != nil {
		return Result{Code: CodeInternalError}, err
	}
	if len(reply) != 4 {
		return Result{Code: CodeInternalError}, fmt.Errorf("commit: script returned %d values, want 4", len(reply))
	}
	code, ok := statusCodes[reply[0]]
	if !ok {
		return Result{Code: CodeInternalError}, fmt.Errorf("commit: unknown script status %d", reply[0])
	}
	return Result{
		Code:           code,
		RemainingStock: reply[1],
		UserPurchased:  reply[2],
		RemainingQuota: reply[3],
	}, nil
}

// Rollback reverses a commit: stock back up (clamped at totalStock), user
// counter back down (clamped at zero). Invoked only on a definitive
// downstream cancellation or an outbox-persist failure.
func (e *Engine) Rollback(ctx context.Context, activityID, userID string, qty, totalStock int64) (stock, purchased int64, err error) {
	if activityID == "" || userID == "" || qty <= 0 {
		return 0, 0, errors.New("commit: invalid rollback params")
	}
	keys := []string{
		keystore.StockKey(activityID),
		keystore.UserLimitKey(userID, activityID),
		keystore.StockVerKey(activityID),
	}
	reply, err := e.reg.RunInts(ctx, scriptRollback, keys, qty, totalStock)
	if err != nil {
		return 0, 0, err
	}
	if len(reply) != 2 {
		return 0, 0, fmt.Errorf("commit: rollback script returned %d values, want 2", len(reply))
	}
	return reply[0], reply[1], nil
}

// quotaTTLSeconds computes the user-limit key TTL: activity end + grace,
// with the grace period as a floor.
func (e *Engine) quotaTTLSeconds(endMillis, nowMillis int64) int64 {
	remain := (endMillis - nowMillis) / 1000
	graceSec := int64(e.grace.Seconds())
	if remain < 0 {
		remain = 0
	}
	return remain + graceSec
}
