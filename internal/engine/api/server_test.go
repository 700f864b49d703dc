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

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"seckill/internal/engine/activity"
	"seckill/internal/engine/admission"
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

func newTestServer(t *testing.T, mutate func(*config.Config)) (*httptest.Server, *persistence.MemoryStore, *activity.Manager) {
	t.Helper()
	cfg := config.Default()
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
	acc := quota.NewAccountant(ks, quota.Ceilings{}, cfg.LifetimeQuotaTTL, time.UTC)
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
	facade := admission.New(cfg, ks, lim, val, acc, eng, ob, metrics, telemetry.NewLatencyTracker(0), nil)

	mux := http.NewServeMux()
	NewServer(facade, ks, nil).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	mgr := activity.NewManager(ks, cfg.ActivityGrace)
	return srv, store, mgr
}

func publishActive(t *testing.T, store *persistence.MemoryStore, mgr *activity.Manager, id string, stock, perUser int64) {
	t.Helper()
	now := time.Now()
	a := &activity.Activity{
		ID:           id,
		Name:         "sale",
		Status:       activity.StatusActive,
		StartTime:    now.Add(-time.Minute).UnixMilli(),
		EndTime:      now.Add(time.Hour).UnixMilli(),
		TotalStock:   stock,
		Price:        999,
		PerUserLimit: perUser,
	}
	store.Put(a)
	require.NoError(t, mgr.Publish(context.Background(), a, 5*time.Minute))
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestServer_AdmitSuccess(t *testing.T) {
	srv, store, mgr := newTestServer(t, nil)
	publishActive(t, store, mgr, "act1", 10, 2)

	resp := postJSON(t, srv.URL+"/admit", admission.Request{
		ActivityID: "act1", UserID: "u1", Qty: 1,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res admission.Result
	decode(t, resp, &res)
	require.True(t, res.Admitted)
	require.NotEmpty(t, res.Token)
	require.Equal(t, int64(9), res.RemainingStock)
}

func TestServer_AdmitStatusMapping(t *testing.T) {
	srv, store, mgr := newTestServer(t, func(cfg *config.Config) {
		cfg.UserLimit = config.LimitConfig{Capacity: 1}
	})
	publishActive(t, store, mgr, "act1", 1, 5)

	// First request takes the unit.
	resp := postJSON(t, srv.URL+"/admit", admission.Request{ActivityID: "act1", UserID: "u1", Qty: 1})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	cases := []struct {
		name string
		req  admission.Request
		want int
	}{
		{"SoldOut", admission.Request{ActivityID: "act1", UserID: "u2", IP: "2.2.2.2", Qty: 1}, http.StatusConflict},
		{"RateLimited", admission.Request{ActivityID: "act1", UserID: "u1", IP: "1.1.1.1", Qty: 1}, http.StatusTooManyRequests},
		{"UnknownActivity", admission.Request{ActivityID: "ghost", UserID: "u3", IP: "3.3.3.3", Qty: 1}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/admit", tc.req)
			defer resp.Body.Close()
			require.Equal(t, tc.want, resp.StatusCode)
			if tc.want == http.StatusTooManyRequests {
				require.Equal(t, "1", resp.Header.Get("Retry-After"))
			}
		})
	}
}

func TestServer_AdmitBadRequest(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	resp, err := http.Post(srv.URL+"/admit", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/admit", admission.Request{ActivityID: "a", UserID: "u", Qty: 0})
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/admit")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_StockEndpoints(t *testing.T) {
	srv, store, mgr := newTestServer(t, nil)
	publishActive(t, store, mgr, "act1", 10, 2)
	publishActive(t, store, mgr, "act2", 20, 2)

	resp, err := http.Get(srv.URL + "/stock?activity_id=act1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var single admission.StockView
	decode(t, resp, &single)
	require.Equal(t, "act1", single.ActivityID)
	require.Equal(t, int64(10), single.CurrentStock)
	require.Equal(t, "active", single.Status)
	require.Equal(t, int64(0), single.SoldCount)
	require.Equal(t, int64(10), single.TotalStock)
	require.NotZero(t, single.LastUpdated)

	resp, err = http.Get(srv.URL + "/stock")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/stock/batch", map[string][]string{"activityIds": {"act1", "act2"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var batch struct {
		Stocks map[string]admission.StockView `json:"stocks"`
	}
	decode(t, resp, &batch)
	require.Len(t, batch.Stocks, 2)
	require.Equal(t, int64(10), batch.Stocks["act1"].CurrentStock)
	require.Equal(t, int64(20), batch.Stocks["act2"].CurrentStock)
}

func TestServer_UserStatusAndRollback(t *testing.T) {
	srv, store, mgr := newTestServer(t, nil)
	publishActive(t, store, mgr, "act1", 10, 2)

	resp := postJSON(t, srv.URL+"/admit", admission.Request{ActivityID: "act1", UserID: "u1", Qty: 2})
	var res admission.Result
	decode(t, resp, &res)
	require.True(t, res.Admitted)

	resp, err := http.Get(fmt.Sprintf("%s/user/status?user_id=u1&activity_id=act1", srv.URL))
	require.NoError(t, err)
	var st quota.UserStatus
	decode(t, resp, &st)
	require.Equal(t, int64(2), st.Purchased)
	require.Equal(t, int64(0), st.RemainingQuota)

	resp = postJSON(t, srv.URL+"/rollback", map[string]string{"token": res.Token})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/rollback", map[string]string{"token": "nope"})
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/rollback", map[string]string{})
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Healthz(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	require.Equal(t, "10.1.2.3", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	require.Equal(t, "203.0.113.9", clientIP(r))
}
