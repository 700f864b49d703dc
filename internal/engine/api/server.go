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

// Package api implements the public-facing HTTP server of the flash-sale
// engine. It translates HTTP into admission facade calls and rejection
// reasons into status codes; no business logic lives here.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"seckill/internal/engine/admission"
	"seckill/internal/engine/keystore"
)

// Server handles the HTTP surface. Construct with NewServer and mount the
// routes on a mux.
type Server struct {
	facade *admission.Facade
	ks     *keystore.Client
	log    *zap.Logger
}

func NewServer(facade *admission.Facade, ks *keystore.Client, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{facade: facade, ks: ks, log: log}
}

// RegisterRoutes sets up the HTTP routes for the server on the given mux.
// The /metrics endpoint is mounted by the binary, not here.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admit", s.handleAdmit)
	mux.HandleFunc("/stock", s.handleStock)
	mux.HandleFunc("/stock/batch", s.handleBatchStock)
	mux.HandleFunc("/user/status", s.handleUserStatus)
	mux.HandleFunc("/rollback", s.handleRollback)
	mux.HandleFunc("/healthz", s.handleHealthz)
}

// statusFor maps a rejection reason to an HTTP status.
func statusFor(reason string) int {
	switch {
	case reason == admission.ReasonOK:
		return http.StatusOK
	case strings.HasPrefix(reason, "rate_limit_"):
		return http.StatusTooManyRequests
	case reason == "activity_not_found":
		return http.StatusNotFound
	case reason == "activity_not_active",
		reason == "activity_not_started",
		reason == "activity_ended":
		return http.StatusForbidden
	case reason == "insufficient_stock",
		reason == "out_of_stock",
		reason == "user_limit_exceeded",
		reason == admission.ReasonDuplicate:
		return http.StatusConflict
	case reason == "invalid_params":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("response encode failed", zap.Error(err))
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) handleAdmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req admission.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body"})
		return
	}
	if req.IP == "" {
		req.IP = clientIP(r)
	}
	res, err := s.facade.Admit(r.Context(), req)
	if errors.Is(err, admission.ErrInvalidParams) {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err != nil {
		s.log.Error("admit failed", zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	status := http.StatusOK
	if !res.Admitted {
		status = statusFor(res.Reason)
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "1")
		}
	}
	s.writeJSON(w, status, res)
}

func (s *Server) handleStock(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("activity_id")
	if id == "" {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "activity_id is required"})
		return
	}
	view, err := s.facade.GetStock(r.Context(), id)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown activity"})
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

type batchStockRequest struct {
	ActivityIDs []string `json:"activityIds"`
}

func (s *Server) handleBatchStock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req batchStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.ActivityIDs) == 0 {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "activityIds is required"})
		return
	}
	stocks, err := s.facade.GetBatchStock(r.Context(), req.ActivityIDs)
	if err != nil {
		s.log.Error("batch stock failed", zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"stocks": stocks})
}

func (s *Server) handleUserStatus(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	activityID := r.URL.Query().Get("activity_id")
	if userID == "" || activityID == "" {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "user_id and activity_id are required"})
		return
	}
	st, err := s.facade.GetUserStatus(r.Context(), userID, activityID)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown activity"})
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

type rollbackRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "token is required"})
		return
	}
	err := s.facade.RollbackCommit(r.Context(), req.Token)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "rolled_back", "token": req.Token})
	case errors.Is(err, admission.ErrUnknownToken):
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown token"})
	case errors.Is(err, admission.ErrInvalidParams):
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	default:
		s.log.Error("rollback failed", zap.String("token", req.Token), zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.ks != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := s.ks.Ping(ctx); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// clientIP extracts the caller address, honoring X-Forwarded-For from the
// edge proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewHTTPServer wraps the mux with production timeouts.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}
