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
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"seckill/internal/engine/activity"
	"seckill/internal/engine/cache"
)

// AdminServer is the operator surface: publishing activities, status
// transitions and the transition history. It is meant to be mounted on a
// separate listener or behind edge auth, never on the public admit path.
type AdminServer struct {
	mgr      *activity.Manager
	strat    *cache.Strategist
	cacheTTL time.Duration
	log      *zap.Logger
}

func NewAdminServer(mgr *activity.Manager, strat *cache.Strategist, cacheTTL time.Duration, log *zap.Logger) *AdminServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &AdminServer{mgr: mgr, strat: strat, cacheTTL: cacheTTL, log: log}
}

func (s *AdminServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/activity", s.handlePublish)
	mux.HandleFunc("/admin/activity/status", s.handleTransition)
	mux.HandleFunc("/admin/activity/history", s.handleHistory)
}

type publishRequest struct {
	activity.Activity
	Strategy string `json:"strategy"`
}

// handlePublish upserts an activity through the cache strategist and
// projects it into the keystore. A missing id is assigned; the default
// strategy is write_through so the catalog stays the system of record.
func (s *AdminServer) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body"})
		return
	}
	a := req.Activity
	if a.Name == "" || a.TotalStock <= 0 || a.EndTime <= a.StartTime {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "name, totalStock and a valid time window are required"})
		return
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = activity.StatusDraft
	}
	strategy := cache.Strategy(req.Strategy)
	if strategy == "" {
		strategy = cache.WriteThrough
	}

	res, err := s.strat.UpdateActivity(r.Context(), &a, strategy)
	if err != nil {
		s.log.Error("activity upsert failed", zap.String("activity", a.ID), zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	if err := s.mgr.Publish(r.Context(), &a, s.cacheTTL); err != nil {
		s.log.Error("activity publish failed", zap.String("activity", a.ID), zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"activityId": a.ID,
		"status":     a.Status,
		"strategy":   res.Strategy,
	})
}

type transitionRequest struct {
	ActivityID string `json:"activityId"`
	Status     string `json:"status"`
	Reason     string `json:"reason"`
	Operator   string `json:"operator"`
}

func (s *AdminServer) handleTransition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ActivityID == "" || req.Status == "" {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "activityId and status are required"})
		return
	}
	a, err := s.strat.GetActivity(r.Context(), req.ActivityID)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown activity"})
		return
	}
	if err := s.mgr.Transition(r.Context(), a, activity.Status(req.Status), req.Reason, req.Operator, s.cacheTTL); err != nil {
		if errors.Is(err, activity.ErrBadTransition) {
			s.writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
			return
		}
		s.log.Error("transition failed", zap.String("activity", req.ActivityID), zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	// Transition updated the keystore projection; make the catalog durable.
	if _, err := s.strat.UpdateActivity(r.Context(), a, cache.WriteThrough); err != nil {
		s.log.Error("transition persist failed", zap.String("activity", req.ActivityID), zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"activityId": a.ID,
		"status":     a.Status,
	})
}

func (s *AdminServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("activity_id")
	if id == "" {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "activity_id is required"})
		return
	}
	entries, err := s.mgr.History(r.Context(), id)
	if err != nil {
		s.log.Error("history read failed", zap.String("activity", id), zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"activityId": id,
		"history":    entries,
	})
}

func (s *AdminServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("response encode failed", zap.Error(err))
	}
}
