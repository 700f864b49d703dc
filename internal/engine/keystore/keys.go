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

package keystore

import "fmt"

// Key layout of the engine. All keys use ':' as separator and all integer
// values are base-10 ASCII. Keeping the helpers in one place makes the
// layout greppable and keeps scripts and Go code in agreement.

func ActivityKey(id string) string  { return fmt.Sprintf("activity:%s", id) }
func StatusKey(id string) string    { return fmt.Sprintf("status:%s", id) }
func StockKey(id string) string     { return fmt.Sprintf("stock:%s", id) }
func StockVerKey(id string) string  { return fmt.Sprintf("stockver:%s", id) }
func UserLimitKey(userID, activityID string) string {
	return fmt.Sprintf("userlimit:%s:%s", userID, activityID)
}
func DailyKey(userID, day string) string { return fmt.Sprintf("daily:%s:%s", userID, day) }
func GlobalQuotaKey(userID string) string {
	return fmt.Sprintf("global:%s", userID)
}
func StatusHistoryKey(id string) string { return fmt.Sprintf("statusHistory:%s", id) }
func OutboxKey(id string) string        { return fmt.Sprintf("outbox:%s", id) }

const (
	OutboxDueKey      = "outbox:due"
	OutboxInFlightKey = "outbox:inflight"
	OutboxDeadKey     = "outbox:dead"
)

func RateBucketKey(level, key string) string {
	return fmt.Sprintf("ratebucket:%s:%s", level, key)
}
func DedupKey(userID, activityID, nonce string) string {
	return fmt.Sprintf("dedup:%s:%s:%s", userID, activityID, nonce)
}
