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

// Package outbox persists domain events in the keystore before any broker
// publish is attempted, then delivers them with bounded retries, a circuit
// breaker and a dead-letter queue. A committed sale is never lost to a
// broker outage; it waits in the outbox until delivery succeeds or the
// message is declared dead.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"
)

// Topics and their event kinds. One topic per downstream consumer family.
const (
	TopicOrder = "seckill.order"
	TopicStock = "seckill.stock"
	TopicEmail = "seckill.email"

	KindOrderCommitted = "order.committed"
	KindStockChanged   = "stock.changed"
	KindEmailSend      = "email.send"
)

// State of a message in the delivery machine.
//
//	pending ──> in_flight ──> ack
//	                │
//	                ├──> retry_pending ──> in_flight
//	                └──> dead
//
// ack and dead absorb; illegal moves are ignored, never applied.
type State string

const (
	StatePending      State = "pending"
	StateInFlight     State = "in_flight"
	StateAck          State = "ack"
	StateRetryPending State = "retry_pending"
	StateDead         State = "dead"
)

var stateTransitions = map[State][]State{
	StatePending:      {StateInFlight},
	StateInFlight:     {StateAck, StateRetryPending, StateDead},
	StateRetryPending: {StateInFlight, StateDead},
}

// CanTransition reports whether from → to is legal. Self-transitions are
// legal so replays are idempotent.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, next := range stateTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Message is the persisted envelope. Payload stays raw so the outbox never
// needs to understand event bodies. RoutingKey is the broker routing key
// (the topic, today); NextAttemptAt mirrors the due-index score so the
// record alone tells when the message runs next.
type Message struct {
	ID            string          `json:"id"`
	Topic         string          `json:"topic"`
	Kind          string          `json:"kind"`
	RoutingKey    string          `json:"routingKey"`
	State         State           `json:"state"`
	Attempts      int             `json:"attempts"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     int64           `json:"createdAt"`     // epoch ms
	UpdatedAt     int64           `json:"updatedAt"`     // epoch ms
	NextAttemptAt int64           `json:"nextAttemptAt"` // epoch ms, 0 once terminal
	LastError     string          `json:"lastError,omitempty"`
}

// transition applies a state change, refusing illegal moves.
func (m *Message) transition(to State) error {
	if !CanTransition(m.State, to) {
		return fmt.Errorf("outbox: illegal transition %s -> %s for %s", m.State, to, m.ID)
	}
	m.State = to
	return nil
}

// OrderPayload is the body of an order.committed event. The message ID is
// the commit token, so the payload can be re-read for rollbacks.
type OrderPayload struct {
	Token       string `json:"token"`
	ActivityID  string `json:"activityId"`
	UserID      string `json:"userId"`
	Qty         int64  `json:"qty"`
	Price       int64  `json:"price"`
	TotalStock  int64  `json:"totalStock"`
	CommittedAt int64  `json:"committedAt"` // epoch ms
}

// Stock operations carried by stock.changed events.
const (
	OpDecrease = "decrease"
	OpIncrease = "increase"
	OpReset    = "reset"
)

// StockSyncPayload is the body of a stock.changed event. StockChange is
// signed: negative for decrease, positive for increase, the absolute value
// for reset.
type StockSyncPayload struct {
	ActivityID   string `json:"activityId"`
	Operation    string `json:"operation"`    // decrease | increase | reset
	StockChange  int64  `json:"stockChange"`  // signed delta (reset: new value)
	CurrentStock int64  `json:"currentStock"` // remaining after the change
	SoldCount    int64  `json:"soldCount"`
	Source       string `json:"source"` // commit | rollback | write_behind
	Ts           int64  `json:"ts"`     // epoch ms
}

// EmailPayload is the body of an email.send event, used for operator
// alerts.
type EmailPayload struct {
	To       string            `json:"to"`
	Template string            `json:"template"`
	Data     map[string]string `json:"data,omitempty"`
}

func encodePayload(v interface{}) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("outbox: encode payload: %w", err)
	}
	return raw, nil
}

func newMessage(id, topic, kind string, payload interface{}, now time.Time) (*Message, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	ms := now.UnixMilli()
	return &Message{
		ID:            id,
		Topic:         topic,
		Kind:          kind,
		RoutingKey:    topic,
		State:         StatePending,
		Payload:       raw,
		CreatedAt:     ms,
		UpdatedAt:     ms,
		NextAttemptAt: ms,
	}, nil
}
