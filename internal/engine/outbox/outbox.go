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

package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"seckill/internal/engine/keystore"
)

const scriptClaim = "seckill_outbox_claim"

// claimScript atomically moves up to ARGV[2] due message ids from the due
// set to the in-flight set, stamping them with the claim time. Atomicity
// here is what makes multiple workers safe.
//
// KEYS: due, inflight
// ARGV: nowMillis, batch
const claimScript = `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for i, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[1], id)
end
return ids
`

// ErrDuplicate is returned by Enqueue when the message id already exists.
var ErrDuplicate = errors.New("outbox: duplicate message id")

// Options are the outbox tunables, taken verbatim from the engine config.
type Options struct {
	MessageTTL      time.Duration
	RetryBase       time.Duration
	Backoff         float64
	MaxRetries      int
	BatchSize       int
	ProcessInterval time.Duration
	InFlightTimeout time.Duration
	DeadRetention   time.Duration
	// TopicRetryBase overrides RetryBase per topic.
	TopicRetryBase map[string]time.Duration

	// Classifier decides whether a publish error is permanent. Nil means
	// IsPermanent (broker 4xx responses).
	Classifier func(error) bool

	BreakerFailureThreshold uint32
	BreakerResetTimeout     time.Duration
}

// Stats is a point-in-time view of the queue, used for backpressure and
// metrics.
type Stats struct {
	Outstanding int64            `json:"outstanding"` // due + in-flight
	Dead        int64            `json:"dead"`
	ErrorByType map[string]int64 `json:"errorByType"`
}

// Outbox persists events before publishing them. All methods are safe for
// concurrent use; Start launches a single worker.
type Outbox struct {
	ks      *keystore.Client
	reg     *keystore.Registry
	broker  Broker
	breaker *gobreaker.CircuitBreaker
	opts    Options
	log     *zap.Logger
	now     func() time.Time

	errMu       sync.Mutex
	errorByType map[string]int64

	jitterMu sync.Mutex
	jitter   *rand.Rand

	stopCh  chan struct{}
	done    chan struct{}
	started bool
}

// New wires an outbox and registers its claim script.
func New(ks *keystore.Client, reg *keystore.Registry, broker Broker, opts Options, log *zap.Logger) *Outbox {
	if log == nil {
		log = zap.NewNop()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "outbox-broker",
		Timeout: opts.BreakerResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("broker circuit state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	if opts.Classifier == nil {
		opts.Classifier = IsPermanent
	}
	reg.Register(scriptClaim, claimScript)
	return &Outbox{
		ks:          ks,
		reg:         reg,
		broker:      broker,
		breaker:     cb,
		opts:        opts,
		log:         log,
		now:         time.Now,
		errorByType: make(map[string]int64),
		jitter:      rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Enqueue persists a message and schedules it for immediate delivery. The
// write is idempotent on id: a second enqueue of the same id returns
// ErrDuplicate and changes nothing.
func (o *Outbox) Enqueue(ctx context.Context, id, topic, kind string, payload interface{}) error {
	msg, err := newMessage(id, topic, kind, payload, o.now())
	if err != nil {
		return err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("outbox: marshal message %s: %w", id, err)
	}
	set, err := o.ks.SetNX(ctx, keystore.OutboxKey(id), string(raw), o.opts.MessageTTL)
	if err != nil {
		return fmt.Errorf("outbox: persist %s: %w", id, err)
	}
	if !set {
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	if err := o.ks.ZAdd(ctx, keystore.OutboxDueKey, float64(msg.CreatedAt), id); err != nil {
		return fmt.Errorf("outbox: schedule %s: %w", id, err)
	}
	return nil
}

// EnqueueStockSync satisfies the cache strategist's write-behind hook. The
// deferred write replaces whatever the database holds, so the event carries
// a reset with the authoritative values.
func (o *Outbox) EnqueueStockSync(ctx context.Context, activityID string, soldCount, currentStock int64) error {
	id := fmt.Sprintf("stocksync-%s-%d", activityID, o.now().UnixNano())
	return o.Enqueue(ctx, id, TopicStock, KindStockChanged, StockSyncPayload{
		ActivityID:   activityID,
		Operation:    OpReset,
		StockChange:  currentStock,
		CurrentStock: currentStock,
		SoldCount:    soldCount,
		Source:       "write_behind",
		Ts:           o.now().UnixMilli(),
	})
}

// Load returns the persisted message for an id.
func (o *Outbox) Load(ctx context.Context, id string) (*Message, error) {
	raw, err := o.ks.Get(ctx, keystore.OutboxKey(id))
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, fmt.Errorf("outbox: decode %s: %w", id, err)
	}
	return &msg, nil
}

func (o *Outbox) save(ctx context.Context, msg *Message) error {
	msg.UpdatedAt = o.now().UnixMilli()
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return o.ks.Set(ctx, keystore.OutboxKey(msg.ID), string(raw), o.opts.MessageTTL)
}

// Start launches the delivery worker.
func (o *Outbox) Start() {
	o.started = true
	go o.run()
}

// Stop halts the worker, then drains one final batch so a clean shutdown
// publishes everything already due.
func (o *Outbox) Stop() {
	if !o.started {
		return
	}
	close(o.stopCh)
	<-o.done
}

func (o *Outbox) run() {
	defer close(o.done)
	ticker := time.NewTicker(o.opts.ProcessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx := context.Background()
			o.recoverInFlight(ctx)
			o.ProcessDue(ctx)
		case <-o.stopCh:
			ctx, cancel := context.WithTimeout(context.Background(), o.opts.ProcessInterval*2)
			o.ProcessDue(ctx)
			cancel()
			return
		}
	}
}

// ProcessDue claims one batch of due messages and attempts delivery.
func (o *Outbox) ProcessDue(ctx context.Context) {
	now := o.now().UnixMilli()
	keys := []string{keystore.OutboxDueKey, keystore.OutboxInFlightKey}
	ids, err := o.reg.RunStrings(ctx, scriptClaim, keys, now, o.opts.BatchSize)
	if err != nil {
		o.log.Error("outbox claim failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		o.deliver(ctx, id)
	}
}

func (o *Outbox) deliver(ctx context.Context, id string) {
	msg, err := o.Load(ctx, id)
	if errors.Is(err, keystore.ErrNotFound) {
		// Body expired while the id waited in the queue; drop the orphan.
		_ = o.ks.ZRem(ctx, keystore.OutboxInFlightKey, id)
		return
	}
	if err != nil {
		o.log.Error("outbox load failed", zap.String("id", id), zap.Error(err))
		return
	}
	if msg.State == StateAck || msg.State == StateDead {
		_ = o.ks.ZRem(ctx, keystore.OutboxInFlightKey, id)
		return
	}
	if err := msg.transition(StateInFlight); err != nil {
		o.log.Warn("outbox state error", zap.String("id", id), zap.Error(err))
		return
	}

	key := msg.RoutingKey
	if key == "" {
		key = msg.Topic // records persisted before routing keys were stored
	}
	_, pubErr := o.breaker.Execute(func() (interface{}, error) {
		return nil, o.broker.Publish(ctx, key, msg.Kind, msg.Payload)
	})
	if pubErr == nil {
		o.ack(ctx, msg)
		return
	}
	o.fail(ctx, msg, pubErr)
}

func (o *Outbox) ack(ctx context.Context, msg *Message) {
	_ = msg.transition(StateAck)
	msg.NextAttemptAt = 0
	if err := o.save(ctx, msg); err != nil {
		o.log.Warn("outbox ack save failed", zap.String("id", msg.ID), zap.Error(err))
	}
	_ = o.ks.ZRem(ctx, keystore.OutboxInFlightKey, msg.ID)
}

func (o *Outbox) fail(ctx context.Context, msg *Message, pubErr error) {
	// An open breaker is backpressure, not a delivery attempt: requeue at
	// the base delay without burning a retry.
	if errors.Is(pubErr, gobreaker.ErrOpenState) || errors.Is(pubErr, gobreaker.ErrTooManyRequests) {
		o.countError("breaker_open")
		o.requeue(ctx, msg, o.now().Add(o.retryBase(msg.Topic)))
		return
	}

	msg.Attempts++
	msg.LastError = pubErr.Error()

	if o.opts.Classifier(pubErr) {
		o.countError("permanent")
		o.bury(ctx, msg)
		return
	}
	o.countError("transient")
	if msg.Attempts > o.opts.MaxRetries {
		o.bury(ctx, msg)
		return
	}
	o.requeue(ctx, msg, o.now().Add(o.backoffFor(msg)))
}

func (o *Outbox) requeue(ctx context.Context, msg *Message, nextAt time.Time) {
	_ = msg.transition(StateRetryPending)
	msg.NextAttemptAt = nextAt.UnixMilli()
	if err := o.save(ctx, msg); err != nil {
		o.log.Warn("outbox requeue save failed", zap.String("id", msg.ID), zap.Error(err))
	}
	if err := o.ks.ZAdd(ctx, keystore.OutboxDueKey, float64(nextAt.UnixMilli()), msg.ID); err != nil {
		o.log.Error("outbox requeue failed", zap.String("id", msg.ID), zap.Error(err))
		return
	}
	_ = o.ks.ZRem(ctx, keystore.OutboxInFlightKey, msg.ID)
}

// bury moves the message to the dead-letter queue. Dead is terminal; the
// queue exists for operators, nothing in the engine re-drives it.
func (o *Outbox) bury(ctx context.Context, msg *Message) {
	_ = msg.transition(StateDead)
	msg.NextAttemptAt = 0
	if err := o.save(ctx, msg); err != nil {
		o.log.Warn("outbox dead save failed", zap.String("id", msg.ID), zap.Error(err))
	}
	raw, err := json.Marshal(msg)
	if err == nil {
		if err := o.ks.RPush(ctx, keystore.OutboxDeadKey, string(raw)); err != nil {
			o.log.Error("dead letter push failed", zap.String("id", msg.ID), zap.Error(err))
		}
		_ = o.ks.Expire(ctx, keystore.OutboxDeadKey, o.opts.DeadRetention)
	}
	_ = o.ks.ZRem(ctx, keystore.OutboxInFlightKey, msg.ID)
	o.log.Error("message dead-lettered",
		zap.String("id", msg.ID),
		zap.String("topic", msg.Topic),
		zap.Int("attempts", msg.Attempts),
		zap.String("last_error", msg.LastError))
}

func (o *Outbox) retryBase(topic string) time.Duration {
	if d, ok := o.opts.TopicRetryBase[topic]; ok {
		return d
	}
	return o.opts.RetryBase
}

// backoffFor computes base × backoff^(attempts-1) with ±20% jitter. The
// result is added to now and stored as an absolute due time.
func (o *Outbox) backoffFor(msg *Message) time.Duration {
	d := float64(o.retryBase(msg.Topic))
	for i := 1; i < msg.Attempts; i++ {
		d *= o.opts.Backoff
	}
	o.jitterMu.Lock()
	factor := 0.8 + 0.4*o.jitter.Float64()
	o.jitterMu.Unlock()
	return time.Duration(d * factor)
}

// recoverInFlight requeues messages whose claim is older than the in-flight
// timeout, covering workers that died mid-delivery.
func (o *Outbox) recoverInFlight(ctx context.Context) {
	cutoff := o.now().Add(-o.opts.InFlightTimeout).UnixMilli()
	ids, err := o.ks.ZRangeByScore(ctx, keystore.OutboxInFlightKey, "-inf", fmt.Sprintf("%d", cutoff), int64(o.opts.BatchSize))
	if err != nil {
		o.log.Error("in-flight recovery scan failed", zap.Error(err))
		return
	}
	now := float64(o.now().UnixMilli())
	for _, id := range ids {
		if err := o.ks.ZAdd(ctx, keystore.OutboxDueKey, now, id); err != nil {
			continue
		}
		_ = o.ks.ZRem(ctx, keystore.OutboxInFlightKey, id)
		o.log.Warn("recovered stuck in-flight message", zap.String("id", id))
	}
}

func (o *Outbox) countError(kind string) {
	o.errMu.Lock()
	o.errorByType[kind]++
	o.errMu.Unlock()
}

// Stats reports queue depth for backpressure checks and metrics scrapes.
func (o *Outbox) Stats(ctx context.Context) (Stats, error) {
	due, err := o.ks.ZCard(ctx, keystore.OutboxDueKey)
	if err != nil {
		return Stats{}, err
	}
	inflight, err := o.ks.ZCard(ctx, keystore.OutboxInFlightKey)
	if err != nil {
		return Stats{}, err
	}
	dead, err := o.ks.LLen(ctx, keystore.OutboxDeadKey)
	if err != nil {
		return Stats{}, err
	}
	o.errMu.Lock()
	byType := make(map[string]int64, len(o.errorByType))
	for k, v := range o.errorByType {
		byType[k] = v
	}
	o.errMu.Unlock()
	return Stats{Outstanding: due + inflight, Dead: dead, ErrorByType: byType}, nil
}
