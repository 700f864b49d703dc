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
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Broker delivers a message body to a topic. Implementations must be safe
// for concurrent use by the outbox worker.
type Broker interface {
	Publish(ctx context.Context, topic, kind string, body []byte) error
	Close() error
}

// IsPermanent classifies a publish error. AMQP 4xx channel errors are
// protocol rejections that no retry can fix; everything else is assumed
// transient.
func IsPermanent(err error) bool {
	var ae *amqp.Error
	if errors.As(err, &ae) {
		return ae.Code >= 400 && ae.Code < 500
	}
	return false
}

const exchangeName = "seckill.events"

// AMQPBroker publishes to a durable topic exchange, routing key = topic.
type AMQPBroker struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *zap.Logger
}

// DialAMQP connects and declares the exchange.
func DialAMQP(url string, log *zap.Logger) (*AMQPBroker, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("outbox: dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("outbox: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchangeName, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("outbox: declare exchange: %w", err)
	}
	return &AMQPBroker{conn: conn, ch: ch, log: log}, nil
}

func (b *AMQPBroker) Publish(ctx context.Context, topic, kind string, body []byte) error {
	return b.ch.PublishWithContext(ctx, exchangeName, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Type:         kind,
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

func (b *AMQPBroker) Close() error {
	if err := b.ch.Close(); err != nil {
		_ = b.conn.Close()
		return err
	}
	return b.conn.Close()
}

// LoggingBroker logs deliveries instead of publishing. Used in local runs
// without a broker.
type LoggingBroker struct {
	log *zap.Logger
}

func NewLoggingBroker(log *zap.Logger) *LoggingBroker {
	if log == nil {
		log = zap.NewNop()
	}
	return &LoggingBroker{log: log}
}

func (b *LoggingBroker) Publish(_ context.Context, topic, kind string, body []byte) error {
	b.log.Info("event published",
		zap.String("topic", topic),
		zap.String("kind", kind),
		zap.Int("bytes", len(body)))
	return nil
}

func (b *LoggingBroker) Close() error { return nil }
