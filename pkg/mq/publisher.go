// Package mq holds the outbound message transports for lifecycle events
package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const appID = "chillconnect-lifecycle"

// confirmChannel is the part of *amqp.Channel the publisher uses
type confirmChannel interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Close() error
}

// Publisher publishes JSON messages to a durable topic exchange and waits
// for the broker to confirm each one. Collaborators bind queues by event
// name (booking.#, chat.#, refund.issued).
type Publisher struct {
	conn     *amqp.Connection
	ch       confirmChannel
	exchange string

	// confirms are matched by delivery tag, so publishes are serialized
	mu  sync.Mutex
	now func() time.Time
}

// NewPublisher dials url, declares the exchange and puts the channel in
// confirm mode
func NewPublisher(url, exchange string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	return newPublisher(conn, ch, exchange), nil
}

func newPublisher(conn *amqp.Connection, ch confirmChannel, exchange string) *Publisher {
	return &Publisher{conn: conn, ch: ch, exchange: exchange, now: time.Now}
}

// PublishJSON publishes v under routing key as a persistent message and
// returns once the broker has acked it
func (p *Publisher) PublishJSON(ctx context.Context, key string, v any) error {
	msg, err := p.message(key, v)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	dc, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, key, false, false, msg)
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	if dc == nil {
		// channel not in confirm mode
		return nil
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm for %s: %w", key, err)
	}
	if !acked {
		return fmt.Errorf("broker nacked %s", key)
	}
	return nil
}

func (p *Publisher) message(key string, v any) (amqp.Publishing, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal %s: %w", key, err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    p.now().UTC(),
		Type:         key,
		AppId:        appID,
		Body:         b,
	}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
