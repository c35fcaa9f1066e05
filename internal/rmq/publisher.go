// Package rmq publishes trip events to a RabbitMQ topic exchange so fleet
// services can react to trip transitions.
package rmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"fleet-triptracker/internal/shared/retry"
	"fleet-triptracker/internal/trip"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type Publisher struct {
	conn     *amqp.Connection
	ch       Channel
	exchange string
	deviceID string
}

var dialPolicy = retry.Policy{MaxAttempts: 5, Delay: 2 * time.Second, Multiplier: 2, MaxDelay: 30 * time.Second}

// Dial connects with exponential backoff and declares the exchange.
func Dial(ctx context.Context, url, exchange, deviceID string) (*Publisher, error) {
	var conn *amqp.Connection
	err := retry.Do(ctx, dialPolicy, func(ctx context.Context, attempt int) error {
		c, err := amqp.Dial(url)
		if err != nil {
			log.Printf("rmq: connect attempt %d failed: %v", attempt, err)
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	p, err := NewPublisher(ch, exchange, deviceID)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	log.Printf("rmq: connected, publishing to %s", exchange)
	return p, nil
}

// NewPublisher declares a durable topic exchange on ch.
func NewPublisher(ch Channel, exchange, deviceID string) (*Publisher, error) {
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &Publisher{ch: ch, exchange: exchange, deviceID: deviceID}, nil
}

// RoutingKey is "<event kind>.<device>", e.g. trip.started.truck-7.
func (p *Publisher) RoutingKey(e trip.Event) string {
	return string(e.Kind) + "." + p.deviceID
}

func (p *Publisher) Publish(ctx context.Context, e trip.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Timestamp:    e.At,
		Type:         string(e.Kind),
		Body:         body,
	}
	if err := p.ch.PublishWithContext(ctx, p.exchange, p.RoutingKey(e), false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", e.Kind, err)
	}
	return nil
}

// Notify publishes e and logs failures; trip transitions never wait on the
// broker.
func (p *Publisher) Notify(ctx context.Context, e trip.Event) {
	if err := p.Publish(ctx, e); err != nil {
		log.Printf("rmq: %v", err)
	}
}

func (p *Publisher) Close() error {
	if err := p.ch.Close(); err != nil {
		return fmt.Errorf("close channel: %w", err)
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			return fmt.Errorf("close connection: %w", err)
		}
	}
	return nil
}
