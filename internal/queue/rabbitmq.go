// Package queue implements the Broker Client (C1): a durable connection
// to RabbitMQ, judge_queue declaration, bounded concurrency via prefetch,
// and per-message acknowledgement (spec §4.1).
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"execution_service/internal/config"
	"execution_service/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrClientClosed is returned when an operation is attempted on a Client
// that has already been closed.
var ErrClientClosed = errors.New("queue: client is closed")

// Client is the Broker Client (C1). Delivery handling is driven from
// Start, which blocks (running the reconnect loop) until ctx is
// cancelled.
type Client struct {
	cfg     config.RabbitMQConfig
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   amqp.Queue

	closed chan struct{}
}

// Handler processes one delivery. It must eventually call either Ack or
// Nack exactly once for the delivery's tag.
type Handler func(ctx context.Context, body []byte, deliveryTag uint64)

// New dials RabbitMQ, declares judge_queue (durable, with a dead-letter
// exchange), sets the prefetch count to cfg.PrefetchCount (which config
// defaults to the executor pool size), and declares the secondary events
// exchange.
func New(cfg config.RabbitMQConfig) (*Client, error) {
	c := &Client{cfg: cfg, closed: make(chan struct{})}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect() error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("queue: failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("queue: failed to open channel: %w", err)
	}

	if err := ch.Qos(c.cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("queue: failed to set QoS: %w", err)
	}

	q, err := ch.QueueDeclare(
		c.cfg.QueueName,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		amqp.Table{"x-dead-letter-exchange": c.cfg.DeadLetter},
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("queue: failed to declare judge_queue: %w", err)
	}

	if err := ch.ExchangeDeclare(
		c.cfg.EventExchange, "topic", true, false, false, false, nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("queue: failed to declare event exchange: %w", err)
	}

	c.conn = conn
	c.channel = ch
	c.queue = q
	return nil
}

// Start begins consuming judge_queue and dispatches each delivery to
// handle. It blocks until ctx is cancelled, reconnecting with a jittered
// [1, 5] second backoff on connection loss (spec §4.1): broker
// disconnects never lose an unacknowledged message because the broker
// redelivers on channel loss (at-least-once).
func (c *Client) Start(ctx context.Context, handle Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		deliveries, err := c.channel.ConsumeWithContext(
			ctx,
			c.queue.Name,
			"judge-worker",
			false, // autoAck
			false, // exclusive
			false, // noLocal
			false, // noWait
			nil,
		)
		if err != nil {
			if !c.waitBeforeRetry(ctx) {
				return ctx.Err()
			}
			if err := c.connect(); err != nil {
				continue
			}
			continue
		}

		closeNotify := c.conn.NotifyClose(make(chan *amqp.Error, 1))

	consume:
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case amqpErr, ok := <-closeNotify:
				if !ok || amqpErr != nil {
					break consume
				}
			case d, ok := <-deliveries:
				if !ok {
					break consume
				}
				handle(ctx, d.Body, d.DeliveryTag)
			}
		}

		if !c.waitBeforeRetry(ctx) {
			return ctx.Err()
		}
		if err := c.connect(); err != nil {
			continue
		}
	}
}

// waitBeforeRetry sleeps a random [1,5]s jitter, returning false if ctx
// was cancelled first.
func (c *Client) waitBeforeRetry(ctx context.Context) bool {
	delay := time.Duration(1000+rand.Intn(4000)) * time.Millisecond
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Ack acknowledges successful processing of a delivery.
func (c *Client) Ack(deliveryTag uint64) error {
	return c.channel.Ack(deliveryTag, false)
}

// Nack rejects a delivery, optionally asking the broker to requeue it.
func (c *Client) Nack(deliveryTag uint64, requeue bool) error {
	return c.channel.Nack(deliveryTag, false, requeue)
}

// PublishEvent publishes a low-volume fan-out notification to the
// secondary judge.events exchange (SPEC_FULL.md §11) — JSON, not the
// hot-path binary envelope (see envelope.go).
func (c *Client) PublishEvent(ctx context.Context, eventType string, data map[string]any) error {
	event := models.EventMessage{
		EventType: eventType,
		Data:      data,
		Timestamp: time.Now(),
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal event: %w", err)
	}

	return c.channel.PublishWithContext(
		ctx,
		c.cfg.EventExchange,
		"submission."+eventType,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			Timestamp:   time.Now(),
		},
	)
}

// IsHealthy reports whether the underlying connection and channel are
// currently open.
func (c *Client) IsHealthy() bool {
	return c.conn != nil && !c.conn.IsClosed() && c.channel != nil && !c.channel.IsClosed()
}

// Close releases the channel and connection.
func (c *Client) Close() error {
	select {
	case <-c.closed:
		return ErrClientClosed
	default:
		close(c.closed)
	}
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
