package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/medflow/stock-ledger/pkg/logger"
	amqp "github.com/rabbitmq/amqp091-go"
)

// maxRetries is how often a failing message is redelivered before it is
// dead-lettered.
const maxRetries = 3

// MessageHandler is a function that handles a message
type MessageHandler func(ctx context.Context, event *Event) error

// PermanentError marks a handler failure that redelivery cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the consumer dead-letters the message immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Consumer handles consuming events from RabbitMQ
type Consumer struct {
	rmq       *RabbitMQ
	queueName string
	handlers  map[string]MessageHandler
	bindings  []binding
	logger    *logger.Logger
}

type binding struct {
	exchange   string
	routingKey string
}

// NewConsumer creates a new consumer for the given queue
func NewConsumer(rmq *RabbitMQ, queueName string, log *logger.Logger) (*Consumer, error) {
	if _, err := rmq.DeclareQueue(queueName); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}

	return &Consumer{
		rmq:       rmq,
		queueName: queueName,
		handlers:  make(map[string]MessageHandler),
		logger:    log,
	}, nil
}

// Subscribe binds the queue to exchange with a routing key pattern
func (c *Consumer) Subscribe(exchange, routingKeyPattern string) error {
	if err := c.rmq.DeclareExchange(exchange); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	if err := c.rmq.BindQueue(c.queueName, exchange, routingKeyPattern); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	c.bindings = append(c.bindings, binding{exchange: exchange, routingKey: routingKeyPattern})

	c.logger.Info().
		Str("queue", c.queueName).
		Str("exchange", exchange).
		Str("routing_key", routingKeyPattern).
		Msg("subscribed to exchange")

	return nil
}

// RegisterHandler registers a handler for a specific event type
func (c *Consumer) RegisterHandler(eventType string, handler MessageHandler) {
	c.handlers[eventType] = handler
}

// Start starts consuming messages from the queue. When the broker drops
// the channel the consumer reconnects, restores its bindings and carries
// on until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.consume()
	if err != nil {
		return err
	}

	c.logger.Info().Str("queue", c.queueName).Msg("consumer started")

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.logger.Info().Str("queue", c.queueName).Msg("consumer stopped")
				return
			case msg, ok := <-msgs:
				if ok {
					c.deliver(ctx, msg)
					continue
				}
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn().Str("queue", c.queueName).Msg("message channel closed, reconnecting")
				if msgs, err = c.resume(ctx); err != nil {
					c.logger.Error().Err(err).Str("queue", c.queueName).Msg("consumer gave up reconnecting")
					return
				}
				c.logger.Info().Str("queue", c.queueName).Msg("consumer resumed")
			}
		}
	}()

	return nil
}

func (c *Consumer) consume() (<-chan amqp.Delivery, error) {
	msgs, err := c.rmq.Channel().Consume(
		c.queueName, // queue
		"",          // consumer tag (auto-generated)
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}
	return msgs, nil
}

// resume rebuilds the queue topology on a fresh connection.
func (c *Consumer) resume(ctx context.Context) (<-chan amqp.Delivery, error) {
	if err := c.rmq.Reconnect(ctx); err != nil {
		return nil, err
	}
	if _, err := c.rmq.DeclareQueue(c.queueName); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", c.queueName, err)
	}
	for _, b := range c.bindings {
		if err := c.rmq.DeclareExchange(b.exchange); err != nil {
			return nil, fmt.Errorf("failed to declare exchange: %w", err)
		}
		if err := c.rmq.BindQueue(c.queueName, b.exchange, b.routingKey); err != nil {
			return nil, fmt.Errorf("failed to bind queue: %w", err)
		}
	}
	return c.consume()
}

// Outcome is how a delivery was settled.
type Outcome int

const (
	OutcomeAck Outcome = iota
	OutcomeRequeue
	OutcomeDeadLetter
)

func (c *Consumer) deliver(ctx context.Context, msg amqp.Delivery) {
	switch c.Handle(ctx, msg.Body, retryCount(msg.Headers)) {
	case OutcomeAck:
		_ = msg.Ack(false)
	case OutcomeRequeue:
		_ = msg.Nack(false, true)
	default:
		_ = msg.Reject(false)
	}
}

// Handle dispatches one message body and decides how it should be settled.
func (c *Consumer) Handle(ctx context.Context, body []byte, retries int) Outcome {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Error().Err(err).Msg("failed to unmarshal event")
		return OutcomeDeadLetter
	}

	ctx = WithCorrelationID(ctx, event.CorrelationID)

	handler, ok := c.handlers[event.Type]
	if !ok {
		c.logger.Debug().
			Str("event_type", event.Type).
			Msg("no handler registered for event type")
		return OutcomeAck
	}

	c.logger.Debug().
		Str("event_type", event.Type).
		Str("event_id", event.ID).
		Str("correlation_id", event.CorrelationID).
		Msg("processing event")

	if err := handler(ctx, &event); err != nil {
		c.logger.Error().
			Err(err).
			Str("event_type", event.Type).
			Str("event_id", event.ID).
			Msg("failed to process event")

		var permanent *PermanentError
		if errors.As(err, &permanent) {
			return OutcomeDeadLetter
		}

		if retries >= maxRetries {
			c.logger.Warn().
				Str("event_id", event.ID).
				Int("retry_count", retries).
				Msg("max retries exceeded, sending to DLQ")
			return OutcomeDeadLetter
		}

		return OutcomeRequeue
	}

	return OutcomeAck
}

func retryCount(headers amqp.Table) int {
	if headers == nil {
		return 0
	}

	if deaths, ok := headers["x-death"].([]interface{}); ok {
		for _, death := range deaths {
			if d, ok := death.(amqp.Table); ok {
				if count, ok := d["count"].(int64); ok {
					return int(count)
				}
			}
		}
	}

	return 0
}
