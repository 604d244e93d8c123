package broker

import (
	"context"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQPublisher relays outbox events to a durable topic exchange,
// routed by event type
type RabbitMQPublisher struct {
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string
	logger   *zap.Logger
}

// NewRabbitMQPublisher dials the broker, retrying while it starts up, and
// declares the exchange
func NewRabbitMQPublisher(url, exchange string) (*RabbitMQPublisher, error) {
	logger := util.GetLogger()

	var conn *amqp.Connection
	dial := func() error {
		var err error
		conn, err = amqp.Dial(url)
		if err != nil {
			logger.Warn("Failed to connect to RabbitMQ, retrying", zap.Error(err))
		}
		return err
	}
	if err := backoff.Retry(dial, backoff.WithMaxRetries(backoff.NewConstantBackOff(2*time.Second), 9)); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &RabbitMQPublisher{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		logger:   logger,
	}, nil
}

// Publish implements the outbox relay's publisher
func (p *RabbitMQPublisher) Publish(ctx context.Context, event models.OutboxEvent) error {
	headers := map[string]string{}
	util.InjectTraceContext(ctx, headers)
	table := amqp.Table{}
	for k, v := range headers {
		table[k] = v
	}

	err := p.channel.PublishWithContext(ctx,
		p.exchange,      // exchange
		event.EventType, // routing key
		false,           // mandatory
		false,           // immediate
		amqp.Publishing{
			MessageId:     event.ID,
			CorrelationId: event.AggregateID,
			ContentType:   "application/json",
			Type:          event.EventType,
			Timestamp:     event.CreatedAt,
			Headers:       table,
			Body:          event.Payload,
			DeliveryMode:  amqp.Persistent,
		})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	util.OutboxPublishedTotal.WithLabelValues(event.EventType).Inc()
	p.logger.Debug("Published message to RabbitMQ",
		zap.String("event_id", event.ID),
		zap.String("exchange", p.exchange),
		zap.String("routing_key", event.EventType))
	return nil
}

// Close closes the channel and the connection
func (p *RabbitMQPublisher) Close() error {
	if err := p.channel.Close(); err != nil {
		return err
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
