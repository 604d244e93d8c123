package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// ErrUndecodable marks a message whose payload can never be decoded
var ErrUndecodable = errors.New("undecodable message")

// EventPublisher publishes payment events and relays outbox events to Kafka
type EventPublisher struct {
	payments    *Producer
	fulfillment *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(payments, fulfillment *Producer) *EventPublisher {
	return &EventPublisher{payments: payments, fulfillment: fulfillment}
}

// PublishPaymentEvent publishes a verified payment event keyed by charge id,
// so every delivery for one charge is consumed in order
func (ep *EventPublisher) PublishPaymentEvent(ctx context.Context, event *models.PaymentEvent) error {
	return ep.payments.PublishEvent(ctx, event.ChargeID, event.Type, event)
}

// Publish relays an outbox event keyed by its aggregate
func (ep *EventPublisher) Publish(ctx context.Context, event models.OutboxEvent) error {
	if err := ep.fulfillment.Publish(ctx, event.AggregateID, event.EventType, event.ID, event.Payload); err != nil {
		return err
	}
	util.OutboxPublishedTotal.WithLabelValues(event.EventType).Inc()
	return nil
}

// DecodePaymentEvent reads a payment event from a message
func DecodePaymentEvent(msg kafka.Message) (*models.PaymentEvent, error) {
	var event models.PaymentEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if event.Type == "" {
		event.Type = Header(msg, HeaderEventType)
	}
	return &event, nil
}

// EventHandler handles incoming payment events
type EventHandler struct {
	onPayment func(context.Context, *models.PaymentEvent) error
	logger    *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnPaymentEvent registers the handler for charge events
func (eh *EventHandler) OnPaymentEvent(handler func(context.Context, *models.PaymentEvent) error) {
	eh.onPayment = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	event, err := DecodePaymentEvent(msg)
	if err != nil {
		return err
	}

	eh.logger.Debug("Handling event",
		zap.String("type", event.Type),
		zap.String("charge_id", event.ChargeID))

	switch event.Type {
	case models.EventTypeChargeSucceeded, models.EventTypeChargeFailed:
		if eh.onPayment != nil {
			return eh.onPayment(ctx, event)
		}
	default:
		eh.logger.Info("Unhandled event type", zap.String("type", event.Type))
	}

	return nil
}
