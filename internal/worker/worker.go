package worker

import (
	"context"
	"errors"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// PaymentHandler is the saga entry point for payment events
type PaymentHandler interface {
	HandlePaymentEvent(ctx context.Context, event *models.PaymentEvent) (*service.Outcome, error)
}

// DeadLetterer parks messages that can never be processed
type DeadLetterer interface {
	Forward(ctx context.Context, msg kafka.Message, reason string) error
}

// MessageSource delivers messages to a handler until ctx is done
type MessageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// PaymentWorker feeds the payment-events topic into the saga
type PaymentWorker struct {
	source  MessageSource
	handler PaymentHandler
	dlq     DeadLetterer
	logger  *zap.Logger
}

// NewPaymentWorker creates a new payment worker
func NewPaymentWorker(source MessageSource, handler PaymentHandler, dlq DeadLetterer) *PaymentWorker {
	return &PaymentWorker{
		source:  source,
		handler: handler,
		dlq:     dlq,
		logger:  util.GetLogger(),
	}
}

// Start starts the worker
func (w *PaymentWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting payment worker...")
	return w.source.StartConsuming(ctx, w.HandleMessage)
}

// Stop stops the worker
func (w *PaymentWorker) Stop() error {
	w.logger.Info("Stopping payment worker...")
	return w.source.Close()
}

// HandleMessage decides the fate of one message. A nil return commits it;
// an error makes the consumer redeliver it.
func (w *PaymentWorker) HandleMessage(ctx context.Context, msg kafka.Message) error {
	event, err := broker.DecodePaymentEvent(msg)
	if err != nil {
		return w.deadLetter(ctx, msg, err)
	}

	logger := w.logger.With(
		zap.String("charge_id", event.ChargeID),
		zap.String("event_type", event.Type),
		zap.Int64("offset", msg.Offset))

	outcome, err := w.handler.HandlePaymentEvent(ctx, event)
	switch {
	case err == nil:
		if outcome != nil && !outcome.Duplicate {
			logger.Info("Payment event processed",
				zap.String("order_id", outcome.OrderID),
				zap.String("shipment_state", string(outcome.ShipmentState)))
		}
		return nil
	case errors.Is(err, service.ErrMalformedEvent):
		return w.deadLetter(ctx, msg, err)
	case service.IsBusinessConflict(err):
		// the refund trail is committed; redelivery would only find the marker
		logger.Warn("Payment event could not be fulfilled", zap.Error(err))
		return nil
	default:
		logger.Warn("Payment event failed, will be redelivered", zap.Error(err))
		return err
	}
}

func (w *PaymentWorker) deadLetter(ctx context.Context, msg kafka.Message, cause error) error {
	if w.dlq == nil {
		w.logger.Error("Dropping unprocessable message",
			zap.Int64("offset", msg.Offset),
			zap.Error(cause))
		return nil
	}
	return w.dlq.Forward(ctx, msg, cause.Error())
}
