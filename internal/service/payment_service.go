package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/webhook"
	"go.uber.org/zap"
)

// ErrInvalidSignature is returned for webhook payloads that fail verification
var ErrInvalidSignature = errors.New("invalid webhook signature")

// PaymentPublisher hands verified payment events to the saga consumers
type PaymentPublisher interface {
	PublishPaymentEvent(ctx context.Context, event *models.PaymentEvent) error
}

// PaymentService verifies Stripe webhooks and turns them into payment events
type PaymentService struct {
	webhookSecret string
	publisher     PaymentPublisher
	logger        *zap.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(webhookSecret string, publisher PaymentPublisher) *PaymentService {
	return &PaymentService{
		webhookSecret: webhookSecret,
		publisher:     publisher,
		logger:        util.GetLogger(),
	}
}

// ParseWebhook verifies a Stripe webhook and maps it to a payment event.
// Event types the saga does not consume yield a nil event and no error.
func (ps *PaymentService) ParseWebhook(payload []byte, signature string) (*models.PaymentEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, ps.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if event.Data == nil {
		return nil, fmt.Errorf("stripe event %s has no data: %w", event.ID, ErrMalformedEvent)
	}

	var paymentEvent *models.PaymentEvent
	switch event.Type {
	case stripe.EventTypeChargeSucceeded:
		paymentEvent, err = fromCharge(event, models.EventTypeChargeSucceeded)
	case stripe.EventTypeChargeFailed:
		paymentEvent, err = fromCharge(event, models.EventTypeChargeFailed)
	case stripe.EventTypePaymentIntentSucceeded:
		paymentEvent, err = fromPaymentIntent(event, models.EventTypeChargeSucceeded)
	case stripe.EventTypePaymentIntentPaymentFailed:
		paymentEvent, err = fromPaymentIntent(event, models.EventTypeChargeFailed)
	default:
		ps.logger.Debug("Ignoring stripe event", zap.String("event_type", string(event.Type)))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	paymentEvent.ProviderID = event.ID
	if event.Created > 0 {
		paymentEvent.ReceivedAt = time.Unix(event.Created, 0).UTC()
	} else {
		paymentEvent.ReceivedAt = time.Now().UTC()
	}
	return paymentEvent, nil
}

// Ingest verifies a webhook and publishes the resulting payment event
func (ps *PaymentService) Ingest(ctx context.Context, payload []byte, signature string) (*models.PaymentEvent, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Ingest")
	defer span.End()

	event, err := ps.ParseWebhook(payload, signature)
	if err != nil {
		util.PaymentEventsTotal.WithLabelValues("webhook", "rejected").Inc()
		return nil, err
	}
	if event == nil {
		return nil, nil
	}

	if err := ps.publisher.PublishPaymentEvent(ctx, event); err != nil {
		ps.logger.Error("Failed to publish payment event",
			zap.String("charge_id", event.ChargeID),
			zap.String("event_type", event.Type),
			zap.Error(err))
		return nil, fmt.Errorf("failed to publish payment event: %w", err)
	}

	ps.logger.Info("Payment event accepted",
		zap.String("charge_id", event.ChargeID),
		zap.String("event_type", event.Type),
		zap.String("provider_event_id", event.ProviderID))
	return event, nil
}

// fromCharge keys the event by the charge's PaymentIntent so that charge.* and
// payment_intent.* deliveries of one payment dedupe together and find the order
// opened at checkout. Charges created without an intent keep their own id.
func fromCharge(event stripe.Event, eventType string) (*models.PaymentEvent, error) {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return nil, fmt.Errorf("stripe event %s: %v: %w", event.ID, err, ErrMalformedEvent)
	}
	ref := charge.ID
	if charge.PaymentIntent != nil && charge.PaymentIntent.ID != "" {
		ref = charge.PaymentIntent.ID
	}
	return &models.PaymentEvent{
		Type:     eventType,
		ChargeID: ref,
		Amount:   charge.Amount,
		Currency: strings.ToUpper(string(charge.Currency)),
		Metadata: paymentMetadata(charge.Metadata),
	}, nil
}

func fromPaymentIntent(event stripe.Event, eventType string) (*models.PaymentEvent, error) {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("stripe event %s: %v: %w", event.ID, err, ErrMalformedEvent)
	}
	if pi.ID == "" {
		return nil, fmt.Errorf("stripe event %s: payment intent without id: %w", event.ID, ErrMalformedEvent)
	}
	return &models.PaymentEvent{
		Type:     eventType,
		ChargeID: pi.ID,
		Amount:   pi.Amount,
		Currency: strings.ToUpper(string(pi.Currency)),
		Metadata: paymentMetadata(pi.Metadata),
	}, nil
}

func paymentMetadata(md map[string]string) models.PaymentMetadata {
	return models.PaymentMetadata{
		BuyerID:       md["buyer_id"],
		CartID:        md["cart_id"],
		ListingID:     md["listing_id"],
		PickupPointID: md["pickup_point_id"],
	}
}
