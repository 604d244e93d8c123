package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"fulfillment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/webhook"
)

const testWebhookSecret = "whsec_test_secret"

type recordingPublisher struct {
	events []*models.PaymentEvent
	err    error
}

func (p *recordingPublisher) PublishPaymentEvent(_ context.Context, event *models.PaymentEvent) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func signedEvent(t *testing.T, eventType string, object map[string]interface{}) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":          "evt_1",
		"object":      "event",
		"api_version": stripe.APIVersion,
		"created":     1700000000,
		"type":        eventType,
		"data":        map[string]interface{}{"object": object},
	})
	require.NoError(t, err)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return signed.Payload, signed.Header
}

var checkoutMetadata = map[string]interface{}{
	"buyer_id":        "buyer_1",
	"listing_id":      "lst_1",
	"pickup_point_id": "pp_42",
}

func TestParseWebhook_ChargeSucceeded(t *testing.T) {
	ps := NewPaymentService(testWebhookSecret, &recordingPublisher{})
	payload, sig := signedEvent(t, "charge.succeeded", map[string]interface{}{
		"id":       "ch_1",
		"object":   "charge",
		"amount":   4500,
		"currency": "eur",
		"metadata": checkoutMetadata,
	})

	event, err := ps.ParseWebhook(payload, sig)
	require.NoError(t, err)
	require.NotNil(t, event)

	assert.Equal(t, models.EventTypeChargeSucceeded, event.Type)
	assert.Equal(t, "ch_1", event.ChargeID)
	assert.Equal(t, int64(4500), event.Amount)
	assert.Equal(t, "EUR", event.Currency)
	assert.Equal(t, "evt_1", event.ProviderID)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), event.ReceivedAt)
	assert.Equal(t, models.PaymentMetadata{BuyerID: "buyer_1", ListingID: "lst_1", PickupPointID: "pp_42"}, event.Metadata)
}

func TestParseWebhook_PaymentIntents(t *testing.T) {
	ps := NewPaymentService(testWebhookSecret, &recordingPublisher{})

	payload, sig := signedEvent(t, "payment_intent.succeeded", map[string]interface{}{
		"id":            "pi_1",
		"object":        "payment_intent",
		"amount":        4500,
		"currency":      "eur",
		"latest_charge": "ch_9",
		"metadata":      checkoutMetadata,
	})
	event, err := ps.ParseWebhook(payload, sig)
	require.NoError(t, err)
	assert.Equal(t, models.EventTypeChargeSucceeded, event.Type)
	assert.Equal(t, "pi_1", event.ChargeID)

	payload, sig = signedEvent(t, "payment_intent.payment_failed", map[string]interface{}{
		"id":       "pi_2",
		"object":   "payment_intent",
		"amount":   4500,
		"currency": "eur",
		"metadata": checkoutMetadata,
	})
	event, err = ps.ParseWebhook(payload, sig)
	require.NoError(t, err)
	assert.Equal(t, models.EventTypeChargeFailed, event.Type)
	assert.Equal(t, "pi_2", event.ChargeID)
}

func TestParseWebhook_ChargeKeyedByPaymentIntent(t *testing.T) {
	ps := NewPaymentService(testWebhookSecret, &recordingPublisher{})
	payload, sig := signedEvent(t, "charge.failed", map[string]interface{}{
		"id":             "ch_9",
		"object":         "charge",
		"amount":         4500,
		"currency":       "eur",
		"payment_intent": "pi_1",
		"metadata":       checkoutMetadata,
	})

	event, err := ps.ParseWebhook(payload, sig)
	require.NoError(t, err)
	assert.Equal(t, models.EventTypeChargeFailed, event.Type)
	assert.Equal(t, "pi_1", event.ChargeID)
}

func TestParseWebhook_RejectsBadSignature(t *testing.T) {
	ps := NewPaymentService("whsec_other", &recordingPublisher{})
	payload, sig := signedEvent(t, "charge.succeeded", map[string]interface{}{"id": "ch_1", "object": "charge"})

	_, err := ps.ParseWebhook(payload, sig)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = NewPaymentService(testWebhookSecret, nil).ParseWebhook(payload, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestParseWebhook_IgnoresOtherEventTypes(t *testing.T) {
	ps := NewPaymentService(testWebhookSecret, &recordingPublisher{})
	payload, sig := signedEvent(t, "customer.created", map[string]interface{}{"id": "cus_1", "object": "customer"})

	event, err := ps.ParseWebhook(payload, sig)
	require.NoError(t, err)
	assert.Nil(t, event)
}

func TestIngest_PublishesVerifiedEvents(t *testing.T) {
	publisher := &recordingPublisher{}
	ps := NewPaymentService(testWebhookSecret, publisher)
	payload, sig := signedEvent(t, "charge.failed", map[string]interface{}{
		"id":       "ch_1",
		"object":   "charge",
		"metadata": checkoutMetadata,
	})

	event, err := ps.Ingest(context.Background(), payload, sig)
	require.NoError(t, err)
	require.Len(t, publisher.events, 1)
	assert.Equal(t, event, publisher.events[0])
	assert.Equal(t, models.EventTypeChargeFailed, event.Type)

	publisher.err = errors.New("broker down")
	_, err = ps.Ingest(context.Background(), payload, sig)
	assert.ErrorContains(t, err, "broker down")
}
