package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/shipping"
	"fulfillment-service/internal/store/storetest"
	"fulfillment-service/internal/txn"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/webhook"
	"go.uber.org/zap"
)

const webhookSecret = "whsec_api_test"

type downCarrier struct {
	err error
}

func (c *downCarrier) CreateShipment(_ context.Context, req shipping.BookingRequest) (models.ShipmentInfo, error) {
	if c.err != nil {
		return models.ShipmentInfo{}, c.err
	}
	return models.ShipmentInfo{TrackingID: "TRK-" + req.IdempotencyKey, LabelURL: "https://labels.example/1"}, nil
}

type capturePublisher struct {
	events []*models.PaymentEvent
}

func (p *capturePublisher) PublishPaymentEvent(_ context.Context, e *models.PaymentEvent) error {
	p.events = append(p.events, e)
	return nil
}

type testServer struct {
	router    *gin.Engine
	mem       *storetest.Memory
	saga      *service.SagaOrchestrator
	carrier   *downCarrier
	published *capturePublisher
}

func newTestServer(t *testing.T, checks map[string]ReadinessCheck) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mem := storetest.New()
	mem.AddListing(models.Listing{
		ID: "lst_1", SellerID: "seller_1", Title: "Lamp", Kind: models.KindGeneric,
		Price: 2500, Currency: "eur", WeightGrams: 1200,
	})
	mem.AddAddress(models.Address{UserID: "buyer_1", Name: "Buyer", Country: "NL"})
	mem.AddAddress(models.Address{UserID: "seller_1", Name: "Seller", Country: "NL"})

	carrier := &downCarrier{}
	exec := txn.NewExecutor(mem, txn.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, AttemptTimeout: time.Second}, zap.NewNop())
	saga := service.NewSagaOrchestrator(mem, exec, shipping.NewIdempotentPort(carrier, mem, time.Second, zap.NewNop()), nil, nil, service.SagaConfig{})
	published := &capturePublisher{}

	router := gin.New()
	NewHandler(
		service.NewOrderService(mem, saga),
		service.NewPaymentService(webhookSecret, published),
		saga,
		checks,
	).SetupRoutes(router)

	return &testServer{router: router, mem: mem, saga: saga, carrier: carrier, published: published}
}

func (s *testServer) do(method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestHealthAndReadiness(t *testing.T) {
	s := newTestServer(t, map[string]ReadinessCheck{
		"postgres": func(context.Context) error { return nil },
	})
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/health", nil, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/ready", nil, nil).Code)

	down := newTestServer(t, map[string]ReadinessCheck{
		"redis": func(context.Context) error { return errors.New("dial tcp: refused") },
	})
	w := down.do(http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "redis")
}

func TestStripeWebhook(t *testing.T) {
	s := newTestServer(t, nil)

	payload, err := json.Marshal(map[string]interface{}{
		"id":          "evt_1",
		"object":      "event",
		"api_version": stripe.APIVersion,
		"type":        "charge.succeeded",
		"data": map[string]interface{}{"object": map[string]interface{}{
			"id":       "ch_1",
			"object":   "charge",
			"amount":   2500,
			"currency": "eur",
			"metadata": map[string]string{"buyer_id": "buyer_1", "listing_id": "lst_1", "pickup_point_id": "pp_1"},
		}},
	})
	require.NoError(t, err)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: webhookSecret, Timestamp: time.Now()})

	w := s.do(http.MethodPost, "/webhooks/stripe", signed.Payload, map[string]string{"Stripe-Signature": signed.Header})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, s.published.events, 1)
	assert.Equal(t, "ch_1", s.published.events[0].ChargeID)

	w = s.do(http.MethodPost, "/webhooks/stripe", payload, map[string]string{"Stripe-Signature": "t=1,v1=bad"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Len(t, s.published.events, 1)
}

func TestCheckoutAndOrderLifecycle(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	body := []byte(`{"payment_intent_id":"pi_1","buyer_id":"buyer_1","listing_id":"lst_1","pickup_point_id":"pp_1"}`)
	w := s.do(http.MethodPost, "/api/v1/checkout", body, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var pending models.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pending))
	assert.Equal(t, models.OrderStatusPendingPayment, pending.Status)

	w = s.do(http.MethodPost, "/api/v1/checkout", []byte(`{"payment_intent_id":"pi_2","buyer_id":"buyer_2","listing_id":"lst_1","pickup_point_id":"pp_1"}`), nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(http.MethodPost, "/api/v1/checkout", []byte(`{"payment_intent_id":"pi_3"}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/v1/orders/"+pending.ID+"/shipment", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	s.carrier.err = errors.New("connection reset")
	outcome, err := s.saga.HandlePaymentEvent(ctx, &models.PaymentEvent{
		Type:     models.EventTypeChargeSucceeded,
		ChargeID: "pi_1",
		Amount:   2500,
		Metadata: models.PaymentMetadata{BuyerID: "buyer_1", ListingID: "lst_1", PickupPointID: "pp_1"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ShipmentStatePending, outcome.ShipmentState)

	w = s.do(http.MethodPost, "/api/v1/orders/"+pending.ID+"/shipment", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.carrier.err = nil
	w = s.do(http.MethodPost, "/api/v1/orders/"+pending.ID+"/shipment", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodGet, "/api/v1/orders/"+pending.ID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var order models.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &order))
	assert.Equal(t, models.OrderStatusShippedToCarrier, order.Status)
	require.Len(t, order.Items, 1)
	assert.Equal(t, models.GenericDetails{}, order.Items[0].Details.Details)

	w = s.do(http.MethodGet, "/api/v1/orders/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
