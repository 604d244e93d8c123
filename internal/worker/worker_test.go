package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/shipping"
	"fulfillment-service/internal/store/storetest"
	"fulfillment-service/internal/txn"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubHandler struct {
	outcome *service.Outcome
	err     error
	calls   int
}

func (h *stubHandler) HandlePaymentEvent(_ context.Context, _ *models.PaymentEvent) (*service.Outcome, error) {
	h.calls++
	return h.outcome, h.err
}

type stubDLQ struct {
	reasons []string
}

func (d *stubDLQ) Forward(_ context.Context, _ kafka.Message, reason string) error {
	d.reasons = append(d.reasons, reason)
	return nil
}

func paymentMessage(t *testing.T) kafka.Message {
	t.Helper()
	body, err := json.Marshal(models.PaymentEvent{Type: models.EventTypeChargeSucceeded, ChargeID: "ch_1"})
	require.NoError(t, err)
	return kafka.Message{Topic: "payment-events", Value: body}
}

func TestPaymentWorker_HandleMessage(t *testing.T) {
	conflict := &service.ListingUnavailableError{ListingID: "lst_1"}

	tests := []struct {
		name       string
		handlerErr error
		wantErr    bool
		wantDLQ    int
	}{
		{"processed", nil, false, 0},
		{"malformed", fmt.Errorf("missing buyer: %w", service.ErrMalformedEvent), false, 1},
		{"business conflict", conflict, false, 0},
		{"storage down", errors.New("connection refused"), true, 0},
		{"lock contention", service.ErrEventInFlight, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := &stubHandler{outcome: &service.Outcome{OrderID: "ord_1"}, err: tt.handlerErr}
			dlq := &stubDLQ{}
			w := NewPaymentWorker(nil, handler, dlq)

			err := w.HandleMessage(context.Background(), paymentMessage(t))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Len(t, dlq.reasons, tt.wantDLQ)
			assert.Equal(t, 1, handler.calls)
		})
	}
}

func TestPaymentWorker_DeadLettersUndecodable(t *testing.T) {
	handler := &stubHandler{}
	dlq := &stubDLQ{}
	w := NewPaymentWorker(nil, handler, dlq)

	err := w.HandleMessage(context.Background(), kafka.Message{Value: []byte("<html>")})
	require.NoError(t, err)
	assert.Len(t, dlq.reasons, 1)
	assert.Zero(t, handler.calls)
}

type stubPublisher struct {
	sent   []string
	failOn string
}

func (p *stubPublisher) Publish(_ context.Context, event models.OutboxEvent) error {
	if event.ID == p.failOn {
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, event.ID)
	return nil
}

func seedOutbox(t *testing.T, mem *storetest.Memory, ids ...string) {
	t.Helper()
	ctx := context.Background()
	tx, err := mem.BeginTx(ctx)
	require.NoError(t, err)
	for _, id := range ids {
		require.NoError(t, tx.EnqueueOutbox(ctx, &models.OutboxEvent{
			ID:          id,
			AggregateID: "ord_1",
			EventType:   models.EventTypeOrderCreated,
			Payload:     []byte(`{}`),
		}))
	}
	require.NoError(t, tx.Commit())
}

func testExecutor(mem *storetest.Memory) *txn.Executor {
	return txn.NewExecutor(mem, txn.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, AttemptTimeout: time.Second}, zap.NewNop())
}

func TestOutboxRelay_PublishesAndDeletes(t *testing.T) {
	mem := storetest.New()
	seedOutbox(t, mem, "evt_1", "evt_2", "evt_3")
	pub := &stubPublisher{}
	relay := NewOutboxRelay(testExecutor(mem), pub, 2, time.Second)

	sent, err := relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Equal(t, []string{"evt_1", "evt_2"}, pub.sent)
	require.Len(t, mem.Outbox(), 1)

	sent, err = relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Empty(t, mem.Outbox())
}

func TestOutboxRelay_StopsAtFirstFailure(t *testing.T) {
	mem := storetest.New()
	seedOutbox(t, mem, "evt_1", "evt_2", "evt_3")
	pub := &stubPublisher{failOn: "evt_2"}
	relay := NewOutboxRelay(testExecutor(mem), pub, 10, time.Second)

	sent, err := relay.RelayOnce(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []string{"evt_1"}, pub.sent)

	remaining := mem.Outbox()
	require.Len(t, remaining, 2)
	assert.Equal(t, "evt_2", remaining[0].ID)
}

type stubBooker struct {
	errs   map[string]error
	booked []string
}

func (b *stubBooker) BookShipment(_ context.Context, orderID string) (*models.ShipmentInfo, error) {
	if err := b.errs[orderID]; err != nil {
		return nil, err
	}
	b.booked = append(b.booked, orderID)
	return &models.ShipmentInfo{TrackingID: "TRK-" + orderID}, nil
}

type stubDue struct {
	ids    []string
	before time.Time
}

func (d *stubDue) ListShipmentsDue(_ context.Context, before time.Time, limit int) ([]string, error) {
	d.before = before
	if len(d.ids) > limit {
		return d.ids[:limit], nil
	}
	return d.ids, nil
}

type stubLock struct {
	held     bool
	extends  int
	released bool
}

func (l *stubLock) AcquireLock(context.Context, string, time.Duration) (string, bool, error) {
	if l.held {
		return "", false, nil
	}
	l.held = true
	return "token", true, nil
}

func (l *stubLock) ExtendLock(context.Context, string, string, time.Duration) (bool, error) {
	l.extends++
	return true, nil
}

func (l *stubLock) ReleaseLock(context.Context, string, string) error {
	l.held = false
	l.released = true
	return nil
}

func TestShipmentSweeper_BooksDueOrders(t *testing.T) {
	due := &stubDue{ids: []string{"ord_1", "ord_2", "ord_3"}}
	booker := &stubBooker{errs: map[string]error{"ord_2": service.ErrNotShippable}}
	lock := &stubLock{}
	sweeper := NewShipmentSweeper(due, booker, lock, SweeperConfig{Interval: time.Minute, Grace: 5 * time.Minute, BatchSize: 10})
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sweeper.now = func() time.Time { return now }

	booked, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, booked)
	assert.Equal(t, []string{"ord_1", "ord_3"}, booker.booked)
	assert.Equal(t, now.Add(-5*time.Minute), due.before)
	assert.Equal(t, 3, lock.extends)
	assert.True(t, lock.released)
}

func TestShipmentSweeper_StopsWhileCarrierDown(t *testing.T) {
	due := &stubDue{ids: []string{"ord_1", "ord_2"}}
	booker := &stubBooker{errs: map[string]error{"ord_1": fmt.Errorf("timeout: %w", shipping.ErrCarrierUnavailable)}}
	sweeper := NewShipmentSweeper(due, booker, nil, SweeperConfig{})

	booked, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, booked)
	assert.Empty(t, booker.booked)
}

func TestShipmentSweeper_SkipsWhenNotLeader(t *testing.T) {
	due := &stubDue{ids: []string{"ord_1"}}
	booker := &stubBooker{}
	lock := &stubLock{held: true}
	sweeper := NewShipmentSweeper(due, booker, lock, SweeperConfig{})

	booked, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, booked)
	assert.Empty(t, booker.booked)
	assert.True(t, lock.held)
}

type switchablePort struct {
	err   error
	calls int
}

func (p *switchablePort) CreateShipment(_ context.Context, req shipping.BookingRequest) (models.ShipmentInfo, error) {
	p.calls++
	if p.err != nil {
		return models.ShipmentInfo{}, p.err
	}
	return models.ShipmentInfo{TrackingID: "TRK-" + req.IdempotencyKey}, nil
}

func TestShipmentSweeper_SkipsUnpaidCheckouts(t *testing.T) {
	mem := storetest.New()
	mem.AddAddress(models.Address{UserID: "buyer_1", Name: "Buyer", Country: "NL"})
	mem.AddAddress(models.Address{UserID: "seller_1", Name: "Seller", Country: "NL"})
	for _, id := range []string{"lst_a", "lst_b", "lst_c", "lst_paid"} {
		mem.AddListing(models.Listing{ID: id, SellerID: "seller_1", Title: "Lamp", Kind: models.KindGeneric, Price: 2500, Currency: "eur"})
	}

	carrier := &switchablePort{err: fmt.Errorf("connection reset: %w", shipping.ErrCarrierUnavailable)}
	saga := service.NewSagaOrchestrator(mem, testExecutor(mem), shipping.NewIdempotentPort(carrier, mem, time.Second, zap.NewNop()), nil, nil, service.SagaConfig{})
	ctx := context.Background()

	var abandoned []string
	for _, id := range []string{"lst_a", "lst_b", "lst_c"} {
		order, err := saga.BeginCheckout(ctx, &service.CheckoutRequest{PaymentIntentID: "pi_" + id, BuyerID: "buyer_1", ListingID: id, PickupPointID: "pp_1"})
		require.NoError(t, err)
		abandoned = append(abandoned, order.ID)
	}
	paid, err := saga.HandlePaymentEvent(ctx, &models.PaymentEvent{
		Type:     models.EventTypeChargeSucceeded,
		ChargeID: "pi_paid",
		Amount:   2500,
		Metadata: models.PaymentMetadata{BuyerID: "buyer_1", ListingID: "lst_paid", PickupPointID: "pp_1"},
	})
	require.NoError(t, err)
	require.Equal(t, models.ShipmentStatePending, paid.ShipmentState)

	// the checkouts are older than the paid order and would fill the batch first
	for _, id := range abandoned {
		mem.Age(id, time.Hour)
	}
	mem.Age(paid.OrderID, 10*time.Minute)
	carrier.err = nil

	sweeper := NewShipmentSweeper(mem, saga, nil, SweeperConfig{Interval: time.Minute, Grace: time.Minute, BatchSize: 3})
	booked, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, booked)

	order, err := mem.GetOrderByID(ctx, paid.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.ShipmentStateBooked, order.ShipmentState)
}
