package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/shipping"
	"fulfillment-service/internal/store/storetest"
	"fulfillment-service/internal/txn"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// fakeCarrier books labels in memory; err is returned while set
type fakeCarrier struct {
	mu       sync.Mutex
	err      error
	attempts int
	booked   int
	requests []shipping.BookingRequest
}

func (c *fakeCarrier) CreateShipment(_ context.Context, req shipping.BookingRequest) (models.ShipmentInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	c.requests = append(c.requests, req)
	if c.err != nil {
		return models.ShipmentInfo{}, c.err
	}
	c.booked++
	return models.ShipmentInfo{
		TrackingID:    fmt.Sprintf("TRK-%d", c.booked),
		LabelURL:      "https://labels.example/" + req.IdempotencyKey,
		PickupPointID: req.PickupPointID,
		CarrierRef:    "shp_" + req.IdempotencyKey,
	}, nil
}

func (c *fakeCarrier) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *fakeCarrier) bookings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.booked
}

// fakeLocks is an in-process Locker and MarkerCache; err simulates redis being down
type fakeLocks struct {
	mu      sync.Mutex
	held    map[string]string
	markers map[string]bool
	err     error
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{held: make(map[string]string), markers: make(map[string]bool)}
}

func (l *fakeLocks) AcquireLock(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return "", false, l.err
	}
	if _, ok := l.held[key]; ok {
		return "", false, nil
	}
	token := uuid.NewString()
	l.held[key] = token
	return token, true, nil
}

func (l *fakeLocks) ReleaseLock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == token {
		delete(l.held, key)
	}
	return nil
}

func (l *fakeLocks) IsEventProcessed(_ context.Context, eventID, eventType string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	return l.markers[eventType+"/"+eventID], nil
}

func (l *fakeLocks) MarkEventProcessed(_ context.Context, eventID, eventType string, _ time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.markers[eventType+"/"+eventID] = true
	return nil
}

type sagaFixture struct {
	saga    *SagaOrchestrator
	mem     *storetest.Memory
	carrier *fakeCarrier
	locks   *fakeLocks
}

func testExecutor(mem *storetest.Memory) *txn.Executor {
	return txn.NewExecutor(mem, txn.Config{
		MaxAttempts:    3,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		AttemptTimeout: time.Second,
	}, zap.NewNop())
}

// newSagaFixture wires the orchestrator to an in-memory store with a buyer
// and two sellers that have shipping addresses
func newSagaFixture(t *testing.T, withLocks bool) *sagaFixture {
	t.Helper()

	mem := storetest.New()
	for _, user := range []string{"buyer_1", "buyer_2", "seller_1", "seller_2"} {
		mem.AddAddress(models.Address{
			UserID:     user,
			Name:       user,
			Street1:    "Keizersgracht 1",
			City:       "Amsterdam",
			PostalCode: "1015CJ",
			Country:    "NL",
		})
	}

	carrier := &fakeCarrier{}
	port := shipping.NewIdempotentPort(carrier, mem, time.Second, zap.NewNop())

	f := &sagaFixture{mem: mem, carrier: carrier}
	if withLocks {
		f.locks = newFakeLocks()
		f.saga = NewSagaOrchestrator(mem, testExecutor(mem), port, f.locks, f.locks, SagaConfig{})
	} else {
		f.saga = NewSagaOrchestrator(mem, testExecutor(mem), port, nil, nil, SagaConfig{})
	}
	return f
}

func jacket(id, seller string) models.Listing {
	return models.Listing{
		ID:          id,
		SellerID:    seller,
		ProductID:   "prod_" + id,
		Title:       "Denim jacket " + id,
		Kind:        models.KindClothing,
		Attributes:  []byte(`{"brand":"Levi's","size":"M","condition":"good"}`),
		Price:       4500,
		Currency:    "eur",
		WeightGrams: 800,
	}
}

func listingCharge(chargeID, buyer, listingID string) *models.PaymentEvent {
	return &models.PaymentEvent{
		Type:     models.EventTypeChargeSucceeded,
		ChargeID: chargeID,
		Amount:   4500,
		Currency: "EUR",
		Metadata: models.PaymentMetadata{
			BuyerID:       buyer,
			ListingID:     listingID,
			PickupPointID: "pp_42",
		},
	}
}

func cartCharge(chargeID, buyer, cartID string) *models.PaymentEvent {
	return &models.PaymentEvent{
		Type:     models.EventTypeChargeSucceeded,
		ChargeID: chargeID,
		Currency: "EUR",
		Metadata: models.PaymentMetadata{
			BuyerID:       buyer,
			CartID:        cartID,
			PickupPointID: "pp_42",
		},
	}
}

func outboxTypes(mem *storetest.Memory) []string {
	var types []string
	for _, e := range mem.Outbox() {
		types = append(types, e.EventType)
	}
	return types
}
