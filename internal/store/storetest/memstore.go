// Package storetest provides an in-memory store.Repository for service tests.
//
// Transactions are serialized: BeginTx takes a global lock and works on a copy
// of the data that Commit publishes. This gives the same outcome as row locks
// held until commit, which is what the services rely on.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
)

type state struct {
	listings  map[string]models.Listing
	carts     map[string]models.Cart
	orders    map[string]models.Order
	processed map[string]bool
	failures  map[string]models.FulfillmentFailure
	outbox    []models.OutboxEvent
}

func newState() *state {
	return &state{
		listings:  make(map[string]models.Listing),
		carts:     make(map[string]models.Cart),
		orders:    make(map[string]models.Order),
		processed: make(map[string]bool),
		failures:  make(map[string]models.FulfillmentFailure),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.listings {
		c.listings[k] = v
	}
	for k, v := range s.carts {
		v.Items = append([]models.CartItem(nil), v.Items...)
		c.carts[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = cloneOrder(v)
	}
	for k, v := range s.processed {
		c.processed[k] = v
	}
	for k, v := range s.failures {
		c.failures[k] = v
	}
	c.outbox = append([]models.OutboxEvent(nil), s.outbox...)
	return c
}

func cloneOrder(o models.Order) models.Order {
	o.Items = append([]models.OrderItem(nil), o.Items...)
	return o
}

func markerKey(eventID, eventType string) string {
	return eventType + "/" + eventID
}

// Memory is an in-memory store.Repository
type Memory struct {
	txMu sync.Mutex

	mu        sync.RWMutex
	data      *state
	bookings  map[string]models.ShipmentBooking
	addresses map[string]models.Address
	now       func() time.Time

	failCommits int
	failErr     error
	begins      int
	commits     int
}

// New returns an empty repository
func New() *Memory {
	return &Memory{
		data:      newState(),
		bookings:  make(map[string]models.ShipmentBooking),
		addresses: make(map[string]models.Address),
		now:       time.Now,
	}
}

var _ store.Repository = (*Memory)(nil)

// FailCommits makes the next n commits fail with err and discard their writes.
// A nil err means store.ErrConflict.
func (m *Memory) FailCommits(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		err = fmt.Errorf("injected commit failure: %w", store.ErrConflict)
	}
	m.failCommits = n
	m.failErr = err
}

// Begins returns how many transactions were opened
func (m *Memory) Begins() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.begins
}

// Commits returns how many transactions were committed
func (m *Memory) Commits() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commits
}

// AddListing seeds a listing
func (m *Memory) AddListing(l models.Listing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ListingStatus == "" {
		l.ListingStatus = models.ListingStatusActive
	}
	if l.TransactionStatus == "" {
		l.TransactionStatus = models.TxStatusAvailable
	}
	l.UpdatedAt = m.now()
	m.data.listings[l.ID] = l
}

// SetListingPrice changes the price of a seeded listing
func (m *Memory) SetListingPrice(id string, price int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.data.listings[id]
	l.Price = price
	m.data.listings[id] = l
}

// AddCart seeds a cart; item positions follow slice order
func (m *Memory) AddCart(c models.Cart) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range c.Items {
		c.Items[i].CartID = c.ID
		c.Items[i].Position = i
	}
	c.CreatedAt = m.now()
	m.data.carts[c.ID] = c
}

// AddAddress seeds a shipping address
func (m *Memory) AddAddress(a models.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addresses[a.UserID] = a
}

// Listing returns the committed state of a listing
func (m *Memory) Listing(id string) (models.Listing, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.data.listings[id]
	return l, ok
}

// HasCart reports whether the cart still exists
func (m *Memory) HasCart(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data.carts[id]
	return ok
}

// Orders returns all committed orders sorted by id
func (m *Memory) Orders() []models.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	orders := make([]models.Order, 0, len(m.data.orders))
	for _, o := range m.data.orders {
		orders = append(orders, cloneOrder(o))
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	return orders
}

// Failures returns the recorded fulfillment failures
func (m *Memory) Failures() []models.FulfillmentFailure {
	m.mu.RLock()
	defer m.mu.RUnlock()
	failures := make([]models.FulfillmentFailure, 0, len(m.data.failures))
	for _, f := range m.data.failures {
		failures = append(failures, f)
	}
	return failures
}

// Outbox returns the pending outbox events in insertion order
func (m *Memory) Outbox() []models.OutboxEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.OutboxEvent(nil), m.data.outbox...)
}

// Bookings returns the number of booked ledger rows
func (m *Memory) Bookings() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, b := range m.bookings {
		if b.Status == models.BookingStatusBooked {
			n++
		}
	}
	return n
}

// Age moves the updated_at of an order into the past
func (m *Memory) Age(orderID string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.data.orders[orderID]
	o.UpdatedAt = o.UpdatedAt.Add(-d)
	m.data.orders[orderID] = o
}

// BeginTx opens a serialized unit of work
func (m *Memory) BeginTx(ctx context.Context) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.txMu.Lock()

	m.mu.Lock()
	m.begins++
	snapshot := m.data.clone()
	m.mu.Unlock()

	return &memTx{m: m, data: snapshot}, nil
}

// GetListing reads a committed listing
func (m *Memory) GetListing(_ context.Context, id string) (*models.Listing, error) {
	l, ok := m.Listing(id)
	if !ok {
		return nil, fmt.Errorf("listing %s: %w", id, store.ErrNotFound)
	}
	return &l, nil
}

// GetCart reads a committed cart
func (m *Memory) GetCart(_ context.Context, id string) (*models.Cart, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.data.carts[id]
	if !ok {
		return nil, fmt.Errorf("cart %s: %w", id, store.ErrNotFound)
	}
	c.Items = append([]models.CartItem(nil), c.Items...)
	return &c, nil
}

// GetOrderByID reads a committed order
func (m *Memory) GetOrderByID(_ context.Context, id string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.data.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, store.ErrNotFound)
	}
	o = cloneOrder(o)
	return &o, nil
}

// IsEventProcessed reads the committed marker
func (m *Memory) IsEventProcessed(_ context.Context, eventID, eventType string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.processed[markerKey(eventID, eventType)], nil
}

// GetShippingAddress returns a seeded address
func (m *Memory) GetShippingAddress(_ context.Context, userID string) (*models.Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.addresses[userID]
	if !ok {
		return nil, fmt.Errorf("address for %s: %w", userID, store.ErrNotFound)
	}
	return &a, nil
}

// ListShipmentsDue returns orders waiting for a booking, oldest first
func (m *Memory) ListShipmentsDue(_ context.Context, before time.Time, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []models.Order
	for _, o := range m.data.orders {
		if o.Status != models.OrderStatusProcessing {
			continue
		}
		if o.ShipmentState != models.ShipmentStateAwaiting && o.ShipmentState != models.ShipmentStatePending {
			continue
		}
		if o.UpdatedAt.Before(before) {
			due = append(due, o)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].UpdatedAt.Before(due[j].UpdatedAt) })

	ids := make([]string, 0, len(due))
	for i, o := range due {
		if limit > 0 && i >= limit {
			break
		}
		ids = append(ids, o.ID)
	}
	return ids, nil
}

// GetBooking reads the booking ledger
func (m *Memory) GetBooking(_ context.Context, key string) (*models.ShipmentBooking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[key]
	if !ok {
		return nil, fmt.Errorf("booking %s: %w", key, store.ErrNotFound)
	}
	return &b, nil
}

// SaveBooking writes a ledger row; only an in-flight row may be replaced
func (m *Memory) SaveBooking(_ context.Context, b *models.ShipmentBooking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.bookings[b.IdempotencyKey]; ok && prev.Status != models.BookingStatusInFlight {
		return nil
	}
	saved := *b
	if saved.Status == "" {
		saved.Status = models.BookingStatusBooked
	}
	saved.CreatedAt = m.now()
	m.bookings[b.IdempotencyKey] = saved
	return nil
}

type memTx struct {
	m    *Memory
	data *state
	done bool
}

func (t *memTx) finish() {
	t.done = true
	t.m.txMu.Unlock()
}

func (t *memTx) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	defer t.finish()

	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.m.failCommits > 0 {
		t.m.failCommits--
		return t.m.failErr
	}
	t.m.data = t.data
	t.m.commits++
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return nil
	}
	t.finish()
	return nil
}

func (t *memTx) GetListingForUpdate(ctx context.Context, id string) (*models.Listing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l, ok := t.data.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %s: %w", id, store.ErrNotFound)
	}
	return &l, nil
}

func (t *memTx) UpdateListingState(_ context.Context, listing *models.Listing) error {
	current, ok := t.data.listings[listing.ID]
	if !ok {
		return fmt.Errorf("listing %s: %w", listing.ID, store.ErrNotFound)
	}
	current.ListingStatus = listing.ListingStatus
	current.TransactionStatus = listing.TransactionStatus
	current.OrderID = listing.OrderID
	current.UpdatedAt = t.m.now()
	t.data.listings[listing.ID] = current
	return nil
}

func (t *memTx) ListListingsByOrder(_ context.Context, orderID string) ([]models.Listing, error) {
	var listings []models.Listing
	for _, l := range t.data.listings {
		if l.HeldBy(orderID) {
			listings = append(listings, l)
		}
	}
	sort.Slice(listings, func(i, j int) bool { return listings[i].ID < listings[j].ID })
	return listings, nil
}

func (t *memTx) GetCartForUpdate(_ context.Context, id string) (*models.Cart, error) {
	c, ok := t.data.carts[id]
	if !ok {
		return nil, fmt.Errorf("cart %s: %w", id, store.ErrNotFound)
	}
	c.Items = append([]models.CartItem(nil), c.Items...)
	return &c, nil
}

func (t *memTx) DeleteCart(_ context.Context, id string) error {
	if _, ok := t.data.carts[id]; !ok {
		return fmt.Errorf("cart %s: %w", id, store.ErrNotFound)
	}
	delete(t.data.carts, id)
	return nil
}

func (t *memTx) GetOrderForUpdate(_ context.Context, id string) (*models.Order, error) {
	o, ok := t.data.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, store.ErrNotFound)
	}
	o = cloneOrder(o)
	return &o, nil
}

func (t *memTx) GetOrderByPaymentReference(_ context.Context, ref string) (*models.Order, error) {
	for _, o := range t.data.orders {
		if o.PaymentReference == ref {
			o = cloneOrder(o)
			return &o, nil
		}
	}
	return nil, fmt.Errorf("order payment_reference=%s: %w", ref, store.ErrNotFound)
}

func (t *memTx) CreateOrder(_ context.Context, order *models.Order) error {
	if _, ok := t.data.orders[order.ID]; ok {
		return fmt.Errorf("order %s already exists: %w", order.ID, store.ErrConflict)
	}
	for _, o := range t.data.orders {
		if o.PaymentReference == order.PaymentReference {
			return fmt.Errorf("payment reference %s already used: %w", order.PaymentReference, store.ErrConflict)
		}
	}
	now := t.m.now()
	order.CreatedAt = now
	order.UpdatedAt = now
	for i := range order.Items {
		order.Items[i].OrderID = order.ID
	}
	t.data.orders[order.ID] = cloneOrder(*order)
	return nil
}

func (t *memTx) updateOrder(orderID string, fn func(o *models.Order)) error {
	o, ok := t.data.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, store.ErrNotFound)
	}
	fn(&o)
	o.UpdatedAt = t.m.now()
	t.data.orders[orderID] = o
	return nil
}

func (t *memTx) ReplaceOrderItems(_ context.Context, order *models.Order) error {
	return t.updateOrder(order.ID, func(o *models.Order) {
		o.Items = make([]models.OrderItem, len(order.Items))
		for i, item := range order.Items {
			item.OrderID = order.ID
			o.Items[i] = item
		}
		o.TotalAmount = order.TotalAmount
		o.Currency = order.Currency
	})
}

func (t *memTx) UpdateOrderStatus(_ context.Context, orderID string, status models.OrderStatus, payment models.PaymentStatus) error {
	return t.updateOrder(orderID, func(o *models.Order) {
		o.Status = status
		o.PaymentStatus = payment
	})
}

func (t *memTx) UpdateShipmentState(_ context.Context, orderID string, state models.ShipmentState, reason string) error {
	return t.updateOrder(orderID, func(o *models.Order) {
		o.ShipmentState = state
		o.ShipmentError = reason
	})
}

func (t *memTx) AttachShipment(_ context.Context, orderID string, info models.ShipmentInfo) error {
	return t.updateOrder(orderID, func(o *models.Order) {
		o.ShipmentState = models.ShipmentStateBooked
		o.ShipmentError = ""
		o.Status = models.OrderStatusShippedToCarrier
		o.TrackingID = info.TrackingID
		o.LabelURL = info.LabelURL
		o.CarrierBookingRef = info.CarrierRef
	})
}

func (t *memTx) IsEventProcessed(_ context.Context, eventID, eventType string) (bool, error) {
	return t.data.processed[markerKey(eventID, eventType)], nil
}

func (t *memTx) MarkEventProcessed(_ context.Context, eventID, eventType string) error {
	t.data.processed[markerKey(eventID, eventType)] = true
	return nil
}

func (t *memTx) RecordFulfillmentFailure(_ context.Context, f *models.FulfillmentFailure) error {
	if _, ok := t.data.failures[f.ChargeID]; ok {
		return nil
	}
	saved := *f
	saved.CreatedAt = t.m.now()
	t.data.failures[f.ChargeID] = saved
	return nil
}

func (t *memTx) EnqueueOutbox(_ context.Context, event *models.OutboxEvent) error {
	saved := *event
	saved.CreatedAt = t.m.now()
	t.data.outbox = append(t.data.outbox, saved)
	return nil
}

func (t *memTx) ClaimOutbox(_ context.Context, limit int) ([]models.OutboxEvent, error) {
	n := len(t.data.outbox)
	if limit > 0 && n > limit {
		n = limit
	}
	return append([]models.OutboxEvent(nil), t.data.outbox[:n]...), nil
}

func (t *memTx) DeleteOutbox(_ context.Context, id string) error {
	for i, e := range t.data.outbox {
		if e.ID == id {
			t.data.outbox = append(t.data.outbox[:i:i], t.data.outbox[i+1:]...)
			return nil
		}
	}
	return nil
}
