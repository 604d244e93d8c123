package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/shipping"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/txn"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// orderNamespace seeds the UUIDv5 order ids derived from charge ids
var orderNamespace = uuid.MustParse("7c0b8a52-2f4e-4b8e-9a53-4d7f3c1e9b21")

// OrderIDForCharge returns the id of the order a payment reference pays for.
// Every delivery of the same payment maps to the same order.
func OrderIDForCharge(chargeID string) string {
	return uuid.NewSHA1(orderNamespace, []byte(chargeID)).String()
}

// Locker provides mutual exclusion across service instances
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (token string, acquired bool, err error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// MarkerCache is a non-authoritative copy of the processed-event markers
type MarkerCache interface {
	IsEventProcessed(ctx context.Context, eventID, eventType string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string, ttl time.Duration) error
}

// SagaConfig tunes the orchestrator
type SagaConfig struct {
	LockTTL   time.Duration
	MarkerTTL time.Duration
}

// Outcome describes what handling a payment event did
type Outcome struct {
	OrderID       string               `json:"order_id,omitempty"`
	Duplicate     bool                 `json:"duplicate"`
	ShipmentState models.ShipmentState `json:"shipment_state,omitempty"`
	Shipment      *models.ShipmentInfo `json:"shipment,omitempty"`
}

// SagaOrchestrator turns verified payment events into orders and shipments
type SagaOrchestrator struct {
	repo     store.Repository
	exec     *txn.Executor
	listings *ListingStateMachine
	carts    *CartConsumer
	carrier  shipping.Port
	locks    Locker
	markers  MarkerCache
	cfg      SagaConfig
	logger   *zap.Logger
}

// NewSagaOrchestrator creates a new saga orchestrator.
// locks and markers may be nil; postgres alone is then used for dedupe.
func NewSagaOrchestrator(
	repo store.Repository,
	exec *txn.Executor,
	carrier shipping.Port,
	locks Locker,
	markers MarkerCache,
	cfg SagaConfig,
) *SagaOrchestrator {
	logger := util.GetLogger()
	listings := NewListingStateMachine(logger)
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.MarkerTTL <= 0 {
		cfg.MarkerTTL = 7 * 24 * time.Hour
	}
	return &SagaOrchestrator{
		repo:     repo,
		exec:     exec,
		listings: listings,
		carts:    NewCartConsumer(listings, logger),
		carrier:  carrier,
		locks:    locks,
		markers:  markers,
		cfg:      cfg,
		logger:   logger,
	}
}

// HandlePaymentEvent dispatches a verified payment event
func (so *SagaOrchestrator) HandlePaymentEvent(ctx context.Context, event *models.PaymentEvent) (*Outcome, error) {
	var (
		outcome *Outcome
		err     error
	)
	switch event.Type {
	case models.EventTypeChargeSucceeded:
		outcome, err = so.HandleChargeSucceeded(ctx, event)
	case models.EventTypeChargeFailed:
		outcome, err = so.HandleChargeFailed(ctx, event)
	default:
		err = fmt.Errorf("unknown event type %q: %w", event.Type, ErrMalformedEvent)
	}

	util.PaymentEventsTotal.WithLabelValues(event.Type, outcomeLabel(outcome, err)).Inc()
	return outcome, err
}

func outcomeLabel(outcome *Outcome, err error) string {
	switch {
	case err == nil && outcome != nil && outcome.Duplicate:
		return "duplicate"
	case err == nil:
		return "processed"
	case errors.Is(err, ErrMalformedEvent):
		return "malformed"
	case IsBusinessConflict(err):
		return "conflict"
	default:
		return "retry"
	}
}

func validateChargeSucceeded(event *models.PaymentEvent) error {
	md := event.Metadata
	switch {
	case event.ChargeID == "":
		return fmt.Errorf("missing charge id: %w", ErrMalformedEvent)
	case md.BuyerID == "":
		return fmt.Errorf("charge %s: missing buyer id: %w", event.ChargeID, ErrMalformedEvent)
	case md.CartID != "" && md.ListingID != "":
		return fmt.Errorf("charge %s: both cart and listing set: %w", event.ChargeID, ErrMalformedEvent)
	case md.CartID == "" && md.ListingID == "":
		return fmt.Errorf("charge %s: neither cart nor listing set: %w", event.ChargeID, ErrMalformedEvent)
	case md.ListingID != "" && md.PickupPointID == "":
		return fmt.Errorf("charge %s: listing purchase without pickup point: %w", event.ChargeID, ErrMalformedEvent)
	}
	return nil
}

// alreadyProcessed checks the redis marker first, then the authoritative table
func (so *SagaOrchestrator) alreadyProcessed(ctx context.Context, chargeID, eventType string) (bool, error) {
	if so.markers != nil {
		done, err := so.markers.IsEventProcessed(ctx, chargeID, eventType)
		if err != nil {
			so.logger.Warn("Marker cache unavailable, falling back to database",
				zap.String("charge_id", chargeID),
				zap.Error(err),
			)
		} else if done {
			return true, nil
		}
	}

	done, err := so.repo.IsEventProcessed(ctx, chargeID, eventType)
	if err != nil {
		return false, fmt.Errorf("failed to check event processed: %w", err)
	}
	return done, nil
}

func (so *SagaOrchestrator) cacheMarker(ctx context.Context, chargeID, eventType string) {
	if so.markers == nil {
		return
	}
	if err := so.markers.MarkEventProcessed(ctx, chargeID, eventType, so.cfg.MarkerTTL); err != nil {
		so.logger.Warn("Failed to cache processed marker",
			zap.String("charge_id", chargeID),
			zap.Error(err),
		)
	}
}

// lock takes a named lock. The returned release func is never nil.
// The lock only saves wasted work: when the lock service is down the caller
// proceeds unlocked and postgres row locks keep the outcome correct.
func (so *SagaOrchestrator) lock(ctx context.Context, key string, busy error) (func(), error) {
	if so.locks == nil {
		return func() {}, nil
	}
	token, ok, err := so.locks.AcquireLock(ctx, key, so.cfg.LockTTL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		so.logger.Warn("Lock service unavailable, continuing without lock",
			zap.String("key", key),
			zap.Error(err),
		)
		return func() {}, nil
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, busy)
	}
	return func() {
		// the caller's context may already be cancelled
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := so.locks.ReleaseLock(releaseCtx, key, token); err != nil {
			so.logger.Warn("Failed to release lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

// HandleChargeSucceeded converts a successful charge into exactly one order
func (so *SagaOrchestrator) HandleChargeSucceeded(ctx context.Context, event *models.PaymentEvent) (outcome *Outcome, err error) {
	ctx, span := util.StartSpan(ctx, "SagaOrchestrator.HandleChargeSucceeded")
	defer func() { util.EndSpan(span, err) }()
	span.SetAttributes(attribute.String("charge.id", event.ChargeID))

	if err := validateChargeSucceeded(event); err != nil {
		so.logger.Error("Rejecting malformed payment event", zap.Error(err))
		return nil, err
	}

	orderID := OrderIDForCharge(event.ChargeID)
	span.SetAttributes(attribute.String("order.id", orderID))
	logger := so.logger.With(zap.String("charge_id", event.ChargeID), zap.String("order_id", orderID))

	done, err := so.alreadyProcessed(ctx, event.ChargeID, event.Type)
	if err != nil {
		return nil, err
	}
	if done {
		logger.Info("Event already processed")
		return &Outcome{OrderID: orderID, Duplicate: true}, nil
	}

	release, err := so.lock(ctx, "charge:"+event.ChargeID, ErrEventInFlight)
	if err != nil {
		return nil, err
	}
	defer release()

	var (
		order     *models.Order
		duplicate bool
	)
	err = so.exec.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		order, duplicate = nil, false

		processed, err := tx.IsEventProcessed(ctx, event.ChargeID, event.Type)
		if err != nil {
			return err
		}
		if processed {
			duplicate = true
			return nil
		}

		if event.IsCartPurchase() {
			order, err = so.createCartOrder(ctx, tx, event, orderID)
		} else {
			order, duplicate, err = so.createListingOrder(ctx, tx, event, orderID)
		}
		if err != nil {
			return err
		}
		if duplicate {
			return tx.MarkEventProcessed(ctx, event.ChargeID, event.Type)
		}

		if err := so.enqueue(ctx, tx, orderID, models.EventTypeOrderCreated, orderCreatedEvent(order, event.ChargeID)); err != nil {
			return err
		}
		return tx.MarkEventProcessed(ctx, event.ChargeID, event.Type)
	})
	if err != nil {
		if !IsBusinessConflict(err) {
			logger.Error("Failed to fulfil charge", zap.Error(err))
			return nil, err
		}
		failErr := so.recordFailure(ctx, event, err)
		if errors.Is(failErr, errAlreadyProcessed) {
			// a concurrent delivery committed first; this one lost the row race
			logger.Info("Event already processed", zap.NamedError("conflict", err))
			return &Outcome{OrderID: orderID, Duplicate: true}, nil
		}
		return nil, failErr
	}
	so.cacheMarker(ctx, event.ChargeID, event.Type)

	if duplicate {
		logger.Info("Event already processed")
		return &Outcome{OrderID: orderID, Duplicate: true}, nil
	}

	util.OrdersCreatedTotal.WithLabelValues(string(order.Kind)).Inc()
	if order.TotalAmount != event.Amount {
		logger.Warn("Charged amount differs from order total",
			zap.Int64("charged", event.Amount),
			zap.Int64("total", order.TotalAmount),
		)
	}
	logger.Info("Order committed",
		zap.String("kind", string(order.Kind)),
		zap.Int("items", len(order.Items)),
		zap.Int64("total_amount", order.TotalAmount),
	)

	outcome = &Outcome{OrderID: orderID, ShipmentState: models.ShipmentStateAwaiting}
	info, bookErr := so.BookShipment(ctx, orderID)
	switch {
	case bookErr == nil:
		outcome.Shipment = info
		outcome.ShipmentState = models.ShipmentStateBooked
	case errors.Is(bookErr, shipping.ErrCarrierRejected):
		outcome.ShipmentState = models.ShipmentStateFailed
	case errors.Is(bookErr, shipping.ErrCarrierUnavailable):
		outcome.ShipmentState = models.ShipmentStatePending
	}
	if bookErr != nil {
		// the sale stands; the sweeper or a manual retry books the shipment
		logger.Warn("Shipment not booked", zap.Error(bookErr))
	}
	return outcome, nil
}

// createListingOrder reserves the listing and creates its one-item order.
// A speculative order opened at checkout is promoted instead.
func (so *SagaOrchestrator) createListingOrder(ctx context.Context, tx store.Tx, event *models.PaymentEvent, orderID string) (*models.Order, bool, error) {
	md := event.Metadata

	existing, err := tx.GetOrderForUpdate(ctx, orderID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	if existing != nil {
		if existing.BuyerID != md.BuyerID {
			return nil, false, fmt.Errorf("order %s belongs to another buyer: %w", orderID, ErrMalformedEvent)
		}
		switch existing.Status {
		case models.OrderStatusPendingPayment, models.OrderStatusCancelledBySystem:
		default:
			return existing, true, nil
		}

		if len(existing.Items) != 1 || existing.Items[0].ListingID != md.ListingID {
			return nil, false, fmt.Errorf("order %s was placed for another listing: %w", orderID, ErrMalformedEvent)
		}

		res, err := so.listings.ReserveForSale(ctx, tx, md.ListingID, orderID)
		if err != nil {
			return nil, false, err
		}
		// a released listing may have been repriced since the checkout snapshot
		if existing.Status == models.OrderStatusCancelledBySystem {
			item := snapshotItem(res.Listing, 0, 1, so.logger)
			existing.Items = []models.OrderItem{item}
			existing.TotalAmount = calculateTotal(existing.Items)
			existing.Currency = item.Currency
			if err := tx.ReplaceOrderItems(ctx, existing); err != nil {
				return nil, false, err
			}
		}
		if err := tx.UpdateOrderStatus(ctx, orderID, models.OrderStatusProcessing, models.PaymentStatusSucceeded); err != nil {
			return nil, false, err
		}
		existing.Status = models.OrderStatusProcessing
		existing.PaymentStatus = models.PaymentStatusSucceeded
		return existing, false, nil
	}

	res, err := so.listings.ReserveForSale(ctx, tx, md.ListingID, orderID)
	if err != nil {
		return nil, false, err
	}

	item := snapshotItem(res.Listing, 0, 1, so.logger)
	order := &models.Order{
		ID:               orderID,
		Kind:             models.OrderKindListing,
		BuyerID:          md.BuyerID,
		Items:            []models.OrderItem{item},
		TotalAmount:      calculateTotal([]models.OrderItem{item}),
		Currency:         item.Currency,
		Status:           models.OrderStatusProcessing,
		PaymentReference: event.ChargeID,
		PaymentStatus:    models.PaymentStatusSucceeded,
		PickupPointID:    md.PickupPointID,
		ShipmentState:    models.ShipmentStateAwaiting,
	}
	if err := tx.CreateOrder(ctx, order); err != nil {
		return nil, false, fmt.Errorf("failed to create order: %w", err)
	}
	return order, false, nil
}

// createCartOrder consumes the cart and persists the draft as an order
func (so *SagaOrchestrator) createCartOrder(ctx context.Context, tx store.Tx, event *models.PaymentEvent, orderID string) (*models.Order, error) {
	md := event.Metadata

	draft, err := so.carts.Consume(ctx, tx, md.CartID, PaymentContext{
		OrderID:  orderID,
		BuyerID:  md.BuyerID,
		ChargeID: event.ChargeID,
	})
	if err != nil {
		return nil, err
	}

	order := &models.Order{
		ID:               orderID,
		Kind:             models.OrderKindCart,
		BuyerID:          draft.BuyerID,
		Items:            draft.Items,
		TotalAmount:      draft.TotalAmount,
		Currency:         draft.Currency,
		Status:           models.OrderStatusProcessing,
		PaymentReference: event.ChargeID,
		PaymentStatus:    models.PaymentStatusSucceeded,
		PickupPointID:    md.PickupPointID,
		ShipmentState:    models.ShipmentStateAwaiting,
	}
	if err := tx.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return order, nil
}

// errAlreadyProcessed is returned by recordFailure when the event committed meanwhile
var errAlreadyProcessed = errors.New("payment event already processed")

// recordFailure leaves the refund trail for a paid charge that cannot be fulfilled.
// It returns cause once the trail is durable, errAlreadyProcessed when another
// delivery already handled the event, or the storage error otherwise.
func (so *SagaOrchestrator) recordFailure(ctx context.Context, event *models.PaymentEvent, cause error) error {
	reason := failureReason(cause)
	failure := &models.FulfillmentFailure{
		ChargeID:  event.ChargeID,
		BuyerID:   event.Metadata.BuyerID,
		Reason:    reason,
		ListingID: failedListingID(cause, event),
		Amount:    event.Amount,
		Currency:  event.Currency,
	}

	var processed bool
	err := so.exec.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		processed, err = tx.IsEventProcessed(ctx, event.ChargeID, event.Type)
		if err != nil || processed {
			return err
		}
		if err := tx.RecordFulfillmentFailure(ctx, failure); err != nil {
			return err
		}
		payload := &models.FulfillmentFailedEvent{
			ChargeID:  failure.ChargeID,
			BuyerID:   failure.BuyerID,
			Reason:    cause.Error(),
			ListingID: failure.ListingID,
			Amount:    failure.Amount,
			Currency:  failure.Currency,
		}
		if err := so.enqueue(ctx, tx, event.ChargeID, models.EventTypeFulfillmentFailed, payload); err != nil {
			return err
		}
		return tx.MarkEventProcessed(ctx, event.ChargeID, event.Type)
	})
	if err != nil {
		so.logger.Error("Failed to record fulfillment failure",
			zap.String("charge_id", event.ChargeID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return fmt.Errorf("failed to record fulfillment failure: %w", err)
	}
	so.cacheMarker(ctx, event.ChargeID, event.Type)
	if processed {
		return errAlreadyProcessed
	}

	util.FulfillmentFailuresTotal.WithLabelValues(reason).Inc()
	so.logger.Warn("Paid charge could not be fulfilled, refund required",
		zap.String("charge_id", event.ChargeID),
		zap.String("reason", reason),
		zap.Error(cause),
	)
	return cause
}

func failedListingID(err error, event *models.PaymentEvent) string {
	var itemErr *CartItemUnavailableError
	if errors.As(err, &itemErr) {
		return itemErr.ListingID
	}
	var listingErr *ListingUnavailableError
	if errors.As(err, &listingErr) {
		return listingErr.ListingID
	}
	return event.Metadata.ListingID
}

// BookShipment books the carrier for a committed order. It never touches the
// sale itself: carrier failures only change the order's shipment state.
func (so *SagaOrchestrator) BookShipment(ctx context.Context, orderID string) (info *models.ShipmentInfo, err error) {
	ctx, span := util.StartSpan(ctx, "SagaOrchestrator.BookShipment")
	defer func() { util.EndSpan(span, err) }()
	span.SetAttributes(attribute.String("order.id", orderID))

	release, err := so.lock(ctx, "shipment:"+orderID, ErrShipmentInFlight)
	if err != nil {
		return nil, err
	}
	defer release()

	order, err := so.repo.GetOrderByID(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrOrderNotFound)
	}
	if err != nil {
		return nil, err
	}
	if shipment := order.Shipment(); shipment != nil {
		return shipment, nil
	}
	if order.Status != models.OrderStatusProcessing {
		return nil, fmt.Errorf("order %s is %s: %w", orderID, order.Status, ErrNotShippable)
	}

	req, err := so.bookingRequest(ctx, order)
	if err == nil {
		var booked models.ShipmentInfo
		booked, err = so.carrier.CreateShipment(ctx, req)
		if err == nil {
			return so.attachShipment(ctx, orderID, booked)
		}
	}

	if !errors.Is(err, shipping.ErrCarrierRejected) && !errors.Is(err, shipping.ErrCarrierUnavailable) {
		err = fmt.Errorf("%v: %w", err, shipping.ErrCarrierUnavailable)
	}
	state := models.ShipmentStatePending
	if errors.Is(err, shipping.ErrCarrierRejected) {
		state = models.ShipmentStateFailed
	}
	so.markShipment(ctx, order, state, err)
	return nil, err
}

// attachShipment stores a booking on the order and advances it to shipped_to_carrier
func (so *SagaOrchestrator) attachShipment(ctx context.Context, orderID string, booked models.ShipmentInfo) (*models.ShipmentInfo, error) {
	err := so.exec.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		current, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if current.ShipmentState == models.ShipmentStateBooked {
			return nil
		}
		if err := tx.AttachShipment(ctx, orderID, booked); err != nil {
			return err
		}
		return so.enqueue(ctx, tx, orderID, models.EventTypeShipmentBooked, &models.ShipmentEvent{
			OrderID:    orderID,
			TrackingID: booked.TrackingID,
			LabelURL:   booked.LabelURL,
		})
	})
	if err != nil {
		// the booking is in the ledger; the sweeper attaches it on the next pass
		return nil, fmt.Errorf("failed to attach shipment: %w", err)
	}

	so.logger.Info("Shipment booked",
		zap.String("order_id", orderID),
		zap.String("tracking_id", booked.TrackingID),
	)
	return &booked, nil
}

// IdempotencyKey is the carrier key of an order: the listing id for a
// single-listing purchase, the order id otherwise
func IdempotencyKey(order *models.Order) string {
	if order.Kind == models.OrderKindListing && len(order.Items) == 1 {
		return order.Items[0].ListingID
	}
	return order.ID
}

func (so *SagaOrchestrator) bookingRequest(ctx context.Context, order *models.Order) (shipping.BookingRequest, error) {
	if len(order.Items) == 0 {
		return shipping.BookingRequest{}, fmt.Errorf("order %s has no items: %w", order.ID, shipping.ErrCarrierRejected)
	}

	recipient, err := so.address(ctx, order.BuyerID, "recipient")
	if err != nil {
		return shipping.BookingRequest{}, err
	}
	sender, err := so.address(ctx, order.Items[0].SellerID, "sender")
	if err != nil {
		return shipping.BookingRequest{}, err
	}

	titles := make([]string, 0, len(order.Items))
	weight := 0
	for _, item := range order.Items {
		titles = append(titles, item.Title)
		weight += item.WeightGrams * item.Quantity
	}

	return shipping.BookingRequest{
		IdempotencyKey: IdempotencyKey(order),
		Recipient:      *recipient,
		Sender:         *sender,
		PickupPointID:  order.PickupPointID,
		Parcel: shipping.Parcel{
			Description:   strings.Join(titles, ", "),
			WeightGrams:   weight,
			DeclaredValue: order.TotalAmount,
			Currency:      order.Currency,
		},
	}, nil
}

func (so *SagaOrchestrator) address(ctx context.Context, userID, role string) (*models.Address, error) {
	addr, err := so.repo.GetShippingAddress(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("no %s address for %s: %w", role, userID, shipping.ErrCarrierRejected)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s address: %v: %w", role, err, shipping.ErrCarrierUnavailable)
	}
	return addr, nil
}

// markShipment records a booking attempt that produced no shipment
func (so *SagaOrchestrator) markShipment(ctx context.Context, order *models.Order, state models.ShipmentState, cause error) {
	eventType := models.EventTypeShipmentPending
	if state == models.ShipmentStateFailed {
		eventType = models.EventTypeShipmentFailed
	}

	err := so.exec.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.UpdateShipmentState(ctx, order.ID, state, cause.Error()); err != nil {
			return err
		}
		if order.ShipmentState == state {
			return nil
		}
		return so.enqueue(ctx, tx, order.ID, eventType, &models.ShipmentEvent{
			OrderID: order.ID,
			Reason:  cause.Error(),
		})
	})
	if err != nil {
		so.logger.Error("Failed to record shipment state",
			zap.String("order_id", order.ID),
			zap.String("state", string(state)),
			zap.Error(err),
		)
	}
}

// HandleChargeFailed cancels a speculative order and frees its listings.
// Orders that were already paid are never touched by a failure event.
func (so *SagaOrchestrator) HandleChargeFailed(ctx context.Context, event *models.PaymentEvent) (outcome *Outcome, err error) {
	ctx, span := util.StartSpan(ctx, "SagaOrchestrator.HandleChargeFailed")
	defer func() { util.EndSpan(span, err) }()
	span.SetAttributes(attribute.String("charge.id", event.ChargeID))

	if event.ChargeID == "" {
		return nil, fmt.Errorf("missing charge id: %w", ErrMalformedEvent)
	}
	logger := so.logger.With(zap.String("charge_id", event.ChargeID))

	done, err := so.alreadyProcessed(ctx, event.ChargeID, event.Type)
	if err != nil {
		return nil, err
	}
	if done {
		logger.Info("Event already processed")
		return &Outcome{Duplicate: true}, nil
	}

	release, err := so.lock(ctx, "charge:"+event.ChargeID, ErrEventInFlight)
	if err != nil {
		return nil, err
	}
	defer release()

	outcome = &Outcome{}
	err = so.exec.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		*outcome = Outcome{}

		processed, err := tx.IsEventProcessed(ctx, event.ChargeID, event.Type)
		if err != nil {
			return err
		}
		if processed {
			outcome.Duplicate = true
			return nil
		}

		order, err := tx.GetOrderByPaymentReference(ctx, event.ChargeID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			logger.Info("No order for failed charge")
		case err != nil:
			return err
		case order.Status != models.OrderStatusPendingPayment:
			outcome.OrderID = order.ID
			logger.Warn("Ignoring payment failure for order past payment",
				zap.String("order_id", order.ID),
				zap.String("status", string(order.Status)),
			)
		default:
			outcome.OrderID = order.ID
			if err := so.cancelOrder(ctx, tx, order, event.ChargeID); err != nil {
				return err
			}
		}
		return tx.MarkEventProcessed(ctx, event.ChargeID, event.Type)
	})
	if err != nil {
		return nil, err
	}
	so.cacheMarker(ctx, event.ChargeID, event.Type)
	return outcome, nil
}

func (so *SagaOrchestrator) cancelOrder(ctx context.Context, tx store.Tx, order *models.Order, chargeID string) error {
	held, err := tx.ListListingsByOrder(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("failed to list held listings: %w", err)
	}
	for _, listing := range held {
		if err := so.listings.Release(ctx, tx, listing.ID, order.ID); err != nil {
			return err
		}
	}
	if err := tx.UpdateOrderStatus(ctx, order.ID, models.OrderStatusCancelledBySystem, models.PaymentStatusFailed); err != nil {
		return err
	}

	util.OrdersCancelledTotal.Inc()
	so.logger.Info("Speculative order cancelled",
		zap.String("order_id", order.ID),
		zap.Int("released_listings", len(held)),
	)
	return so.enqueue(ctx, tx, order.ID, models.EventTypeOrderCancelled, &models.OrderCancelledEvent{
		OrderID:  order.ID,
		ChargeID: chargeID,
		Reason:   "payment failed",
	})
}

// CheckoutRequest opens a single-listing checkout before the charge is confirmed.
// PaymentIntentID is the Stripe PaymentIntent the buyer is about to confirm; the
// payment events of that intent carry it as their charge id.
type CheckoutRequest struct {
	PaymentIntentID string `json:"payment_intent_id" binding:"required"`
	BuyerID         string `json:"buyer_id" binding:"required"`
	ListingID       string `json:"listing_id" binding:"required"`
	PickupPointID   string `json:"pickup_point_id" binding:"required"`
}

// BeginCheckout holds the listing for payment and creates the pending order
// that the charge events later promote or cancel. Repeated calls return the same order.
func (so *SagaOrchestrator) BeginCheckout(ctx context.Context, req *CheckoutRequest) (order *models.Order, err error) {
	ctx, span := util.StartSpan(ctx, "SagaOrchestrator.BeginCheckout")
	defer func() { util.EndSpan(span, err) }()

	if req.PaymentIntentID == "" || req.BuyerID == "" || req.ListingID == "" || req.PickupPointID == "" {
		return nil, fmt.Errorf("incomplete checkout request: %w", ErrMalformedEvent)
	}
	orderID := OrderIDForCharge(req.PaymentIntentID)

	err = so.exec.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		order = nil

		existing, err := tx.GetOrderForUpdate(ctx, orderID)
		if err == nil {
			if existing.BuyerID != req.BuyerID {
				return fmt.Errorf("payment %s belongs to another buyer: %w", req.PaymentIntentID, ErrMalformedEvent)
			}
			order = existing
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		res, err := so.listings.HoldForPayment(ctx, tx, req.ListingID, orderID)
		if err != nil {
			return err
		}
		item := snapshotItem(res.Listing, 0, 1, so.logger)
		order = &models.Order{
			ID:               orderID,
			Kind:             models.OrderKindListing,
			BuyerID:          req.BuyerID,
			Items:            []models.OrderItem{item},
			TotalAmount:      item.Subtotal(),
			Currency:         item.Currency,
			Status:           models.OrderStatusPendingPayment,
			PaymentReference: req.PaymentIntentID,
			PaymentStatus:    models.PaymentStatusPending,
			PickupPointID:    req.PickupPointID,
			ShipmentState:    models.ShipmentStateAwaiting,
		}
		return tx.CreateOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (so *SagaOrchestrator) enqueue(ctx context.Context, tx store.Tx, aggregateID, eventType string, payload interface{}) error {
	eventID := uuid.NewString()
	if setter, ok := payload.(baseEventSetter); ok {
		setter.SetBase(models.BaseEvent{EventID: eventID, EventType: eventType, Timestamp: time.Now().UTC()})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}
	return tx.EnqueueOutbox(ctx, &models.OutboxEvent{
		ID:          eventID,
		AggregateID: aggregateID,
		EventType:   eventType,
		Payload:     body,
	})
}

type baseEventSetter interface {
	SetBase(base models.BaseEvent)
}

func orderCreatedEvent(order *models.Order, chargeID string) *models.OrderCreatedEvent {
	items := make([]models.OrderItemData, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, models.OrderItemData{
			ListingID: item.ListingID,
			SellerID:  item.SellerID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return &models.OrderCreatedEvent{
		OrderID:     order.ID,
		BuyerID:     order.BuyerID,
		ChargeID:    chargeID,
		TotalAmount: order.TotalAmount,
		Currency:    order.Currency,
		Items:       items,
	}
}
