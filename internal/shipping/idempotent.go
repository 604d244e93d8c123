package shipping

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// Ledger remembers bookings by idempotency key
type Ledger interface {
	GetBooking(ctx context.Context, key string) (*models.ShipmentBooking, error)
	SaveBooking(ctx context.Context, booking *models.ShipmentBooking) error
}

// IdempotentPort makes any Port safe to call repeatedly with one key.
// A recorded booking is returned without calling the carrier again.
type IdempotentPort struct {
	next    Port
	ledger  Ledger
	timeout time.Duration
	logger  *zap.Logger

	mu    sync.Mutex
	inUse map[string]*keyMutex
}

// NewIdempotentPort wraps next with the booking ledger and a per-call timeout
func NewIdempotentPort(next Port, ledger Ledger, timeout time.Duration, logger *zap.Logger) *IdempotentPort {
	return &IdempotentPort{
		next:    next,
		ledger:  ledger,
		timeout: timeout,
		logger:  logger,
		inUse:   make(map[string]*keyMutex),
	}
}

type keyMutex struct {
	sync.Mutex
	refs int
}

// keyLock serializes calls for one key within this process
func (p *IdempotentPort) keyLock(key string) func() {
	p.mu.Lock()
	l, ok := p.inUse[key]
	if !ok {
		l = &keyMutex{}
		p.inUse[key] = l
	}
	l.refs++
	p.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.inUse, key)
		}
		p.mu.Unlock()
	}
}

// CreateShipment implements Port.
// The key is written to the ledger as in flight before the carrier is called, so a
// call that timed out after the carrier bought the label is reconciled on retry
// instead of booked twice.
func (p *IdempotentPort) CreateShipment(ctx context.Context, req BookingRequest) (models.ShipmentInfo, error) {
	if req.IdempotencyKey == "" {
		return models.ShipmentInfo{}, fmt.Errorf("missing idempotency key: %w", ErrCarrierRejected)
	}
	logger := p.logger.With(zap.String("idempotency_key", req.IdempotencyKey))

	unlock := p.keyLock(req.IdempotencyKey)
	defer unlock()

	callCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	existing, err := p.ledger.GetBooking(ctx, req.IdempotencyKey)
	switch {
	case err == nil && existing.Status != models.BookingStatusInFlight:
		util.ShipmentBookingsTotal.WithLabelValues("replayed").Inc()
		logger.Info("Booking already exists, returning recorded shipment",
			zap.String("tracking_id", existing.TrackingID),
		)
		return existing.Info(), nil
	case err == nil:
		info, found, err := p.reconcile(callCtx, req)
		if err != nil {
			return models.ShipmentInfo{}, unavailable(err)
		}
		if found {
			util.ShipmentBookingsTotal.WithLabelValues("recovered").Inc()
			logger.Info("Recovered booking made by an earlier attempt",
				zap.String("tracking_id", info.TrackingID),
			)
			return info, p.record(ctx, req.IdempotencyKey, info)
		}
	case errors.Is(err, store.ErrNotFound):
		if err := p.ledger.SaveBooking(ctx, &models.ShipmentBooking{
			IdempotencyKey: req.IdempotencyKey,
			Status:         models.BookingStatusInFlight,
		}); err != nil {
			return models.ShipmentInfo{}, fmt.Errorf("failed to reserve booking key: %v: %w", err, ErrCarrierUnavailable)
		}
	default:
		return models.ShipmentInfo{}, fmt.Errorf("failed to read booking ledger: %v: %w", err, ErrCarrierUnavailable)
	}

	start := time.Now()
	info, err := p.next.CreateShipment(callCtx, req)
	util.CarrierLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		err = unavailable(err)
		outcome := "unavailable"
		if errors.Is(err, ErrCarrierRejected) {
			outcome = "rejected"
		}
		util.ShipmentBookingsTotal.WithLabelValues(outcome).Inc()
		return models.ShipmentInfo{}, err
	}
	util.ShipmentBookingsTotal.WithLabelValues("booked").Inc()

	if err := p.record(ctx, req.IdempotencyKey, info); err != nil {
		// the in-flight row stays; the next attempt reconciles with the carrier
		logger.Error("Failed to record booking in ledger", zap.Error(err))
	}
	return info, nil
}

// reconcile asks the carrier for a booking made under key by an earlier attempt.
// Carriers that cannot be queried report nothing found.
func (p *IdempotentPort) reconcile(ctx context.Context, req BookingRequest) (models.ShipmentInfo, bool, error) {
	finder, ok := p.next.(BookingFinder)
	if !ok {
		p.logger.Warn("Carrier cannot look up bookings, retrying in-flight key",
			zap.String("idempotency_key", req.IdempotencyKey))
		return models.ShipmentInfo{}, false, nil
	}
	info, found, err := finder.FindShipment(ctx, req.IdempotencyKey)
	if found && info.PickupPointID == "" {
		info.PickupPointID = req.PickupPointID
	}
	return info, found, err
}

func (p *IdempotentPort) record(ctx context.Context, key string, info models.ShipmentInfo) error {
	return p.ledger.SaveBooking(ctx, &models.ShipmentBooking{
		IdempotencyKey: key,
		Status:         models.BookingStatusBooked,
		TrackingID:     info.TrackingID,
		LabelURL:       info.LabelURL,
		CarrierRef:     info.CarrierRef,
		PickupPointID:  info.PickupPointID,
	})
}

// unavailable tags timeouts so callers treat them as retryable
func unavailable(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrCarrierUnavailable) {
		return fmt.Errorf("%v: %w", err, ErrCarrierUnavailable)
	}
	return err
}
