package worker

import (
	"context"
	"errors"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/shipping"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

const sweeperLockKey = "sweeper:shipments"

// ShipmentBooker books the carrier for one committed order
type ShipmentBooker interface {
	BookShipment(ctx context.Context, orderID string) (*models.ShipmentInfo, error)
}

// DueShipments lists orders whose shipment is still unbooked
type DueShipments interface {
	ListShipmentsDue(ctx context.Context, before time.Time, limit int) ([]string, error)
}

// LeaderLock elects a single sweeper across instances
type LeaderLock interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ExtendLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// SweeperConfig tunes the shipment sweeper
type SweeperConfig struct {
	Interval  time.Duration
	Grace     time.Duration
	BatchSize int
}

// ShipmentSweeper retries carrier bookings that were left awaiting or pending
type ShipmentSweeper struct {
	due    DueShipments
	booker ShipmentBooker
	locks  LeaderLock
	cfg    SweeperConfig
	now    func() time.Time
	logger *zap.Logger
}

// NewShipmentSweeper creates a new sweeper. locks may be nil for a single instance.
func NewShipmentSweeper(due DueShipments, booker ShipmentBooker, locks LeaderLock, cfg SweeperConfig) *ShipmentSweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 2 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	return &ShipmentSweeper{
		due:    due,
		booker: booker,
		locks:  locks,
		cfg:    cfg,
		now:    time.Now,
		logger: util.GetLogger(),
	}
}

// Start sweeps on every tick until ctx is done
func (s *ShipmentSweeper) Start(ctx context.Context) {
	s.logger.Info("Starting shipment sweeper", zap.Duration("interval", s.cfg.Interval))
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("Shipment sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce retries one batch of due bookings and returns how many got booked.
// Orders younger than the grace period are left to their own request.
func (s *ShipmentSweeper) SweepOnce(ctx context.Context) (int, error) {
	ttl := 2 * s.cfg.Interval
	var token string
	if s.locks != nil {
		var (
			ok  bool
			err error
		)
		token, ok, err = s.locks.AcquireLock(ctx, sweeperLockKey, ttl)
		if err != nil {
			return 0, err
		}
		if !ok {
			s.logger.Debug("Another instance is sweeping")
			return 0, nil
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := s.locks.ReleaseLock(releaseCtx, sweeperLockKey, token); err != nil {
				s.logger.Warn("Failed to release sweeper lock", zap.Error(err))
			}
		}()
	}

	ids, err := s.due.ListShipmentsDue(ctx, s.now().Add(-s.cfg.Grace), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	booked := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return booked, ctx.Err()
		}
		_, err := s.booker.BookShipment(ctx, id)
		switch {
		case err == nil:
			booked++
		case errors.Is(err, shipping.ErrCarrierUnavailable):
			// still down; stop hammering it until the next tick
			s.logger.Info("Carrier still unavailable, ending sweep", zap.String("order_id", id))
			return booked, nil
		case errors.Is(err, service.ErrShipmentInFlight):
		default:
			s.logger.Warn("Shipment retry failed", zap.String("order_id", id), zap.Error(err))
		}

		if s.locks != nil {
			held, err := s.locks.ExtendLock(ctx, sweeperLockKey, token, ttl)
			if err != nil || !held {
				s.logger.Warn("Lost sweeper lock", zap.Error(err))
				return booked, err
			}
		}
	}

	if len(ids) > 0 {
		s.logger.Info("Shipment sweep finished", zap.Int("due", len(ids)), zap.Int("booked", booked))
	}
	return booked, nil
}
