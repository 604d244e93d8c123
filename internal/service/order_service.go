package service

import (
	"context"
	"errors"
	"fmt"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// OrderService is the read side of fulfilled orders plus the manual shipment retry
type OrderService struct {
	repo   store.Repository
	saga   *SagaOrchestrator
	logger *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(repo store.Repository, saga *SagaOrchestrator) *OrderService {
	return &OrderService{
		repo:   repo,
		saga:   saga,
		logger: util.GetLogger(),
	}
}

// GetOrder retrieves an order with its item snapshots
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()

	order, err := s.repo.GetOrderByID(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrOrderNotFound)
	}
	if err != nil {
		return nil, err
	}
	return order, nil
}

// GetOrderForCharge looks up the order a charge paid for
func (s *OrderService) GetOrderForCharge(ctx context.Context, chargeID string) (*models.Order, error) {
	return s.GetOrder(ctx, OrderIDForCharge(chargeID))
}

// RetryShipment books the carrier again for an order left in pending or failed.
// A booked order returns its existing shipment.
func (s *OrderService) RetryShipment(ctx context.Context, orderID string) (*models.ShipmentInfo, error) {
	info, err := s.saga.BookShipment(ctx, orderID)
	if err != nil {
		s.logger.Warn("Manual shipment retry failed",
			zap.String("order_id", orderID),
			zap.Error(err))
		return nil, err
	}
	s.logger.Info("Manual shipment retry succeeded",
		zap.String("order_id", orderID),
		zap.String("tracking_id", info.TrackingID))
	return info, nil
}
