package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
)

// GetShippingAddress returns the default shipping address of a user
func (s *Store) GetShippingAddress(ctx context.Context, userID string) (*models.Address, error) {
	var addr models.Address
	err := s.db.GetContext(ctx, &addr, `
		SELECT user_id, name, street1, street2, city, postal_code, country, phone, email
		FROM shipping_addresses WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("address for %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &addr, nil
}

// ListShipmentsDue returns ids of orders still waiting for a carrier booking
func (s *Store) ListShipmentsDue(ctx context.Context, before time.Time, limit int) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM orders
		WHERE status = $1 AND shipment_state IN ($2, $3) AND updated_at < $4
		ORDER BY updated_at
		LIMIT $5`,
		models.OrderStatusProcessing, models.ShipmentStateAwaiting, models.ShipmentStatePending, before, limit)
	return ids, err
}

// GetBooking looks up a carrier booking by idempotency key
func (s *Store) GetBooking(ctx context.Context, key string) (*models.ShipmentBooking, error) {
	var b models.ShipmentBooking
	err := s.db.GetContext(ctx, &b, `
		SELECT idempotency_key, status, tracking_id, label_url, carrier_ref, pickup_point_id, created_at
		FROM shipment_bookings WHERE idempotency_key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("booking %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// SaveBooking records a carrier booking. A booked row is final; an in-flight row
// may be replaced by its outcome.
func (s *Store) SaveBooking(ctx context.Context, b *models.ShipmentBooking) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shipment_bookings (idempotency_key, status, tracking_id, label_url, carrier_ref, pickup_point_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			status = EXCLUDED.status,
			tracking_id = EXCLUDED.tracking_id,
			label_url = EXCLUDED.label_url,
			carrier_ref = EXCLUDED.carrier_ref,
			pickup_point_id = EXCLUDED.pickup_point_id
		WHERE shipment_bookings.status = $7`,
		b.IdempotencyKey, bookingStatus(b), b.TrackingID, b.LabelURL, b.CarrierRef, b.PickupPointID,
		models.BookingStatusInFlight)
	if err != nil {
		return fmt.Errorf("failed to save booking: %w", err)
	}
	return nil
}

func bookingStatus(b *models.ShipmentBooking) models.BookingStatus {
	if b.Status == "" {
		return models.BookingStatusBooked
	}
	return b.Status
}
