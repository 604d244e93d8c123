// Package shipping is the boundary to the carrier integration.
package shipping

import (
	"context"
	"errors"

	"fulfillment-service/internal/models"
)

var (
	// ErrCarrierUnavailable means the booking may succeed later; the sale is unaffected
	ErrCarrierUnavailable = errors.New("carrier unavailable")

	// ErrCarrierRejected means the booking request itself is invalid
	ErrCarrierRejected = errors.New("carrier rejected booking")
)

// Parcel describes what is being shipped
type Parcel struct {
	Description   string
	WeightGrams   int
	DeclaredValue int64
	Currency      string
}

// BookingRequest asks the carrier for a label.
// Calls with the same IdempotencyKey must yield a single booking.
type BookingRequest struct {
	IdempotencyKey string
	Recipient      models.Address
	Sender         models.Address
	PickupPointID  string
	Parcel         Parcel
}

// Port creates shipments with a carrier
type Port interface {
	CreateShipment(ctx context.Context, req BookingRequest) (models.ShipmentInfo, error)
}

// BookingFinder is implemented by carriers that can look up a booking by its
// idempotency key. It lets a retry detect a label bought by a call that timed out.
type BookingFinder interface {
	FindShipment(ctx context.Context, idempotencyKey string) (info models.ShipmentInfo, found bool, err error)
}
