package service

import (
	"errors"
	"fmt"

	"fulfillment-service/internal/models"
)

var (
	// ErrMalformedEvent marks an event that can never be processed; it is dead-lettered
	ErrMalformedEvent = errors.New("malformed payment event")

	// ErrEventInFlight means another worker holds the lock for the same charge
	ErrEventInFlight = errors.New("payment event already in flight")

	ErrListingUnavailable  = errors.New("listing unavailable")
	ErrCartItemUnavailable = errors.New("cart item unavailable")
	ErrCartNotFound        = errors.New("cart not found")
	ErrCartEmpty           = errors.New("cart is empty")
	ErrMixedCurrency       = errors.New("cart items use different currencies")

	ErrInvalidTransition = errors.New("invalid listing transition")
	ErrOrderNotFound     = errors.New("order not found")
	ErrNotShippable      = errors.New("order cannot be shipped")
	ErrShipmentInFlight  = errors.New("shipment booking already in flight")
)

// ListingUnavailableError reports the state a listing was found in when it could not be reserved
type ListingUnavailableError struct {
	ListingID         string
	ListingStatus     models.ListingStatus
	TransactionStatus models.TransactionStatus
}

func (e *ListingUnavailableError) Error() string {
	if e.TransactionStatus == "" {
		return fmt.Sprintf("listing %s does not exist", e.ListingID)
	}
	return fmt.Sprintf("listing %s is %s/%s", e.ListingID, e.ListingStatus, e.TransactionStatus)
}

func (e *ListingUnavailableError) Is(target error) bool {
	return target == ErrListingUnavailable
}

// CartItemUnavailableError names the cart item that stopped consumption
type CartItemUnavailableError struct {
	CartID    string
	Position  int
	ListingID string
	Err       error
}

func (e *CartItemUnavailableError) Error() string {
	return fmt.Sprintf("cart %s item %d (listing %s) unavailable: %v", e.CartID, e.Position, e.ListingID, e.Err)
}

func (e *CartItemUnavailableError) Is(target error) bool {
	return target == ErrCartItemUnavailable
}

func (e *CartItemUnavailableError) Unwrap() error {
	return e.Err
}

// IsBusinessConflict reports whether err means the sale cannot happen no matter how often it is retried
func IsBusinessConflict(err error) bool {
	return failureReason(err) != ""
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrCartItemUnavailable):
		return "cart_item_unavailable"
	case errors.Is(err, ErrListingUnavailable):
		return "listing_unavailable"
	case errors.Is(err, ErrCartNotFound):
		return "cart_not_found"
	case errors.Is(err, ErrCartEmpty):
		return "cart_empty"
	case errors.Is(err, ErrMixedCurrency):
		return "mixed_currency"
	default:
		return ""
	}
}
