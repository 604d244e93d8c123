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

// transitions lists the legal moves of a listing's transaction status
var transitions = map[models.TransactionStatus][]models.TransactionStatus{
	models.TxStatusAvailable:       {models.TxStatusPendingPayment, models.TxStatusPendingShipment, models.TxStatusCancelled},
	models.TxStatusPendingPayment:  {models.TxStatusPendingShipment, models.TxStatusAvailable, models.TxStatusCancelled},
	models.TxStatusPendingShipment: {models.TxStatusShipped, models.TxStatusAvailable, models.TxStatusCancelled},
	models.TxStatusShipped:         {models.TxStatusDelivered, models.TxStatusCancelled},
	models.TxStatusDelivered:       nil,
	models.TxStatusCancelled:       nil,
}

// CanTransition reports whether a listing may move from one transaction status to another
func CanTransition(from, to models.TransactionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ReservationOutcome tells the caller what ReserveForSale did
type ReservationOutcome string

const (
	// Reserved: the listing was available and now belongs to the order
	Reserved ReservationOutcome = "reserved"
	// Promoted: the order's payment hold became a sale
	Promoted ReservationOutcome = "promoted"
	// AlreadyHeld: the order already owned the sold listing; nothing changed
	AlreadyHeld ReservationOutcome = "already_held"
)

// Reservation is the result of ReserveForSale
type Reservation struct {
	Listing *models.Listing
	Prior   models.TransactionStatus
	Outcome ReservationOutcome
}

// ListingStateMachine guards every listing transition made by the saga.
// All methods run inside the caller's transaction and lock the listing row.
type ListingStateMachine struct {
	logger *zap.Logger
}

// NewListingStateMachine creates a new ListingStateMachine
func NewListingStateMachine(logger *zap.Logger) *ListingStateMachine {
	return &ListingStateMachine{logger: logger}
}

func (m *ListingStateMachine) load(ctx context.Context, tx store.Tx, listingID string) (*models.Listing, error) {
	listing, err := tx.GetListingForUpdate(ctx, listingID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &ListingUnavailableError{ListingID: listingID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock listing %s: %w", listingID, err)
	}
	return listing, nil
}

// ReserveForSale moves the listing to pending_shipment on behalf of orderID.
// Redelivery for the same order is a no-op; any other owner is a conflict.
func (m *ListingStateMachine) ReserveForSale(ctx context.Context, tx store.Tx, listingID, orderID string) (*Reservation, error) {
	listing, err := m.load(ctx, tx, listingID)
	if err != nil {
		util.ListingReservationsTotal.WithLabelValues("unavailable").Inc()
		return nil, err
	}
	prior := listing.TransactionStatus

	var outcome ReservationOutcome
	switch {
	case prior == models.TxStatusAvailable && listing.ListingStatus == models.ListingStatusActive:
		outcome = Reserved
	case listing.HeldBy(orderID) && prior == models.TxStatusPendingPayment:
		outcome = Promoted
	case listing.HeldBy(orderID) && prior != models.TxStatusCancelled:
		util.ListingReservationsTotal.WithLabelValues(string(AlreadyHeld)).Inc()
		return &Reservation{Listing: listing, Prior: prior, Outcome: AlreadyHeld}, nil
	default:
		util.ListingReservationsTotal.WithLabelValues("unavailable").Inc()
		m.logger.Info("Listing not available for sale",
			zap.String("listing_id", listingID),
			zap.String("order_id", orderID),
			zap.String("transaction_status", string(prior)),
			zap.String("listing_status", string(listing.ListingStatus)),
		)
		return nil, &ListingUnavailableError{
			ListingID:         listingID,
			ListingStatus:     listing.ListingStatus,
			TransactionStatus: prior,
		}
	}

	listing.TransactionStatus = models.TxStatusPendingShipment
	listing.ListingStatus = models.ListingStatusSold
	listing.OrderID = &orderID
	if err := tx.UpdateListingState(ctx, listing); err != nil {
		return nil, err
	}

	util.ListingReservationsTotal.WithLabelValues(string(outcome)).Inc()
	return &Reservation{Listing: listing, Prior: prior, Outcome: outcome}, nil
}

// HoldForPayment parks an available listing in pending_payment for a checkout in progress
func (m *ListingStateMachine) HoldForPayment(ctx context.Context, tx store.Tx, listingID, orderID string) (*Reservation, error) {
	listing, err := m.load(ctx, tx, listingID)
	if err != nil {
		return nil, err
	}
	prior := listing.TransactionStatus

	if listing.HeldBy(orderID) && prior == models.TxStatusPendingPayment {
		return &Reservation{Listing: listing, Prior: prior, Outcome: AlreadyHeld}, nil
	}
	if prior != models.TxStatusAvailable || listing.ListingStatus != models.ListingStatusActive {
		return nil, &ListingUnavailableError{
			ListingID:         listingID,
			ListingStatus:     listing.ListingStatus,
			TransactionStatus: prior,
		}
	}

	listing.TransactionStatus = models.TxStatusPendingPayment
	listing.OrderID = &orderID
	if err := tx.UpdateListingState(ctx, listing); err != nil {
		return nil, err
	}
	return &Reservation{Listing: listing, Prior: prior, Outcome: Reserved}, nil
}

// Release hands a listing held by orderID back to the catalog.
// Listings owned by other orders are left alone.
func (m *ListingStateMachine) Release(ctx context.Context, tx store.Tx, listingID, orderID string) error {
	listing, err := tx.GetListingForUpdate(ctx, listingID)
	if err != nil {
		return fmt.Errorf("failed to lock listing %s: %w", listingID, err)
	}
	if !listing.HeldBy(orderID) {
		m.logger.Warn("Listing not held by order, not releasing",
			zap.String("listing_id", listingID),
			zap.String("order_id", orderID),
		)
		return nil
	}
	if !CanTransition(listing.TransactionStatus, models.TxStatusAvailable) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, listing.TransactionStatus, models.TxStatusAvailable)
	}

	listing.TransactionStatus = models.TxStatusAvailable
	listing.ListingStatus = models.ListingStatusActive
	listing.OrderID = nil
	return tx.UpdateListingState(ctx, listing)
}
