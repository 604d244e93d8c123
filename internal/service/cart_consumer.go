package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"

	"go.uber.org/zap"
)

// PaymentContext identifies the payment a cart is consumed for
type PaymentContext struct {
	OrderID  string
	BuyerID  string
	ChargeID string
}

// OrderDraft is a consumed cart ready to be persisted as an order
type OrderDraft struct {
	OrderID     string
	CartID      string
	BuyerID     string
	Items       []models.OrderItem
	TotalAmount int64
	Currency    string
}

// CartConsumer turns a cart into order items inside the caller's transaction
type CartConsumer struct {
	listings *ListingStateMachine
	logger   *zap.Logger
}

// NewCartConsumer creates a new CartConsumer
func NewCartConsumer(listings *ListingStateMachine, logger *zap.Logger) *CartConsumer {
	return &CartConsumer{listings: listings, logger: logger}
}

// Consume reserves every listing in the cart, snapshots them and deletes the cart.
// Any error leaves the transaction to be rolled back; nothing is partially consumed.
func (c *CartConsumer) Consume(ctx context.Context, tx store.Tx, cartID string, pc PaymentContext) (*OrderDraft, error) {
	cart, err := tx.GetCartForUpdate(ctx, cartID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("cart %s: %w", cartID, ErrCartNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock cart: %w", err)
	}
	if cart.BuyerID != pc.BuyerID {
		return nil, fmt.Errorf("cart %s belongs to another buyer: %w", cartID, ErrMalformedEvent)
	}
	if len(cart.Items) == 0 {
		return nil, fmt.Errorf("cart %s: %w", cartID, ErrCartEmpty)
	}

	draft := &OrderDraft{
		OrderID: pc.OrderID,
		CartID:  cartID,
		BuyerID: cart.BuyerID,
		Items:   make([]models.OrderItem, 0, len(cart.Items)),
	}
	seen := make(map[string]bool, len(cart.Items))

	for i, item := range cart.Items {
		if seen[item.ListingID] {
			return nil, &CartItemUnavailableError{
				CartID:    cartID,
				Position:  item.Position,
				ListingID: item.ListingID,
				Err:       errors.New("listing appears twice in cart"),
			}
		}
		seen[item.ListingID] = true

		res, err := c.listings.ReserveForSale(ctx, tx, item.ListingID, pc.OrderID)
		if errors.Is(err, ErrListingUnavailable) {
			return nil, &CartItemUnavailableError{
				CartID:    cartID,
				Position:  item.Position,
				ListingID: item.ListingID,
				Err:       err,
			}
		}
		if err != nil {
			return nil, err
		}

		snapshot := c.snapshot(res.Listing, i, item.Quantity)
		snapshot.ProductID = firstNonEmpty(item.ProductID, snapshot.ProductID)

		if draft.Currency == "" {
			draft.Currency = snapshot.Currency
		} else if !strings.EqualFold(draft.Currency, snapshot.Currency) {
			return nil, fmt.Errorf("%w: %s and %s", ErrMixedCurrency, draft.Currency, snapshot.Currency)
		}
		draft.Items = append(draft.Items, snapshot)
	}

	draft.TotalAmount = calculateTotal(draft.Items)

	if err := tx.DeleteCart(ctx, cartID); err != nil {
		return nil, fmt.Errorf("failed to delete cart: %w", err)
	}
	return draft, nil
}

func (c *CartConsumer) snapshot(listing *models.Listing, position, quantity int) models.OrderItem {
	return snapshotItem(listing, position, quantity, c.logger)
}

// snapshotItem captures the listing as sold; later listing edits never reach the order
func snapshotItem(listing *models.Listing, position, quantity int, logger *zap.Logger) models.OrderItem {
	if quantity <= 0 {
		quantity = 1
	}
	details, err := models.DecodeDetails(listing.Kind, listing.Attributes)
	if err != nil {
		logger.Warn("Unreadable listing attributes, storing generic details",
			zap.String("listing_id", listing.ID),
			zap.Error(err),
		)
		details = models.ItemDetails{Details: models.GenericDetails{Category: string(listing.Kind)}}
	}
	return models.OrderItem{
		Position:    position,
		ListingID:   listing.ID,
		SellerID:    listing.SellerID,
		ProductID:   listing.ProductID,
		Title:       listing.Title,
		Quantity:    quantity,
		UnitPrice:   listing.Price,
		Currency:    strings.ToUpper(listing.Currency),
		WeightGrams: listing.WeightGrams,
		Details:     details,
	}
}

// calculateTotal sums price times quantity
func calculateTotal(items []models.OrderItem) int64 {
	var total int64
	for _, item := range items {
		total += item.Subtotal()
	}
	return total
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
