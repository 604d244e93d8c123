package store

import (
	"context"
	"errors"
	"time"

	"fulfillment-service/internal/models"

	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a transient write conflict; the unit of work may succeed if retried
	ErrConflict = errors.New("transient storage conflict")
)

// Tx is the unit-of-work handle passed to transactional code.
// Reads with a ForUpdate suffix lock the row until Commit or Rollback.
type Tx interface {
	GetListingForUpdate(ctx context.Context, id string) (*models.Listing, error)
	UpdateListingState(ctx context.Context, listing *models.Listing) error
	ListListingsByOrder(ctx context.Context, orderID string) ([]models.Listing, error)

	GetCartForUpdate(ctx context.Context, id string) (*models.Cart, error)
	DeleteCart(ctx context.Context, id string) error

	GetOrderForUpdate(ctx context.Context, id string) (*models.Order, error)
	GetOrderByPaymentReference(ctx context.Context, ref string) (*models.Order, error)
	CreateOrder(ctx context.Context, order *models.Order) error
	ReplaceOrderItems(ctx context.Context, order *models.Order) error
	UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus, payment models.PaymentStatus) error
	UpdateShipmentState(ctx context.Context, orderID string, state models.ShipmentState, reason string) error
	AttachShipment(ctx context.Context, orderID string, info models.ShipmentInfo) error

	IsEventProcessed(ctx context.Context, eventID, eventType string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
	RecordFulfillmentFailure(ctx context.Context, failure *models.FulfillmentFailure) error

	EnqueueOutbox(ctx context.Context, event *models.OutboxEvent) error
	ClaimOutbox(ctx context.Context, limit int) ([]models.OutboxEvent, error)
	DeleteOutbox(ctx context.Context, id string) error

	Commit() error
	Rollback() error
}

// Beginner opens units of work
type Beginner interface {
	BeginTx(ctx context.Context) (Tx, error)
}

// Repository is everything the saga needs from storage
type Repository interface {
	Beginner

	GetListing(ctx context.Context, id string) (*models.Listing, error)
	GetCart(ctx context.Context, id string) (*models.Cart, error)
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	IsEventProcessed(ctx context.Context, eventID, eventType string) (bool, error)
	GetShippingAddress(ctx context.Context, userID string) (*models.Address, error)
	ListShipmentsDue(ctx context.Context, before time.Time, limit int) ([]string, error)

	GetBooking(ctx context.Context, key string) (*models.ShipmentBooking, error)
	SaveBooking(ctx context.Context, booking *models.ShipmentBooking) error
}

// postgres SQLSTATE codes that mean "try again"
var transientCodes = map[pq.ErrorCode]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"23505": true, // unique_violation: a concurrent writer got there first
}

// IsTransient reports whether err is a storage conflict worth retrying
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConflict) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return transientCodes[pqErr.Code]
	}
	return false
}
