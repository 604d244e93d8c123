package models

import (
	"time"
)

// ListingStatus is the catalog-facing state of a listing
type ListingStatus string

const (
	ListingStatusActive   ListingStatus = "active"
	ListingStatusSold     ListingStatus = "sold"
	ListingStatusArchived ListingStatus = "archived"
	ListingStatusRejected ListingStatus = "rejected"
)

// TransactionStatus is the sale-facing state of a listing
type TransactionStatus string

const (
	TxStatusAvailable       TransactionStatus = "available"
	TxStatusPendingPayment  TransactionStatus = "pending_payment"
	TxStatusPendingShipment TransactionStatus = "pending_shipment"
	TxStatusShipped         TransactionStatus = "shipped"
	TxStatusDelivered       TransactionStatus = "delivered"
	TxStatusCancelled       TransactionStatus = "cancelled"
)

// Listing represents a seller's sellable instance of a product
type Listing struct {
	ID                string            `db:"id" json:"id"`
	SellerID          string            `db:"seller_id" json:"seller_id"`
	ProductID         string            `db:"product_id" json:"product_id"`
	Title             string            `db:"title" json:"title"`
	Kind              ListingKind       `db:"kind" json:"kind"`
	Attributes        []byte            `db:"attributes" json:"attributes,omitempty"`
	Price             int64             `db:"price" json:"price"`
	Currency          string            `db:"currency" json:"currency"`
	WeightGrams       int               `db:"weight_grams" json:"weight_grams"`
	ListingStatus     ListingStatus     `db:"listing_status" json:"listing_status"`
	TransactionStatus TransactionStatus `db:"transaction_status" json:"transaction_status"`
	OrderID           *string           `db:"order_id" json:"order_id,omitempty"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`
}

// HeldBy reports whether the listing is owned by the given order
func (l *Listing) HeldBy(orderID string) bool {
	return l.OrderID != nil && *l.OrderID == orderID
}

// Cart is a buyer's basket
type Cart struct {
	ID        string     `db:"id" json:"id"`
	BuyerID   string     `db:"buyer_id" json:"buyer_id"`
	Items     []CartItem `db:"-" json:"items"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// CartItem is one line of a cart
type CartItem struct {
	CartID    string `db:"cart_id" json:"cart_id"`
	Position  int    `db:"position" json:"position"`
	ListingID string `db:"listing_id" json:"listing_id"`
	ProductID string `db:"product_id" json:"product_id"`
	Quantity  int    `db:"quantity" json:"quantity"`
}

// OrderKind tells which purchase path created the order
type OrderKind string

const (
	OrderKindListing OrderKind = "listing"
	OrderKindCart    OrderKind = "cart"
)

// OrderStatus values
type OrderStatus string

const (
	OrderStatusPendingPayment    OrderStatus = "pending_payment"
	OrderStatusProcessing        OrderStatus = "processing"
	OrderStatusShippedToCarrier  OrderStatus = "shipped_to_carrier"
	OrderStatusAtPickupPoint     OrderStatus = "at_pickup_point"
	OrderStatusCollected         OrderStatus = "collected"
	OrderStatusCancelledByUser   OrderStatus = "cancelled_by_user"
	OrderStatusCancelledBySystem OrderStatus = "cancelled_by_system"
	OrderStatusRefundPending     OrderStatus = "refund_pending"
	OrderStatusRefunded          OrderStatus = "refunded"
)

// PaymentStatus values
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// ShipmentState tracks the post-commit carrier booking.
// awaiting: order committed, carrier not called yet.
// pending: carrier unavailable, left for the sweeper.
type ShipmentState string

const (
	ShipmentStateAwaiting ShipmentState = "awaiting"
	ShipmentStatePending  ShipmentState = "pending"
	ShipmentStateBooked   ShipmentState = "booked"
	ShipmentStateFailed   ShipmentState = "failed"
)

// Order represents a buyer's purchase
type Order struct {
	ID                string        `db:"id" json:"id"`
	Kind              OrderKind     `db:"kind" json:"kind"`
	BuyerID           string        `db:"buyer_id" json:"buyer_id"`
	TotalAmount       int64         `db:"total_amount" json:"total_amount"`
	Currency          string        `db:"currency" json:"currency"`
	Status            OrderStatus   `db:"status" json:"status"`
	PaymentReference  string        `db:"payment_reference" json:"payment_reference"`
	PaymentStatus     PaymentStatus `db:"payment_status" json:"payment_status"`
	PickupPointID     string        `db:"pickup_point_id" json:"pickup_point_id,omitempty"`
	ShipmentState     ShipmentState `db:"shipment_state" json:"shipment_state"`
	ShipmentError     string        `db:"shipment_error" json:"shipment_error,omitempty"`
	CarrierBookingRef string        `db:"carrier_booking_ref" json:"carrier_booking_ref,omitempty"`
	TrackingID        string        `db:"tracking_id" json:"tracking_id,omitempty"`
	LabelURL          string        `db:"label_url" json:"label_url,omitempty"`
	CreatedAt         time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time     `db:"updated_at" json:"updated_at"`

	Items []OrderItem `db:"-" json:"items"`
}

// Shipment returns the attached shipment, if one was booked
func (o *Order) Shipment() *ShipmentInfo {
	if o.ShipmentState != ShipmentStateBooked {
		return nil
	}
	return &ShipmentInfo{
		TrackingID:    o.TrackingID,
		LabelURL:      o.LabelURL,
		PickupPointID: o.PickupPointID,
		CarrierRef:    o.CarrierBookingRef,
	}
}

// OrderItem is an immutable snapshot of a listing at purchase time
type OrderItem struct {
	OrderID     string      `db:"order_id" json:"order_id"`
	Position    int         `db:"position" json:"position"`
	ListingID   string      `db:"listing_id" json:"listing_id"`
	SellerID    string      `db:"seller_id" json:"seller_id"`
	ProductID   string      `db:"product_id" json:"product_id"`
	Title       string      `db:"title" json:"title"`
	Quantity    int         `db:"quantity" json:"quantity"`
	UnitPrice   int64       `db:"unit_price" json:"unit_price"`
	Currency    string      `db:"currency" json:"currency"`
	WeightGrams int         `db:"weight_grams" json:"weight_grams"`
	Details     ItemDetails `db:"details" json:"details"`
}

// Subtotal is price times quantity
func (i OrderItem) Subtotal() int64 {
	return i.UnitPrice * int64(i.Quantity)
}

// ShipmentInfo is the carrier booking attached to an order
type ShipmentInfo struct {
	TrackingID    string `json:"tracking_id"`
	LabelURL      string `json:"label_url"`
	PickupPointID string `json:"pickup_point_id,omitempty"`
	CarrierRef    string `json:"carrier_ref,omitempty"`
}

// Address is a postal address used for shipment bookings
type Address struct {
	UserID     string `db:"user_id" json:"-"`
	Name       string `db:"name" json:"name"`
	Street1    string `db:"street1" json:"street1"`
	Street2    string `db:"street2" json:"street2,omitempty"`
	City       string `db:"city" json:"city"`
	PostalCode string `db:"postal_code" json:"postal_code"`
	Country    string `db:"country" json:"country"`
	Phone      string `db:"phone" json:"phone,omitempty"`
	Email      string `db:"email" json:"email,omitempty"`
}

// BookingStatus tracks a ledger row from the first carrier call to a bought label
type BookingStatus string

const (
	// BookingStatusInFlight is written before the carrier is called; the label may or may not exist
	BookingStatusInFlight BookingStatus = "in_flight"
	BookingStatusBooked   BookingStatus = "booked"
)

// ShipmentBooking is a ledger row keyed by the booking idempotency key
type ShipmentBooking struct {
	IdempotencyKey string        `db:"idempotency_key"`
	Status         BookingStatus `db:"status"`
	TrackingID     string        `db:"tracking_id"`
	LabelURL       string        `db:"label_url"`
	CarrierRef     string        `db:"carrier_ref"`
	PickupPointID  string        `db:"pickup_point_id"`
	CreatedAt      time.Time     `db:"created_at"`
}

// Info returns the shipment a booked row describes
func (b *ShipmentBooking) Info() ShipmentInfo {
	return ShipmentInfo{
		TrackingID:    b.TrackingID,
		LabelURL:      b.LabelURL,
		PickupPointID: b.PickupPointID,
		CarrierRef:    b.CarrierRef,
	}
}

// FulfillmentFailure is the durable trail left when a paid charge could not be fulfilled
type FulfillmentFailure struct {
	ChargeID  string    `db:"charge_id" json:"charge_id"`
	BuyerID   string    `db:"buyer_id" json:"buyer_id"`
	Reason    string    `db:"reason" json:"reason"`
	ListingID string    `db:"listing_id" json:"listing_id,omitempty"`
	Amount    int64     `db:"amount" json:"amount"`
	Currency  string    `db:"currency" json:"currency"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

// OutboxEvent is a domain event written in the same transaction as the state it describes
type OutboxEvent struct {
	ID          string    `db:"id" json:"id"`
	AggregateID string    `db:"aggregate_id" json:"aggregate_id"`
	EventType   string    `db:"event_type" json:"event_type"`
	Payload     []byte    `db:"payload" json:"payload"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}
