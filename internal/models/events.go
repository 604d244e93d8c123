package models

import "time"

// Payment event types consumed by the saga
const (
	EventTypeChargeSucceeded = "charge.succeeded"
	EventTypeChargeFailed    = "charge.failed"
)

// Fulfillment event types written to the outbox
const (
	EventTypeOrderCreated      = "order.created"
	EventTypeOrderCancelled    = "order.cancelled"
	EventTypeShipmentBooked    = "shipment.booked"
	EventTypeShipmentPending   = "shipment.pending"
	EventTypeShipmentFailed    = "shipment.failed"
	EventTypeFulfillmentFailed = "fulfillment.failed"
)

// PaymentMetadata is the metadata bag attached to a charge at checkout
type PaymentMetadata struct {
	BuyerID       string `json:"buyer_id"`
	CartID        string `json:"cart_id,omitempty"`
	ListingID     string `json:"listing_id,omitempty"`
	PickupPointID string `json:"pickup_point_id,omitempty"`
}

// PaymentEvent is a verified payment-provider notification.
// ChargeID is the payment reference: the PaymentIntent id, or the charge id of a
// charge made without an intent.
type PaymentEvent struct {
	Type       string          `json:"type"`
	ChargeID   string          `json:"charge_id"`
	Amount     int64           `json:"amount"`
	Currency   string          `json:"currency"`
	Metadata   PaymentMetadata `json:"metadata"`
	ProviderID string          `json:"provider_event_id,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// IsCartPurchase reports whether the event pays for a whole cart
func (e *PaymentEvent) IsCartPurchase() bool {
	return e.Metadata.CartID != ""
}

// BaseEvent contains common fields for all fulfillment events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// SetBase fills the common fields of an event
func (b *BaseEvent) SetBase(base BaseEvent) {
	*b = base
}

// OrderCreatedEvent published when a paid order is committed
type OrderCreatedEvent struct {
	BaseEvent
	OrderID     string          `json:"order_id"`
	BuyerID     string          `json:"buyer_id"`
	ChargeID    string          `json:"charge_id"`
	TotalAmount int64           `json:"total_amount"`
	Currency    string          `json:"currency"`
	Items       []OrderItemData `json:"items"`
}

// OrderCancelledEvent published when a failed payment cancels a speculative order
type OrderCancelledEvent struct {
	BaseEvent
	OrderID  string `json:"order_id"`
	ChargeID string `json:"charge_id"`
	Reason   string `json:"reason"`
}

// ShipmentEvent published for every booking outcome
type ShipmentEvent struct {
	BaseEvent
	OrderID    string `json:"order_id"`
	TrackingID string `json:"tracking_id,omitempty"`
	LabelURL   string `json:"label_url,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// FulfillmentFailedEvent asks downstream refund handling to compensate a paid charge
type FulfillmentFailedEvent struct {
	BaseEvent
	ChargeID  string `json:"charge_id"`
	BuyerID   string `json:"buyer_id"`
	Reason    string `json:"reason"`
	ListingID string `json:"listing_id,omitempty"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ListingID string `json:"listing_id"`
	SellerID  string `json:"seller_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}
