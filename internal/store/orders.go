package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const orderColumns = `id, kind, buyer_id, total_amount, currency, status, payment_reference,
	payment_status, pickup_point_id, shipment_state, shipment_error, carrier_booking_ref,
	tracking_id, label_url, created_at, updated_at`

// createOrder inserts the order row and its item snapshots
func createOrder(ctx context.Context, q sqlx.ExtContext, order *models.Order) error {
	query := `
		INSERT INTO orders (id, kind, buyer_id, total_amount, currency, status,
			payment_reference, payment_status, pickup_point_id, shipment_state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`

	row := q.QueryRowxContext(ctx, query,
		order.ID, order.Kind, order.BuyerID, order.TotalAmount, order.Currency, order.Status,
		order.PaymentReference, order.PaymentStatus, order.PickupPointID, order.ShipmentState)
	if err := row.Scan(&order.CreatedAt, &order.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return insertOrderItems(ctx, q, order)
}

// replaceOrderItems swaps the item snapshots and total of an existing order
func replaceOrderItems(ctx context.Context, e sqlx.ExecerContext, order *models.Order) error {
	res, err := e.ExecContext(ctx,
		"UPDATE orders SET total_amount = $1, currency = $2, updated_at = NOW() WHERE id = $3",
		order.TotalAmount, order.Currency, order.ID)
	if err != nil {
		return fmt.Errorf("failed to update order total: %w", err)
	}
	if err := expectOneRow(res, "order", order.ID); err != nil {
		return err
	}
	if _, err := e.ExecContext(ctx, "DELETE FROM order_items WHERE order_id = $1", order.ID); err != nil {
		return fmt.Errorf("failed to delete order items: %w", err)
	}
	return insertOrderItems(ctx, e, order)
}

func insertOrderItems(ctx context.Context, e sqlx.ExecerContext, order *models.Order) error {
	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		_, err := e.ExecContext(ctx, `
			INSERT INTO order_items (order_id, position, listing_id, seller_id, product_id,
				title, quantity, unit_price, currency, weight_grams, details)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			item.OrderID, item.Position, item.ListingID, item.SellerID, item.ProductID,
			item.Title, item.Quantity, item.UnitPrice, item.Currency, item.WeightGrams, item.Details)
		if err != nil {
			return fmt.Errorf("failed to insert order item %d: %w", item.Position, err)
		}
	}
	return nil
}

// getOrder loads an order by a unique column together with its items
func getOrder(ctx context.Context, q sqlx.QueryerContext, column, value string, forUpdate bool) (*models.Order, error) {
	query := "SELECT " + orderColumns + " FROM orders WHERE " + column + " = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}

	var order models.Order
	err := sqlx.GetContext(ctx, q, &order, query, value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s=%s: %w", column, value, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	err = sqlx.SelectContext(ctx, q, &order.Items, `
		SELECT order_id, position, listing_id, seller_id, product_id, title, quantity,
			unit_price, currency, weight_grams, details
		FROM order_items WHERE order_id = $1 ORDER BY position`, order.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}
	return &order, nil
}

// updateOrderStatus updates order and payment status
func updateOrderStatus(ctx context.Context, e sqlx.ExecerContext, orderID string, status models.OrderStatus, payment models.PaymentStatus) error {
	res, err := e.ExecContext(ctx,
		"UPDATE orders SET status = $1, payment_status = $2, updated_at = NOW() WHERE id = $3",
		status, payment, orderID)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	return expectOneRow(res, "order", orderID)
}

// updateShipmentState records a booking outcome that did not produce a shipment
func updateShipmentState(ctx context.Context, e sqlx.ExecerContext, orderID string, state models.ShipmentState, reason string) error {
	res, err := e.ExecContext(ctx,
		"UPDATE orders SET shipment_state = $1, shipment_error = $2, updated_at = NOW() WHERE id = $3",
		state, reason, orderID)
	if err != nil {
		return fmt.Errorf("failed to update shipment state: %w", err)
	}
	return expectOneRow(res, "order", orderID)
}

// attachShipment stores the booking and advances the order to shipped_to_carrier
func attachShipment(ctx context.Context, e sqlx.ExecerContext, orderID string, info models.ShipmentInfo) error {
	res, err := e.ExecContext(ctx, `
		UPDATE orders
		SET shipment_state = $1, shipment_error = '', status = $2,
			tracking_id = $3, label_url = $4, carrier_booking_ref = $5, updated_at = NOW()
		WHERE id = $6`,
		models.ShipmentStateBooked, models.OrderStatusShippedToCarrier,
		info.TrackingID, info.LabelURL, info.CarrierRef, orderID)
	if err != nil {
		return fmt.Errorf("failed to attach shipment: %w", err)
	}
	return expectOneRow(res, "order", orderID)
}

// isEventProcessed checks if an event has been processed
func isEventProcessed(ctx context.Context, q sqlx.QueryerContext, eventID, eventType string) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, q, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1 AND event_type = $2)",
		eventID, eventType)
	return exists, err
}

// markEventProcessed marks an event as processed
func markEventProcessed(ctx context.Context, e sqlx.ExecerContext, eventID, eventType string) error {
	_, err := e.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id, event_type) DO NOTHING",
		eventID, eventType)
	return err
}

func recordFulfillmentFailure(ctx context.Context, e sqlx.ExecerContext, f *models.FulfillmentFailure) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO fulfillment_failures (charge_id, buyer_id, reason, listing_id, amount, currency)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (charge_id) DO NOTHING`,
		f.ChargeID, f.BuyerID, f.Reason, f.ListingID, f.Amount, f.Currency)
	if err != nil {
		return fmt.Errorf("failed to record fulfillment failure: %w", err)
	}
	return nil
}
