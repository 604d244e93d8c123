package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

func getCart(ctx context.Context, q sqlx.QueryerContext, id string, forUpdate bool) (*models.Cart, error) {
	query := "SELECT id, buyer_id, created_at FROM carts WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}

	var cart models.Cart
	err := sqlx.GetContext(ctx, q, &cart, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cart %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	err = sqlx.SelectContext(ctx, q, &cart.Items,
		`SELECT cart_id, position, listing_id, product_id, quantity
		 FROM cart_items WHERE cart_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load cart items: %w", err)
	}
	return &cart, nil
}

func deleteCart(ctx context.Context, e sqlx.ExecerContext, id string) error {
	if _, err := e.ExecContext(ctx, "DELETE FROM cart_items WHERE cart_id = $1", id); err != nil {
		return fmt.Errorf("failed to delete cart items: %w", err)
	}
	res, err := e.ExecContext(ctx, "DELETE FROM carts WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete cart: %w", err)
	}
	return expectOneRow(res, "cart", id)
}
