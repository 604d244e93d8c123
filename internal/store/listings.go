package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const listingColumns = `id, seller_id, product_id, title, kind, attributes, price, currency,
	weight_grams, listing_status, transaction_status, order_id, updated_at`

func getListing(ctx context.Context, q sqlx.QueryerContext, id string, forUpdate bool) (*models.Listing, error) {
	query := "SELECT " + listingColumns + " FROM listings WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}

	var listing models.Listing
	err := sqlx.GetContext(ctx, q, &listing, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &listing, nil
}

func updateListingState(ctx context.Context, e sqlx.ExecerContext, listing *models.Listing) error {
	res, err := e.ExecContext(ctx,
		`UPDATE listings
		 SET listing_status = $1, transaction_status = $2, order_id = $3, updated_at = NOW()
		 WHERE id = $4`,
		listing.ListingStatus, listing.TransactionStatus, listing.OrderID, listing.ID)
	if err != nil {
		return fmt.Errorf("failed to update listing %s: %w", listing.ID, err)
	}
	return expectOneRow(res, "listing", listing.ID)
}

func listListingsByOrder(ctx context.Context, q sqlx.QueryerContext, orderID string) ([]models.Listing, error) {
	var listings []models.Listing
	err := sqlx.SelectContext(ctx, q, &listings,
		"SELECT "+listingColumns+" FROM listings WHERE order_id = $1 ORDER BY id FOR UPDATE", orderID)
	return listings, err
}

func expectOneRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
	}
	return nil
}
