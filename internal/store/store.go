package store

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStoreFromDB wraps an existing connection
func NewStoreFromDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// BeginTx opens a unit of work
func (s *Store) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &sqlTx{tx: tx}, nil
}

// sqlTx implements Tx on top of a sqlx transaction
type sqlTx struct {
	tx *sqlx.Tx
}

func (t *sqlTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqlTx) Rollback() error {
	return t.tx.Rollback()
}

func (t *sqlTx) GetListingForUpdate(ctx context.Context, id string) (*models.Listing, error) {
	return getListing(ctx, t.tx, id, true)
}

func (t *sqlTx) UpdateListingState(ctx context.Context, listing *models.Listing) error {
	return updateListingState(ctx, t.tx, listing)
}

func (t *sqlTx) GetCartForUpdate(ctx context.Context, id string) (*models.Cart, error) {
	return getCart(ctx, t.tx, id, true)
}

func (t *sqlTx) DeleteCart(ctx context.Context, id string) error {
	return deleteCart(ctx, t.tx, id)
}

func (t *sqlTx) GetOrderForUpdate(ctx context.Context, id string) (*models.Order, error) {
	return getOrder(ctx, t.tx, "id", id, true)
}

func (t *sqlTx) GetOrderByPaymentReference(ctx context.Context, ref string) (*models.Order, error) {
	return getOrder(ctx, t.tx, "payment_reference", ref, true)
}

func (t *sqlTx) CreateOrder(ctx context.Context, order *models.Order) error {
	return createOrder(ctx, t.tx, order)
}

func (t *sqlTx) ReplaceOrderItems(ctx context.Context, order *models.Order) error {
	return replaceOrderItems(ctx, t.tx, order)
}

func (t *sqlTx) UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus, payment models.PaymentStatus) error {
	return updateOrderStatus(ctx, t.tx, orderID, status, payment)
}

func (t *sqlTx) ListListingsByOrder(ctx context.Context, orderID string) ([]models.Listing, error) {
	return listListingsByOrder(ctx, t.tx, orderID)
}

func (t *sqlTx) UpdateShipmentState(ctx context.Context, orderID string, state models.ShipmentState, reason string) error {
	return updateShipmentState(ctx, t.tx, orderID, state, reason)
}

func (t *sqlTx) AttachShipment(ctx context.Context, orderID string, info models.ShipmentInfo) error {
	return attachShipment(ctx, t.tx, orderID, info)
}

func (t *sqlTx) IsEventProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	return isEventProcessed(ctx, t.tx, eventID, eventType)
}

func (t *sqlTx) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	return markEventProcessed(ctx, t.tx, eventID, eventType)
}

func (t *sqlTx) RecordFulfillmentFailure(ctx context.Context, failure *models.FulfillmentFailure) error {
	return recordFulfillmentFailure(ctx, t.tx, failure)
}

func (t *sqlTx) EnqueueOutbox(ctx context.Context, event *models.OutboxEvent) error {
	return enqueueOutbox(ctx, t.tx, event)
}

func (t *sqlTx) ClaimOutbox(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	return claimOutbox(ctx, t.tx, limit)
}

func (t *sqlTx) DeleteOutbox(ctx context.Context, id string) error {
	return deleteOutbox(ctx, t.tx, id)
}

// GetListing reads a listing without locking it
func (s *Store) GetListing(ctx context.Context, id string) (*models.Listing, error) {
	return getListing(ctx, s.db, id, false)
}

// GetCart reads a cart with its items
func (s *Store) GetCart(ctx context.Context, id string) (*models.Cart, error) {
	return getCart(ctx, s.db, id, false)
}

// GetOrderByID retrieves an order with its items
func (s *Store) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	return getOrder(ctx, s.db, "id", id, false)
}

// IsEventProcessed checks the durable dedupe marker
func (s *Store) IsEventProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	return isEventProcessed(ctx, s.db, eventID, eventType)
}
