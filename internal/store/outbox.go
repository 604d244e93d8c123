package store

import (
	"context"
	"fmt"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

func enqueueOutbox(ctx context.Context, e sqlx.ExecerContext, event *models.OutboxEvent) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO outbox (id, aggregate_id, event_type, payload)
		VALUES ($1, $2, $3, $4)`,
		event.ID, event.AggregateID, event.EventType, event.Payload)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

// claimOutbox locks the oldest pending events; rows locked by another relay are skipped
func claimOutbox(ctx context.Context, q sqlx.QueryerContext, limit int) ([]models.OutboxEvent, error) {
	var events []models.OutboxEvent
	err := sqlx.SelectContext(ctx, q, &events, `
		SELECT id, aggregate_id, event_type, payload, created_at
		FROM outbox
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch outbox events: %w", err)
	}
	return events, nil
}

func deleteOutbox(ctx context.Context, e sqlx.ExecerContext, id string) error {
	_, err := e.ExecContext(ctx, "DELETE FROM outbox WHERE id = $1", id)
	return err
}
