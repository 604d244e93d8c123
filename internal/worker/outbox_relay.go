package worker

import (
	"context"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/txn"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// Publisher delivers outbox events to the message broker
type Publisher interface {
	Publish(ctx context.Context, event models.OutboxEvent) error
}

// OutboxRelay publishes committed outbox rows and deletes them once sent.
// Delivery is at least once; consumers dedupe by event id.
type OutboxRelay struct {
	exec      *txn.Executor
	publisher Publisher
	batchSize int
	interval  time.Duration
	logger    *zap.Logger
}

// NewOutboxRelay creates a new outbox relay
func NewOutboxRelay(exec *txn.Executor, publisher Publisher, batchSize int, interval time.Duration) *OutboxRelay {
	if batchSize <= 0 {
		batchSize = 50
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &OutboxRelay{
		exec:      exec,
		publisher: publisher,
		batchSize: batchSize,
		interval:  interval,
		logger:    util.GetLogger(),
	}
}

// Start relays on every tick until ctx is done
func (r *OutboxRelay) Start(ctx context.Context) {
	r.logger.Info("Starting outbox relay", zap.Duration("interval", r.interval))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RelayOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("Outbox relay pass failed", zap.Error(err))
			}
		}
	}
}

// RelayOnce publishes one batch in created order. It stops at the first
// publish failure so later events never overtake an unsent one.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	var (
		sent       int
		publishErr error
	)
	err := r.exec.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		sent, publishErr = 0, nil

		events, err := tx.ClaimOutbox(ctx, r.batchSize)
		if err != nil {
			return err
		}
		for _, event := range events {
			if err := r.publisher.Publish(ctx, event); err != nil {
				publishErr = fmt.Errorf("failed to publish %s event %s: %w", event.EventType, event.ID, err)
				break
			}
			if err := tx.DeleteOutbox(ctx, event.ID); err != nil {
				return fmt.Errorf("failed to delete outbox event %s: %w", event.ID, err)
			}
			sent++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if sent > 0 {
		r.logger.Debug("Relayed outbox events", zap.Int("count", sent))
	}
	return sent, publishErr
}
