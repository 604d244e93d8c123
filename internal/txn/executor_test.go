package txn

import (
	"context"
	"errors"
	"testing"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/store/storetest"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastConfig() Config {
	return Config{
		MaxAttempts:    3,
		BaseDelay:      time.Millisecond,
		MaxDelay:       4 * time.Millisecond,
		AttemptTimeout: time.Second,
	}
}

func markWork(chargeID string) Work {
	return func(ctx context.Context, tx store.Tx) error {
		return tx.MarkEventProcessed(ctx, chargeID, models.EventTypeChargeSucceeded)
	}
}

func TestRun_CommitsOnSuccess(t *testing.T) {
	mem := storetest.New()
	exec := NewExecutor(mem, fastConfig(), zap.NewNop())

	err := exec.Run(context.Background(), markWork("ch_1"))
	require.NoError(t, err)

	done, err := mem.IsEventProcessed(context.Background(), "ch_1", models.EventTypeChargeSucceeded)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 1, mem.Begins())
}

func TestRun_RetriesTransientConflicts(t *testing.T) {
	mem := storetest.New()
	mem.FailCommits(2, nil)
	exec := NewExecutor(mem, fastConfig(), zap.NewNop())

	err := exec.Run(context.Background(), markWork("ch_1"))
	require.NoError(t, err)
	assert.Equal(t, 3, mem.Begins())
	assert.Equal(t, 1, mem.Commits())
}

func TestRun_ExhaustsRetries(t *testing.T) {
	mem := storetest.New()
	mem.FailCommits(10, nil)
	exec := NewExecutor(mem, fastConfig(), zap.NewNop())

	err := exec.Run(context.Background(), markWork("ch_1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, 3, mem.Begins())
	assert.Equal(t, 0, mem.Commits())

	done, _ := mem.IsEventProcessed(context.Background(), "ch_1", models.EventTypeChargeSucceeded)
	assert.False(t, done)
}

func TestRun_DoesNotRetryBusinessErrors(t *testing.T) {
	mem := storetest.New()
	exec := NewExecutor(mem, fastConfig(), zap.NewNop())
	errSoldOut := errors.New("listing sold out")

	err := exec.Run(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if err := tx.MarkEventProcessed(ctx, "ch_1", models.EventTypeChargeSucceeded); err != nil {
			return err
		}
		return errSoldOut
	})

	assert.ErrorIs(t, err, errSoldOut)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 1, mem.Begins())

	done, _ := mem.IsEventProcessed(context.Background(), "ch_1", models.EventTypeChargeSucceeded)
	assert.False(t, done, "aborted work must not be committed")
}

func TestRun_AttemptTimeoutIsRetried(t *testing.T) {
	mem := storetest.New()
	cfg := fastConfig()
	cfg.AttemptTimeout = 10 * time.Millisecond
	exec := NewExecutor(mem, cfg, zap.NewNop())

	calls := 0
	err := exec.Run(context.Background(), func(ctx context.Context, tx store.Tx) error {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return tx.MarkEventProcessed(ctx, "ch_1", models.EventTypeChargeSucceeded)
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRun_StopsWhenCallerCancels(t *testing.T) {
	mem := storetest.New()
	mem.FailCommits(10, nil)
	exec := NewExecutor(mem, fastConfig(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := exec.Run(ctx, markWork("ch_1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackOffSchedule(t *testing.T) {
	exec := NewExecutor(storetest.New(), Config{
		MaxAttempts: 4,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    25 * time.Millisecond,
	}, zap.NewNop())

	b := exec.newBackOff(context.Background())
	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 20*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 25*time.Millisecond, b.NextBackOff())
	assert.Equal(t, backoff.Stop, b.NextBackOff())
}
