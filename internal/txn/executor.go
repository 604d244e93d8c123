// Package txn runs units of work inside storage transactions and retries them
// on transient conflicts.
package txn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ErrRetriesExhausted is returned when every attempt hit a transient conflict.
// The error also wraps the last conflict.
var ErrRetriesExhausted = errors.New("transaction retries exhausted")

// Work is a unit of work. It must only touch the store through tx.
type Work func(ctx context.Context, tx store.Tx) error

// Config bounds the retry loop
type Config struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
}

// DefaultConfig returns 3 attempts, 50ms doubling up to 1s, 5s per attempt
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		BaseDelay:      50 * time.Millisecond,
		MaxDelay:       time.Second,
		AttemptTimeout: 5 * time.Second,
	}
}

// Executor is the retry executor
type Executor struct {
	db     store.Beginner
	cfg    Config
	logger *zap.Logger
}

// NewExecutor creates a new Executor
func NewExecutor(db store.Beginner, cfg Config, logger *zap.Logger) *Executor {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	return &Executor{db: db, cfg: cfg, logger: logger}
}

func (e *Executor) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.BaseDelay
	b.MaxInterval = e.cfg.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.cfg.MaxAttempts-1)), ctx)
}

// Run executes work in a transaction, committing on success.
// Transient conflicts roll back and retry with exponential backoff; any other
// error rolls back and is returned as is.
func (e *Executor) Run(ctx context.Context, work Work) error {
	start := time.Now()
	defer func() { util.TxDuration.Observe(time.Since(start).Seconds()) }()

	attempt := 0
	op := func() error {
		attempt++
		err := e.attempt(ctx, work)
		switch {
		case err == nil:
			util.TxAttemptsTotal.WithLabelValues("committed").Inc()
			return nil
		case e.transient(ctx, err):
			util.TxAttemptsTotal.WithLabelValues("conflict").Inc()
			e.logger.Debug("Transient conflict, retrying",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return err
		default:
			util.TxAttemptsTotal.WithLabelValues("aborted").Inc()
			return backoff.Permanent(err)
		}
	}

	err := backoff.Retry(op, e.newBackOff(ctx))
	if err == nil {
		return nil
	}
	if e.transient(ctx, err) {
		e.logger.Warn("Transaction retries exhausted",
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
		return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
	}
	return err
}

// transient reports whether err is worth another attempt. An attempt that ran
// out of its own time budget counts as transient while the caller's context
// is still live.
func (e *Executor) transient(ctx context.Context, err error) bool {
	if store.IsTransient(err) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil
}

func (e *Executor) attempt(ctx context.Context, work Work) (err error) {
	actx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()

	tx, err := e.db.BeginTx(actx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = work(actx, tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
