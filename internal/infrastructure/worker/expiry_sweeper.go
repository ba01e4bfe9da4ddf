package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Expirer persists timeouts of overdue pending requests
type Expirer interface {
	ExpireOverdue(ctx context.Context, limit int) (int, error)
}

// SweeperConfig holds configuration for the expiry sweeper
type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
}

// DefaultSweeperConfig returns default configuration
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:  time.Minute,
		BatchSize: 100,
	}
}

// ExpirySweeper periodically rejects requests whose timeout has passed,
// including those no workflow is waiting on
type ExpirySweeper struct {
	config  SweeperConfig
	expirer Expirer
	logger  *zap.Logger

	mu           sync.Mutex
	cancel       context.CancelFunc
	done         chan struct{}
	expiredTotal int
	lastErr      error
}

// NewExpirySweeper creates a sweeper
func NewExpirySweeper(config SweeperConfig, expirer Expirer, logger *zap.Logger) *ExpirySweeper {
	defaults := DefaultSweeperConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	return &ExpirySweeper{config: config, expirer: expirer, logger: logger}
}

// Name returns the worker name
func (w *ExpirySweeper) Name() string {
	return "ExpirySweeper"
}

// Start runs one sweep immediately, then one per interval
func (w *ExpirySweeper) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		return fmt.Errorf("expiry sweeper already running")
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	w.logger.Info("ExpirySweeper started",
		zap.Duration("interval", w.config.Interval),
		zap.Int("batch_size", w.config.BatchSize))

	go w.loop(ctx, w.done)
	return nil
}

// Stop cancels the loop and waits for the current sweep to finish
func (w *ExpirySweeper) Stop() error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if done == nil {
		return nil
	}
	cancel()
	<-done

	w.logger.Info("ExpirySweeper stopped", zap.Int("expired_total", w.ExpiredTotal()))
	return nil
}

// ExpiredTotal returns how many requests this sweeper has expired
func (w *ExpirySweeper) ExpiredTotal() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.expiredTotal
}

func (w *ExpirySweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		w.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sweep drains overdue requests batch by batch until a batch comes back short
func (w *ExpirySweeper) sweep(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := w.expirer.ExpireOverdue(ctx, w.config.BatchSize)

		w.mu.Lock()
		w.expiredTotal += n
		w.lastErr = err
		w.mu.Unlock()

		if n > 0 {
			w.logger.Info("Expired overdue approval requests", zap.Int("count", n))
		}
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("Expiry sweep failed", zap.Error(err))
			}
			return
		}
		if n < w.config.BatchSize {
			return
		}
	}
}
