package idempotency

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hanko-field/orders/internal/platform/config"
)

// Sweeper periodically purges expired keys.
type Sweeper struct {
	store    Store
	interval time.Duration
	batch    int
	logger   *zap.Logger
	now      func() time.Time
}

func NewSweeper(store Store, cfg config.IdempotencyConfig, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		batch:    cfg.CleanupBatchSize,
		logger:   logger.Named("idempotency"),
		now:      time.Now,
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.SweepOnce(ctx)
			if err != nil {
				s.logger.Warn("purge expired keys failed", zap.Error(err), zap.Int("removed", removed))
				continue
			}
			if removed > 0 {
				s.logger.Info("purged expired keys", zap.Int("removed", removed))
			}
		}
	}
}

// SweepOnce purges in batches until a batch comes back short.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	total := 0
	for {
		removed, err := s.store.Purge(ctx, s.now().UTC(), s.batch)
		total += removed
		if err != nil || s.batch <= 0 || removed < s.batch {
			return total, err
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}
