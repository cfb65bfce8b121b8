package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	ratelimitdomain "github.com/Kirill552/esg-lite-sub000/internal/ratelimit/domain"
)

// Sweeper garbage-collects superseded window rows in the background and
// once more at shutdown.
type Sweeper struct {
	limiter  ratelimitdomain.Service
	log      *zap.Logger
	interval time.Duration
}

// NewSweeper builds a sweeper with the given run interval.
func NewSweeper(limiter ratelimitdomain.Service, log *zap.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		limiter:  limiter,
		log:      log.Named("ratelimit.sweeper"),
		interval: interval,
	}
}

// RunForever sweeps on a ticker until the context is cancelled.
func (w *Sweeper) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.RunOnce(); err != nil {
			w.log.Warn("rate window sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single bounded sweep.
func (w *Sweeper) RunOnce() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	deleted, err := w.limiter.SweepExpired(ctx)
	if err != nil {
		return err
	}
	if deleted > 0 {
		w.log.Debug("swept expired rate windows", zap.Int64("deleted", deleted))
	}
	return nil
}
