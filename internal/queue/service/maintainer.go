package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	queuedomain "github.com/Kirill552/esg-lite-sub000/internal/queue/domain"
)

// Maintainer runs the queue's expiry pass in the background and once
// more at shutdown so depth gauges and TTLs stay current.
type Maintainer struct {
	queue    queuedomain.Service
	log      *zap.Logger
	interval time.Duration
}

// NewMaintainer builds a maintainer with the given run interval.
func NewMaintainer(queue queuedomain.Service, log *zap.Logger, interval time.Duration) *Maintainer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Maintainer{
		queue:    queue,
		log:      log.Named("queue.maintainer"),
		interval: interval,
	}
}

// RunForever maintains on a ticker until the context is cancelled.
func (m *Maintainer) RunForever(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if err := m.RunOnce(); err != nil {
			m.log.Warn("queue maintenance failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single bounded maintenance pass.
func (m *Maintainer) RunOnce() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	expired, err := m.queue.ExpireStale(ctx)
	if err != nil {
		return err
	}
	if expired > 0 {
		m.log.Info("expired stale jobs", zap.Int64("expired", expired))
	}
	return nil
}
