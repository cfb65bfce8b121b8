package worker

import (
	"context"

	"go.uber.org/fx"

	"github.com/Kirill552/esg-lite-sub000/internal/config"
)

var Module = fx.Module("worker.pool",
	fx.Provide(func(cfg config.Config) Config {
		wc := DefaultConfig()
		if cfg.Queue.Name != "" {
			wc.QueueName = cfg.Queue.Name
		}
		if cfg.Worker.Concurrency > 0 {
			wc.Concurrency = cfg.Worker.Concurrency
		}
		if cfg.Worker.PollInterval > 0 {
			wc.PollInterval = cfg.Worker.PollInterval
		}
		if cfg.Worker.JobTimeout > 0 {
			wc.JobTimeout = cfg.Worker.JobTimeout
		}
		if cfg.Worker.MinTextLength > 0 {
			wc.MinTextLength = cfg.Worker.MinTextLength
		}
		return wc
	}),
	fx.Provide(NewPool),
	fx.Invoke(runPool),
)

func runPool(lc fx.Lifecycle, pool *Pool) {
	loopCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			pool.Run(loopCtx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			pool.Stop()
			return nil
		},
	})
}
