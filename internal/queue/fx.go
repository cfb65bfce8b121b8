package queue

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Kirill552/esg-lite-sub000/internal/config"
	queuedomain "github.com/Kirill552/esg-lite-sub000/internal/queue/domain"
	"github.com/Kirill552/esg-lite-sub000/internal/queue/service"
)

var Module = fx.Module("queue.service",
	fx.Provide(func(cfg config.Config) service.Config {
		sc := service.DefaultConfig()
		if cfg.Queue.Name != "" {
			sc.Name = cfg.Queue.Name
		}
		if cfg.Queue.MaxRetries > 0 {
			sc.MaxRetries = cfg.Queue.MaxRetries
		}
		if cfg.Queue.JobTTL > 0 {
			sc.JobTTL = cfg.Queue.JobTTL
		}
		if cfg.Queue.ActiveTimeout > 0 {
			sc.ActiveTimeout = cfg.Queue.ActiveTimeout
		}
		if cfg.Queue.RetryBackoff > 0 {
			sc.RetryBackoff = cfg.Queue.RetryBackoff
		}
		if cfg.Queue.RetryBackoffMax > 0 {
			sc.RetryBackoffMax = cfg.Queue.RetryBackoffMax
		}
		return sc
	}),
	fx.Provide(service.NewService),
	fx.Invoke(runMaintainer),
)

func runMaintainer(lc fx.Lifecycle, queue queuedomain.Service, log *zap.Logger, cfg config.Config) {
	maintainer := service.NewMaintainer(queue, log, cfg.Queue.MaintainEvery)
	loopCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go maintainer.RunForever(loopCtx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			// Final pass so gauges and TTL expiries survive a restart.
			return maintainer.RunOnce()
		},
	})
}
