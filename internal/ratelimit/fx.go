package ratelimit

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Kirill552/esg-lite-sub000/internal/config"
	ratelimitdomain "github.com/Kirill552/esg-lite-sub000/internal/ratelimit/domain"
	"github.com/Kirill552/esg-lite-sub000/internal/ratelimit/service"
)

var Module = fx.Module("ratelimit.service",
	fx.Provide(func(cfg config.Config) service.Config {
		sc := service.DefaultConfig()
		if cfg.RateLimit.Window > 0 {
			sc.Window = cfg.RateLimit.Window
		}
		return sc
	}),
	fx.Provide(service.NewService),
	fx.Invoke(runSweeper),
)

func runSweeper(lc fx.Lifecycle, limiter ratelimitdomain.Service, log *zap.Logger, cfg config.Config) {
	sweeper := service.NewSweeper(limiter, log, cfg.RateLimit.SweepInterval)
	loopCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go sweeper.RunForever(loopCtx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			// One last sweep so counters do not linger across restarts.
			return sweeper.RunOnce()
		},
	})
}
