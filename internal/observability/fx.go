// Package observability wires the logger, tracing provider and metrics
// into the fx application.
package observability

import (
	"go.uber.org/fx"

	"github.com/Kirill552/esg-lite-sub000/internal/config"
	"github.com/Kirill552/esg-lite-sub000/internal/observability/logger"
	"github.com/Kirill552/esg-lite-sub000/internal/observability/metrics"
	"github.com/Kirill552/esg-lite-sub000/internal/observability/tracing"
)

var Module = fx.Module("observability",
	logger.Module,
	fx.Invoke(tracing.NewProvider),
	fx.Provide(func(cfg config.Config) *metrics.QueueMetrics {
		return metrics.QueueWithConfig(metrics.Config{
			ServiceName: cfg.ServiceName,
			Environment: cfg.Environment,
		})
	}),
)
