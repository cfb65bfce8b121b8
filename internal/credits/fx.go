package credits

import (
	"go.uber.org/fx"

	"github.com/Kirill552/esg-lite-sub000/internal/credits/service"
)

var Module = fx.Module("credits.service",
	fx.Provide(service.NewService),
)
