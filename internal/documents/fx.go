package documents

import (
	"go.uber.org/fx"

	"github.com/Kirill552/esg-lite-sub000/internal/documents/repository"
)

var Module = fx.Module("documents",
	fx.Provide(repository.NewRepository),
)
