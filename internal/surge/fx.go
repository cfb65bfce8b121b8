package surge

import "go.uber.org/fx"

var Module = fx.Module("surge",
	fx.Provide(NewPolicy),
)
