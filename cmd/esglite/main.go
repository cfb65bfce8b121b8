package main

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"gorm.io/gorm"

	appconfig "github.com/Kirill552/esg-lite-sub000/internal/config"
	"github.com/Kirill552/esg-lite-sub000/internal/clock"
	"github.com/Kirill552/esg-lite-sub000/internal/credits"
	"github.com/Kirill552/esg-lite-sub000/internal/documents"
	"github.com/Kirill552/esg-lite-sub000/internal/events"
	"github.com/Kirill552/esg-lite-sub000/internal/migration"
	"github.com/Kirill552/esg-lite-sub000/internal/observability"
	"github.com/Kirill552/esg-lite-sub000/internal/ocr"
	"github.com/Kirill552/esg-lite-sub000/internal/queue"
	"github.com/Kirill552/esg-lite-sub000/internal/ratelimit"
	"github.com/Kirill552/esg-lite-sub000/internal/surge"
	"github.com/Kirill552/esg-lite-sub000/internal/worker"
	"github.com/Kirill552/esg-lite-sub000/pkg/db"
)

var version = "dev"

func main() {
	app := fx.New(
		appconfig.Module,
		observability.Module,
		fx.Provide(func() *snowflake.Node {
			node, err := snowflake.NewNode(1)
			if err != nil {
				panic(err)
			}
			return node
		}),
		fx.Provide(func(cfg appconfig.Config) surge.Config {
			return surge.Config{
				StartMonth: time.Month(cfg.Surge.StartMonth),
				StartDay:   cfg.Surge.StartDay,
				EndMonth:   time.Month(cfg.Surge.EndMonth),
				EndDay:     cfg.Surge.EndDay,
				Multiplier: decimal.NewFromFloat(cfg.Surge.Multiplier),
			}
		}),
		db.Module,
		fx.Invoke(func(conn *gorm.DB) error {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return migration.RunMigrations(sqlDB)
		}),
		clock.Module,
		surge.Module,
		events.Module,
		credits.Module,
		ratelimit.Module,
		documents.Module,
		queue.Module,
		ocr.Module,
		worker.Module,
	)
	app.Run()
}
