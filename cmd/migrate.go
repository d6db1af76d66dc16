package cmd

import (
	"github.com/catalystcommunity/app-utils-go/errorutils"
	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/pressly/goose/v3"
	"github.com/urfave/cli/v2"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/gflowd/gflowd/internal/config"
	"github.com/gflowd/gflowd/internal/persistence/pgstore"
)

var migrations = pgstore.Migrations

var MigrateCommand = &cli.Command{
	Name:  "migrate",
	Usage: "Run pgstore schema migrations (only needed with GFLOWD_PERSISTENCE_BACKEND=postgres)",
	Action: func(ctx *cli.Context) error {
		return RunMigrations()
	},
}

func RunMigrations() error {
	db, err := gorm.Open(postgres.Open(config.PostgresDSN), &gorm.Config{})
	errorutils.LogOnErr(nil, "error opening database connection", err)
	if err != nil {
		return err
	}
	sqldb, err := db.DB()
	errorutils.LogOnErr(nil, "error getting database connection", err)
	if err != nil {
		return err
	}
	goose.SetBaseFS(migrations)
	logging.Log.Info("running gflowd pgstore migrations")
	err = goose.Up(sqldb, "migrations")
	errorutils.LogOnErr(nil, "error running migrations", err)
	return err
}
