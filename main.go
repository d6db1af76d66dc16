package main

import (
	"os"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/urfave/cli/v2"

	"github.com/gflowd/gflowd/cmd"
)

func main() {
	app := &cli.App{
		Name:  "gflowd",
		Usage: "single-node GPU-aware batch job scheduler daemon",
		Commands: []*cli.Command{
			cmd.ServeCommand,
			cmd.MigrateCommand,
		},
	}
	err := app.Run(os.Args)
	if err != nil {
		// log fatal so we exit with the proper exit code, matching container health-check conventions
		logging.Log.WithError(err).Fatal("runtime error")
	}
}
