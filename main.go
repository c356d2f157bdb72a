package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/darch-io/darch/internal/cmd"
	"github.com/darch-io/darch/internal/utils"
	"github.com/darch-io/darch/internal/version"
)

// darch builds and updates generation-based bootable images from a
// declarative config.
func main() {
	app := cli.NewApp()
	app.Name = "darch"
	app.Usage = "Declarative Arch Linux image builder"
	app.Version = version.GetVersion()
	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:    "debug",
			EnvVars: []string{"DARCH_DEBUG"},
			Usage:   "enable debug logging",
		},
	}
	app.Before = func(c *cli.Context) error {
		utils.SetLogger(c.Bool("debug"))
		return nil
	}
	app.Commands = append(cmd.Commands, &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(c *cli.Context) error {
			v := version.Get()
			utils.Log.Info().Str("commit", v.GitCommit).Str("compiled with", v.GoVersion).Str("version", v.Version).Msg("Darch")
			return nil
		},
	})

	err := app.Run(os.Args)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
