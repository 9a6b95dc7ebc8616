package main

import (
	"fmt"
	"os"

	"github.com/matheus3301/heartline/internal/config"
	"github.com/matheus3301/heartline/internal/daemon"
	"github.com/matheus3301/heartline/internal/profile"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
)

func main() {
	app := &cli.App{
		Name:  "heartlined",
		Usage: "Per-profile daemon holding the real-time connection, timelines and calls",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "profile",
				Aliases: []string{"p"},
				Usage:   "profile name (overrides config default)",
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to config.toml",
				EnvVars: []string{"HEARTLINE_CONFIG"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	name := profile.Resolve(c.String("profile"))
	if err := profile.ValidateName(name); err != nil {
		return err
	}

	path := c.String("config")
	if path == "" {
		path = profile.ConfigPath()
	}
	cfg, err := config.Resolve(path)
	if err != nil {
		return err
	}

	app := fx.New(
		daemon.Module(daemon.Params{Profile: name, Config: cfg}),
	)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}
