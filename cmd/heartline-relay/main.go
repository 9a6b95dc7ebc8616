package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matheus3301/heartline/internal/logging"
	"github.com/matheus3301/heartline/internal/relay"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const version = "0.1.0"

func main() {
	app := &cli.App{
		Name:    "heartline-relay",
		Usage:   "Development relay speaking the Heartline event contract",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "secret",
				Usage:   "HMAC secret used to sign and verify credentials",
				EnvVars: []string{"HEARTLINE_RELAY_SECRET"},
				Value:   "heartline-dev",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			tokenCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the websocket hub and REST backend",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Aliases: []string{"a"},
				Usage:   "listen address",
				Value:   "127.0.0.1:7420",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
				Value: "info",
			},
			&cli.DurationFlag{
				Name:  "typing-every",
				Usage: "sustained rate of relayed typing frames per connection",
				Value: relay.DefaultHubOptions().TypingEvery,
			},
		},
		Action: func(c *cli.Context) error {
			logger, err := logging.NewConsole(c.String("log-level"))
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			auth, err := relay.NewAuthenticator(c.String("secret"))
			if err != nil {
				return err
			}
			opts := relay.DefaultHubOptions()
			opts.TypingEvery = c.Duration("typing-every")
			server := relay.NewServer(auth, opts, logger)

			errc := make(chan error, 1)
			go func() { errc <- server.Start(c.String("addr")) }()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
			select {
			case err := <-errc:
				return err
			case sig := <-quit:
				logger.Info("shutting down", zap.String("signal", sig.String()))
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(ctx)
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:      "token",
		Usage:     "Print a credential for a user, for HEARTLINE_CREDENTIAL",
		ArgsUsage: "<user-id>",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "ttl",
				Usage: "credential lifetime",
				Value: 24 * time.Hour,
			},
		},
		Action: func(c *cli.Context) error {
			user := c.Args().First()
			if user == "" {
				return errors.New("user id required")
			}
			auth, err := relay.NewAuthenticator(c.String("secret"))
			if err != nil {
				return err
			}
			tok, err := auth.Issue(user, c.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
}
