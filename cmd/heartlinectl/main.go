package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matheus3301/heartline/internal/profile"
	"github.com/matheus3301/heartline/internal/rpc"
	"github.com/urfave/cli/v2"
)

const requestTimeout = 10 * time.Second

func main() {
	app := &cli.App{
		Name:  "heartlinectl",
		Usage: "Control a running heartlined daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "profile",
				Aliases: []string{"p"},
				Usage:   "profile name (overrides config default)",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "output in JSON format",
			},
		},
		Commands: []*cli.Command{
			statusCommand(),
			connectCommand(),
			{
				Name:   "disconnect",
				Usage:  "Close the real-time connection",
				Action: unary(rpc.SessionService, "Disconnect", func(*cli.Context) (any, error) { return rpc.Empty{}, nil }),
			},
			{
				Name:   "logout",
				Usage:  "Disconnect and forget cached conversations",
				Action: unary(rpc.SessionService, "Logout", func(*cli.Context) (any, error) { return rpc.Empty{}, nil }),
			},
			conversationsCommand(),
			createCommand(),
			openCommand(),
			closeCommand(),
			messagesCommand(),
			sendCommand(),
			sendMediaCommand(),
			readCommand(),
			typingCommand(),
			callCommand(),
			presenceCommand(),
			watchCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// dial connects to the daemon of the selected profile.
func dial(c *cli.Context) (*rpc.Client, error) {
	name := profile.Resolve(c.String("profile"))
	if err := profile.ValidateName(name); err != nil {
		return nil, err
	}
	client, err := rpc.Dial(profile.SocketPath(name))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon for profile %q: %w", name, err)
	}
	return client, nil
}

// call performs one request against the daemon and prints the reply.
func call(c *cli.Context, service, method string, in, out any, print func()) error {
	client, err := dial(c)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(c.Context, requestTimeout)
	defer cancel()
	if err := client.Call(ctx, service, method, in, out); err != nil {
		return err
	}
	if c.Bool("json") {
		outputJSON(out)
		return nil
	}
	if print != nil {
		print()
	}
	return nil
}

// unary builds an action for requests whose reply needs no formatting.
func unary(service, method string, build func(*cli.Context) (any, error)) cli.ActionFunc {
	return func(c *cli.Context) error {
		in, err := build(c)
		if err != nil {
			return err
		}
		var out rpc.Empty
		return call(c, service, method, in, &out, func() { fmt.Println("ok") })
	}
}

func requireArgs(c *cli.Context, n int, usage string) error {
	if c.NArg() < n {
		return fmt.Errorf("usage: heartlinectl %s %s", c.Command.Name, usage)
	}
	return nil
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show daemon and connection status",
		Action: func(c *cli.Context) error {
			var out rpc.StatusResponse
			return call(c, rpc.SessionService, "Status", rpc.Empty{}, &out, func() {
				fmt.Printf("Profile:    %s\n", out.Profile)
				fmt.Printf("State:      %s\n", out.State)
				if out.UserID != "" {
					fmt.Printf("User:       %s\n", out.UserID)
				}
				if out.Attempt > 0 {
					fmt.Printf("Attempt:    %d\n", out.Attempt)
				}
				fmt.Printf("Rooms:      %d\n", len(out.Rooms))
				fmt.Printf("Open convs: %d\n", out.OpenedCount)
				if out.Call.ChannelID != "" {
					fmt.Printf("Call:       %s with %s (%s)\n", out.Call.State, out.Call.RemoteID, out.Call.Modality)
				}
				fmt.Printf("Uptime:     %s\n", (time.Duration(out.UptimeMs) * time.Millisecond).Round(time.Second))
			})
		},
	}
}

func connectCommand() *cli.Command {
	return &cli.Command{
		Name:  "connect",
		Usage: "Open the real-time connection",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "credential",
				Usage:   "bearer credential; defaults to the daemon's configured one",
				EnvVars: []string{"HEARTLINE_CREDENTIAL"},
			},
		},
		Action: unary(rpc.SessionService, "Connect", func(c *cli.Context) (any, error) {
			return rpc.ConnectRequest{Credential: c.String("credential")}, nil
		}),
	}
}

func presenceCommand() *cli.Command {
	return &cli.Command{
		Name:  "presence",
		Usage: "Show who is online and typing",
		Action: func(c *cli.Context) error {
			var out rpc.PresenceResponse
			return call(c, rpc.PresenceService, "Get", rpc.Empty{}, &out, func() {
				if len(out.Online) == 0 {
					fmt.Println("Nobody online.")
				}
				for _, u := range out.Online {
					fmt.Printf("online  %s\n", u)
				}
				for conv, users := range out.Typing {
					for _, u := range users {
						fmt.Printf("typing  %s in %s\n", u, conv)
					}
				}
			})
		},
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Stream daemon events",
		ArgsUsage: "[namespace...]",
		Action: func(c *cli.Context) error {
			client, err := dial(c)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			events, errc, err := client.Watch(ctx, c.Args().Slice()...)
			if err != nil {
				return err
			}
			for {
				select {
				case evt, ok := <-events:
					if !ok {
						return nil
					}
					if c.Bool("json") {
						outputJSON(evt)
						continue
					}
					fmt.Printf("%s  %-28s %s\n", evt.Timestamp.Format(time.TimeOnly), evt.Kind, evt.Payload)
				case err := <-errc:
					return err
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
