package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/matheus3301/heartline/internal/profile"
	"github.com/matheus3301/heartline/internal/rpc"
	"github.com/matheus3301/heartline/internal/tui"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "heartlinetui",
		Usage: "Terminal client for a heartlined daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "profile",
				Aliases: []string{"p"},
				Usage:   "profile name (overrides config default)",
			},
			&cli.BoolFlag{
				Name:  "no-spawn",
				Usage: "fail instead of starting the daemon when it is not running",
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
	socketPath := profile.SocketPath(name)

	// Probe daemon health; auto-start if needed.
	if !probeDaemon(socketPath) {
		if c.Bool("no-spawn") {
			return fmt.Errorf("daemon not running for profile %q", name)
		}
		fmt.Fprintf(os.Stderr, "daemon not running for profile %q, starting...\n", name)
		if err := startDaemon(name); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
		if !waitForDaemon(socketPath, 10*time.Second) {
			return fmt.Errorf("daemon did not become ready")
		}
	}

	client, err := rpc.Dial(socketPath)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer func() { _ = client.Close() }()

	return tui.NewApp(client, name).Run()
}

// probeDaemon checks if a daemon is running and responsive on the socket.
func probeDaemon(socketPath string) bool {
	client, err := rpc.Dial(socketPath)
	if err != nil {
		return false
	}
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = client.Status(ctx)
	return err == nil
}

func startDaemon(name string) error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}
	daemon := filepath.Join(filepath.Dir(executable), "heartlined")

	if _, err := os.Stat(daemon); err != nil {
		daemon = "heartlined"
	}

	cmd := exec.Command(daemon, "--profile", name)
	// Inherit stderr so daemon startup errors are visible.
	cmd.Stderr = os.Stderr
	return cmd.Start()
}

// waitForDaemon polls the daemon with a real gRPC health check (not just socket connect).
func waitForDaemon(socketPath string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if probeDaemon(socketPath) {
			return true
		}
		time.Sleep(300 * time.Millisecond)
	}
	return false
}
