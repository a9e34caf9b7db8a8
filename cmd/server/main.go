package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/JosueRhea/sockudo/internal/config"
	"github.com/JosueRhea/sockudo/internal/core/observability/log"
	"github.com/JosueRhea/sockudo/internal/server"
)

// Exit codes: 0 clean, 1 config error, 2 bind failure, 3 dependency
// unreachable at startup.
const (
	exitConfig     = 1
	exitBind       = 2
	exitDependency = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:  "server",
		Usage: "Pusher-compatible realtime WebSocket server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Configuration file path",
				Value: "config.yaml",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return run(ctx, cmd.String("config"))
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	lg := log.New(log.ParseLevel(cfg.LogLevel))

	srv, err := server.New(cfg, lg)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, server.ErrBind):
		return exitBind
	case errors.Is(err, server.ErrDependency):
		return exitDependency
	default:
		return exitConfig
	}
}
