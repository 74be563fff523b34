// docsweep runs one cleanup pass and exits, for cron-style deployments that
// prefer external scheduling over the embedded sweeper loop.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/icsara/docpipe/internal/app"
	"github.com/icsara/docpipe/internal/sweeper"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := app.Setup(ctx)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	sw := sweeper.NewSweeper(c.Ledger, c.Store, c.Queue, c.Cache, sweeper.Config{
		Interval:         c.Config.Jobs.SweepInterval,
		HeartbeatTimeout: c.Config.Jobs.HeartbeatTimeout,
	}, c.Logger)
	sw.Sweep(ctx)
}
