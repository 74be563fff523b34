// docworker consumes processing tasks from the AMQP broker and runs the
// pipeline. Scale out by running more of them; the claim transition keeps any
// job on exactly one worker.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/icsara/docpipe/internal/app"
	"github.com/icsara/docpipe/internal/pipeline"
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
	cfg := c.Config

	if cfg.Queue.URL == "" {
		c.Logger.Error("AMQP_URL is required: a standalone worker cannot share an in-process queue")
		os.Exit(1)
	}

	worker := pipeline.NewWorker(c.Ledger, c.Store, c.Cache,
		pipeline.NewTextExtractor(c.Logger), pipeline.NewKeywordClassifier(),
		pipeline.WorkerConfig{
			TTL:            cfg.Jobs.TTL,
			MaxAttempts:    cfg.Jobs.MaxAttempts,
			RetryBaseDelay: cfg.Jobs.RetryBaseDelay,
			RetryMaxDelay:  cfg.Jobs.RetryMaxDelay,
		}, c.Logger)

	pipeline.NewPool(c.Queue, worker, cfg.Jobs.Workers, c.Logger).Run(ctx)
}
