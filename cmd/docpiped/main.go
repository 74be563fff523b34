// docpiped is the API server. With no AMQP broker configured it also runs the
// worker pool in-process, making a single binary the whole deployment; the
// cleanup sweeper always runs alongside.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/icsara/docpipe/internal/app"
	"github.com/icsara/docpipe/internal/manager"
	"github.com/icsara/docpipe/internal/pipeline"
	"github.com/icsara/docpipe/internal/server"
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
	cfg := c.Config

	mgr := manager.NewJobManager(c.Ledger, c.Queue, c.Store, c.Cache, manager.Config{
		TTL:            cfg.Jobs.TTL,
		MaxUploadBytes: cfg.Storage.MaxPDFBytes,
	}, c.Logger)

	srv := server.New(cfg.Server.Addr, cfg.Server.APIKeys, mgr, c.Logger)

	var wg sync.WaitGroup

	if cfg.Queue.URL == "" {
		worker := pipeline.NewWorker(c.Ledger, c.Store, c.Cache,
			pipeline.NewTextExtractor(c.Logger), pipeline.NewKeywordClassifier(),
			pipeline.WorkerConfig{
				TTL:            cfg.Jobs.TTL,
				MaxAttempts:    cfg.Jobs.MaxAttempts,
				RetryBaseDelay: cfg.Jobs.RetryBaseDelay,
				RetryMaxDelay:  cfg.Jobs.RetryMaxDelay,
			}, c.Logger)
		pool := pipeline.NewPool(c.Queue, worker, cfg.Jobs.Workers, c.Logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Run(ctx)
		}()
	}

	sw := sweeper.NewSweeper(c.Ledger, c.Store, c.Queue, c.Cache, sweeper.Config{
		Interval:         cfg.Jobs.SweepInterval,
		HeartbeatTimeout: cfg.Jobs.HeartbeatTimeout,
	}, c.Logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sw.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			c.Logger.Error("http server failed", "error", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		c.Logger.Error("shutdown incomplete", "error", err)
	}
	wg.Wait()
}
