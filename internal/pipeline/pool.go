package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/icsara/docpipe/internal/queue"
)

// Pool runs a fixed number of goroutines that pull deliveries off the task
// queue and hand them to the worker. It owns no job state; stopping a pool
// mid-job just leaves a RUNNING row for the reaper.
type Pool struct {
	queue   queue.TaskQueue
	worker  *Worker
	workers int
	logger  *slog.Logger
}

func NewPool(q queue.TaskQueue, w *Worker, workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{queue: q, worker: w, workers: workers, logger: logger}
}

// Run blocks until ctx is canceled or the queue closes.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("worker pool starting", "workers", p.workers)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) loop(ctx context.Context, id int) {
	log := p.logger.With("worker", id)
	for {
		d, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, queue.ErrClosed) {
				return
			}
			log.Error("dequeue failed", "error", err)
			continue
		}
		if err := p.worker.Process(ctx, d); err != nil {
			log.Error("task processing failed", "job_id", d.Message().JobID, "error", err)
		}
	}
}
