package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/icsara/docpipe/internal/entity"
)

// ErrClosed is returned by Enqueue and Dequeue after Close.
var ErrClosed = errors.New("queue closed")

// MemoryQueue is the in-process task queue used by single-binary deploys and
// tests. Nack puts the message back on the channel, so redelivery behaves the
// same as with a broker.
type MemoryQueue struct {
	logger *slog.Logger

	ch chan entity.TaskMessage

	mu     sync.Mutex
	closed bool
}

// Option configures a MemoryQueue.
type Option func(*MemoryQueue)

// WithBuffer sets the channel capacity.
func WithBuffer(n int) Option {
	return func(q *MemoryQueue) {
		if n > 0 {
			q.ch = make(chan entity.TaskMessage, n)
		}
	}
}

// NewMemoryQueue builds an in-process queue.
func NewMemoryQueue(logger *slog.Logger, opts ...Option) *MemoryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &MemoryQueue{
		logger: logger,
		ch:     make(chan entity.TaskMessage, 256),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *MemoryQueue) Enqueue(ctx context.Context, msg entity.TaskMessage) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.mu.Unlock()

	select {
	case q.ch <- msg:
		q.logger.Info("task enqueued", "job_id", msg.JobID)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Delivery, error) {
	select {
	case msg, ok := <-q.ch:
		if !ok {
			return nil, ErrClosed
		}
		return &memoryDelivery{q: q, msg: msg}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.ch)
	return nil
}

type memoryDelivery struct {
	q   *MemoryQueue
	msg entity.TaskMessage
}

func (d *memoryDelivery) Message() entity.TaskMessage { return d.msg }

func (d *memoryDelivery) Ack() error { return nil }

func (d *memoryDelivery) Nack() error {
	d.q.mu.Lock()
	if d.q.closed {
		d.q.mu.Unlock()
		return ErrClosed
	}
	d.q.mu.Unlock()

	select {
	case d.q.ch <- d.msg:
		d.q.logger.Warn("task redelivered", "job_id", d.msg.JobID)
		return nil
	default:
		return errors.New("queue full, cannot redeliver")
	}
}
