package queue

import (
	"context"

	"github.com/icsara/docpipe/internal/entity"
)

// Delivery is one received task message plus its acknowledgment handle.
// Ack discards the message for good; Nack hands it back for redelivery.
// The guarantee is at-least-once: a message may come around again, and the
// worker's idempotence contract is what makes that harmless.
type Delivery interface {
	Message() entity.TaskMessage
	Ack() error
	Nack() error
}

// TaskQueue carries job-processing requests from the job manager to the
// worker pool. Enqueue is durable once accepted; Dequeue blocks until a
// message is available or ctx is done.
type TaskQueue interface {
	Enqueue(ctx context.Context, msg entity.TaskMessage) error
	Dequeue(ctx context.Context) (Delivery, error)
	Close() error
}
