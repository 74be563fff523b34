package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/icsara/docpipe/internal/common"
	"github.com/icsara/docpipe/internal/entity"
)

// AMQPConfig holds broker settings for the RabbitMQ-backed queue.
type AMQPConfig struct {
	URL       string
	QueueName string
	Prefetch  int

	PublishBaseDelay time.Duration
	PublishMaxDelay  time.Duration
	PublishAttempts  int
}

// AMQPQueue is the broker-backed task queue. The queue is declared durable
// and messages are published persistent, so an accepted enqueue survives a
// broker restart. Consumption uses manual acks with Qos prefetch.
type AMQPQueue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	cfg     AMQPConfig
	logger  *slog.Logger

	mu         sync.Mutex
	deliveries <-chan amqp.Delivery
}

// NewAMQPQueue dials the broker, declares the durable queue, and sets
// prefetch. Dial failures are retried a few times since brokers routinely
// come up after the services that use them.
func NewAMQPQueue(cfg AMQPConfig, logger *slog.Logger) (*AMQPQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.PublishBaseDelay <= 0 {
		cfg.PublishBaseDelay = 500 * time.Millisecond
	}
	if cfg.PublishMaxDelay <= 0 {
		cfg.PublishMaxDelay = 10 * time.Second
	}
	if cfg.PublishAttempts <= 0 {
		cfg.PublishAttempts = 5
	}

	conn, err := dialWithRetry(cfg.URL, 10, 5*time.Second, logger)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(
		cfg.QueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	logger.Info("connected to amqp broker", "queue", cfg.QueueName, "prefetch", cfg.Prefetch)
	return &AMQPQueue{conn: conn, channel: ch, cfg: cfg, logger: logger}, nil
}

func dialWithRetry(url string, maxRetries int, delay time.Duration, logger *slog.Logger) (*amqp.Connection, error) {
	var conn *amqp.Connection
	var err error
	for i := 0; i < maxRetries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		logger.Warn("amqp dial failed", "attempt", i+1, "error", err)
		if i < maxRetries-1 {
			time.Sleep(delay)
		}
	}
	return nil, fmt.Errorf("amqp dial after %d attempts: %w", maxRetries, err)
}

// Enqueue publishes the task with bounded exponential backoff. Only after the
// retries are exhausted does the caller see the failure.
func (q *AMQPQueue) Enqueue(ctx context.Context, msg entity.TaskMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	var lastErr error
	delay := q.cfg.PublishBaseDelay
	for attempt := 1; attempt <= q.cfg.PublishAttempts; attempt++ {
		lastErr = q.channel.PublishWithContext(ctx,
			"",              // default exchange
			q.cfg.QueueName, // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Body:         body,
			},
		)
		if lastErr == nil {
			q.logger.Info("task enqueued", "job_id", msg.JobID)
			return nil
		}
		if attempt == q.cfg.PublishAttempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > q.cfg.PublishMaxDelay {
			delay = q.cfg.PublishMaxDelay
		}
	}
	return common.Transient("amqp publish", lastErr)
}

func (q *AMQPQueue) Dequeue(ctx context.Context) (Delivery, error) {
	deliveries, err := q.consumeChannel()
	if err != nil {
		return nil, err
	}

	select {
	case d, ok := <-deliveries:
		if !ok {
			return nil, ErrClosed
		}
		var msg entity.TaskMessage
		if err := json.Unmarshal(d.Body, &msg); err != nil {
			// Poison message: reject without requeue so it cannot loop forever.
			_ = d.Nack(false, false)
			return nil, fmt.Errorf("unmarshal task: %w", err)
		}
		return &amqpDelivery{msg: msg, raw: d}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *AMQPQueue) consumeChannel() (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deliveries != nil {
		return q.deliveries, nil
	}
	deliveries, err := q.channel.Consume(
		q.cfg.QueueName,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, common.Transient("amqp consume", err)
	}
	q.deliveries = deliveries
	return deliveries, nil
}

func (q *AMQPQueue) Close() error {
	if q.channel != nil {
		_ = q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

type amqpDelivery struct {
	msg entity.TaskMessage
	raw amqp.Delivery
}

func (d *amqpDelivery) Message() entity.TaskMessage { return d.msg }

func (d *amqpDelivery) Ack() error { return d.raw.Ack(false) }

func (d *amqpDelivery) Nack() error { return d.raw.Nack(false, true) }
