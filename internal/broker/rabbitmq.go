package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/dataport/internal/job"
	"github.com/cuongbtq/dataport/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPClient is the subset of the shared RabbitMQ client the broker relies on
type AMQPClient interface {
	DeclareQueue(name string, args amqp.Table) error
	PublishWithRetry(ctx context.Context, queue string, msg rabbitmq.Publishing) error
	Consume(queue, consumerTag string, prefetch int) (<-chan amqp.Delivery, error)
}

// RabbitMQ is a Broker over durable priority queues. Each queue class has a companion retry
// queue whose messages dead-letter back to the main queue once their TTL elapses. Visibility
// is enforced by the server: unacked deliveries are requeued when the consumer channel dies.
type RabbitMQ struct {
	client      AMQPClient
	prefix      string
	consumerTag string
	prefetch    int
	logger      *slog.Logger

	mu        sync.Mutex
	declared  map[string]bool
	consumers map[string]<-chan amqp.Delivery
	done      chan struct{}
	closeOnce sync.Once
}

// NewRabbitMQ creates a broker that names its queues prefix.<queue>
func NewRabbitMQ(client AMQPClient, prefix, consumerTag string, prefetch int, logger *slog.Logger) *RabbitMQ {
	if prefetch <= 0 {
		prefetch = 1
	}
	return &RabbitMQ{
		client:      client,
		prefix:      prefix,
		consumerTag: consumerTag,
		prefetch:    prefetch,
		logger:      logger,
		declared:    make(map[string]bool),
		consumers:   make(map[string]<-chan amqp.Delivery),
		done:        make(chan struct{}),
	}
}

func (r *RabbitMQ) Enqueue(ctx context.Context, msg Message) error {
	if err := r.ensureQueue(msg.Queue); err != nil {
		return err
	}
	return r.publish(ctx, r.queueName(msg.Queue), msg, 0)
}

func (r *RabbitMQ) Dequeue(ctx context.Context, queue string) (*Lease, error) {
	deliveries, err := r.consumer(queue)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-r.done:
			return nil, ErrClosed

		case d, ok := <-deliveries:
			if !ok {
				r.mu.Lock()
				delete(r.consumers, queue)
				r.mu.Unlock()
				return nil, fmt.Errorf("consumer channel for %s closed", queue)
			}

			var msg Message
			if err := json.Unmarshal(d.Body, &msg); err != nil || msg.JobID == "" {
				r.logger.Error("Failed to parse message JSON",
					slog.Any("error", err),
					slog.String("body", string(d.Body)),
				)
				// NACK without requeue, malformed messages go to the dead letter queue
				if nackErr := d.Nack(false, false); nackErr != nil {
					r.logger.Error("Failed to NACK malformed message",
						slog.Any("error", nackErr),
					)
				}
				continue
			}
			msg.Queue = queue

			_, deadLettered := d.Headers["x-death"]
			return &Lease{
				Message:     msg,
				Redelivered: d.Redelivered || deadLettered,
				DeliveredAt: time.Now(),
				ref:         d,
			}, nil
		}
	}
}

func (r *RabbitMQ) Ack(ctx context.Context, lease *Lease) error {
	d, ok := lease.ref.(amqp.Delivery)
	if !ok {
		return ErrLeaseExpired
	}
	if err := d.Ack(false); err != nil {
		return fmt.Errorf("failed to ack job %s: %w", lease.JobID, err)
	}
	return nil
}

// Nack requeues immediately when delay is zero; otherwise the message is parked on the retry
// queue with a TTL of delay and the original delivery is acked
func (r *RabbitMQ) Nack(ctx context.Context, lease *Lease, delay time.Duration) error {
	d, ok := lease.ref.(amqp.Delivery)
	if !ok {
		return ErrLeaseExpired
	}

	if delay <= 0 {
		if err := d.Nack(false, true); err != nil {
			return fmt.Errorf("failed to nack job %s: %w", lease.JobID, err)
		}
		return nil
	}

	if err := r.publish(ctx, r.retryQueueName(lease.Queue), lease.Message, delay); err != nil {
		return err
	}
	if err := d.Ack(false); err != nil {
		return fmt.Errorf("failed to ack retried job %s: %w", lease.JobID, err)
	}

	r.logger.Info("Job scheduled for retry",
		slog.String("job_id", lease.JobID),
		slog.String("queue", lease.Queue),
		slog.Duration("delay", delay),
	)
	return nil
}

// Close stops blocked Dequeue calls; the connection belongs to the caller
func (r *RabbitMQ) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	return nil
}

func (r *RabbitMQ) ensureQueue(queue string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.declared[queue] {
		return nil
	}

	primary := r.queueName(queue)
	if err := r.client.DeclareQueue(primary, amqp.Table{
		"x-max-priority": int32(job.PriorityCritical),
	}); err != nil {
		return err
	}

	if err := r.client.DeclareQueue(r.retryQueueName(queue), amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": primary,
	}); err != nil {
		return err
	}

	r.declared[queue] = true
	return nil
}

func (r *RabbitMQ) consumer(queue string) (<-chan amqp.Delivery, error) {
	if err := r.ensureQueue(queue); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if deliveries, ok := r.consumers[queue]; ok {
		return deliveries, nil
	}

	deliveries, err := r.client.Consume(r.queueName(queue), r.consumerTag+"-"+queue, r.prefetch)
	if err != nil {
		return nil, err
	}
	r.consumers[queue] = deliveries
	return deliveries, nil
}

func (r *RabbitMQ) publish(ctx context.Context, target string, msg Message, ttl time.Duration) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = r.client.PublishWithRetry(ctx, target, rabbitmq.Publishing{
		Body:        body,
		ContentType: "application/json",
		Priority:    uint8(msg.Priority),
		Expiration:  ttl,
	})
	if err != nil {
		return job.NewRetryableError(fmt.Errorf("failed to publish job %s: %w", msg.JobID, err))
	}
	return nil
}

func (r *RabbitMQ) queueName(queue string) string {
	return r.prefix + "." + queue
}

func (r *RabbitMQ) retryQueueName(queue string) string {
	return r.prefix + "." + queue + ".retry"
}
