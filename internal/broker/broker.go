// Package broker delivers job ids to worker pools with priority, visibility timeouts and
// delayed redelivery.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/cuongbtq/dataport/internal/job"
)

var (
	// ErrClosed is returned by Dequeue once the broker has been closed
	ErrClosed = errors.New("broker closed")

	// ErrLeaseExpired is returned by Ack or Nack when the lease was already reclaimed
	ErrLeaseExpired = errors.New("lease expired")
)

// Message is the unit of work placed on a queue
type Message struct {
	JobID    string       `json:"job_id"`
	Queue    string       `json:"queue"`
	Priority job.Priority `json:"priority"`
}

// Lease is a delivered message owned by one consumer until it is acked, nacked or its
// visibility timeout passes
type Lease struct {
	Message
	Redelivered bool
	DeliveredAt time.Time

	ref any
}

// Broker is a priority-aware at-least-once work queue keyed by queue class
type Broker interface {
	Enqueue(ctx context.Context, msg Message) error
	// Dequeue blocks until a message is ready on queue or ctx is done
	Dequeue(ctx context.Context, queue string) (*Lease, error)
	Ack(ctx context.Context, lease *Lease) error
	// Nack returns the message to its queue after delay
	Nack(ctx context.Context, lease *Lease, delay time.Duration) error
	Close() error
}

// strictWeight separates priority tiers by far more than any realistic queue wait
const strictWeight = int64(1_000_000_000_000)

// rank orders ready messages: lower ranks are delivered first. Each aging interval a message
// waits is worth one priority tier, so a low tier message is eventually delivered ahead of
// newer higher tier ones. A zero aging interval gives strict priority.
func rank(enqueuedAt time.Time, priority job.Priority, aging time.Duration) int64 {
	weight := strictWeight
	if aging > 0 {
		weight = aging.Milliseconds()
	}
	return enqueuedAt.UnixMilli() - int64(priority)*weight
}
