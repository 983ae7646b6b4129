package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cuongbtq/dataport/internal/broker"
	"github.com/google/uuid"
)

// nextLease blocks until a well-formed lease is available. Deliveries whose job id is not a
// UUID are acked and dropped since no job record can match them.
func (p *Pool) nextLease(ctx context.Context) (*broker.Lease, error) {
	for {
		lease, err := p.broker.Dequeue(ctx, p.queue)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, broker.ErrClosed) {
				return nil, err
			}

			p.logger.Error("Failed to dequeue job",
				slog.String("error", err.Error()),
				slog.Duration("retry_after", p.errorBackoff),
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.errorBackoff):
			}
			return nil, err
		}

		if _, err := uuid.Parse(lease.JobID); err != nil {
			p.logger.Error("Invalid job_id format - not a UUID",
				slog.String("job_id", lease.JobID),
				slog.String("error", err.Error()),
			)
			if ackErr := p.broker.Ack(ctx, lease); ackErr != nil {
				p.logger.Error("Failed to ACK message with invalid job_id",
					slog.String("error", ackErr.Error()),
				)
			}
			continue
		}

		return lease, nil
	}
}
