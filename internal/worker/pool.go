package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/dataport/internal/broker"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (p *Pool) spawnWorkerPool(ctx context.Context) {
	p.logger.Info("Spawning worker pool",
		slog.Int("concurrency", p.concurrency),
		slog.String("worker_id", p.workerID),
	)

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i)
	}
}

// workerLoop leases one job, processes it to a settled lease and repeats
func (p *Pool) workerLoop(ctx context.Context, workerNum int) {
	defer p.wg.Done()

	workerName := fmt.Sprintf("%s-%s-%d", p.workerID, p.queue, workerNum)
	p.logger.Info("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		lease, err := p.nextLease(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, broker.ErrClosed) {
				p.logger.Info("Worker goroutine stopping",
					slog.String("worker_name", workerName),
				)
				return
			}
			continue
		}

		p.logger.Info("Worker received job",
			slog.String("worker_name", workerName),
			slog.String("job_id", lease.JobID),
			slog.Bool("redelivered", lease.Redelivered),
		)

		if err := p.processor.Process(ctx, lease); err != nil {
			p.logger.Error("Job processing failed",
				slog.String("worker_name", workerName),
				slog.String("job_id", lease.JobID),
				slog.String("error", err.Error()),
			)
		}
	}
}
