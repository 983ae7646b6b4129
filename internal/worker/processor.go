package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/dataport/internal/broker"
	"github.com/cuongbtq/dataport/internal/filestore"
	"github.com/cuongbtq/dataport/internal/job"
	"github.com/cuongbtq/dataport/internal/job/storage"
	"github.com/cuongbtq/dataport/internal/progress"
	"github.com/cuongbtq/dataport/internal/registry"
)

// settleTimeout bounds the store and broker writes made after the pool context is canceled
const settleTimeout = 10 * time.Second

// defaultCancelCheckEvery is how many rows run between two reads of the cancel flag
const defaultCancelCheckEvery = 25

// ProcessorConfig holds the dependencies and tuning of a Processor
type ProcessorConfig struct {
	Logger   *slog.Logger
	Store    storage.Store
	Broker   broker.Broker
	Registry *registry.Registry
	Files    filestore.Store
	WorkerID string

	Retry broker.RetryPolicy
	// LeaseTimeout is how long a claim stays valid without a heartbeat
	LeaseTimeout      time.Duration
	HeartbeatInterval time.Duration
	// JobTimeout caps one attempt; zero means no limit
	JobTimeout      time.Duration
	FlushEvery      int
	ErrorLogCap     int
	ExportRetention time.Duration
	// CancelCheckEvery is the row interval between cancel flag reads
	CancelCheckEvery int
	Now              func() time.Time
}

// Processor runs one leased job attempt and settles both the job record and the lease
type Processor struct {
	logger            *slog.Logger
	store             storage.Store
	broker            broker.Broker
	registry          *registry.Registry
	files             filestore.Store
	workerID          string
	retry             broker.RetryPolicy
	leaseTimeout      time.Duration
	heartbeatInterval time.Duration
	jobTimeout        time.Duration
	flushEvery        int
	errorLogCap       int
	exportRetention   time.Duration
	cancelCheckEvery  int
	now               func() time.Time
}

// NewProcessor creates a processor, filling unset tuning with defaults
func NewProcessor(cfg *ProcessorConfig) *Processor {
	p := &Processor{
		logger:            cfg.Logger,
		store:             cfg.Store,
		broker:            cfg.Broker,
		registry:          cfg.Registry,
		files:             cfg.Files,
		workerID:          cfg.WorkerID,
		retry:             cfg.Retry,
		leaseTimeout:      cfg.LeaseTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		jobTimeout:        cfg.JobTimeout,
		flushEvery:        cfg.FlushEvery,
		errorLogCap:       cfg.ErrorLogCap,
		exportRetention:   cfg.ExportRetention,
		cancelCheckEvery:  cfg.CancelCheckEvery,
		now:               cfg.Now,
	}

	if p.workerID == "" {
		p.workerID = DefaultWorkerID()
	}
	if p.retry.MaxAttempts <= 0 {
		p.retry = broker.DefaultRetryPolicy
	}
	if p.leaseTimeout <= 0 {
		p.leaseTimeout = 5 * time.Minute
	}
	if p.heartbeatInterval <= 0 {
		p.heartbeatInterval = p.leaseTimeout / 3
	}
	if p.cancelCheckEvery <= 0 {
		p.cancelCheckEvery = defaultCancelCheckEvery
	}
	if p.exportRetention <= 0 {
		p.exportRetention = 24 * time.Hour
	}
	if p.now == nil {
		p.now = func() time.Time { return time.Now().UTC() }
	}

	return p
}

// Process claims the leased job, runs one attempt and then completes, requeues or fails the
// record before acking or nacking the lease. The returned error is informational; the lease
// is always settled.
func (p *Processor) Process(ctx context.Context, lease *broker.Lease) error {
	logger := p.logger.With(
		slog.String("job_id", lease.JobID),
		slog.String("worker_id", p.workerID),
	)

	j, err := p.store.Claim(ctx, lease.JobID, p.workerID, p.now().Add(p.leaseTimeout))
	if err != nil {
		return p.settleClaimError(ctx, logger, lease, err)
	}

	policy := p.policyFor(j)
	if j.CancelRequested {
		logger.Info("Job was canceled while queued, not running it")
		return p.fail(ctx, logger, lease, j, progress.New(p.errorLogCap, p.flushEvery).Snapshot(), job.ErrCanceled)
	}
	if j.Attempts > policy.MaxAttempts {
		// earlier attempts ended without settling the job, e.g. the worker crashed
		cause := j.LastError
		if cause == "" {
			cause = "lease expired before the attempt finished"
		}
		logger.Warn("Job exceeded max attempts",
			slog.Int("attempt", j.Attempts),
			slog.Int("max_attempts", policy.MaxAttempts),
		)
		failErr := fmt.Errorf("%w: %s", job.ErrMaxRetriesExceeded, cause)
		return p.fail(ctx, logger, lease, j, progress.New(p.errorLogCap, p.flushEvery).Snapshot(), failErr)
	}

	logger.Info("Processing job",
		slog.String("kind", string(j.Kind)),
		slog.Int("attempt", j.Attempts),
		slog.Int("max_attempts", policy.MaxAttempts),
	)

	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if p.jobTimeout > 0 {
		var cancelTimeout context.CancelFunc
		attemptCtx, cancelTimeout = context.WithTimeout(attemptCtx, p.jobTimeout)
		defer cancelTimeout()
	}

	heartbeatDone := make(chan struct{})
	go p.sendJobHeartbeat(attemptCtx, logger, j.ID, cancel, heartbeatDone)
	defer close(heartbeatDone)

	agg := progress.New(p.errorLogCap, p.flushEvery)
	result, runErr := p.run(attemptCtx, j, agg)

	if runErr == nil {
		runErr = p.complete(ctx, logger, j, agg.Snapshot(), result)
		if runErr == nil {
			return p.ack(ctx, logger, lease)
		}
	}

	return p.settleFailure(ctx, logger, lease, j, agg.Snapshot(), runErr)
}

// settleClaimError handles deliveries whose job cannot be claimed
func (p *Processor) settleClaimError(ctx context.Context, logger *slog.Logger, lease *broker.Lease, err error) error {
	switch {
	case errors.Is(err, job.ErrJobTerminal), errors.Is(err, job.ErrJobNotFound):
		logger.Info("Duplicate delivery for finished job, dropping",
			slog.String("reason", err.Error()),
		)
		return p.ack(ctx, logger, lease)

	case errors.Is(err, job.ErrJobAlreadyClaimed):
		// the owner may still crash, so keep the delivery until its claim can expire
		logger.Warn("Job already claimed, retrying after lease timeout",
			slog.Duration("delay", p.leaseTimeout),
		)
		return p.nack(ctx, logger, lease, p.leaseTimeout)

	default:
		delay := p.retry.Backoff(1)
		logger.Error("Failed to claim job",
			slog.String("error", err.Error()),
			slog.Duration("retry_after", delay),
		)
		if nackErr := p.nack(ctx, logger, lease, delay); nackErr != nil {
			return nackErr
		}
		return fmt.Errorf("failed to claim job: %w", err)
	}
}

// settleFailure applies the retry policy to a failed attempt
func (p *Processor) settleFailure(ctx context.Context, logger *slog.Logger, lease *broker.Lease, j *job.Job, snap job.Snapshot, runErr error) error {
	if ctx.Err() != nil {
		// shutting down: hand the job back without waiting for the backoff
		settleCtx, cancel := context.WithTimeout(context.Background(), settleTimeout)
		defer cancel()

		logger.Warn("Worker stopping, returning job to the queue")
		if err := p.store.Release(settleCtx, j.ID, p.workerID, "worker shutdown"); err != nil {
			logger.Error("Failed to requeue job on shutdown",
				slog.String("error", err.Error()),
			)
		}
		return p.nack(settleCtx, logger, lease, 0)
	}

	if errors.Is(runErr, job.ErrLeaseLost) {
		logger.Warn("Lease lost, another worker owns the job")
		return p.ack(ctx, logger, lease)
	}

	if errors.Is(runErr, context.DeadlineExceeded) {
		runErr = job.NewRetryableError(fmt.Errorf("attempt timed out after %s: %w", p.jobTimeout, runErr))
	}

	policy := p.policyFor(j)
	if job.Classify(runErr) == job.ErrorKindTransient && !policy.Exhausted(j.Attempts) {
		delay := policy.Backoff(j.Attempts)
		logger.Info("Job will be retried",
			slog.Int("attempt", j.Attempts),
			slog.Int("max_attempts", policy.MaxAttempts),
			slog.Duration("retry_after", delay),
			slog.String("error", runErr.Error()),
		)

		if err := p.store.Requeue(ctx, j.ID, p.workerID, runErr.Error()); err != nil {
			if errors.Is(err, job.ErrLeaseLost) {
				return p.ack(ctx, logger, lease)
			}
			// the claim will expire and the redelivery below reclaims it
			logger.Error("Failed to requeue job",
				slog.String("error", err.Error()),
			)
		}
		if err := p.nack(ctx, logger, lease, delay); err != nil {
			return err
		}
		return runErr
	}

	failErr := runErr
	if job.Classify(runErr) == job.ErrorKindTransient {
		failErr = fmt.Errorf("%w: %v", job.ErrMaxRetriesExceeded, runErr)
		logger.Warn("Job exceeded max attempts",
			slog.Int("attempt", j.Attempts),
			slog.Int("max_attempts", policy.MaxAttempts),
		)
	}

	return p.fail(ctx, logger, lease, j, snap, failErr)
}

// fail records failErr as the terminal outcome of the job and acks the lease
func (p *Processor) fail(ctx context.Context, logger *slog.Logger, lease *broker.Lease, j *job.Job, snap job.Snapshot, failErr error) error {
	if err := p.store.Fail(ctx, j.ID, p.workerID, snap, failErr.Error()); err != nil {
		if !errors.Is(err, job.ErrLeaseLost) {
			logger.Error("Failed to update job status to FAILED",
				slog.String("error", err.Error()),
			)
			return p.nack(ctx, logger, lease, p.policyFor(j).Backoff(j.Attempts))
		}
	}

	logger.Error("Job failed",
		slog.String("error", failErr.Error()),
		slog.Int("processed", snap.Processed),
		slog.Int("errors", snap.Errors),
	)
	if err := p.ack(ctx, logger, lease); err != nil {
		return err
	}
	return failErr
}

// policyFor applies the attempt budget stored on the job to the queue's retry policy
func (p *Processor) policyFor(j *job.Job) broker.RetryPolicy {
	policy := p.retry
	if j.MaxAttempts > 0 {
		policy.MaxAttempts = j.MaxAttempts
	}
	return policy
}

func (p *Processor) complete(ctx context.Context, logger *slog.Logger, j *job.Job, snap job.Snapshot, result *job.FileRef) error {
	var expiresAt *time.Time
	if result != nil {
		exp := p.now().Add(p.exportRetention)
		expiresAt = &exp
	}

	if err := p.store.Complete(ctx, j.ID, p.workerID, snap, result, expiresAt); err != nil {
		return err
	}

	logger.Info("Job completed successfully",
		slog.String("kind", string(j.Kind)),
		slog.Int("processed", snap.Processed),
		slog.Int("success", snap.Success),
		slog.Int("errors", snap.Errors),
	)
	return nil
}

func (p *Processor) ack(ctx context.Context, logger *slog.Logger, lease *broker.Lease) error {
	if err := p.broker.Ack(ctx, lease); err != nil {
		logger.Error("Failed to ACK message",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to ack lease: %w", err)
	}
	return nil
}

func (p *Processor) nack(ctx context.Context, logger *slog.Logger, lease *broker.Lease, delay time.Duration) error {
	if err := p.broker.Nack(ctx, lease, delay); err != nil {
		logger.Error("Failed to NACK message",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to nack lease: %w", err)
	}
	return nil
}

// sendJobHeartbeat extends the claim and polls the cancel flag. A lost lease or a cancel
// request cancels the attempt with that cause.
func (p *Processor) sendJobHeartbeat(ctx context.Context, logger *slog.Logger, jobID string, cancel context.CancelCauseFunc, done <-chan struct{}) {
	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := p.store.ExtendLease(ctx, jobID, p.workerID, p.now().Add(p.leaseTimeout)); err != nil {
				if errors.Is(err, job.ErrLeaseLost) {
					cancel(job.ErrLeaseLost)
					return
				}
				logger.Warn("Failed to extend job lease",
					slog.String("error", err.Error()),
				)
			}

			requested, err := p.store.CancelRequested(ctx, jobID)
			if err != nil {
				logger.Warn("Failed to read cancel flag",
					slog.String("error", err.Error()),
				)
				continue
			}
			if requested {
				logger.Info("Cancellation requested, stopping job")
				cancel(job.ErrCanceled)
				return
			}
		}
	}
}
