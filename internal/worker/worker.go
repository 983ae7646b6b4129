package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cuongbtq/dataport/internal/broker"
)

// Config holds the configuration of one worker pool
type Config struct {
	Logger      *slog.Logger
	Broker      broker.Broker
	Processor   *Processor
	Queue       string
	Concurrency int
	WorkerID    string
	// ErrorBackoff is how long a goroutine waits after a failed Dequeue
	ErrorBackoff time.Duration
}

// Pool runs a fixed number of goroutines that each lease and process one job at a time
// from a single queue class
type Pool struct {
	logger       *slog.Logger
	broker       broker.Broker
	processor    *Processor
	queue        string
	concurrency  int
	workerID     string
	errorBackoff time.Duration
	wg           sync.WaitGroup
	stopChan     chan struct{}
	stopOnce     sync.Once
}

// NewPool creates a new worker pool
func NewPool(cfg *Config) *Pool {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	errorBackoff := cfg.ErrorBackoff
	if errorBackoff <= 0 {
		errorBackoff = time.Second
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = DefaultWorkerID()
	}

	return &Pool{
		logger:       cfg.Logger.With(slog.String("queue", cfg.Queue)),
		broker:       cfg.Broker,
		processor:    cfg.Processor,
		queue:        cfg.Queue,
		concurrency:  concurrency,
		workerID:     workerID,
		errorBackoff: errorBackoff,
		stopChan:     make(chan struct{}),
	}
}

// Start spawns the pool and blocks until ctx is canceled or Stop is called, then waits for
// in-flight jobs to settle
func (p *Pool) Start(ctx context.Context) error {
	p.logger.Info("Starting worker pool",
		slog.String("worker_id", p.workerID),
		slog.Int("concurrency", p.concurrency),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.spawnWorkerPool(ctx)

	select {
	case <-ctx.Done():
		p.logger.Info("Worker pool context canceled, stopping...")
	case <-p.stopChan:
		p.logger.Info("Worker pool stop requested")
		cancel()
	}

	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
	return nil
}

// Stop gracefully stops the pool
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
}

// Queue returns the queue class served by the pool
func (p *Pool) Queue() string {
	return p.queue
}

// DefaultWorkerID identifies this process as hostname-pid
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
