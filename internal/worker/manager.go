package worker

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Manager runs one pool per queue class and stops them together
type Manager struct {
	logger *slog.Logger
	pools  []*Pool
}

// NewManager groups pools under one lifecycle
func NewManager(logger *slog.Logger, pools ...*Pool) *Manager {
	return &Manager{
		logger: logger,
		pools:  pools,
	}
}

// Run starts every pool and blocks until ctx is canceled or a pool returns an error, after
// which the remaining pools are stopped and drained
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, pool := range m.pools {
		pool := pool
		g.Go(func() error {
			return pool.Start(ctx)
		})
	}

	m.logger.Info("Worker pools started",
		slog.Int("pools", len(m.pools)),
	)

	err := g.Wait()
	m.logger.Info("Worker pools stopped")
	return err
}

// Stop asks every pool to finish its current jobs and return
func (m *Manager) Stop() {
	for _, pool := range m.pools {
		pool.Stop()
	}
}
