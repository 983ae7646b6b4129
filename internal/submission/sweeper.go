package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/dataport/internal/filestore"
	"github.com/cuongbtq/dataport/internal/job"
	"github.com/cuongbtq/dataport/internal/job/storage"
)

// SweepResult counts what one sweep removed
type SweepResult struct {
	Expired int
	Deleted int
	Failed  int
}

// Sweeper removes expired export jobs together with their files. It runs only when invoked.
type Sweeper struct {
	logger *slog.Logger
	store  storage.Store
	files  filestore.Store
}

// NewSweeper creates a sweeper
func NewSweeper(logger *slog.Logger, store storage.Store, files filestore.Store) *Sweeper {
	return &Sweeper{
		logger: logger,
		store:  store,
		files:  files,
	}
}

// Sweep deletes every job whose result expired before the given time. A job whose file cannot be
// removed keeps its record so the next sweep retries it.
func (s *Sweeper) Sweep(ctx context.Context, before time.Time) (SweepResult, error) {
	ids, err := s.store.ListExpired(ctx, before)
	if err != nil {
		return SweepResult{}, err
	}

	res := SweepResult{Expired: len(ids)}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if err := s.remove(ctx, id); err != nil {
			res.Failed++
			s.logger.Error("Failed to remove expired job",
				slog.String("job_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		res.Deleted++
	}

	s.logger.Info("Expired jobs swept",
		slog.Time("before", before),
		slog.Int("expired", res.Expired),
		slog.Int("deleted", res.Deleted),
		slog.Int("failed", res.Failed),
	)

	if res.Failed > 0 {
		return res, fmt.Errorf("%d of %d expired jobs could not be removed", res.Failed, res.Expired)
	}
	return res, nil
}

func (s *Sweeper) remove(ctx context.Context, jobID string) error {
	j, err := s.store.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			return nil
		}
		return err
	}

	for _, ref := range []*job.FileRef{j.Result, j.Source.File} {
		if ref == nil {
			continue
		}
		if err := s.files.Delete(ctx, j.OrganizationID, ref.Key); err != nil && !errors.Is(err, filestore.ErrNotFound) {
			return fmt.Errorf("failed to delete %s: %w", ref.Key, err)
		}
	}

	return s.store.Delete(ctx, jobID)
}
