package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/cuongbtq/dataport/internal/codec"
	"github.com/cuongbtq/dataport/internal/filestore"
	"github.com/cuongbtq/dataport/internal/job"
	"github.com/cuongbtq/dataport/internal/progress"
)

// run executes one attempt. Row failures are recorded in agg; the returned error aborts the
// attempt and is classified by the caller.
func (p *Processor) run(ctx context.Context, j *job.Job, agg *progress.Aggregator) (*job.FileRef, error) {
	switch j.Kind.Direction() {
	case job.DirectionImport:
		return nil, p.runImport(ctx, j, agg)
	default:
		return p.runExport(ctx, j, agg)
	}
}

func (p *Processor) runImport(ctx context.Context, j *job.Job, agg *progress.Aggregator) error {
	handler, err := p.registry.Import(j.Kind)
	if err != nil {
		return err
	}

	format, err := codec.ParseFormat(j.Format)
	if err != nil {
		return err
	}

	if j.Source.File == nil {
		return job.NewFatalError(errors.New("import job has no source file"))
	}

	rc, err := p.files.Open(ctx, j.OrganizationID, j.Source.File.Key)
	if err != nil {
		if errors.Is(err, filestore.ErrNotFound) {
			return job.NewFatalError(fmt.Errorf("source file %s is missing", j.Source.File.Key))
		}
		return err
	}
	defer rc.Close()

	table, err := codec.Parse(rc, format)
	if err != nil {
		if errors.Is(err, codec.ErrMalformed) {
			return job.NewFatalError(err)
		}
		return err
	}

	agg.SetTotal(len(table.Rows))
	p.logger.Debug("Source parsed",
		slog.String("job_id", j.ID),
		slog.Int("rows", len(table.Rows)),
	)

	for i, row := range table.Rows {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if i > 0 && i%p.cancelCheckEvery == 0 {
			if err := p.checkCanceled(ctx, j.ID); err != nil {
				return err
			}
		}

		rowErr := handler.ImportRow(ctx, j.OrganizationID, row)
		if rowErr != nil && job.Classify(rowErr) != job.ErrorKindRow {
			return rowErr
		}

		// data rows are numbered from 1; the header is not counted
		if rowErr != nil {
			agg.Record(false, i+1, rowErr.Error())
		} else {
			agg.Record(true, i+1, "")
		}

		if agg.ShouldFlush() {
			if err := p.flush(ctx, j, agg); err != nil {
				return err
			}
		}
	}

	return p.checkCanceled(ctx, j.ID)
}

// flush persists a progress snapshot, extends the claim and honors a pending cancel request
func (p *Processor) flush(ctx context.Context, j *job.Job, agg *progress.Aggregator) error {
	if err := p.store.SaveProgress(ctx, j.ID, p.workerID, agg.Snapshot()); err != nil {
		return err
	}
	if err := p.store.ExtendLease(ctx, j.ID, p.workerID, p.now().Add(p.leaseTimeout)); err != nil {
		return err
	}

	return p.checkCanceled(ctx, j.ID)
}

// checkCanceled returns job.ErrCanceled once the submitter asked to stop the job
func (p *Processor) checkCanceled(ctx context.Context, jobID string) error {
	requested, err := p.store.CancelRequested(ctx, jobID)
	if err != nil {
		return job.NewRetryableError(err)
	}
	if requested {
		return job.ErrCanceled
	}
	return nil
}

func (p *Processor) runExport(ctx context.Context, j *job.Job, agg *progress.Aggregator) (*job.FileRef, error) {
	handler, err := p.registry.Export(j.Kind)
	if err != nil {
		return nil, err
	}

	format, err := codec.ParseFormat(j.Format)
	if err != nil {
		return nil, err
	}

	datasets, err := handler.Export(ctx, j.OrganizationID, j.Source.Filters)
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		if job.Classify(err) == job.ErrorKindRow {
			return nil, job.NewRetryableError(err)
		}
		return nil, err
	}

	total := 0
	for _, ds := range datasets {
		total += len(ds.Rows)
	}
	agg.SetTotal(total)
	for i := 0; i < total; i++ {
		agg.Record(true, i+1, "")
	}

	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}
	if err := p.checkCanceled(ctx, j.ID); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp("", "dataport-export-*")
	if err != nil {
		return nil, job.NewRetryableError(fmt.Errorf("failed to create export file: %w", err))
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	info := codec.ExportInfo{
		JobID:          j.ID,
		OrganizationID: j.OrganizationID,
		Kind:           string(j.Kind),
		GeneratedAt:    p.now(),
		TotalRecords:   total,
	}
	if err := codec.Generate(tmp, format, datasets, info); err != nil {
		return nil, job.NewFatalError(fmt.Errorf("failed to generate %s export: %w", format, err))
	}
	if _, err := tmp.Seek(0, 0); err != nil {
		return nil, job.NewRetryableError(fmt.Errorf("failed to rewind export file: %w", err))
	}

	ext := "." + format.Extension()
	ref, err := p.files.Save(ctx, j.OrganizationID, filestore.ExportKey(j.ID, ext), tmp, format.ContentType())
	if err != nil {
		if job.Classify(err) == job.ErrorKindRow {
			return nil, job.NewRetryableError(err)
		}
		return nil, err
	}
	ref.Name = exportFileName(j, ext)

	return &ref, nil
}

// exportFileName is the download name offered to users, e.g. inventory-<job id>.csv
func exportFileName(j *job.Job, ext string) string {
	return strings.TrimPrefix(string(j.Kind), "export:") + "-" + j.ID + ext
}
