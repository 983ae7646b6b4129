// Package submission is the entry point collaborators use to create, poll, download and cancel
// import/export jobs.
package submission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/dataport/internal/broker"
	"github.com/cuongbtq/dataport/internal/codec"
	"github.com/cuongbtq/dataport/internal/filestore"
	"github.com/cuongbtq/dataport/internal/job"
	"github.com/cuongbtq/dataport/internal/job/storage"
	"github.com/cuongbtq/dataport/internal/registry"
	"github.com/google/uuid"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100

	// DefaultMaxUploadBytes caps an import source file
	DefaultMaxUploadBytes = 10 << 20
)

var (
	ErrInvalidRequest = errors.New("invalid submission")
	ErrFileTooLarge   = errors.New("upload exceeds the size limit")
)

// Request describes a new job. Imports carry File and FileName; exports carry Format and Filters.
type Request struct {
	OrganizationID string
	Kind           string
	Priority       string
	Format         string
	Filters        map[string]string
	FileName       string
	File           io.Reader
}

// ListFilter narrows List results
type ListFilter struct {
	Kind     string
	Status   string
	PageSize int
	Cursor   *storage.JobCursor
}

// Page is one page of jobs, newest first. Next is nil on the last page.
type Page struct {
	Jobs []job.Job
	Next *storage.JobCursor
}

// Config holds the dependencies of a Service
type Config struct {
	Logger   *slog.Logger
	Store    storage.Store
	Broker   broker.Broker
	Registry *registry.Registry
	Files    filestore.Store
	// Retry maps a queue class to its policy; MaxAttempts is copied onto new jobs
	Retry          map[string]broker.RetryPolicy
	MaxUploadBytes int64
	Now            func() time.Time
}

// Service creates job records, stores their sources and enqueues them
type Service struct {
	logger         *slog.Logger
	store          storage.Store
	broker         broker.Broker
	registry       *registry.Registry
	files          filestore.Store
	retry          map[string]broker.RetryPolicy
	maxUploadBytes int64
	now            func() time.Time
}

// NewService creates a submission service
func NewService(cfg *Config) *Service {
	s := &Service{
		logger:         cfg.Logger,
		store:          cfg.Store,
		broker:         cfg.Broker,
		registry:       cfg.Registry,
		files:          cfg.Files,
		retry:          cfg.Retry,
		maxUploadBytes: cfg.MaxUploadBytes,
		now:            cfg.Now,
	}
	if s.maxUploadBytes <= 0 {
		s.maxUploadBytes = DefaultMaxUploadBytes
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// Submit creates a pending job and enqueues it. A kind without a registered handler still gets a
// record, failed immediately and never enqueued, and its id is returned with ErrUnknownKind.
func (s *Service) Submit(ctx context.Context, req Request) (string, error) {
	if req.OrganizationID == "" {
		return "", fmt.Errorf("%w: organization id is required", ErrInvalidRequest)
	}

	priority, err := job.ParsePriority(req.Priority)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	kind, kindErr := job.ParseKind(req.Kind)
	if kindErr == nil && !s.registry.Supports(kind) {
		kindErr = fmt.Errorf("%w: no handler registered for %q", job.ErrUnknownKind, kind)
	}
	if kindErr != nil {
		return s.reject(ctx, req, priority, kindErr)
	}

	now := s.now()
	j := &job.Job{
		ID:             uuid.NewString(),
		OrganizationID: req.OrganizationID,
		Kind:           kind,
		Direction:      kind.Direction(),
		Status:         job.StatusPending,
		Priority:       priority,
		MaxAttempts:    s.policy(kind.Queue()).MaxAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	switch j.Direction {
	case job.DirectionImport:
		if err := s.prepareImport(ctx, j, req); err != nil {
			return "", err
		}
	default:
		if err := s.prepareExport(j, req); err != nil {
			return "", err
		}
	}

	if err := s.store.Create(ctx, j); err != nil {
		s.discardSource(ctx, j)
		return "", fmt.Errorf("failed to create job: %w", err)
	}

	msg := broker.Message{JobID: j.ID, Queue: kind.Queue(), Priority: priority}
	if err := s.broker.Enqueue(ctx, msg); err != nil {
		s.logger.Error("Failed to enqueue job",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
		if rejectErr := s.store.Reject(ctx, j.ID, "failed to enqueue: "+err.Error()); rejectErr != nil {
			s.logger.Error("Failed to mark unqueued job as failed",
				slog.String("job_id", j.ID),
				slog.String("error", rejectErr.Error()),
			)
		}
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.logger.Info("Job submitted",
		slog.String("job_id", j.ID),
		slog.String("organization_id", j.OrganizationID),
		slog.String("kind", string(j.Kind)),
		slog.String("priority", priority.String()),
		slog.String("format", j.Format),
	)
	return j.ID, nil
}

func (s *Service) prepareImport(ctx context.Context, j *job.Job, req Request) error {
	if req.File == nil || req.FileName == "" {
		return fmt.Errorf("%w: an import needs a file", ErrInvalidRequest)
	}

	format, err := codec.DetectFormat(req.FileName)
	if err != nil {
		return err
	}
	if !format.Importable() {
		return fmt.Errorf("%w: %s files cannot be imported", job.ErrUnsupportedFormat, format)
	}

	key := filestore.UploadKey(j.ID, "."+format.Extension())
	limited := io.LimitReader(req.File, s.maxUploadBytes+1)
	ref, err := s.files.Save(ctx, j.OrganizationID, key, limited, format.ContentType())
	if err != nil {
		return fmt.Errorf("failed to store upload: %w", err)
	}
	ref.Name = req.FileName

	j.Format = string(format)
	j.Source = job.Source{File: &ref}

	if ref.Size > s.maxUploadBytes {
		s.discardSource(ctx, j)
		return fmt.Errorf("%w: limit is %d bytes", ErrFileTooLarge, s.maxUploadBytes)
	}
	return nil
}

func (s *Service) prepareExport(j *job.Job, req Request) error {
	format, err := codec.ParseFormat(req.Format)
	if err != nil {
		return err
	}
	j.Format = string(format)
	j.Source = job.Source{Filters: req.Filters}
	return nil
}

// reject records a submission whose kind cannot run, so the caller still gets a job to poll
func (s *Service) reject(ctx context.Context, req Request, priority job.Priority, cause error) (string, error) {
	now := s.now()
	direction := job.DirectionExport
	if strings.HasPrefix(req.Kind, string(job.DirectionImport)+":") {
		direction = job.DirectionImport
	}

	j := &job.Job{
		ID:             uuid.NewString(),
		OrganizationID: req.OrganizationID,
		Kind:           job.Kind(req.Kind),
		Direction:      direction,
		Status:         job.StatusPending,
		Priority:       priority,
		Format:         req.Format,
		Source:         job.Source{Filters: req.Filters},
		MaxAttempts:    s.policy(string(direction)).MaxAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.Create(ctx, j); err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}
	if err := s.store.Reject(ctx, j.ID, cause.Error()); err != nil {
		return "", fmt.Errorf("failed to reject job: %w", err)
	}

	s.logger.Warn("Job rejected",
		slog.String("job_id", j.ID),
		slog.String("kind", req.Kind),
		slog.String("reason", cause.Error()),
	)
	return j.ID, cause
}

func (s *Service) discardSource(ctx context.Context, j *job.Job) {
	if j.Source.File == nil {
		return
	}
	if err := s.files.Delete(ctx, j.OrganizationID, j.Source.File.Key); err != nil {
		s.logger.Warn("Failed to delete upload",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) policy(queue string) broker.RetryPolicy {
	if p, ok := s.retry[queue]; ok && p.MaxAttempts > 0 {
		return p
	}
	return broker.DefaultRetryPolicy
}

// Get returns a job of the organization
func (s *Service) Get(ctx context.Context, jobID, organizationID string) (*job.Job, error) {
	return s.store.Get(ctx, jobID, organizationID)
}

// List returns one page of the organization's jobs
func (s *Service) List(ctx context.Context, organizationID string, filter ListFilter) (*Page, error) {
	if organizationID == "" {
		return nil, fmt.Errorf("%w: organization id is required", ErrInvalidRequest)
	}

	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	jobs, err := s.store.List(ctx, storage.JobFilter{
		OrganizationID: organizationID,
		Kind:           filter.Kind,
		Status:         filter.Status,
		PageSize:       pageSize,
		Cursor:         filter.Cursor,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	page := &Page{Jobs: jobs}
	if len(jobs) > pageSize {
		page.Jobs = jobs[:pageSize]
		last := page.Jobs[pageSize-1]
		page.Next = &storage.JobCursor{CreatedAt: last.CreatedAt, JobID: last.ID}
	}
	return page, nil
}

// Download opens the result file of a completed, unexpired export
func (s *Service) Download(ctx context.Context, jobID, organizationID string) (io.ReadCloser, *job.FileRef, error) {
	j, err := s.store.Get(ctx, jobID, organizationID)
	if err != nil {
		return nil, nil, err
	}

	if !j.ResultAvailable(s.now()) {
		return nil, nil, fmt.Errorf("%w: job is %s", job.ErrResultUnavailable, j.Status)
	}

	rc, err := s.files.Open(ctx, organizationID, j.Result.Key)
	if err != nil {
		if errors.Is(err, filestore.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: result file was removed", job.ErrResultUnavailable)
		}
		return nil, nil, fmt.Errorf("failed to open result: %w", err)
	}
	return rc, j.Result, nil
}

// Cancel fails a pending job immediately. A processing job gets the cancel flag and stops at its
// next row boundary.
func (s *Service) Cancel(ctx context.Context, jobID, organizationID string) (*job.Job, error) {
	j, err := s.store.Get(ctx, jobID, organizationID)
	if err != nil {
		return nil, err
	}
	if j.Status.IsTerminal() {
		return nil, job.ErrJobTerminal
	}

	if j.Status == job.StatusPending {
		err := s.store.Reject(ctx, jobID, job.ErrCanceled.Error())
		if err == nil {
			s.logger.Info("Pending job canceled",
				slog.String("job_id", jobID),
			)
			return s.store.Get(ctx, jobID, organizationID)
		}
		// claimed in the meantime; fall back to the flag
		if !errors.Is(err, job.ErrInvalidTransition) {
			return nil, fmt.Errorf("failed to cancel job: %w", err)
		}
	}

	j, err = s.store.RequestCancel(ctx, jobID, organizationID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Cancellation requested",
		slog.String("job_id", jobID),
		slog.String("status", string(j.Status)),
	)
	return j, nil
}

// ListExpired returns the ids of jobs whose result expired before the given time
func (s *Service) ListExpired(ctx context.Context, before time.Time) ([]string, error) {
	return s.store.ListExpired(ctx, before)
}
