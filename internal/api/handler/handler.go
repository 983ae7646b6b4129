package handler

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/cuongbtq/dataport/internal/job"
	"github.com/cuongbtq/dataport/internal/submission"
)

// JobService is the part of the submission service the handlers use
type JobService interface {
	Submit(ctx context.Context, req submission.Request) (string, error)
	Get(ctx context.Context, jobID, organizationID string) (*job.Job, error)
	List(ctx context.Context, organizationID string, filter submission.ListFilter) (*submission.Page, error)
	Download(ctx context.Context, jobID, organizationID string) (io.ReadCloser, *job.FileRef, error)
	Cancel(ctx context.Context, jobID, organizationID string) (*job.Job, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger         *slog.Logger
	Service        JobService
	MaxUploadBytes int64
	Now            func() time.Time
	// HealthChecks are run by the readiness endpoint, keyed by backend name
	HealthChecks map[string]func(ctx context.Context) error
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger         *slog.Logger
	service        JobService
	maxUploadBytes int64
	now            func() time.Time
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	h := &JobHandler{
		logger:         deps.Logger,
		service:        deps.Service,
		maxUploadBytes: deps.MaxUploadBytes,
		now:            deps.Now,
	}
	if h.maxUploadBytes <= 0 {
		h.maxUploadBytes = submission.DefaultMaxUploadBytes
	}
	if h.now == nil {
		h.now = func() time.Time { return time.Now().UTC() }
	}
	return h
}
