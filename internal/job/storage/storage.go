// Package storage persists job records.
package storage

import (
	"context"
	"time"

	"github.com/cuongbtq/dataport/internal/job"
)

// Store is the job record store shared by the submission service and the workers.
// Worker-side writes (SaveProgress, Requeue, Complete, Fail, ExtendLease) only succeed while
// the caller still owns the job; otherwise they return job.ErrLeaseLost.
type Store interface {
	Create(ctx context.Context, j *job.Job) error
	Get(ctx context.Context, jobID, organizationID string) (*job.Job, error)
	GetByID(ctx context.Context, jobID string) (*job.Job, error)
	List(ctx context.Context, filter JobFilter) ([]job.Job, error)

	// Claim moves a pending job, or a processing job whose lease expired, to processing
	// under workerID. It increments Attempts and resets the counters of earlier attempts.
	Claim(ctx context.Context, jobID, workerID string, leaseUntil time.Time) (*job.Job, error)
	ExtendLease(ctx context.Context, jobID, workerID string, leaseUntil time.Time) error
	SaveProgress(ctx context.Context, jobID, workerID string, snap job.Snapshot) error
	Requeue(ctx context.Context, jobID, workerID, lastErr string) error
	// Release hands a job back to pending without counting the interrupted attempt
	Release(ctx context.Context, jobID, workerID, lastErr string) error
	Complete(ctx context.Context, jobID, workerID string, snap job.Snapshot, result *job.FileRef, expiresAt *time.Time) error
	Fail(ctx context.Context, jobID, workerID string, snap job.Snapshot, lastErr string) error

	// Reject fails a job that was never claimed
	Reject(ctx context.Context, jobID, lastErr string) error
	RequestCancel(ctx context.Context, jobID, organizationID string) (*job.Job, error)
	CancelRequested(ctx context.Context, jobID string) (bool, error)

	ListExpired(ctx context.Context, before time.Time) ([]string, error)
	Delete(ctx context.Context, jobID string) error
}

// JobFilter narrows List results; OrganizationID is mandatory
type JobFilter struct {
	OrganizationID string
	Kind           string
	Status         string
	PageSize       int
	Cursor         *JobCursor
}

// JobCursor marks the last row of the previous page
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// claimError maps an unsuccessful claim to the reason it failed
func claimError(current *job.Job) error {
	if current.Status.IsTerminal() {
		return job.ErrJobTerminal
	}
	return job.ErrJobAlreadyClaimed
}
