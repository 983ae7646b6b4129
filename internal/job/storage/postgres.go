package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/dataport/internal/job"
	"github.com/jmoiron/sqlx"
)

const jobColumns = `
	job_id, organization_id, kind, direction, status, priority, format, source,
	total_records, processed_records, success_records, error_records, error_log, result,
	attempts, max_attempts, last_error, worker_id, lease_expires_at, cancel_requested,
	created_at, updated_at, completed_at, expires_at
`

// PostgresStore keeps job records in the jobs table
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresStore creates a Store backed by db
func NewPostgresStore(db *sqlx.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

func (s *PostgresStore) Create(ctx context.Context, j *job.Job) error {
	query := `
		INSERT INTO jobs (
			job_id, organization_id, kind, direction, status, priority, format, source,
			error_log, max_attempts, created_at, updated_at
		) VALUES (
			:job_id, :organization_id, :kind, :direction, :status, :priority, :format, :source,
			:error_log, :max_attempts, :created_at, :updated_at
		)
	`

	if _, err := s.db.NamedExecContext(ctx, query, j); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

func (s *PostgresStore) Get(ctx context.Context, jobID, organizationID string) (*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1 AND organization_id = $2`

	var j job.Job
	if err := s.db.GetContext(ctx, &j, query, jobID, organizationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &j, nil
}

func (s *PostgresStore) GetByID(ctx context.Context, jobID string) (*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	var j job.Job
	if err := s.db.GetContext(ctx, &j, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &j, nil
}

// List returns one page plus one extra row so callers can tell whether more results exist
func (s *PostgresStore) List(ctx context.Context, filter JobFilter) ([]job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE organization_id = $1`
	args := []interface{}{filter.OrganizationID}
	argIdx := 2

	if filter.Kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, filter.Kind)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []job.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

func (s *PostgresStore) Claim(ctx context.Context, jobID, workerID string, leaseUntil time.Time) (*job.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    worker_id = $2,
		    lease_expires_at = $3,
		    attempts = attempts + 1,
		    total_records = NULL,
		    processed_records = 0,
		    success_records = 0,
		    error_records = 0,
		    error_log = '{"entries":[]}',
		    updated_at = NOW()
		WHERE job_id = $4
		  AND (status = $5 OR (status = $1 AND lease_expires_at < NOW()))
		RETURNING ` + jobColumns

	var j job.Job
	err := s.db.GetContext(ctx, &j, query, job.StatusProcessing, workerID, leaseUntil, jobID, job.StatusPending)
	if err == nil {
		s.logger.Info("Job claimed successfully",
			slog.String("job_id", jobID),
			slog.String("worker_id", workerID),
			slog.Int("attempt", j.Attempts),
		)
		return &j, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	current, getErr := s.GetByID(ctx, jobID)
	if getErr != nil {
		return nil, getErr
	}

	s.logger.Warn("Failed to claim job",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
		slog.String("status", string(current.Status)),
	)
	return nil, claimError(current)
}

func (s *PostgresStore) ExtendLease(ctx context.Context, jobID, workerID string, leaseUntil time.Time) error {
	query := `
		UPDATE jobs
		SET lease_expires_at = $1,
		    updated_at = NOW()
		WHERE job_id = $2 AND worker_id = $3 AND status = $4
	`

	return s.ownedExec(ctx, "extend lease", query, leaseUntil, jobID, workerID, job.StatusProcessing)
}

func (s *PostgresStore) SaveProgress(ctx context.Context, jobID, workerID string, snap job.Snapshot) error {
	query := `
		UPDATE jobs
		SET total_records = $1,
		    processed_records = $2,
		    success_records = $3,
		    error_records = $4,
		    error_log = $5,
		    updated_at = NOW()
		WHERE job_id = $6 AND worker_id = $7 AND status = $8
	`

	return s.ownedExec(ctx, "save progress", query,
		snap.Total, snap.Processed, snap.Success, snap.Errors, snap.ErrorLog,
		jobID, workerID, job.StatusProcessing,
	)
}

func (s *PostgresStore) Requeue(ctx context.Context, jobID, workerID, lastErr string) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    worker_id = '',
		    lease_expires_at = NULL,
		    last_error = $2,
		    total_records = NULL,
		    processed_records = 0,
		    success_records = 0,
		    error_records = 0,
		    error_log = '{"entries":[]}',
		    updated_at = NOW()
		WHERE job_id = $3 AND worker_id = $4 AND status = $5
	`

	return s.ownedExec(ctx, "requeue job", query, job.StatusPending, lastErr, jobID, workerID, job.StatusProcessing)
}

func (s *PostgresStore) Release(ctx context.Context, jobID, workerID, lastErr string) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    worker_id = '',
		    lease_expires_at = NULL,
		    last_error = $2,
		    attempts = GREATEST(attempts - 1, 0),
		    total_records = NULL,
		    processed_records = 0,
		    success_records = 0,
		    error_records = 0,
		    error_log = '{"entries":[]}',
		    updated_at = NOW()
		WHERE job_id = $3 AND worker_id = $4 AND status = $5
	`

	return s.ownedExec(ctx, "release job", query, job.StatusPending, lastErr, jobID, workerID, job.StatusProcessing)
}

func (s *PostgresStore) Complete(ctx context.Context, jobID, workerID string, snap job.Snapshot, result *job.FileRef, expiresAt *time.Time) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    total_records = $2,
		    processed_records = $3,
		    success_records = $4,
		    error_records = $5,
		    error_log = $6,
		    result = $7,
		    expires_at = $8,
		    lease_expires_at = NULL,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $9 AND worker_id = $10 AND status = $11
	`

	return s.ownedExec(ctx, "complete job", query,
		job.StatusCompleted, snap.Total, snap.Processed, snap.Success, snap.Errors, snap.ErrorLog,
		result, expiresAt, jobID, workerID, job.StatusProcessing,
	)
}

func (s *PostgresStore) Fail(ctx context.Context, jobID, workerID string, snap job.Snapshot, lastErr string) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    total_records = $2,
		    processed_records = $3,
		    success_records = $4,
		    error_records = $5,
		    error_log = $6,
		    last_error = $7,
		    lease_expires_at = NULL,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $8 AND worker_id = $9 AND status = $10
	`

	return s.ownedExec(ctx, "fail job", query,
		job.StatusFailed, snap.Total, snap.Processed, snap.Success, snap.Errors, snap.ErrorLog,
		lastErr, jobID, workerID, job.StatusProcessing,
	)
}

func (s *PostgresStore) Reject(ctx context.Context, jobID, lastErr string) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    last_error = $2,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $3 AND status = $4
	`

	result, err := s.db.ExecContext(ctx, query, job.StatusFailed, lastErr, jobID, job.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to reject job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return job.ErrInvalidTransition
	}

	return nil
}

func (s *PostgresStore) RequestCancel(ctx context.Context, jobID, organizationID string) (*job.Job, error) {
	query := `
		UPDATE jobs
		SET cancel_requested = TRUE,
		    updated_at = NOW()
		WHERE job_id = $1 AND organization_id = $2 AND status IN ($3, $4)
		RETURNING ` + jobColumns

	var j job.Job
	err := s.db.GetContext(ctx, &j, query, jobID, organizationID, job.StatusPending, job.StatusProcessing)
	if err == nil {
		return &j, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to request cancellation: %w", err)
	}

	if _, getErr := s.Get(ctx, jobID, organizationID); getErr != nil {
		return nil, getErr
	}
	return nil, job.ErrJobTerminal
}

func (s *PostgresStore) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var requested bool
	if err := s.db.GetContext(ctx, &requested, `SELECT cancel_requested FROM jobs WHERE job_id = $1`, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, job.ErrJobNotFound
		}
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return requested, nil
}

func (s *PostgresStore) ListExpired(ctx context.Context, before time.Time) ([]string, error) {
	query := `
		SELECT job_id
		FROM jobs
		WHERE expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at
	`

	var ids []string
	if err := s.db.SelectContext(ctx, &ids, query, before); err != nil {
		return nil, fmt.Errorf("failed to list expired jobs: %w", err)
	}

	return ids, nil
}

func (s *PostgresStore) Delete(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// ownedExec runs a worker-side update and reports job.ErrLeaseLost when the row is no longer
// owned by the caller
func (s *PostgresStore) ownedExec(ctx context.Context, op, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return job.NewRetryableError(fmt.Errorf("failed to %s: %w", op, err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Job update matched no rows (lease lost)",
			slog.String("operation", op),
		)
		return job.ErrLeaseLost
	}

	return nil
}
