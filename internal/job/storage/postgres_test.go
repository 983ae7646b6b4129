package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cuongbtq/dataport/internal/job"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var columnNames = []string{
	"job_id", "organization_id", "kind", "direction", "status", "priority", "format", "source",
	"total_records", "processed_records", "success_records", "error_records", "error_log", "result",
	"attempts", "max_attempts", "last_error", "worker_id", "lease_expires_at", "cancel_requested",
	"created_at", "updated_at", "completed_at", "expires_at",
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPostgresStore(sqlx.NewDb(db, "postgres"), logger), mock
}

func jobRow(status job.Status, attempts int) *sqlmock.Rows {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(columnNames).AddRow(
		"job-1", "org-1", "import:inventory", "import", string(status), 1, "csv",
		[]byte(`{"file":{"key":"org-1/uploads/job-1.csv","name":"items.csv","size":42,"content_type":"text/csv"}}`),
		nil, 0, 0, 0, []byte(`{"entries":[]}`), nil,
		attempts, 3, "", "worker-a", nil, false,
		created, created, nil, nil,
	)
}

func TestPostgresStore_Get(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`FROM jobs WHERE job_id = \$1 AND organization_id = \$2`).
		WithArgs("job-1", "org-1").
		WillReturnRows(jobRow(job.StatusPending, 0))

	j, err := s.Get(context.Background(), "job-1", "org-1")
	require.NoError(t, err)
	assert.Equal(t, job.KindImportInventory, j.Kind)
	assert.Equal(t, job.PriorityNormal, j.Priority)
	require.NotNil(t, j.Source.File)
	assert.Equal(t, "items.csv", j.Source.File.Name)
	assert.Nil(t, j.Result)
	assert.Nil(t, j.TotalRecords)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`FROM jobs WHERE job_id = \$1 AND organization_id = \$2`).
		WithArgs("job-1", "org-2").
		WillReturnRows(sqlmock.NewRows(columnNames))

	_, err := s.Get(context.Background(), "job-1", "org-2")
	assert.ErrorIs(t, err, job.ErrJobNotFound)
}

func TestPostgresStore_Claim(t *testing.T) {
	s, mock := newMockStore(t)
	lease := time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC)

	mock.ExpectQuery(`UPDATE jobs\s+SET status = \$1`).
		WithArgs(job.StatusProcessing, "worker-a", lease, "job-1", job.StatusPending).
		WillReturnRows(jobRow(job.StatusProcessing, 1))

	j, err := s.Claim(context.Background(), "job-1", "worker-a", lease)
	require.NoError(t, err)
	assert.Equal(t, job.StatusProcessing, j.Status)
	assert.Equal(t, 1, j.Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimRejected(t *testing.T) {
	tests := []struct {
		name    string
		current job.Status
		want    error
	}{
		{"terminal job", job.StatusCompleted, job.ErrJobTerminal},
		{"live lease", job.StatusProcessing, job.ErrJobAlreadyClaimed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)

			mock.ExpectQuery(`UPDATE jobs\s+SET status = \$1`).WillReturnRows(sqlmock.NewRows(columnNames))
			mock.ExpectQuery(`FROM jobs WHERE job_id = \$1`).
				WithArgs("job-1").
				WillReturnRows(jobRow(tt.current, 1))

			_, err := s.Claim(context.Background(), "job-1", "worker-b", time.Now())
			assert.ErrorIs(t, err, tt.want)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresStore_OwnedUpdates(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE jobs\s+SET status = \$1,\s+worker_id = ''`).
		WithArgs(job.StatusPending, "timeout", "job-1", "worker-a", job.StatusProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Requeue(ctx, "job-1", "worker-a", "timeout"))

	mock.ExpectExec(`UPDATE jobs\s+SET status = \$1,.*attempts = GREATEST\(attempts - 1, 0\)`).
		WithArgs(job.StatusPending, "worker shutdown", "job-1", "worker-a", job.StatusProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Release(ctx, "job-1", "worker-a", "worker shutdown"))

	mock.ExpectExec(`UPDATE jobs\s+SET status = \$1,\s+total_records`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := s.Complete(ctx, "job-1", "worker-a", job.Snapshot{}, nil, nil)
	assert.ErrorIs(t, err, job.ErrLeaseLost)

	mock.ExpectExec(`UPDATE jobs\s+SET total_records`).
		WillReturnError(errors.New("connection reset"))
	err = s.SaveProgress(ctx, "job-1", "worker-a", job.Snapshot{})
	require.Error(t, err)
	assert.Equal(t, job.ErrorKindTransient, job.Classify(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListExpired(t *testing.T) {
	s, mock := newMockStore(t)
	before := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT job_id\s+FROM jobs\s+WHERE expires_at IS NOT NULL AND expires_at < \$1`).
		WithArgs(before).
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}).AddRow("job-1").AddRow("job-2"))

	ids, err := s.ListExpired(context.Background(), before)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1", "job-2"}, ids)
}
