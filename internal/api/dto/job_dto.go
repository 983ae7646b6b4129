package dto

import (
	"time"

	"github.com/cuongbtq/dataport/internal/job"
)

type CreateImportRequest struct {
	Kind     string `form:"kind" binding:"required"`
	Priority string `form:"priority"`
}

type CreateExportRequest struct {
	Kind     string            `json:"kind" binding:"required"`
	Format   string            `json:"format" binding:"required"`
	Priority string            `json:"priority"`
	Filters  map[string]string `json:"filters"`
}

type SubmitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type ListJobsRequest struct {
	Kind     string `form:"kind"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID            string            `json:"job_id"`
	Kind             string            `json:"kind"`
	Direction        string            `json:"direction"`
	Status           string            `json:"status"`
	Priority         string            `json:"priority"`
	Format           string            `json:"format"`
	SourceFile       string            `json:"source_file,omitempty"`
	Filters          map[string]string `json:"filters,omitempty"`
	TotalRecords     *int              `json:"total_records"`
	ProcessedRecords int               `json:"processed_records"`
	SuccessRecords   int               `json:"success_records"`
	ErrorRecords     int               `json:"error_records"`
	ErrorLog         job.ErrorLog      `json:"error_log"`
	Attempts         int               `json:"attempts"`
	MaxAttempts      int               `json:"max_attempts"`
	LastError        string            `json:"last_error,omitempty"`
	CancelRequested  bool              `json:"cancel_requested"`
	Result           *ResultDTO        `json:"result,omitempty"`
	CreatedAt        string            `json:"created_at"`
	UpdatedAt        string            `json:"updated_at"`
	CompletedAt      string            `json:"completed_at,omitempty"`
	ExpiresAt        string            `json:"expires_at,omitempty"`
}

type ResultDTO struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	DownloadURL string `json:"download_url,omitempty"`
}

// NewJobDTO renders a job record; the download link is only offered while the result is available
func NewJobDTO(j *job.Job, now time.Time) JobDTO {
	out := JobDTO{
		JobID:            j.ID,
		Kind:             string(j.Kind),
		Direction:        string(j.Direction),
		Status:           string(j.Status),
		Priority:         j.Priority.String(),
		Format:           j.Format,
		Filters:          j.Source.Filters,
		TotalRecords:     j.TotalRecords,
		ProcessedRecords: j.ProcessedRecords,
		SuccessRecords:   j.SuccessRecords,
		ErrorRecords:     j.ErrorRecords,
		ErrorLog:         j.ErrorLog,
		Attempts:         j.Attempts,
		MaxAttempts:      j.MaxAttempts,
		LastError:        j.LastError,
		CancelRequested:  j.CancelRequested,
		CreatedAt:        j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        j.UpdatedAt.Format(time.RFC3339),
	}

	if j.Source.File != nil {
		out.SourceFile = j.Source.File.Name
	}
	if j.CompletedAt != nil {
		out.CompletedAt = j.CompletedAt.Format(time.RFC3339)
	}
	if j.ExpiresAt != nil {
		out.ExpiresAt = j.ExpiresAt.Format(time.RFC3339)
	}
	if j.Result != nil {
		out.Result = &ResultDTO{
			Name:        j.Result.Name,
			Size:        j.Result.Size,
			ContentType: j.Result.ContentType,
		}
		if j.ResultAvailable(now) {
			out.Result.DownloadURL = "/api/v1/jobs/" + j.ID + "/download"
		}
	}

	return out
}
