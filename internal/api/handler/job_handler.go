package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/dataport/internal/api/dto"
	"github.com/cuongbtq/dataport/internal/job"
	"github.com/cuongbtq/dataport/internal/submission"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// OrganizationIDKey is the gin context key holding the caller's organization
const OrganizationIDKey = "organization_id"

// multipartOverhead leaves room for boundaries and form fields around the file part
const multipartOverhead = 1 << 20

// CreateImport handles POST /api/v1/imports
// Accepts a multipart upload (field "file") and queues an import job
func (h *JobHandler) CreateImport(c *gin.Context) {
	orgID := c.GetString(OrganizationIDKey)

	h.logger.Info("CreateImport called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("organization_id", orgID),
	)

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+multipartOverhead)

	var req dto.CreateImportRequest
	if err := c.ShouldBind(&req); err != nil {
		h.respondBindError(c, err, "Invalid form data")
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		h.respondBindError(c, err, "file is required")
		return
	}
	if fileHeader.Size > h.maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("file exceeds the %d byte limit", h.maxUploadBytes),
		})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		h.logger.Error("Failed to open uploaded file", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Failed to read uploaded file",
		})
		return
	}
	defer file.Close()

	jobID, err := h.service.Submit(c.Request.Context(), submission.Request{
		OrganizationID: orgID,
		Kind:           req.Kind,
		Priority:       req.Priority,
		FileName:       fileHeader.Filename,
		File:           file,
	})
	if err != nil {
		h.respondError(c, jobID, err, "Failed to create import job")
		return
	}

	c.JSON(http.StatusAccepted, dto.SubmitResponse{
		JobID:  jobID,
		Status: string(job.StatusPending),
	})
}

// CreateExport handles POST /api/v1/exports
func (h *JobHandler) CreateExport(c *gin.Context) {
	orgID := c.GetString(OrganizationIDKey)

	h.logger.Info("CreateExport called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("organization_id", orgID),
	)

	var req dto.CreateExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	jobID, err := h.service.Submit(c.Request.Context(), submission.Request{
		OrganizationID: orgID,
		Kind:           req.Kind,
		Priority:       req.Priority,
		Format:         req.Format,
		Filters:        req.Filters,
	})
	if err != nil {
		h.respondError(c, jobID, err, "Failed to create export job")
		return
	}

	c.JSON(http.StatusAccepted, dto.SubmitResponse{
		JobID:  jobID,
		Status: string(job.StatusPending),
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns status, progress counters and the error log of a job
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	j, err := h.service.Get(c.Request.Context(), jobID, c.GetString(OrganizationIDKey))
	if err != nil {
		h.respondError(c, "", err, "Failed to get job")
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(j, h.now()))
}

// ListJobs handles GET /api/v1/jobs
// Lists the organization's jobs newest first with cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	h.logger.Info("ListJobs called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("query", c.Request.URL.RawQuery),
	)

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	page, err := h.service.List(c.Request.Context(), c.GetString(OrganizationIDKey), submission.ListFilter{
		Kind:     req.Kind,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.respondError(c, "", err, "Failed to list jobs")
		return
	}

	now := h.now()
	jobs := make([]dto.JobDTO, len(page.Jobs))
	for i := range page.Jobs {
		jobs[i] = dto.NewJobDTO(&page.Jobs[i], now)
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobs,
		NextCursor: EncodeJobCursor(page.Next),
	})
}

// DownloadResult handles GET /api/v1/jobs/:job_id/download
// Streams the generated file of a completed export until it expires
func (h *JobHandler) DownloadResult(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	rc, ref, err := h.service.Download(c.Request.Context(), jobID, c.GetString(OrganizationIDKey))
	if err != nil {
		h.respondError(c, "", err, "Failed to download result")
		return
	}
	defer rc.Close()

	c.DataFromReader(http.StatusOK, ref.Size, ref.ContentType, rc, map[string]string{
		"Content-Disposition": fmt.Sprintf(`attachment; filename="%s"`, ref.Name),
	})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// A pending job fails at once; a processing job stops at its next row
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	h.logger.Info("CancelJob called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("job_id", jobID),
	)

	j, err := h.service.Cancel(c.Request.Context(), jobID, c.GetString(OrganizationIDKey))
	if err != nil {
		h.respondError(c, "", err, "Failed to cancel job")
		return
	}

	status := http.StatusOK
	if !j.Status.IsTerminal() {
		status = http.StatusAccepted
	}
	c.JSON(status, dto.NewJobDTO(j, h.now()))
}

func (h *JobHandler) jobIDParam(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return "", false
	}
	return jobID, true
}

func (h *JobHandler) respondBindError(c *gin.Context, err error, message string) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("file exceeds the %d byte limit", h.maxUploadBytes),
		})
		return
	}

	h.logger.Error(message, slog.String("error", err.Error()))
	c.JSON(http.StatusBadRequest, gin.H{
		"error": message,
	})
}

// respondError maps service errors to HTTP statuses. jobID is set when a record was created
// even though the submission failed.
func (h *JobHandler) respondError(c *gin.Context, jobID string, err error, fallback string) {
	body := gin.H{"error": err.Error()}
	if jobID != "" {
		body["job_id"] = jobID
	}

	switch {
	case errors.Is(err, job.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, job.ErrUnknownKind):
		c.JSON(http.StatusUnprocessableEntity, body)
	case errors.Is(err, submission.ErrInvalidRequest), errors.Is(err, job.ErrUnsupportedFormat):
		c.JSON(http.StatusBadRequest, body)
	case errors.Is(err, submission.ErrFileTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, body)
	case errors.Is(err, job.ErrResultUnavailable), errors.Is(err, job.ErrJobTerminal):
		c.JSON(http.StatusConflict, body)
	default:
		h.logger.Error(fallback, slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fallback,
		})
	}
}
