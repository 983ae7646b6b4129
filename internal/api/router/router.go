package router

import (
	"github.com/cuongbtq/dataport/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()
	r.MaxMultipartMemory = 8 << 20

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	healthHandler := handler.NewHealthHandler("dataport-api", deps)

	// GET /health - Liveness
	r.GET("/health", healthHandler.Live)

	// GET /ready - Store, broker and connection probes
	r.GET("/ready", healthHandler.Ready)

	jobHandler := handler.NewJobHandler(deps)

	v1 := r.Group("/api/v1")
	v1.Use(OrganizationMiddleware())
	{
		// POST /api/v1/imports - Upload a file and queue an import
		v1.POST("/imports", jobHandler.CreateImport)

		// POST /api/v1/exports - Queue an export
		v1.POST("/exports", jobHandler.CreateExport)

		jobs := v1.Group("/jobs")
		{
			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job status and progress
			jobs.GET("/:job_id", jobHandler.GetJob)

			// GET /api/v1/jobs/:job_id/download - Download an export result
			jobs.GET("/:job_id/download", jobHandler.DownloadResult)

			// POST /api/v1/jobs/:job_id/cancel - Cancel a job
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
		}
	}

	return r
}
