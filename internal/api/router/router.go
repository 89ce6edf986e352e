package router

import (
	"github.com/cuongbtq/post-scheduler/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(RecoveryMiddleware(deps.Logger))
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	systemHandler := handler.NewSystemHandler(deps)
	jobHandler := handler.NewJobHandler(deps)
	batchHandler := handler.NewBatchHandler(deps)
	accountHandler := handler.NewAccountHandler(deps)

	r.GET("/health", systemHandler.Health)

	v1 := r.Group("/api/v1", UserMiddleware())
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", jobHandler.CreateJob)
			jobs.GET("", jobHandler.ListJobs)
			jobs.GET("/:job_id", jobHandler.GetJob)
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
		}

		batches := v1.Group("/batches")
		{
			batches.POST("", batchHandler.CreateBatch)
			batches.GET("", batchHandler.ListBatches)
			batches.GET("/:batch_id", batchHandler.GetBatch)
			batches.POST("/:batch_id/cancel", batchHandler.CancelBatch)
			batches.POST("/:batch_id/pause", batchHandler.PauseBatch)
			batches.POST("/:batch_id/resume", batchHandler.ResumeBatch)
		}

		account := v1.Group("/account")
		{
			account.GET("", accountHandler.GetStatus)
			account.DELETE("", accountHandler.Disconnect)
			account.GET("/authorize", accountHandler.Authorize)
			account.POST("/connect", accountHandler.Connect)
			account.POST("/token", accountHandler.SaveToken)
		}

		v1.GET("/queue/stats", systemHandler.QueueStats)
		v1.GET("/analytics", systemHandler.Analytics)
	}

	return r
}
