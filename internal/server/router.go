package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/lessonforge/lessonforge-backend/internal/handlers"
)

type RouterConfig struct {
	JobsHandler *handlers.JobsHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	// Cors
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{
			"http://localhost:80",
			"http://localhost:3000",
			"http://localhost:5174",
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)

	api := router.Group("/api")
	{
		api.POST("/jobs", cfg.JobsHandler.CreateJob)
		api.GET("/jobs/:id", cfg.JobsHandler.GetJobByID)
		api.GET("/jobs/:id/logs", cfg.JobsHandler.GetJobLogs)
		api.POST("/jobs/:id/process", cfg.JobsHandler.ProcessJob)
		api.POST("/jobs/:id/stop", cfg.JobsHandler.StopJob)
		api.GET("/accounts/:id/jobs", cfg.JobsHandler.ListJobsByAccount)
	}

	return router
}
