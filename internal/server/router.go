package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/geocore/coremachine/internal/handlers"
)

type RouterConfig struct {
	JobsHandler     *handlers.JobsHandler
	PlatformHandler *handlers.PlatformHandler
	AdminHandler    *handlers.AdminHandler
	HealthHandler   *handlers.HealthHandler
	AllowOrigins    []string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()
	router.Use(otelgin.Middleware("coremachine"))

	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/health", cfg.HealthHandler.Check)

	api := router.Group("/api")
	{
		// Jobs
		api.POST("/jobs/submit/:job_type", cfg.JobsHandler.Submit)
		api.GET("/jobs/status/:job_id", cfg.JobsHandler.Status)
		api.GET("/tasks", cfg.JobsHandler.Tasks)
		api.GET("/jobs", cfg.JobsHandler.List)
		api.POST("/jobs/cancel/:job_id", cfg.JobsHandler.Cancel)
		api.GET("/jobs/types", cfg.JobsHandler.Types)
		// Platform
		api.POST("/platform/submit", cfg.PlatformHandler.Submit)
		// Admin
		api.GET("/admin/deadletters", cfg.AdminHandler.DeadLetters)
	}

	return router
}
