package main

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/san-kum/collision-risk/server/config"
	"github.com/san-kum/collision-risk/server/handlers"
	"github.com/san-kum/collision-risk/server/middleware"
	"github.com/san-kum/collision-risk/server/processor"
)

const (
	serviceName   = "ksi-risk-server"
	batchJobsPath = "/api/v1/batch-jobs"

	// multipartOverhead covers boundaries and part headers around the file.
	multipartOverhead = 64 * 1024
)

type routeDeps struct {
	predict     *handlers.PredictHandler
	ws          *handlers.WebSocketHandler
	auth        *middleware.AuthMiddleware
	rateLimiter *middleware.RateLimiter
	processor   *processor.RiskProcessor
	security    config.SecurityConfig
}

func setupRoutes(router *gin.Engine, d routeDeps) {
	health := middleware.HealthCheck(serviceName, func() gin.H {
		model := d.processor.Runtime().Model
		return gin.H{
			"model_version": model.Version,
			"model_type":    model.ModelType,
		}
	})

	router.GET("/health", health)
	router.GET("/metrics", middleware.IPWhitelist(d.security.MetricsIPs), gin.WrapH(promhttp.Handler()))

	router.GET("/ws", d.rateLimiter.RateLimit(), d.ws.HandleWebSocket)

	api := router.Group("/api/v1")
	{
		api.GET("/health", health)

		public := api.Group("/")
		public.Use(d.rateLimiter.RateLimit())
		{
			public.GET("/model", d.predict.GetModel)
			public.GET("/scenario-options", d.predict.GetScenarioOptions)
			public.GET("/stats", d.predict.GetStats)
		}

		scoring := api.Group("/")
		scoring.Use(d.rateLimiter.RateLimit())
		{
			scoring.POST("/predict", middleware.RequestSizeLimit(d.security.MaxRequestSize), d.predict.Predict)
			scoring.POST("/predict/batch", middleware.RequestSizeLimit(d.security.MaxRequestSize), d.predict.PredictBatch)
			scoring.GET("/batch-jobs/:job_id", d.predict.GetBatchJob)
		}

		// Uploads get a stricter per-client budget of their own.
		uploads := api.Group("/")
		uploads.Use(d.rateLimiter.RateLimitWithConfig(1, 5))
		uploads.Use(middleware.RequestSizeLimit(d.security.MaxUploadSize + multipartOverhead))
		{
			uploads.POST("/batch-jobs", d.predict.UploadBatch)
		}

		admin := api.Group("/admin")
		admin.Use(d.auth.RequireAdmin())
		{
			admin.GET("/cache-stats", d.predict.GetCacheStats)
			admin.DELETE("/cache", d.predict.ClearCache)
		}
	}
}
