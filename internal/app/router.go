package app

import (
	"journey_backend/internal/config"
	"journey_backend/internal/middleware"
	"journey_backend/internal/model"
	"journey_backend/pkg/monitoring"

	"github.com/gin-gonic/gin"
)

func (a *App) registerRoutes(router *gin.Engine, c *controllers, cfg *config.Config) {
	router.GET("/metrics", monitoring.PrometheusHandler())
	registerSwagger(router)

	// 1. 公共路由(无需登录)
	public := router.Group("/api")
	{
		public.GET("/health", c.health.HealthCheck)
	}

	// 2. 需要授权的路由
	authGroup := router.Group("/api")
	authGroup.Use(middleware.AuthMiddleware(cfg))
	{
		a.registerLearnerRoutes(authGroup, c)
		a.registerAdminRoutes(authGroup, c)
	}
}

func (a *App) registerLearnerRoutes(rg *gin.RouterGroup, c *controllers) {
	// 学习旅程
	rg.POST("/journeys/:id/start", c.journey.Start)

	attempts := rg.Group("/attempts/:id")
	{
		attempts.GET("", c.attempt.GetAttempt)
		attempts.GET("/messages", c.attempt.Messages)
		attempts.POST("/submit", c.attempt.Submit)
		attempts.POST("/feedback", c.attempt.Feedback)
		attempts.POST("/report", c.attempt.Report)
		attempts.POST("/abandon", c.attempt.Abandon)
	}

	rg.GET("/tokens/balance", c.token.Balance)

	// 进度推送
	rg.GET("/ws/attempts/:id", c.progress.HandleWS)
}

func (a *App) registerAdminRoutes(rg *gin.RouterGroup, c *controllers) {
	admin := rg.Group("/admin")
	admin.Use(middleware.RoleMiddleware(model.InstitutionManager))
	{
		admin.POST("/tokens/grant", c.token.Grant)
	}
}
