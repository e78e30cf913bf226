package routes

import (
	"net/http"

	"github.com/Dhoini/Sharing-microservice/internal/app"
	"github.com/Dhoini/Sharing-microservice/internal/metrics"
	"github.com/Dhoini/Sharing-microservice/pkg/logger"

	"github.com/gin-gonic/gin"
)

// SetupRoutes настраивает все маршруты API для Gin роутера
func SetupRoutes(router *gin.Engine, app *app.App, log *logger.Logger) {
	router.Use(app.LoggerMiddleware)
	router.Use(app.MetricsMiddleware)
	router.Use(gin.Recovery())

	api := router.Group("/api/v1")
	{
		// Публичные маршруты
		api.POST("/webhooks/stripe", app.WebhookHandler.HandleStripeWebhook)

		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
		api.GET("/metrics", gin.WrapH(metrics.Handler(app.Registry)))

		auth := api.Group("")
		auth.Use(app.AuthMiddleware.RequireAuth())

		sharing := auth.Group("/sharing")
		{
			h := app.SharingHandler
			sharing.POST("", h.CreateGroup)
			sharing.GET("/:groupId", h.GetGroup)
			sharing.POST("/:groupId/join", h.Join)
			sharing.POST("/:groupId/confirm-payment", h.ConfirmPayment)
			sharing.POST("/:groupId/leave", h.Leave)
			sharing.DELETE("/:groupId/participants/:participantId", h.RemoveParticipant)
			sharing.POST("/:groupId/end", h.EndGroup)
		}
	}

	log.Infow("API routes successfully configured")
}
