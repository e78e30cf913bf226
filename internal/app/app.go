package app

import (
	"github.com/Dhoini/Sharing-microservice/internal/config"
	"github.com/Dhoini/Sharing-microservice/internal/gateway"
	"github.com/Dhoini/Sharing-microservice/internal/http/handlers"
	"github.com/Dhoini/Sharing-microservice/internal/middleware"
	"github.com/Dhoini/Sharing-microservice/internal/services"
	"github.com/Dhoini/Sharing-microservice/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// App представляет собой контейнер для всех компонентов HTTP слоя
type App struct {
	Config            *config.Config
	Services          *services.Services
	SharingHandler    *handlers.SharingHandler
	WebhookHandler    *handlers.WebhookHandler
	AuthMiddleware    *middleware.JWTMiddleware
	LoggerMiddleware  gin.HandlerFunc
	MetricsMiddleware gin.HandlerFunc
	Registry          *prometheus.Registry
	Logger            *logger.Logger
}

// NewApp создает и инициализирует новый экземпляр приложения
func NewApp(cfg *config.Config, svc *services.Services, parser gateway.EventParser, registry *prometheus.Registry, log *logger.Logger) *App {
	sharingHandler := handlers.NewSharingHandler(svc.Coordinator, log.Named("http"))
	webhookHandler := handlers.NewWebhookHandler(parser, svc.Reconciler, log.Named("webhook"))

	authMiddleware := middleware.NewJWTMiddleware(log.Named("auth"), middleware.NewTokenValidator(cfg.Auth.JWTSecret))

	return &App{
		Config:            cfg,
		Services:          svc,
		SharingHandler:    sharingHandler,
		WebhookHandler:    webhookHandler,
		AuthMiddleware:    authMiddleware,
		LoggerMiddleware:  middleware.RequestLogger(log.Named("access")),
		MetricsMiddleware: middleware.RequestMetrics(registry),
		Registry:          registry,
		Logger:            log,
	}
}
