package server

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"

	"mission-marketplace/pkg/config"
	"mission-marketplace/pkg/health"
	"mission-marketplace/pkg/middleware"
)

const (
	CronSecretHeader    = "X-Cron-Secret"
	WebhookSecretHeader = "X-Webhook-Secret"
)

// Router exposes the route groups services register on.
type Router struct {
	Engine *gin.Engine
	// API requires a valid session.
	API *gin.RouterGroup
	// Cron is reserved for the scheduler (shared secret).
	Cron *gin.RouterGroup
	// Internal receives payment provider events (shared secret).
	Internal *gin.RouterGroup
}

type RouterParams struct {
	fx.In

	Config   *config.Config
	Sessions *middleware.SessionResolver
	Health   health.HealthService
	Tracer   trace.TracerProvider `optional:"true"`
}

func NewRouter(p RouterParams) *Router {
	if p.Config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.RequestID(), middleware.Tracing(p.Tracer), middleware.RequestLogger(), middleware.Error())

	engine.GET("/healthz", p.Health.Liveness)
	engine.GET("/readyz", p.Health.Readiness)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return &Router{
		Engine:   engine,
		API:      engine.Group("/api", middleware.Session(p.Sessions)),
		Cron:     engine.Group("/cron", middleware.SharedSecret(p.Config.Cron.Secret, CronSecretHeader, "secret")),
		Internal: engine.Group("/internal", middleware.SharedSecret(p.Config.Cron.WebhookSecret, WebhookSecretHeader, "")),
	}
}
