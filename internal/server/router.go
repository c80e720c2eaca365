package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/agentflow-orchestrator/internal/orchestrator"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/config"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/logging"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/metrics"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/tracing"
)

// NewRouter creates and configures the admin API router. The tracing
// service is optional; pass nil to skip span creation.
func NewRouter(cfg *config.Config, orch *orchestrator.Orchestrator, logger *logging.Logger, m *metrics.Metrics, ts *tracing.TracingService) *gin.Engine {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware(logger))
	router.Use(RecoveryMiddleware())
	router.Use(SecurityHeadersMiddleware())
	router.Use(m.PrometheusMiddleware())
	if ts != nil {
		router.Use(ts.TracingMiddleware())
	}

	corsConfig := cors.DefaultConfig()
	if len(cfg.Server.CORSOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.Server.CORSOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "X-Request-ID")
	router.Use(cors.New(corsConfig))

	handlers := NewHandlers(orch)

	router.GET("/health", handlers.Health)
	router.GET("/metrics", gin.WrapH(m.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", handlers.Status)

		tasks := v1.Group("/tasks")
		{
			tasks.POST("", handlers.SubmitTask)
			tasks.GET("/:id", handlers.GetTask)
			tasks.POST("/:id/checkpoints", handlers.Checkpoint)
		}

		admin := v1.Group("/admin")
		{
			admin.POST("/circuits/force-open", handlers.ForceOpenCircuit)
			admin.POST("/emergency-shutdown", handlers.EmergencyShutdown)
		}
	}

	return router
}
