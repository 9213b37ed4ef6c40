package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/pgcoord/internal/http/handlers"
	httpMW "github.com/yungbote/pgcoord/internal/http/middleware"
	"github.com/yungbote/pgcoord/internal/observability"
	"github.com/yungbote/pgcoord/internal/platform/logger"
)

type RouterConfig struct {
	ServiceName string
	Log         *logger.Logger
	Metrics     *observability.Metrics

	HealthHandler *httpH.HealthHandler
	JobHandler    *httpH.JobHandler
	TeamHandler   *httpH.TeamHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	service := cfg.ServiceName
	if service == "" {
		service = "pgcoord"
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(service))
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics(cfg.Metrics))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthz", cfg.HealthHandler.HealthCheck)
		r.GET("/readyz", cfg.HealthHandler.Ready)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapF(cfg.Metrics.WriteHTTP))
	}

	// Queue
	if cfg.JobHandler != nil {
		r.GET("/queue/stats", cfg.JobHandler.Stats)
		r.GET("/jobs/:id", cfg.JobHandler.GetJob)
		r.POST("/jobs/:id/cancel", cfg.JobHandler.CancelJob)
		r.POST("/maintenance/:type", cfg.JobHandler.EnqueueMaintenance)
	}

	// Teams
	if cfg.TeamHandler != nil {
		r.GET("/teams/:id/members", cfg.TeamHandler.ListMembers)
		r.POST("/teams/:id/reconcile", cfg.TeamHandler.Reconcile)
	}
	return r
}
