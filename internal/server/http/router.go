// Package http exposes the control plane over HTTP: run submission and
// streaming, provider callbacks, human-loop replies, reconcile triggers,
// session-worker lifecycle, the RBAC file gateway and chat history.
package http

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"runway/internal/domain/chat"
	"runway/internal/eventbus"
	"runway/internal/observability"
	"runway/internal/server/app"
	"runway/internal/shared/logging"
)

// Deps carries the application services the router exposes. Nil fields
// disable their endpoints with 503 instead of panicking.
type Deps struct {
	Orchestrator *app.RunOrchestrator
	Ingestor     *app.CallbackIngestor
	Bus          *eventbus.Bus
	Lifecycle    *app.WorkerLifecycle
	Reconciler   *app.Reconciler
	Gateway      *app.FileGateway
	Chats        chat.Store
	Health       *app.HealthCheckerImpl
	Obs          *observability.Observability

	// CORSOrigins lists allowed origins; "*" allows all.
	CORSOrigins []string

	Logger logging.Logger
}

// NewRouter assembles the gin engine with all routes and middleware.
func NewRouter(deps Deps) http.Handler {
	logger := logging.OrNop(deps.Logger)
	if logging.IsNil(deps.Logger) {
		logger = logging.NewComponentLogger("Router")
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(logger, deps.Obs))
	engine.Use(cors.New(corsConfig(deps.CORSOrigins)))

	runs := newRunHandler(deps.Orchestrator, deps.Ingestor, deps.Bus, deps.Obs, logger)
	workers := newWorkerHandler(deps.Lifecycle, logger)
	reconcile := newReconcileHandler(deps.Reconciler, deps.Obs, logger)
	files := newFileHandler(deps.Gateway, logger)
	chats := newChatHandler(deps.Chats, logger)
	health := newHealthHandler(deps.Health)

	engine.GET("/healthz", health.Check)

	r := engine.Group("/runs")
	{
		r.POST("/start", runs.Start)
		r.GET("/:runId/stream", runs.Stream)
		r.GET("/:runId/ws", runs.StreamWS)
		r.POST("/:runId/stop", runs.Stop)
		r.POST("/:runId/bind", runs.Bind)
		r.POST("/:runId/callbacks", runs.Callbacks)
		r.GET("/:runId", runs.Get)
		r.GET("/:runId/usage", runs.Usage)
		r.GET("/:runId/todos", runs.Todos)
		r.GET("/:runId/todos/events", runs.TodoEvents)
	}

	hl := engine.Group("/human-loop")
	{
		hl.GET("/pending", runs.PendingHumanLoops)
		hl.POST("/reply", runs.ReplyHumanLoop)
	}

	rec := engine.Group("/reconcile")
	{
		rec.POST("/runs", reconcile.Runs)
		rec.POST("/sync", reconcile.Syncs)
		rec.POST("/human-loop-timeout", reconcile.HumanLoopTimeouts)
		rec.GET("/metrics", reconcile.Metrics)
		rec.GET("/metrics/prometheus", reconcile.Prometheus)
	}

	sw := engine.Group("/session-workers")
	{
		sw.POST("/:sessionId/activate", workers.Activate)
		sw.GET("/:sessionId", workers.Get)
		sw.POST("/:sessionId/sync", workers.Sync)
		sw.POST("/cleanup/idle", workers.CleanupIdle)
		sw.POST("/cleanup/stopped", workers.CleanupStopped)
	}

	f := engine.Group("/files")
	{
		f.GET("/tree", files.Tree)
		f.GET("/download", files.Download)
		f.GET("/file", files.Read)
		f.PUT("/file", files.Write)
		f.POST("/upload", files.Upload)
		f.POST("/rename", files.Rename)
		f.DELETE("/file", files.Delete)
		f.POST("/mkdir", files.Mkdir)
	}

	c := engine.Group("/chats")
	{
		c.POST("", chats.Create)
		c.GET("", chats.List)
		c.GET("/:chatId/messages", chats.Messages)
		c.POST("/:chatId/messages", chats.Append)
	}

	return engine
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "Last-Event-ID"}
	cfg.AllowWebSockets = true
	cfg.MaxAge = 12 * time.Hour

	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}
