package router

import (
	"net/http"

	"gpubridge/app/handler"
	"gpubridge/app/middleware"

	"github.com/gin-gonic/gin"
)

// Router Router
type Router struct {
	apiKey        string
	jobHandler    *handler.JobHandler
	workerHandler *handler.WorkerHandler
	scriptHandler *handler.ScriptHandler
	notifyHandler *handler.NotifyHandler
}

// NewRouter creates a new Router
func NewRouter(apiKey string, jobHandler *handler.JobHandler, workerHandler *handler.WorkerHandler, scriptHandler *handler.ScriptHandler, notifyHandler *handler.NotifyHandler) *Router {
	return &Router{
		apiKey:        apiKey,
		jobHandler:    jobHandler,
		workerHandler: workerHandler,
		scriptHandler: scriptHandler,
		notifyHandler: notifyHandler,
	}
}

// Setup sets up routes
func (r *Router) Setup(engine *gin.Engine) {
	engine.Use(middleware.Recovery())
	engine.Use(middleware.Logger())

	// Client notification socket
	engine.GET("/ws", r.notifyHandler.Serve)

	api := engine.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(r.apiKey))
	{
		jobs := api.Group("/jobs")
		{
			jobs.POST("", r.jobHandler.Submit)
			jobs.GET("/:id", r.jobHandler.Get)
			jobs.POST("/:id/cancel", r.jobHandler.Cancel)
			jobs.POST("/:id/retry", r.jobHandler.Retry)
		}

		workers := api.Group("/workers")
		{
			workers.GET("", r.workerHandler.List)
			workers.POST("/:id/interrupt", r.workerHandler.Interrupt)
			workers.POST("/:id/restart", r.workerHandler.Restart)
		}

		api.POST("/scripts/:id/execute", r.scriptHandler.Execute)
		api.GET("/script-executions/:id", r.scriptHandler.GetExecution)
	}

	// Health check
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
