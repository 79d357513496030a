package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"gpubridge/app/handler"
	"gpubridge/internal/events"
	"gpubridge/internal/jobs"
	"gpubridge/internal/notify"
	"gpubridge/internal/progress"
	"gpubridge/internal/script"
	"gpubridge/internal/worker"
	"gpubridge/pkg/config"
	"gpubridge/pkg/logger"
	queue "gpubridge/pkg/queue/asynq"
	mysqlstore "gpubridge/pkg/store/mysql"
	redisstore "gpubridge/pkg/store/redis"

	"github.com/gin-gonic/gin"
)

const appName = "gpubridge"

// Application manages the lifecycle of the entire application
type Application struct {
	// Infrastructure components
	config      *config.Config
	mysqlRepo   *mysqlstore.Repository
	redisClient *redisstore.RedisClient
	queueMgr    *queue.Manager

	// Notification and event pipeline
	registry    *notify.Registry
	bus         *events.Bus
	eventRouter *events.Router
	digest      *events.DigestScheduler

	// Worker sessions
	workerMgr  *worker.Manager
	translator *progress.Translator

	// Script engine
	envCache     *script.EnvCache
	orchestrator *script.Orchestrator

	// Handler layer
	jobHandler    *handler.JobHandler
	workerHandler *handler.WorkerHandler
	scriptHandler *handler.ScriptHandler
	notifyHandler *handler.NotifyHandler

	// HTTP server
	httpServer *http.Server
	ginEngine  *gin.Engine

	// Background tasks
	jobsManager *jobs.Manager

	// Context management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Background task cleanup functions
	cleanupFuncs []func()
}

// NewApplication creates a new Application instance
func NewApplication() *Application {
	ctx, cancel := context.WithCancel(context.Background())
	return &Application{
		ctx:          ctx,
		cancel:       cancel,
		cleanupFuncs: make([]func(), 0),
	}
}

// Initialize initializes all application components
func (app *Application) Initialize() error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"Configuration", app.initConfig},
		{"Logging", app.initLogger},
		{"MySQL", app.initMySQL},
		{"Redis", app.initRedis},
		{"Delivery Queue", app.initQueue},
		{"Event Pipeline", app.initEvents},
		{"Worker Sessions", app.initWorkers},
		{"Script Engine", app.initScripts},
		{"Background Tasks", app.initJobs},
		{"Handler Layer", app.initHandlers},
		{"HTTP Server", app.initHTTPServer},
	}

	for _, step := range steps {
		logger.InfoCtx(app.ctx, "Initializing %s...", step.name)
		if err := step.fn(); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
		logger.InfoCtx(app.ctx, "%s initialized successfully", step.name)
	}

	logger.InfoCtx(app.ctx, "Application initialization completed")
	return nil
}

// Start starts all application components
func (app *Application) Start() error {
	logger.InfoCtx(app.ctx, "Starting application components...")

	// 1. Delivery queue consumers
	if err := app.queueMgr.Start(); err != nil {
		return fmt.Errorf("failed to start delivery queue: %w", err)
	}

	// 2. Event routing and progress translation consume before anything produces
	busCh := app.bus.Subscribe()
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.eventRouter.Run(app.ctx, busCh)
	}()

	workerEvents, unsubscribe := app.workerMgr.Subscribe()
	app.registerCleanup(unsubscribe)
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.translator.Run(app.ctx, workerEvents)
	}()

	// 3. Worker sessions
	if err := app.workerMgr.Start(app.ctx); err != nil {
		return err
	}

	// 4. Scheduled and periodic tasks
	if err := app.digest.Start(app.ctx); err != nil {
		return fmt.Errorf("failed to start digest scheduler: %w", err)
	}
	logger.InfoCtx(app.ctx, "Starting background task manager")
	app.jobsManager.Start()
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.jobsManager.Wait()
	}()

	// 5. HTTP server
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		logger.InfoCtx(app.ctx, "HTTP server listening on: %s", app.httpServer.Addr)
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.FatalCtx(app.ctx, "HTTP server error: %v", err)
		}
	}()

	logger.InfoCtx(app.ctx, "All components started successfully")
	return nil
}

// Shutdown gracefully shuts down the application
func (app *Application) Shutdown(timeout time.Duration) error {
	logger.InfoCtx(app.ctx, "Starting graceful shutdown (timeout: %v)...", timeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// 1. Stop producing new work
	logger.InfoCtx(app.ctx, "Canceling background tasks...")
	app.cancel()
	app.jobsManager.Stop()
	app.digest.Stop()

	// 2. Stop HTTP server (stop accepting new requests)
	logger.InfoCtx(app.ctx, "Shutting down HTTP server...")
	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.ErrorCtx(app.ctx, "HTTP server shutdown error: %v", err)
	}
	// Hijacked websocket connections are not covered by http.Server.Shutdown
	app.registry.ShutdownAll()

	// 3. Worker sessions and in-flight scripts
	logger.InfoCtx(app.ctx, "Closing worker sessions...")
	app.workerMgr.Shutdown()

	done := make(chan struct{})
	go func() {
		app.orchestrator.Wait()
		app.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.InfoCtx(app.ctx, "All background tasks completed")
	case <-shutdownCtx.Done():
		logger.WarnCtx(app.ctx, "Shutdown timeout, some tasks may not have completed")
	}

	// 4. Event bus and delivery queue drain last
	app.bus.Close()
	app.queueMgr.Stop()

	// 5. Execute all cleanup functions (in reverse registration order)
	logger.InfoCtx(app.ctx, "Executing cleanup functions...")
	for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
		app.cleanupFuncs[i]()
	}

	logger.InfoCtx(app.ctx, "Graceful shutdown completed")
	_ = logger.Sync()
	return nil
}

// registerCleanup registers cleanup function
func (app *Application) registerCleanup(cleanup func()) {
	app.cleanupFuncs = append(app.cleanupFuncs, cleanup)
}
