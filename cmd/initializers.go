package main

import (
	"fmt"
	"net/http"
	"time"

	"gpubridge/app/handler"
	"gpubridge/app/router"
	"gpubridge/internal/events"
	"gpubridge/internal/notify"
	"gpubridge/internal/progress"
	"gpubridge/internal/script"
	"gpubridge/internal/worker"
	"gpubridge/pkg/config"
	"gpubridge/pkg/lock"
	"gpubridge/pkg/logger"
	"gpubridge/pkg/notification"
	queue "gpubridge/pkg/queue/asynq"
	"gpubridge/pkg/remote"
	mysqlstore "gpubridge/pkg/store/mysql"
	redisstore "gpubridge/pkg/store/redis"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
)

// initConfig initializes configuration
func (app *Application) initConfig() error {
	if err := config.Init(); err != nil {
		return err
	}
	app.config = config.GlobalConfig
	return nil
}

// initLogger initializes logging
func (app *Application) initLogger() error {
	if err := logger.Init(); err != nil {
		return err
	}
	app.registerCleanup(func() {
		_ = logger.Sync()
	})
	return nil
}

// initMySQL opens the database, migrates the schema and upserts configured workers
func (app *Application) initMySQL() error {
	repo, err := mysqlstore.NewRepository(app.config.MySQL.DSN())
	if err != nil {
		return err
	}
	app.mysqlRepo = repo
	app.registerCleanup(func() {
		_ = repo.Close()
		logger.InfoCtx(app.ctx, "MySQL connection has been closed")
	})

	if err := repo.Migrate(app.ctx); err != nil {
		return err
	}

	for _, seed := range app.config.Workers {
		inst := &mysqlstore.WorkerInstance{Name: seed.Name, WSURL: seed.WSURL, APIURL: seed.APIURL, Enabled: true}
		if err := repo.WorkerInstance.Upsert(app.ctx, inst); err != nil {
			return err
		}
		logger.InfoCtx(app.ctx, "worker instance %s registered (%s)", seed.Name, seed.APIURL)
	}
	return nil
}

// initRedis initializes Redis
func (app *Application) initRedis() error {
	client, err := redisstore.NewRedisClient(app.config)
	if err != nil {
		return err
	}

	app.redisClient = client
	app.registerCleanup(func() {
		_ = client.Close()
		logger.InfoCtx(app.ctx, "Redis connection has been closed")
	})
	return nil
}

// initQueue creates the asynq delivery queue and registers its handlers
func (app *Application) initQueue() error {
	mgr, err := queue.NewManager(app.config)
	if err != nil {
		return err
	}

	webhooks := notification.NewWebhookNotifier(time.Duration(app.config.Events.WebhookTimeoutSec) * time.Second)
	mail := notification.NewEmailSender(app.config.SMTP)
	if !mail.Enabled() {
		logger.WarnCtx(app.ctx, "SMTP host not configured, email deliveries will be dropped")
	}

	mgr.RegisterHandler(queue.TypeWebhookDelivery, events.NewWebhookHandler(webhooks))
	mgr.RegisterHandler(queue.TypeEmailDelivery, events.NewEmailHandler(mail))

	app.queueMgr = mgr
	app.registerCleanup(func() {
		_ = mgr.Close()
	})
	return nil
}

// initEvents creates the client registry, the event bus and its consumers
func (app *Application) initEvents() error {
	app.registry = notify.NewRegistry()
	app.bus = events.NewBus(app.config.Events.BusCapacity)
	app.eventRouter = events.NewRouter(app.mysqlRepo.Event, app.queueMgr, app.registry, appName)

	digestLock := lock.NewRedisLock(app.redisClient.GetClient(), "events:digest-lock", 5*time.Minute)
	app.digest = events.NewDigestScheduler(
		app.mysqlRepo.Event,
		app.queueMgr,
		digestLock,
		appName,
		time.Duration(app.config.Events.DigestIntervalMinutes)*time.Minute,
	)
	return nil
}

// initWorkers creates the worker session manager and the progress translator
func (app *Application) initWorkers() error {
	rc := app.config.Reconnect
	app.workerMgr = worker.NewManager(
		app.mysqlRepo.WorkerInstance,
		app.mysqlRepo.RemoteExecution,
		remote.ReconnectConfig{
			InitialDelay: time.Duration(rc.InitialDelayMs) * time.Millisecond,
			Multiplier:   rc.Multiplier,
			MaxDelay:     time.Duration(rc.MaxDelayMs) * time.Millisecond,
		},
	)
	app.translator = progress.NewTranslator(app.mysqlRepo.Job, app.registry, app.bus)
	return nil
}

// initScripts creates the environment cache and the orchestrator
func (app *Application) initScripts() error {
	sc := app.config.Scripts
	app.envCache = script.NewEnvCache(
		sc.VenvBaseDir,
		time.Duration(sc.InstallTimeoutSec)*time.Second,
		app.redisClient.GetClient(),
	)
	app.orchestrator = script.NewOrchestrator(
		app.mysqlRepo.Script,
		app.mysqlRepo.ScriptExecution,
		app.envCache,
		time.Duration(sc.DefaultTimeoutSec)*time.Second,
	)
	return nil
}

// initHandlers initializes handler layer
func (app *Application) initHandlers() error {
	app.jobHandler = handler.NewJobHandler(app.mysqlRepo.Job, app.workerMgr)
	app.workerHandler = handler.NewWorkerHandler(app.workerMgr, app.registry)
	app.scriptHandler = handler.NewScriptHandler(app.orchestrator, app.mysqlRepo.ScriptExecution)
	app.notifyHandler = handler.NewNotifyHandler(app.registry)
	return nil
}

// initHTTPServer initializes HTTP server
func (app *Application) initHTTPServer() error {
	gin.SetMode(app.config.Server.Mode)
	app.ginEngine = gin.New()

	r := router.NewRouter(app.config.Server.APIKey, app.jobHandler, app.workerHandler, app.scriptHandler, app.notifyHandler)
	r.Setup(app.ginEngine)

	origins := app.config.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
	})

	app.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.config.Server.Port),
		Handler:           c.Handler(app.ginEngine),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}
