package main

import (
	"fmt"
	"net/http"
	"time"

	"nexuswatch/app/handler"
	"nexuswatch/app/router"
	"nexuswatch/internal/aggregate"
	"nexuswatch/internal/bus"
	"nexuswatch/internal/hub"
	"nexuswatch/internal/jobs"
	"nexuswatch/internal/liveness"
	"nexuswatch/internal/registry"
	"nexuswatch/internal/service"
	"nexuswatch/pkg/config"
	"nexuswatch/pkg/lock"
	"nexuswatch/pkg/logger"
	asynqqueue "nexuswatch/pkg/queue/asynq"
	mysqlstore "nexuswatch/pkg/store/mysql"
	redisstore "nexuswatch/pkg/store/redis"

	"github.com/gin-gonic/gin"
)

// initConfig initializes configuration
func (app *Application) initConfig() error {
	if err := config.Init(); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	app.config = config.GlobalConfig
	return nil
}

// initLogger initializes the logging system
func (app *Application) initLogger() error {
	if err := logger.Init(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// initRedis initializes Redis connection and status store
func (app *Application) initRedis() error {
	redisClient, err := redisstore.NewRedisClient(app.config)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	app.redisClient = redisClient
	app.registerCleanup(func() {
		if err := redisClient.Close(); err != nil {
			logger.ErrorCtx(app.ctx, "failed to close Redis connection: %v", err)
		}
	})

	app.statusStore = redisstore.NewStatusStore(redisClient)

	// Queue inspector shares the same Redis instance as the job workers.
	app.inspector = asynqqueue.NewInspector(app.config)
	app.registerCleanup(func() {
		if err := app.inspector.Close(); err != nil {
			logger.ErrorCtx(app.ctx, "failed to close queue inspector: %v", err)
		}
	})
	return nil
}

// initMySQL initializes the read-only task metadata repository. MySQL is
// optional: without it project resolution falls back to event payloads.
func (app *Application) initMySQL() error {
	if app.config.MySQL.Host == "" {
		logger.InfoCtx(app.ctx, "MySQL not configured, project backfill disabled")
		return nil
	}

	db, err := mysqlstore.NewDB(app.config)
	if err != nil {
		return fmt.Errorf("failed to connect to MySQL: %w", err)
	}
	app.metaRepo = mysqlstore.NewTaskMetadataRepository(db)
	app.registerCleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return nil
}

// initPipeline wires the event bus, registry, tracker, aggregator and hub
func (app *Application) initPipeline() error {
	app.eventBus = bus.New(app.redisClient.GetClient(), app.config.Bus)

	var lookup registry.MetadataLookup
	if app.metaRepo != nil {
		lookup = app.metaRepo
	}
	app.registry = registry.New(app.statusStore, lookup)

	ttl := time.Duration(app.config.Worker.HeartbeatTTL) * time.Second
	app.tracker = liveness.NewTracker(app.statusStore, ttl)

	tickTimeout := time.Duration(app.config.Aggregator.TickTimeout) * time.Second
	app.aggregator = aggregate.New(app.tracker, app.inspector, app.statusStore, app.registry, app.eventBus, tickTimeout)

	app.fanoutHub = hub.New(app.redisClient.GetClient(), app.config.Hub, app.config.Bus)

	app.monitorService = service.NewMonitorService(app.eventBus, app.registry, app.tracker, app.statusStore)
	return nil
}

// initJobs initializes background tasks
func (app *Application) initJobs() error {
	app.jobsManager = jobs.NewManager(app.ctx)

	redisClient := app.redisClient.GetClient()
	globalLock := lock.NewRedisDistributedLock(redisClient, "aggregator:global-lock")
	projectLock := lock.NewRedisDistributedLock(redisClient, "aggregator:project-lock")
	stalledLock := lock.NewRedisDistributedLock(redisClient, "liveness:stalled-scan-lock")

	app.jobsManager.Register(newGlobalSnapshotJob(app.aggregator, globalLock,
		time.Duration(app.config.Aggregator.GlobalInterval)*time.Second))
	app.jobsManager.Register(newProjectSnapshotJob(app.aggregator, projectLock,
		time.Duration(app.config.Aggregator.ProjectInterval)*time.Second))
	app.jobsManager.Register(newStalledScanJob(app.monitorService, stalledLock,
		time.Duration(app.config.Worker.HeartbeatInterval)*time.Second))

	return nil
}

// initHandlers initializes handler layer
func (app *Application) initHandlers() error {
	app.streamHandler = handler.NewStreamHandler(app.fanoutHub, app.aggregator)
	app.eventHandler = handler.NewEventHandler(app.monitorService)
	return nil
}

// initHTTPServer initializes HTTP server
func (app *Application) initHTTPServer() error {
	if app.config.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	app.ginEngine = gin.New()

	r := router.NewRouter(app.streamHandler, app.eventHandler)
	r.Setup(app.ginEngine)

	app.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", app.config.Server.Port),
		Handler: app.ginEngine,
	}
	return nil
}
