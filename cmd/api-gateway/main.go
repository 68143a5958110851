package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/customgroups-api/api/swagger"
	"github.com/noah-isme/customgroups-api/internal/handler"
	"github.com/noah-isme/customgroups-api/internal/middleware"
	"github.com/noah-isme/customgroups-api/internal/models"
	"github.com/noah-isme/customgroups-api/internal/repository"
	"github.com/noah-isme/customgroups-api/internal/service"
	"github.com/noah-isme/customgroups-api/pkg/cache"
	"github.com/noah-isme/customgroups-api/pkg/config"
	"github.com/noah-isme/customgroups-api/pkg/database"
	"github.com/noah-isme/customgroups-api/pkg/jobs"
	"github.com/noah-isme/customgroups-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/customgroups-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/customgroups-api/pkg/middleware/requestid"
	"github.com/noah-isme/customgroups-api/pkg/storage"
)

// @title Custom Groups API
// @version 0.1.0
// @description Student-led course group formation and promotion
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, group views will not be cached", "error", err)
		redisClient = nil
	}

	moduleRepo := repository.NewModuleRepository(db)
	groupRepo := repository.NewGroupRepository(db)
	courseGroupRepo := repository.NewCourseGroupRepository(db)
	userRepo := repository.NewUserRepository(db)
	exportRepo := repository.NewExportRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	capabilities := service.NewCapabilityService()
	validate := validator.New()

	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "customgroups-api",
	})
	moduleSvc := service.NewModuleService(moduleRepo, groupRepo, courseGroupRepo, capabilities, cfg.Groups, logr)
	metricsSvc := service.NewMetricsService()
	groupSvc := service.NewGroupService(groupRepo, moduleRepo, capabilities, cacheRepo, cfg.Groups, logr).WithMetrics(metricsSvc)
	applySvc := service.NewApplyService(moduleRepo, groupRepo, courseGroupRepo, capabilities, logr).WithMetrics(metricsSvc)

	var exportSvc *service.ExportService
	var exportQueue *jobs.Queue
	if cfg.Exports.Enabled {
		store, err := storage.NewLocalStorage(cfg.Exports.StorageDir)
		if err != nil {
			logr.Sugar().Fatalw("failed to init export storage", "error", err)
		}
		signer := storage.NewSignedURLSigner(cfg.Exports.SignedURLSecret, cfg.Exports.SignedURLTTL)

		exportQueue = jobs.NewQueue("exports", func(ctx context.Context, job jobs.Job) error {
			return exportSvc.Process(ctx, job)
		}, jobs.QueueConfig{
			Workers:    cfg.Exports.WorkerConcurrency,
			MaxRetries: cfg.Exports.WorkerRetries,
			Logger:     logr,
		})
		exportSvc = service.NewExportService(exportRepo, moduleRepo, groupRepo, exportQueue, store, signer, logr)

		exportQueue.Start(context.Background())
		defer exportQueue.Stop()
	}

	authHandler := handler.NewAuthHandler(authSvc)
	moduleHandler := handler.NewModuleHandler(moduleSvc)
	groupHandler := handler.NewGroupHandler(groupSvc)
	applyHandler := handler.NewApplyHandler(applySvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "database unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/logout", middleware.JWT(authSvc), authHandler.Logout)
		auth.GET("/me", middleware.JWT(authSvc), authHandler.Me)
	}

	modules := api.Group("/modules", middleware.JWT(authSvc))
	{
		modules.GET("", moduleHandler.List)
		modules.GET("/:id", moduleHandler.Get)
		modules.POST("",
			middleware.RequireCapability(capabilities, service.CapabilityConfigureInstance),
			moduleHandler.Create)
		modules.PUT("/:id",
			middleware.RequireCapability(capabilities, service.CapabilityConfigureInstance),
			moduleHandler.Update)
		modules.DELETE("/:id",
			middleware.RequireCapability(capabilities, service.CapabilityConfigureInstance),
			moduleHandler.Delete)

		modules.GET("/:id/groups", groupHandler.ListByModule)
		modules.POST("/:id/groups",
			middleware.Audit(userRepo, models.AuditActionGroupCreate, "group"),
			groupHandler.Create)

		modules.GET("/:id/apply-summary",
			middleware.RequireCapability(capabilities, service.CapabilityApplyGroups),
			applyHandler.Summary)
		modules.POST("/:id/apply",
			middleware.RequireCapability(capabilities, service.CapabilityApplyGroups),
			middleware.Audit(userRepo, models.AuditActionModuleApply, "module"),
			applyHandler.Apply)
	}

	groups := api.Group("/groups", middleware.JWT(authSvc))
	{
		groups.PUT("/:id",
			middleware.Audit(userRepo, models.AuditActionGroupUpdate, "group"),
			groupHandler.Update)
		groups.DELETE("/:id",
			middleware.Audit(userRepo, models.AuditActionGroupDelete, "group"),
			groupHandler.Delete)
		groups.POST("/:id/join",
			middleware.Audit(userRepo, models.AuditActionGroupJoin, "group"),
			groupHandler.Join)
		groups.POST("/:id/leave",
			middleware.Audit(userRepo, models.AuditActionGroupLeave, "group"),
			groupHandler.Leave)
	}

	if cfg.Exports.Enabled {
		exportHandler := handler.NewExportHandler(exportSvc)
		modules.POST("/:id/exports",
			middleware.RequireCapability(capabilities, service.CapabilityApplyGroups),
			exportHandler.Create)
		exports := api.Group("/exports")
		exports.GET("/download", exportHandler.Download)
		exports.GET("/:id", middleware.JWT(authSvc), exportHandler.Status)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logr.Info("shutting down", zap.String("addr", addr))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
