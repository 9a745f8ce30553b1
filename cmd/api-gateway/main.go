package main

import (
	"context"
	"errors"
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

	_ "github.com/noah-isme/reimburse-api/api/swagger"
	"github.com/noah-isme/reimburse-api/internal/handler"
	"github.com/noah-isme/reimburse-api/internal/middleware"
	"github.com/noah-isme/reimburse-api/internal/models"
	"github.com/noah-isme/reimburse-api/internal/repository"
	"github.com/noah-isme/reimburse-api/internal/service"
	"github.com/noah-isme/reimburse-api/pkg/cache"
	"github.com/noah-isme/reimburse-api/pkg/config"
	"github.com/noah-isme/reimburse-api/pkg/database"
	"github.com/noah-isme/reimburse-api/pkg/jobs"
	"github.com/noah-isme/reimburse-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/reimburse-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/reimburse-api/pkg/middleware/requestid"
	"github.com/noah-isme/reimburse-api/pkg/storage"
)

// @title Reimbursement Approval API
// @version 1.0.0
// @description Multi-level reimbursement submission and approval routing
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

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close() //nolint:errcheck

	chainRoles := make([]models.UserRole, 0, len(cfg.Approval.Chain))
	for _, role := range cfg.Approval.Chain {
		chainRoles = append(chainRoles, models.UserRole(role))
	}
	chain, err := models.NewApprovalChain(chainRoles)
	if err != nil {
		logr.Sugar().Fatalw("invalid approval chain", "chain", cfg.Approval.Chain, "error", err)
	}

	validate := validator.New()
	metrics := service.NewMetricsService()

	userRepo := repository.NewUserRepository(db)
	reimbRepo := repository.NewReimbursementRepository(db, cfg.Approval.TxTimeout)
	approvalRepo := repository.NewApprovalRepository(db)

	var cacheSvc *service.CacheService
	if redisClient, redisErr := cache.NewRedis(cfg.Redis); redisErr != nil {
		logr.Sugar().Warnw("redis unavailable, projections uncached", "error", redisErr)
	} else {
		defer redisClient.Close() //nolint:errcheck
		cacheRepo := repository.NewCacheRepository(redisClient, logr)
		cacheSvc = service.NewCacheService(cacheRepo, metrics, cfg.Dashboard.CacheTTL, logr, true)
	}

	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "reimburse-api",
	})
	userSvc := service.NewUserService(userRepo, validate, logr)

	var notifier *service.NotificationService
	routingOpts := []service.RoutingServiceOption{
		service.WithRoutingMetrics(metrics),
		service.WithRoutingCache(cacheSvc),
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.Notifications.Enabled {
		notifier = service.NewNotificationService(service.NewLogSender(logr), logr, jobs.QueueConfig{
			Workers:    cfg.Notifications.WorkerConcurrency,
			MaxRetries: cfg.Notifications.WorkerRetries,
			RetryDelay: cfg.Notifications.RetryDelay,
		})
		notifier.Start(ctx)
		defer notifier.Stop()
		routingOpts = append(routingOpts, service.WithRoutingNotifier(notifier))
	}
	routingSvc := service.NewRoutingService(reimbRepo, approvalRepo, chain, userRepo, logr, routingOpts...)

	receiptStore, err := storage.NewLocalStorage(cfg.Receipts.StorageDir)
	if err != nil {
		logr.Sugar().Fatalw("failed to init receipt storage", "error", err)
	}
	receiptSigner := storage.NewSignedURLSigner(cfg.Receipts.SignedURLSecret, cfg.Receipts.SignedURLTTL)

	var exportSvc *service.ExportService
	if cfg.Exports.Enabled {
		exportStore, storeErr := storage.NewLocalStorage(cfg.Exports.StorageDir)
		if storeErr != nil {
			logr.Sugar().Fatalw("failed to init export storage", "error", storeErr)
		}
		exportSigner := storage.NewSignedURLSigner(cfg.Exports.SignedURLSecret, cfg.Exports.SignedURLTTL)
		exportSvc = service.NewExportService(reimbRepo, exportStore, exportSigner, service.ExportConfig{
			APIPrefix: cfg.APIPrefix,
			ResultTTL: cfg.Exports.SignedURLTTL,
		}, logr, nil, nil)
	}

	dashboardSvc := service.NewDashboardService(reimbRepo, approvalRepo, cacheSvc, cfg.Dashboard.CacheTTL, logr)

	authHandler := handler.NewAuthHandler(authSvc)
	userHandler := handler.NewUserHandler(userSvc)
	reimbHandler := handler.NewReimbursementHandler(routingSvc, receiptStore, receiptSigner, cfg.APIPrefix)
	approvalHandler := handler.NewApprovalHandler(routingSvc)
	dashboardHandler := handler.NewDashboardHandler(dashboardSvc)
	statementHandler := handler.NewStatementHandler(exportSvc)
	metricsHandler := handler.NewMetricsHandler(metrics)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.WithResponseMeta())
	r.Use(middleware.Metrics(metrics))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
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
	auth.POST("/login", authHandler.Login)
	auth.POST("/refresh", authHandler.Refresh)
	auth.POST("/forgot-password", authHandler.ForgotPassword)
	auth.POST("/reset-password", authHandler.ResetPassword)

	authed := api.Group("")
	authed.Use(middleware.JWT(authSvc))
	authed.POST("/auth/logout", authHandler.Logout)
	authed.POST("/auth/change-password", authHandler.ChangePassword)
	authed.GET("/auth/me", authHandler.Me)

	approverRoles := append([]models.UserRole{models.RoleAdmin}, chain.Roles()...)

	reimb := authed.Group("/reimbursements")
	reimb.POST("", reimbHandler.Create)
	reimb.GET("", reimbHandler.List)
	reimb.GET("/pending-all-approvals", middleware.RequireRoles(approverRoles...), reimbHandler.PendingAllApprovals)
	reimb.GET("/:id", reimbHandler.Detail)
	reimb.GET("/:id/trail", reimbHandler.Trail)
	reimb.POST("/:id/receipt", reimbHandler.UploadReceipt)

	authed.GET("/receipts/:token", reimbHandler.DownloadReceipt)

	approvals := authed.Group("/approvals")
	approvals.Use(middleware.RequireRoles(chain.Roles()...))
	approvals.POST("/:id/approve", approvalHandler.Approve)
	approvals.POST("/:id/reject", approvalHandler.Reject)

	if cfg.Dashboard.Enabled {
		authed.GET("/dashboard", middleware.RequireRoles(approverRoles...), dashboardHandler.Summary)
	}

	if cfg.Exports.Enabled {
		authed.GET("/statements/export", middleware.Audit(userRepo, models.AuditActionExport, "statement"), statementHandler.Export)
		authed.GET("/statements/download/:token", statementHandler.Download)
	}

	users := authed.Group("/users")
	users.Use(middleware.RequireRoles(models.RoleAdmin))
	users.GET("", userHandler.List)
	users.POST("", userHandler.Create)
	users.GET("/:id", userHandler.Get)
	users.PUT("/:id", userHandler.Update)
	users.DELETE("/:id", userHandler.Delete)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env, "chain", cfg.Approval.Chain)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
