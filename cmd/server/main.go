package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rentflow/internal/database"
	"rentflow/internal/router"
	"rentflow/internal/services"
	"rentflow/pkg/config"
	"rentflow/pkg/jwt"
	"rentflow/pkg/logger"
	"rentflow/pkg/paynet"

	"github.com/gin-gonic/gin"
)

func main() {
	// 加载配置
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化日志
	if err := logger.Initialize(cfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	appLogger := logger.GetLogger()
	appLogger.Info("Starting RentFlow lease activation service...")

	// 初始化数据库
	if err := database.Initialize(cfg); err != nil {
		appLogger.Fatalf("Failed to initialize database: %v", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			appLogger.Error("Failed to close database:", err)
		}
		if err := database.CloseRedisQueue(); err != nil {
			appLogger.Error("Failed to close Redis:", err)
		}
	}()

	if err := database.Migrate(); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	if cfg.Server.Mode == gin.DebugMode {
		if err := seedData(database.GetDB()); err != nil {
			appLogger.Fatalf("Failed to initialize seed data: %v", err)
		}
	}

	// Redis 不可用时事件发布降级为日志告警，不阻塞启动
	redisQueue := database.GetRedisQueue()
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 3*time.Second)
	if err := redisQueue.Ping(pingCtx); err != nil {
		appLogger.Warnf("Redis unavailable, events will not be delivered until it recovers: %v", err)
	}
	cancelPing()

	gin.SetMode(cfg.Server.Mode)

	network := paynet.NewHTTPClient(paynet.Config{
		Endpoint:  cfg.Payment.Endpoint,
		APIKey:    cfg.Payment.APIKey,
		Timeout:   cfg.Payment.Timeout,
		RateLimit: cfg.Payment.RateLimit,
	})
	container := services.NewContainer(database.GetDB(), redisQueue, network, cfg)

	// 启动巡检调度器
	sweepScheduler := services.NewSweepScheduler(container.Sweeper, redisQueue, cfg.Sweep.Cron, cfg.Sweep.LockTTL)
	if err := sweepScheduler.Start(); err != nil {
		appLogger.Errorf("Failed to start sweep scheduler: %v", err)
		// 外部定时器可通过 rentflowctl sweep 兜底
	}
	defer sweepScheduler.Stop()

	r := router.SetupRouter(router.Options{
		Services:   container,
		JWT:        jwt.NewJWTManager(cfg.JWT.SecretKey, cfg.JWT.Issuer),
		CORS:       cfg.CORS,
		Subscriber: redisQueue,
		Scheduler:  sweepScheduler,
	})

	// 轮询接口会在请求内等待结算，写超时需覆盖完整轮询时间
	writeTimeout := 10*time.Second + time.Duration(cfg.Payment.PollAttempts)*cfg.Payment.PollInterval
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: writeTimeout,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	appLogger.Infof("Server started on port %s", cfg.Server.Port)

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown:", err)
	}
	appLogger.Info("Server exited")
}
