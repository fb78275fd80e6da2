package router

import (
	"time"

	"rentflow/internal/handlers"
	"rentflow/internal/middleware"
	"rentflow/internal/services"
	"rentflow/pkg/config"
	"rentflow/pkg/jwt"
	"rentflow/pkg/metrics"
	"rentflow/pkg/response"

	"github.com/gin-gonic/gin"
)

// Options 路由依赖
type Options struct {
	Services   *services.Container
	JWT        *jwt.JWTManager
	CORS       config.CORSConfig
	Subscriber handlers.LeaseSubscriber // 为空时不注册WebSocket路由
	Scheduler  *services.SweepScheduler // 可为空
}

// SetupRouter 设置路由
func SetupRouter(opts Options) *gin.Engine {
	router := gin.New()

	router.Use(gin.Logger())
	router.Use(middleware.ErrorHandler())
	router.Use(middleware.SetupCORS(opts.CORS))

	registerRoutes(router, opts)
	return router
}

// 注册所有路由
func registerRoutes(router *gin.Engine, opts Options) {
	svc := opts.Services
	auth := middleware.NewAuthMiddleware(svc.Users, opts.JWT)

	router.GET("/health", healthCheck(opts.Scheduler))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api/v1")
	{
		api.GET("/health", healthCheck(opts.Scheduler))

		leaseHandler := handlers.NewLeaseHandler(svc.Leases, svc.Gate, svc.Activator)
		sweepHandler := handlers.NewSweepHandler(svc.Sweeper)
		leases := api.Group("/leases", auth.RequireLogin())
		{
			leases.POST("", auth.RequireStaff(), leaseHandler.Create)
			leases.GET("", leaseHandler.List)

			// 巡检手动触发（物业方）
			leases.POST("/generate-monthly", auth.RequireStaff(), sweepHandler.GenerateMonthly)
			leases.POST("/mark-overdue", auth.RequireStaff(), sweepHandler.MarkOverdue)
			leases.POST("/send-reminders", auth.RequireStaff(), sweepHandler.SendReminders)

			leases.GET("/:id", leaseHandler.GetByID)
			leases.GET("/:id/signing-message", leaseHandler.SigningMessage)
			leases.POST("/:id/sign", leaseHandler.Sign)
			leases.GET("/:id/verify", leaseHandler.Verify)
			leases.POST("/:id/status", leaseHandler.UpdateStatus)
			leases.POST("/:id/activate", leaseHandler.Activate)
			leases.GET("/:id/payment-status", leaseHandler.PaymentStatus)
			leases.GET("/:id/events", leaseHandler.Events)
		}

		// WebSocket 令牌走查询参数，不经过 RequireLogin
		if opts.Subscriber != nil {
			wsHandler := handlers.NewWebSocketHandler(opts.Subscriber, opts.JWT, svc.Users, svc.Leases, opts.CORS.AllowOrigins)
			api.GET("/leases/:id/events/ws", wsHandler.LeaseEvents)
		}

		paymentHandler := handlers.NewPaymentHandler(svc.Executor, svc.Leases)
		payments := api.Group("/payments", auth.RequireLogin())
		{
			payments.POST("/:obligationId/initiate", paymentHandler.Initiate)
			payments.POST("/:obligationId/poll", paymentHandler.Poll)
		}
	}
}

func healthCheck(scheduler *services.SweepScheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		data := map[string]interface{}{
			"status":    "ok",
			"timestamp": time.Now(),
			"service":   "rentflow",
		}
		if scheduler != nil {
			data["sweep_running"] = scheduler.IsRunning()
			if next := scheduler.NextRun(); !next.IsZero() {
				data["next_sweep"] = next
			}
			if last := scheduler.LastReport(); last != nil {
				data["last_sweep"] = last
			}
		}
		response.Success(c, data)
	}
}
