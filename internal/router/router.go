package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-guard/internal/config"
	"github.com/stemsi/exstem-guard/internal/handler"
	"github.com/stemsi/exstem-guard/internal/middleware"
	"github.com/stemsi/exstem-guard/internal/response"
	"github.com/stemsi/exstem-guard/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	ExamSession *handler.ExamSessionHandler
	Setting     *handler.SettingHandler
	Monitor     *handler.MonitorHandler
	System      *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	auth middleware.TokenValidator,
	limiter *middleware.RateLimiter,
	handlers *Handlers,
	cfg *config.Config,
	log zerolog.Logger,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware())
	router.Use(response.AccessLog(log))

	router.GET("/health", handlers.System.Health)

	// ─── 0. Public Group (No Auth) ─────────────────────────────────────
	publicAPI := router.Group("/api/v1/public")
	{
		publicAPI.GET("/proctor-settings", handlers.Setting.GetProctorSettings)
	}

	// ─── 1. Student Group (agents, JWT + rate limit) ───────────────────
	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(middleware.RequireStudentJWT(auth))
	if limiter != nil {
		studentAPI.Use(limiter.Middleware())
	}
	{
		studentAPI.POST("/exams/:exam_id/sync", handlers.ExamSession.Sync)
		studentAPI.POST("/exams/:exam_id/submit", handlers.ExamSession.Submit)
		studentAPI.POST("/exams/:exam_id/heartbeat", handlers.ExamSession.Heartbeat)
	}

	// ─── 2. Admin Group (JWT + RBAC) ───────────────────────────────────
	adminAPI := router.Group("/api/v1/admin")
	adminAPI.Use(middleware.RequireAdminJWT(auth))
	{
		adminAPI.GET("/proctor-settings", handlers.Setting.GetProctorSettings)
		adminAPI.PUT("/proctor-settings",
			middleware.RequirePermission(service.PermissionSettingsWrite),
			handlers.Setting.UpdateProctorSettings,
		)

		adminAPI.GET("/exams/:id/monitor",
			middleware.RequirePermission(service.PermissionMonitorRead),
			handlers.Monitor.MonitorExamSSE,
		)
		adminAPI.GET("/exams/:id/sessions",
			middleware.RequirePermission(service.PermissionMonitorRead),
			handlers.Monitor.ListSessions,
		)
		adminAPI.POST("/exams/:id/students/:student_id/timeout",
			middleware.RequirePermission(service.PermissionMonitorRead, service.PermissionSessionsWrite),
			handlers.Monitor.TimeoutStudent,
		)

		adminAPI.GET("/system/queues",
			middleware.RequirePermission(service.PermissionMonitorRead),
			handlers.System.QueueDepths,
		)
	}

	return router
}
