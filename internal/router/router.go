package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/vigilexam/vigil-backend/internal/config"
	"github.com/vigilexam/vigil-backend/internal/handler"
	"github.com/vigilexam/vigil-backend/internal/middleware"
	"github.com/vigilexam/vigil-backend/internal/model"
	"github.com/vigilexam/vigil-backend/internal/response"
	"github.com/vigilexam/vigil-backend/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Auth    *handler.AuthHandler
	Exam    *handler.ExamHandler
	Attempt *handler.AttemptHandler
	Proctor *handler.ProctorHandler
	Monitor *handler.MonitorHandler
	WS      *handler.WSHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// Rate limiter for auth routes (30 requests per minute per IP).
	authLimiter := middleware.NewRateLimiter(0.5, 30)

	// ─── 1. Auth Group (Public, Rate Limited) ──────────────────────────
	auth := router.Group("/api/v1/auth")
	auth.Use(authLimiter.Middleware())
	{
		auth.POST("/student/login", handlers.Auth.StudentLogin)
		auth.POST("/admin/login", handlers.Auth.AdminLogin)

		auth.POST("/student/logout", middleware.RequireStudentJWT(authService), handlers.Auth.StudentLogout)
		auth.GET("/student/me", middleware.RequireStudentJWT(authService), handlers.Auth.StudentProfile)
		auth.GET("/admin/me", middleware.RequireAdminJWT(authService), handlers.Auth.AdminProfile)
	}

	// ─── 2. Student Group (JWT + Single Device) ────────────────────────
	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(
		middleware.RequireStudentJWT(authService),
		middleware.CheckSingleDeviceSession(authService),
	)
	{
		studentAPI.GET("/exams", handlers.Attempt.ListAvailable)
		studentAPI.POST("/exams/:exam_id/attempt", handlers.Attempt.Start)
		studentAPI.GET("/exams/:exam_id/paper", handlers.Attempt.GetPaper)
		studentAPI.PUT("/exams/:exam_id/answers", handlers.Attempt.RecordAnswer)
		studentAPI.POST("/exams/:exam_id/submit", handlers.Attempt.Submit)
		studentAPI.GET("/exams/:exam_id/result", handlers.Attempt.Result)
		studentAPI.GET("/results", handlers.Attempt.Results)
		studentAPI.POST("/alerts", handlers.Proctor.ReportAlert)
	}

	// ─── 3. WebSocket Group (Student WS Auth) ──────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireStudentWSAuth(authService))
	{
		ws.GET("/student/exams/:exam_id/stream", handlers.WS.AttemptStream)
	}

	// ─── 4. Admin Group (JWT + Role) ───────────────────────────────────
	adminAPI := router.Group("/api/v1/admin")
	adminAPI.Use(middleware.RequireAdminJWT(authService))
	{
		// Exam authoring
		adminAPI.GET("/exams", handlers.Exam.List)
		adminAPI.POST("/exams", handlers.Exam.Create)
		adminAPI.GET("/exams/:exam_id", handlers.Exam.Get)
		adminAPI.PUT("/exams/:exam_id", handlers.Exam.Update)
		adminAPI.DELETE("/exams/:exam_id", handlers.Exam.Delete)
		adminAPI.PUT("/exams/:exam_id/questions", handlers.Exam.ReplaceQuestions)
		adminAPI.POST("/exams/:exam_id/publish", handlers.Exam.Publish)
		adminAPI.POST("/exams/:exam_id/archive", handlers.Exam.Archive)
		adminAPI.POST("/exams/:exam_id/refresh-cache", handlers.Exam.RefreshCache)

		// Live monitoring
		adminAPI.GET("/exams/:exam_id/monitor", handlers.Monitor.MonitorExamSSE)
		adminAPI.GET("/exams/:exam_id/attempts", handlers.Attempt.ListByExam)
		adminAPI.DELETE("/attempts/:attempt_id", handlers.Attempt.Discard)

		// Alert review
		adminAPI.GET("/exams/:exam_id/alerts", handlers.Proctor.ListByExam)
		adminAPI.GET("/exams/:exam_id/alerts/summary", handlers.Proctor.Summarize)
		adminAPI.GET("/exams/:exam_id/students/:student_id/alerts", handlers.Proctor.ListByStudent)
		adminAPI.POST("/exams/:exam_id/students/:student_id/warning", handlers.Proctor.SendWarning)
		adminAPI.POST("/alerts/:alert_id/resolve", handlers.Proctor.Resolve)

		// Student account management, full admins only.
		adminAPI.POST("/students",
			middleware.RequireRole(model.AdminRoleAdmin),
			handlers.Auth.RegisterStudent,
		)
		adminAPI.POST("/students/:student_id/reset-session",
			middleware.RequireRole(model.AdminRoleAdmin),
			handlers.Auth.ResetStudentSession,
		)
	}

	return router
}
