package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/vigilexam/vigil-backend/internal/config"
	"github.com/vigilexam/vigil-backend/internal/database"
	"github.com/vigilexam/vigil-backend/internal/handler"
	"github.com/vigilexam/vigil-backend/internal/logger"
	"github.com/vigilexam/vigil-backend/internal/realtime"
	"github.com/vigilexam/vigil-backend/internal/repository"
	"github.com/vigilexam/vigil-backend/internal/router"
	"github.com/vigilexam/vigil-backend/internal/service"
	"github.com/vigilexam/vigil-backend/internal/validator"
	"github.com/vigilexam/vigil-backend/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Msg("Starting Vigil Backend")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	studentRepo := repository.NewStudentRepository(pool)
	adminRepo := repository.NewAdminRepository(pool)
	examRepo := repository.NewExamRepository(pool)
	questionRepo := repository.NewQuestionRepository(pool)
	attemptRepo := repository.NewAttemptRepository(pool, rdb)
	alertRepo := repository.NewAlertRepository(pool, rdb)

	// ─── Initialize Services ──────────────────────────────────────────
	broadcaster := realtime.NewBroadcaster(rdb, log)

	authService := service.NewAuthService(cfg, rdb)
	examService := service.NewExamService(examRepo, questionRepo, rdb, log)
	attemptService := service.NewAttemptService(attemptRepo, examService, broadcaster, cfg.SubmitGrace, log)
	proctorService := service.NewProctorService(alertRepo, attemptRepo, broadcaster, cfg.AlertForwardRate, cfg.AlertForwardBurst, log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Auth:    handler.NewAuthHandler(authService, studentRepo, adminRepo),
		Exam:    handler.NewExamHandler(examService),
		Attempt: handler.NewAttemptHandler(attemptService, examService, attemptRepo),
		Proctor: handler.NewProctorHandler(proctorService),
		Monitor: handler.NewMonitorHandler(broadcaster, examService, proctorService, attemptRepo, log),
		WS:      handler.NewWSHandler(attemptService, proctorService, log, cfg.AllowedOrigins),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())

	answerWorker := worker.NewAnswerWorker(attemptRepo, rdb, log)
	alertWorker := worker.NewAlertWorker(alertRepo, rdb, log)
	deadlineWorker := worker.NewDeadlineWorker(attemptService, time.Minute, log)

	go answerWorker.Start(workerCtx)
	go alertWorker.Start(workerCtx)
	go deadlineWorker.Start(workerCtx)

	// ─── Prewarm Redis Caches ─────────────────────────────────────────
	// Load all published exam snapshots into Redis BEFORE accepting
	// traffic. This avoids lazy-load stampedes when an exam begins.
	if err := examService.PrewarmPublished(ctx); err != nil {
		log.Warn().Err(err).Msg("Snapshot prewarm failed")
	}

	// ─── Rearm Deadline Timers ────────────────────────────────────────
	// Attempts left ACTIVE by a previous process get their timers back;
	// already-overdue ones are auto-submitted immediately.
	if err := attemptService.RearmDeadlines(ctx); err != nil {
		log.Warn().Err(err).Msg("Deadline rearm failed")
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop deadline timers; a restarted process rearms them.
	attemptService.Shutdown()

	// 3. Stop background workers and wait for queues to drain.
	workerCancel()
	time.Sleep(2 * time.Second) // Allow workers to drain.

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
