package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-guard/internal/config"
	"github.com/stemsi/exstem-guard/internal/database"
	"github.com/stemsi/exstem-guard/internal/handler"
	"github.com/stemsi/exstem-guard/internal/logger"
	"github.com/stemsi/exstem-guard/internal/middleware"
	"github.com/stemsi/exstem-guard/internal/repository"
	"github.com/stemsi/exstem-guard/internal/router"
	"github.com/stemsi/exstem-guard/internal/service"
	"github.com/stemsi/exstem-guard/internal/validator"
	"github.com/stemsi/exstem-guard/internal/worker"
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
		Msg("Starting ExStem Guard server")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, "exstem-server", log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg.RedisURL,
		database.RedisPoolSize(cfg.RedisPoolSize, len(config.WorkerKey.Queues())), log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	examRepo := repository.NewExamRepository(pool)
	settingRepo := repository.NewSettingRepository(pool)
	sessionRepo := repository.NewExamSessionRepository(pool)
	submissionRepo := repository.NewSubmissionRepository(pool)
	monitorRepo := repository.NewMonitorRepository(pool)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg.JWTSecret, cfg.JWTExpiry)
	settingService := service.NewSettingService(settingRepo, rdb, cfg.ProctorDefaults(), log)
	examService := service.NewExamService(examRepo, rdb, log)
	syncService := service.NewSyncService(examService, rdb, log)
	submitService := service.NewSubmitService(examService, rdb, cfg.LateTolerance, log)
	feedService := service.NewSessionFeedService(rdb, log).WithArchive(monitorRepo)
	monitorService := service.NewMonitorService(feedService, settingService, log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		ExamSession: handler.NewExamSessionHandler(syncService, submitService, feedService, log),
		Setting:     handler.NewSettingHandler(settingService, log),
		Monitor:     handler.NewMonitorHandler(monitorService, feedService, settingService, log),
		System:      handler.NewSystemHandler(pool, rdb, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	for _, start := range []func(context.Context){
		worker.NewAnswerWorker(submissionRepo, rdb, log).Start,
		worker.NewScoringWorker(submissionRepo, rdb, log).Start,
		worker.NewActivityWorker(sessionRepo, rdb, log).Start,
		worker.NewSessionWorker(sessionRepo, rdb, log).Start,
	} {
		workers.Add(1)
		go func(start func(context.Context)) {
			defer workers.Done()
			start(workerCtx)
		}(start)
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	limiter := middleware.NewRateLimiter(ctx, cfg.AgentRatePerSecond, cfg.AgentRateBurst)
	r := router.SetupRouter(authService, limiter, handlers, cfg, log)

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

	// 1. Stop accepting new HTTP requests. SSE streams end with their
	// request contexts.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop background workers; each flushes its buffer before returning.
	workerCancel()
	workers.Wait()

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
