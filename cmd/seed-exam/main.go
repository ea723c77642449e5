package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-guard/internal/config"
	"github.com/stemsi/exstem-guard/internal/database"
	"github.com/stemsi/exstem-guard/internal/logger"
	"github.com/stemsi/exstem-guard/internal/model"
	"github.com/stemsi/exstem-guard/internal/repository"
	"github.com/stemsi/exstem-guard/internal/service"
)

func main() {
	title := flag.String("title", "Try-out Exam", "Exam title")
	questions := flag.Int("questions", 40, "Number of questions")
	options := flag.Int("options", 5, "Options per question")
	duration := flag.Int("duration", 90, "Duration in minutes")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if *questions < 1 || *options < 2 || *duration < 1 {
		log.Fatal().Msg("questions >= 1, options >= 2 and duration >= 1 are required")
	}

	pool, err := database.NewPostgresPool(ctx, cfg, "exstem-seed-exam", log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	rdb, err := database.NewRedisClient(ctx, cfg.RedisURL, 0, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	exam := &model.Exam{
		ID:              uuid.New(),
		Title:           *title,
		DurationMinutes: *duration,
	}
	key := make(model.AnswerKey, *questions)
	for q := 1; q <= *questions; q++ {
		key[q] = rand.IntN(*options)
	}

	examRepo := repository.NewExamRepository(pool)
	if err := examRepo.Create(ctx, exam, key); err != nil {
		log.Fatal().Err(err).Msg("Failed to create exam")
	}

	// Warm the server caches so the first agents do not all miss at once.
	examService := service.NewExamService(examRepo, rdb, log)
	if err := examService.WarmExamCache(ctx, exam.ID); err != nil {
		log.Warn().Err(err).Msg("Cache warm failed")
	}

	fmt.Printf("Seeded exam %q\n  id:        %s\n  questions: %d\n  duration:  %d min\n",
		exam.Title, exam.ID, *questions, *duration)
}
