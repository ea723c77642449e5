package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-guard/internal/config"
	"github.com/stemsi/exstem-guard/internal/model"
)

// ExamSource loads exam metadata and answer keys from the database.
type ExamSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error)
	GetAnswerKey(ctx context.Context, id uuid.UUID) (model.AnswerKey, error)
}

// ExamService serves grading data from Redis, warming it from PostgreSQL on a miss.
type ExamService struct {
	source ExamSource
	rdb    *redis.Client
	log    zerolog.Logger
}

// NewExamService creates a new ExamService.
func NewExamService(source ExamSource, rdb *redis.Client, log zerolog.Logger) *ExamService {
	return &ExamService{
		source: source,
		rdb:    rdb,
		log:    log.With().Str("component", "exam_service").Logger(),
	}
}

// GetExam returns exam metadata.
func (s *ExamService) GetExam(ctx context.Context, examID uuid.UUID) (*model.Exam, error) {
	raw, err := s.rdb.Get(ctx, config.CacheKey.ExamMetaKey(examID.String())).Bytes()
	if err == nil {
		exam := &model.Exam{}
		if json.Unmarshal(raw, exam) == nil {
			return exam, nil
		}
	}

	if err := s.WarmExamCache(ctx, examID); err != nil {
		return nil, err
	}
	raw, err = s.rdb.Get(ctx, config.CacheKey.ExamMetaKey(examID.String())).Bytes()
	if err != nil {
		return nil, fmt.Errorf("read exam meta: %w", err)
	}
	exam := &model.Exam{}
	if err := json.Unmarshal(raw, exam); err != nil {
		return nil, fmt.Errorf("decode exam meta: %w", err)
	}
	return exam, nil
}

// GetAnswerKey returns question id -> correct option.
func (s *ExamService) GetAnswerKey(ctx context.Context, examID uuid.UUID) (model.AnswerKey, error) {
	keyName := config.CacheKey.ExamAnswerKey(examID.String())
	raw, err := s.rdb.HGetAll(ctx, keyName).Result()
	if err != nil {
		return nil, fmt.Errorf("read answer key: %w", err)
	}
	if len(raw) == 0 {
		if err := s.WarmExamCache(ctx, examID); err != nil {
			return nil, err
		}
		if raw, err = s.rdb.HGetAll(ctx, keyName).Result(); err != nil {
			return nil, fmt.Errorf("read answer key: %w", err)
		}
	}

	key := make(model.AnswerKey, len(raw))
	for q, opt := range raw {
		qID, err1 := strconv.Atoi(q)
		o, err2 := strconv.Atoi(opt)
		if err1 != nil || err2 != nil {
			s.log.Warn().Str("exam_id", examID.String()).Str("question", q).Msg("skipping malformed answer key field")
			continue
		}
		key[qID] = o
	}
	return key, nil
}

// WarmExamCache loads an exam's metadata and answer key from PostgreSQL into Redis.
func (s *ExamService) WarmExamCache(ctx context.Context, examID uuid.UUID) error {
	exam, err := s.source.GetByID(ctx, examID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrExamNotFound
		}
		return fmt.Errorf("load exam: %w", err)
	}
	answerKey, err := s.source.GetAnswerKey(ctx, examID)
	if err != nil {
		return fmt.Errorf("load answer key: %w", err)
	}
	exam.QuestionCount = len(answerKey)

	meta, err := json.Marshal(exam)
	if err != nil {
		return fmt.Errorf("marshal exam: %w", err)
	}

	fields := make(map[string]interface{}, len(answerKey))
	for q, opt := range answerKey {
		fields[strconv.Itoa(q)] = opt
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, config.CacheKey.ExamMetaKey(examID.String()), meta, 0)
	pipe.Del(ctx, config.CacheKey.ExamAnswerKey(examID.String()))
	if len(fields) > 0 {
		pipe.HSet(ctx, config.CacheKey.ExamAnswerKey(examID.String()), fields)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache to redis: %w", err)
	}

	s.log.Debug().
		Str("exam_id", examID.String()).
		Int("questions", len(answerKey)).
		Msg("Cache warmed")
	return nil
}
