package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-guard/internal/config"
	"github.com/stemsi/exstem-guard/internal/model"
)

// SyncService accepts periodic answer snapshots from agents.
type SyncService struct {
	exams *ExamService
	rdb   *redis.Client
	log   zerolog.Logger
	now   func() time.Time
}

func NewSyncService(exams *ExamService, rdb *redis.Client, log zerolog.Logger) *SyncService {
	return &SyncService{
		exams: exams,
		rdb:   rdb,
		log:   log.With().Str("component", "sync_service").Logger(),
		now:   time.Now,
	}
}

// Sync mirrors the payload's selections into Redis and queues the changed ones
// for PostgreSQL.
func (s *SyncService) Sync(ctx context.Context, studentID int, examID uuid.UUID, p model.SyncPayload) (model.SyncAck, error) {
	if p.StudentID != studentID || p.ExamID != examID {
		return model.SyncAck{}, ErrIdentityMismatch
	}
	if _, err := s.exams.GetExam(ctx, examID); err != nil {
		return model.SyncAck{}, err
	}
	submitted, err := s.rdb.Exists(ctx, config.CacheKey.StudentSubmissionKey(examID.String(), studentID)).Result()
	if err != nil {
		return model.SyncAck{}, fmt.Errorf("check submission: %w", err)
	}
	if submitted > 0 {
		return model.SyncAck{}, ErrAlreadySubmitted
	}

	changed, err := storeAnswers(ctx, s.rdb, p, s.now())
	if err != nil {
		return model.SyncAck{}, err
	}

	answered := p.AnsweredCount()
	total := len(p.Questions)
	s.log.Debug().
		Int("student_id", studentID).
		Str("exam_id", examID.String()).
		Int("changed", changed).
		Int("answered", answered).
		Msg("Answers synced")

	return model.SyncAck{Status: http.StatusOK, AnsweredCount: &answered, TotalQuestions: &total}, nil
}

// storeAnswers mirrors selections into the student's answer hash and queues
// an AnswerRecord for every question whose selection differs from the mirror.
func storeAnswers(ctx context.Context, rdb *redis.Client, p model.SyncPayload, now time.Time) (int, error) {
	key := config.CacheKey.StudentAnswersKey(p.ExamID.String(), p.StudentID)
	current, err := rdb.HGetAll(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("read answers: %w", err)
	}

	pipe := rdb.TxPipeline()
	changed := 0
	for _, q := range p.Questions {
		field := strconv.Itoa(q.ID)
		prev, had := current[field]

		switch {
		case q.SelectedOption == nil && !had:
			continue
		case q.SelectedOption == nil:
			pipe.HDel(ctx, key, field)
		case had && prev == strconv.Itoa(*q.SelectedOption):
			continue
		default:
			pipe.HSet(ctx, key, field, *q.SelectedOption)
		}

		rec, err := json.Marshal(model.AnswerRecord{
			ExamID:         p.ExamID,
			StudentID:      p.StudentID,
			QuestionID:     q.ID,
			SelectedOption: q.SelectedOption,
			SyncedAt:       now,
		})
		if err != nil {
			return 0, fmt.Errorf("marshal answer: %w", err)
		}
		pipe.RPush(ctx, config.WorkerKey.PersistAnswersQueue, rec)
		changed++
	}

	if changed == 0 {
		return 0, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("store answers: %w", err)
	}
	return changed, nil
}
