package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-guard/internal/config"
	"github.com/stemsi/exstem-guard/internal/model"
)

const submissionTTL = 7 * 24 * time.Hour

// SubmitService grades final submissions. A (exam, student) pair is graded
// once; repeated deliveries get the stored result back.
type SubmitService struct {
	exams         *ExamService
	rdb           *redis.Client
	lateTolerance time.Duration
	log           zerolog.Logger
	now           func() time.Time
}

func NewSubmitService(exams *ExamService, rdb *redis.Client, lateTolerance time.Duration, log zerolog.Logger) *SubmitService {
	return &SubmitService{
		exams:         exams,
		rdb:           rdb,
		lateTolerance: lateTolerance,
		log:           log.With().Str("component", "submit_service").Logger(),
		now:           time.Now,
	}
}

// Submit grades req in RAM and queues the score for persistence.
func (s *SubmitService) Submit(ctx context.Context, studentID int, examID uuid.UUID, req model.SubmitRequest) (model.SubmitResult, error) {
	if req.StudentID != studentID || req.ExamID != examID {
		return model.SubmitResult{}, ErrIdentityMismatch
	}

	subKey := config.CacheKey.StudentSubmissionKey(examID.String(), studentID)
	if prior, ok, err := s.stored(ctx, subKey); err != nil {
		return model.SubmitResult{}, err
	} else if ok {
		return prior, nil
	}

	exam, err := s.exams.GetExam(ctx, examID)
	if err != nil {
		return model.SubmitResult{}, err
	}
	answerKey, err := s.exams.GetAnswerKey(ctx, examID)
	if err != nil {
		return model.SubmitResult{}, err
	}

	now := s.now()
	if _, err := storeAnswers(ctx, s.rdb, req.SyncPayload, now); err != nil {
		return model.SubmitResult{}, err
	}

	correct := 0
	for _, q := range req.Questions {
		want, ok := answerKey[q.ID]
		if ok && q.SelectedOption != nil && *q.SelectedOption == want {
			correct++
		}
	}
	total := len(answerKey)
	if total == 0 {
		total = len(req.Questions)
	}
	var score float64
	if total > 0 {
		score = (float64(correct) / float64(total)) * 100
	}

	late := s.isLate(ctx, exam, req.SessionID, now)
	result := model.SubmitResult{
		Score:          score,
		AnsweredCount:  req.AnsweredCount(),
		TotalQuestions: total,
		Late:           late,
		Message:        submitMessage(req.Reason, late),
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return model.SubmitResult{}, fmt.Errorf("marshal result: %w", err)
	}
	record, err := json.Marshal(model.ResultRecord{
		ExamID:         examID,
		StudentID:      studentID,
		SessionID:      req.SessionID,
		Score:          score,
		AnsweredCount:  result.AnsweredCount,
		TotalQuestions: total,
		Late:           late,
		Reason:         req.Reason,
		SubmittedAt:    now,
	})
	if err != nil {
		return model.SubmitResult{}, fmt.Errorf("marshal result record: %w", err)
	}
	won, err := s.rdb.SetNX(ctx, subKey, raw, submissionTTL).Result()
	if err != nil {
		return model.SubmitResult{}, fmt.Errorf("store submission: %w", err)
	}
	if !won {
		// A concurrent delivery of the same submission got there first.
		prior, _, err := s.stored(ctx, subKey)
		return prior, err
	}

	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, config.WorkerKey.PersistScoresQueue, record)
	pipe.Del(ctx, config.CacheKey.StudentTimeoutKey(examID.String(), studentID))
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Error().Err(err).Int("student_id", studentID).Msg("queue score failed")
	}

	s.log.Info().
		Int("student_id", studentID).
		Str("exam_id", examID.String()).
		Float64("score", score).
		Int("correct", correct).
		Int("total", total).
		Bool("late", late).
		Str("reason", req.Reason).
		Msg("Exam submitted and graded")
	return result, nil
}

func (s *SubmitService) stored(ctx context.Context, key string) (model.SubmitResult, bool, error) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.SubmitResult{}, false, nil
	}
	if err != nil {
		return model.SubmitResult{}, false, fmt.Errorf("read submission: %w", err)
	}
	var res model.SubmitResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return model.SubmitResult{}, false, fmt.Errorf("decode submission: %w", err)
	}
	return res, true, nil
}

// isLate compares now against the earliest of the session's own deadline
// (start + duration) and the exam's scheduled end, both plus the tolerance.
// Without a known start or scheduled end nothing is late.
func (s *SubmitService) isLate(ctx context.Context, exam *model.Exam, sessionID uuid.UUID, now time.Time) bool {
	var deadline time.Time
	consider := func(t time.Time) {
		if deadline.IsZero() || t.Before(deadline) {
			deadline = t
		}
	}

	raw, err := s.rdb.HGet(ctx, config.CacheKey.ExamSessionsKey(exam.ID.String()), sessionID.String()).Bytes()
	if err == nil {
		var sess model.ExamSession
		if json.Unmarshal(raw, &sess) == nil && sess.StartTime != nil {
			consider(sess.StartTime.Add(time.Duration(exam.DurationMinutes) * time.Minute))
		}
	}
	if exam.ScheduledEnd != nil {
		consider(*exam.ScheduledEnd)
	}
	if deadline.IsZero() {
		return false
	}
	return now.After(deadline.Add(s.lateTolerance))
}

func submitMessage(reason string, late bool) string {
	msg := "Exam submitted successfully"
	if reason != "" {
		msg = "Exam submitted automatically: " + reason
	}
	if late {
		msg += " (after the deadline)"
	}
	return msg
}
