package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-guard/internal/model"
)

// SubmissionRepository persists synced answers and graded results.
type SubmissionRepository struct {
	pool *pgxpool.Pool
}

func NewSubmissionRepository(pool *pgxpool.Pool) *SubmissionRepository {
	return &SubmissionRepository{pool: pool}
}

type answerSlot struct {
	examID     uuid.UUID
	studentID  int
	questionID int
}

// UpsertAnswers writes a batch of answers with UNNEST. For duplicate
// (exam, student, question) rows in one batch only the latest is kept.
func (r *SubmissionRepository) UpsertAnswers(ctx context.Context, batch []*model.AnswerRecord) error {
	latest := make(map[answerSlot]*model.AnswerRecord, len(batch))
	order := make([]answerSlot, 0, len(batch))
	for _, a := range batch {
		k := answerSlot{a.ExamID, a.StudentID, a.QuestionID}
		prev, seen := latest[k]
		if !seen {
			order = append(order, k)
		}
		if !seen || !a.SyncedAt.Before(prev.SyncedAt) {
			latest[k] = a
		}
	}

	n := len(order)
	examIDs := make([]uuid.UUID, 0, n)
	students := make([]int, 0, n)
	questions := make([]int, 0, n)
	options := make([]*int, 0, n)
	syncedAts := make([]time.Time, 0, n)
	for _, k := range order {
		a := latest[k]
		examIDs = append(examIDs, a.ExamID)
		students = append(students, a.StudentID)
		questions = append(questions, a.QuestionID)
		options = append(options, a.SelectedOption)
		syncedAts = append(syncedAts, a.SyncedAt)
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO student_answers (exam_id, student_id, question_id, selected_option, updated_at)
		SELECT * FROM UNNEST($1::uuid[], $2::int[], $3::int[], $4::int[], $5::timestamptz[])
		ON CONFLICT (exam_id, student_id, question_id) DO UPDATE
		SET selected_option = EXCLUDED.selected_option, updated_at = EXCLUDED.updated_at
		WHERE student_answers.updated_at <= EXCLUDED.updated_at`,
		examIDs, students, questions, options, syncedAts)
	return err
}

// UpsertAnswer writes a single answer.
func (r *SubmissionRepository) UpsertAnswer(ctx context.Context, a *model.AnswerRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO student_answers (exam_id, student_id, question_id, selected_option, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (exam_id, student_id, question_id) DO UPDATE
		SET selected_option = EXCLUDED.selected_option, updated_at = EXCLUDED.updated_at
		WHERE student_answers.updated_at <= EXCLUDED.updated_at`,
		a.ExamID, a.StudentID, a.QuestionID, a.SelectedOption, a.SyncedAt)
	return err
}

// InsertResults stores graded submissions. The first result per (exam, student) wins.
func (r *SubmissionRepository) InsertResults(ctx context.Context, batch []*model.ResultRecord) error {
	n := len(batch)
	examIDs := make([]uuid.UUID, 0, n)
	students := make([]int, 0, n)
	sessions := make([]uuid.UUID, 0, n)
	scores := make([]float64, 0, n)
	answered := make([]int, 0, n)
	totals := make([]int, 0, n)
	lates := make([]bool, 0, n)
	reasons := make([]*string, 0, n)
	submittedAts := make([]time.Time, 0, n)
	for _, p := range batch {
		examIDs = append(examIDs, p.ExamID)
		students = append(students, p.StudentID)
		sessions = append(sessions, p.SessionID)
		scores = append(scores, p.Score)
		answered = append(answered, p.AnsweredCount)
		totals = append(totals, p.TotalQuestions)
		lates = append(lates, p.Late)
		reasons = append(reasons, nullableString(p.Reason))
		submittedAts = append(submittedAts, p.SubmittedAt)
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO exam_results (exam_id, student_id, session_id, score, answered_count,
		                          total_questions, late, reason, submitted_at)
		SELECT DISTINCT ON (u.exam_id, u.student_id) *
		FROM UNNEST($1::uuid[], $2::int[], $3::uuid[], $4::float8[], $5::int[],
		            $6::int[], $7::bool[], $8::text[], $9::timestamptz[])
		     AS u (exam_id, student_id, session_id, score, answered_count,
		           total_questions, late, reason, submitted_at)
		ORDER BY u.exam_id, u.student_id, u.submitted_at
		ON CONFLICT (exam_id, student_id) DO NOTHING`,
		examIDs, students, sessions, scores, answered, totals, lates, reasons, submittedAts)
	return err
}

// InsertResult stores a single graded submission.
func (r *SubmissionRepository) InsertResult(ctx context.Context, p *model.ResultRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO exam_results (exam_id, student_id, session_id, score, answered_count,
		                          total_questions, late, reason, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (exam_id, student_id) DO NOTHING`,
		p.ExamID, p.StudentID, p.SessionID, p.Score, p.AnsweredCount,
		p.TotalQuestions, p.Late, nullableString(p.Reason), p.SubmittedAt)
	return err
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
