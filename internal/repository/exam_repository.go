package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-guard/internal/model"
)

// ExamRepository handles exam data access.
type ExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *ExamRepository {
	return &ExamRepository{pool: pool}
}

// GetByID retrieves an exam by its UUID together with its question count.
func (r *ExamRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	e := &model.Exam{}
	err := r.pool.QueryRow(ctx,
		`SELECT e.id, e.title, e.duration_minutes, e.scheduled_end,
		        (SELECT COUNT(*) FROM exam_answer_keys k WHERE k.exam_id = e.id)
		 FROM exams e WHERE e.id = $1`, id,
	).Scan(&e.ID, &e.Title, &e.DurationMinutes, &e.ScheduledEnd, &e.QuestionCount)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetAnswerKey returns question id → correct option for an exam.
func (r *ExamRepository) GetAnswerKey(ctx context.Context, id uuid.UUID) (model.AnswerKey, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT question_id, correct_option FROM exam_answer_keys WHERE exam_id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	key := make(model.AnswerKey)
	for rows.Next() {
		var q, opt int
		if err := rows.Scan(&q, &opt); err != nil {
			return nil, err
		}
		key[q] = opt
	}
	return key, rows.Err()
}

// Create inserts an exam and its answer key in one transaction.
func (r *ExamRepository) Create(ctx context.Context, e *model.Exam, key model.AnswerKey) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO exams (id, title, duration_minutes, scheduled_end) VALUES ($1, $2, $3, $4)`,
			e.ID, e.Title, e.DurationMinutes, e.ScheduledEnd,
		); err != nil {
			return err
		}

		rows := make([][]any, 0, len(key))
		for q, opt := range key {
			rows = append(rows, []any{e.ID, q, opt})
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"exam_answer_keys"},
			[]string{"exam_id", "question_id", "correct_option"},
			pgx.CopyFromRows(rows),
		)
		return err
	})
}
