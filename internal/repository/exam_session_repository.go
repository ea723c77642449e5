package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-guard/internal/model"
)

// ExamSessionRepository persists session projections and their activity logs.
type ExamSessionRepository struct {
	pool *pgxpool.Pool
}

// NewExamSessionRepository creates a new ExamSessionRepository.
func NewExamSessionRepository(pool *pgxpool.Pool) *ExamSessionRepository {
	return &ExamSessionRepository{pool: pool}
}

// Rows with a lower or equal seq never overwrite a newer projection.
const upsertSessionSQL = `
	INSERT INTO exam_sessions (
		session_id, exam_id, student_id, status, connection_status,
		login_time, start_time, submit_time, current_question, answered_count,
		total_questions, time_remaining_seconds, violation_count, auto_submit_reason,
		seq, last_seen_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	ON CONFLICT (session_id) DO UPDATE SET
		status = EXCLUDED.status,
		connection_status = EXCLUDED.connection_status,
		login_time = EXCLUDED.login_time,
		start_time = EXCLUDED.start_time,
		submit_time = EXCLUDED.submit_time,
		current_question = EXCLUDED.current_question,
		answered_count = EXCLUDED.answered_count,
		total_questions = EXCLUDED.total_questions,
		time_remaining_seconds = EXCLUDED.time_remaining_seconds,
		violation_count = EXCLUDED.violation_count,
		auto_submit_reason = EXCLUDED.auto_submit_reason,
		seq = EXCLUDED.seq,
		last_seen_at = EXCLUDED.last_seen_at
	WHERE exam_sessions.seq < EXCLUDED.seq`

func sessionArgs(s *model.ExamSession) []any {
	return []any{
		s.SessionID, s.ExamID, s.StudentID, s.Status, s.ConnectionStatus,
		s.LoginTime, s.StartTime, s.SubmitTime, s.CurrentQuestion, s.AnsweredCount,
		s.TotalQuestions, s.TimeRemainingSeconds, s.ViolationCount, s.AutoSubmitReason,
		s.Seq, s.LastSeenAt,
	}
}

// UpsertSessions writes a batch of projections in one round trip.
func (r *ExamSessionRepository) UpsertSessions(ctx context.Context, sessions []*model.ExamSession) error {
	batch := &pgx.Batch{}
	for _, s := range sessions {
		batch.Queue(upsertSessionSQL, sessionArgs(s)...)
	}
	return r.pool.SendBatch(ctx, batch).Close()
}

// UpsertSession writes a single projection.
func (r *ExamSessionRepository) UpsertSession(ctx context.Context, s *model.ExamSession) error {
	_, err := r.pool.Exec(ctx, upsertSessionSQL, sessionArgs(s)...)
	return err
}

// InsertActivity bulk-loads activity entries with COPY. A duplicate id fails the whole copy.
func (r *ExamSessionRepository) InsertActivity(ctx context.Context, records []*model.ActivityRecord) error {
	rows := make([][]any, 0, len(records))
	for _, rec := range records {
		details, err := detailsJSON(rec.Entry.Details)
		if err != nil {
			return err
		}
		rows = append(rows, []any{
			rec.Entry.ID, rec.SessionID, rec.ExamID, rec.StudentID,
			string(rec.Entry.Type), string(rec.Entry.Severity), rec.Entry.Description,
			details, rec.Entry.Timestamp, rec.Entry.Seq,
		})
	}

	_, err := r.pool.CopyFrom(
		ctx,
		pgx.Identifier{"session_activity"},
		[]string{"id", "session_id", "exam_id", "student_id", "type", "severity", "description", "details", "recorded_at", "seq"},
		pgx.CopyFromRows(rows),
	)
	return err
}

// InsertActivityOne inserts a single entry, ignoring ids already stored.
func (r *ExamSessionRepository) InsertActivityOne(ctx context.Context, rec *model.ActivityRecord) error {
	details, err := detailsJSON(rec.Entry.Details)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO session_activity (id, session_id, exam_id, student_id, type, severity, description, details, recorded_at, seq)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		rec.Entry.ID, rec.SessionID, rec.ExamID, rec.StudentID,
		string(rec.Entry.Type), string(rec.Entry.Severity), rec.Entry.Description,
		details, rec.Entry.Timestamp, rec.Entry.Seq,
	)
	return err
}

func detailsJSON(details map[string]string) ([]byte, error) {
	if len(details) == 0 {
		return nil, nil
	}
	return json.Marshal(details)
}
