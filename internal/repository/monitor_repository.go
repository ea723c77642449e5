package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-guard/internal/model"
)

// MonitorRepository reads the archived session projections of an exam. The
// live monitor falls back to it when Redis no longer holds them.
type MonitorRepository struct {
	pool *pgxpool.Pool
}

// NewMonitorRepository creates a new MonitorRepository.
func NewMonitorRepository(pool *pgxpool.Pool) *MonitorRepository {
	return &MonitorRepository{pool: pool}
}

// ListSessions returns every archived session of examID with its activity
// log, ordered by student.
func (r *MonitorRepository) ListSessions(ctx context.Context, examID uuid.UUID) ([]model.ExamSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT session_id, exam_id, student_id, status, connection_status,
		        login_time, start_time, submit_time, current_question, answered_count,
		        total_questions, time_remaining_seconds, violation_count, auto_submit_reason,
		        seq, last_seen_at
		 FROM exam_sessions WHERE exam_id = $1
		 ORDER BY student_id, session_id`,
		examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.ExamSession
	index := make(map[uuid.UUID]int)
	for rows.Next() {
		var s model.ExamSession
		if err := rows.Scan(
			&s.SessionID, &s.ExamID, &s.StudentID, &s.Status, &s.ConnectionStatus,
			&s.LoginTime, &s.StartTime, &s.SubmitTime, &s.CurrentQuestion, &s.AnsweredCount,
			&s.TotalQuestions, &s.TimeRemainingSeconds, &s.ViolationCount, &s.AutoSubmitReason,
			&s.Seq, &s.LastSeenAt,
		); err != nil {
			return nil, err
		}
		index[s.SessionID] = len(sessions)
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return sessions, nil
	}

	if err := r.attachActivity(ctx, examID, sessions, index); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *MonitorRepository) attachActivity(ctx context.Context, examID uuid.UUID, sessions []model.ExamSession, index map[uuid.UUID]int) error {
	rows, err := r.pool.Query(ctx,
		`SELECT session_id, id, seq, type, severity, description, details, recorded_at
		 FROM session_activity WHERE exam_id = $1
		 ORDER BY session_id, seq, id`,
		examID,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			sessionID uuid.UUID
			e         model.ActivityLogEntry
			details   []byte
		)
		if err := rows.Scan(&sessionID, &e.ID, &e.Seq, &e.Type, &e.Severity, &e.Description, &details, &e.Timestamp); err != nil {
			return err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return fmt.Errorf("activity %s details: %w", e.ID, err)
			}
		}
		if i, ok := index[sessionID]; ok {
			sessions[i].ActivityLog = append(sessions[i].ActivityLog, e)
		}
	}
	return rows.Err()
}
