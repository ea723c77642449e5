package model

import (
	"time"

	"github.com/google/uuid"
)

// AnswerRecord is one synced selection queued for PostgreSQL.
// A nil SelectedOption clears a previously stored answer.
type AnswerRecord struct {
	ExamID         uuid.UUID `json:"exam_id"`
	StudentID      int       `json:"student_id"`
	QuestionID     int       `json:"question_id"`
	SelectedOption *int      `json:"selected_option"`
	SyncedAt       time.Time `json:"synced_at"`
}

// ActivityRecord is one activity log entry queued for PostgreSQL.
type ActivityRecord struct {
	SessionID uuid.UUID        `json:"session_id"`
	ExamID    uuid.UUID        `json:"exam_id"`
	StudentID int              `json:"student_id"`
	Entry     ActivityLogEntry `json:"entry"`
}

// ResultRecord is the graded outcome of a final submission.
type ResultRecord struct {
	ExamID         uuid.UUID `json:"exam_id"`
	StudentID      int       `json:"student_id"`
	SessionID      uuid.UUID `json:"session_id"`
	Score          float64   `json:"score"`
	AnsweredCount  int       `json:"answered_count"`
	TotalQuestions int       `json:"total_questions"`
	Late           bool      `json:"late"`
	Reason         string    `json:"reason,omitempty"`
	SubmittedAt    time.Time `json:"submitted_at"`
}
