package model

import (
	"time"

	"github.com/google/uuid"
)

// QuestionAnswer is one question of the sync/submit payload together with the
// candidate's current selection (nil when unanswered).
type QuestionAnswer struct {
	ID             int      `json:"id" binding:"required,min=1"`
	Text           string   `json:"text"`
	Type           string   `json:"type"`
	Chapter        string   `json:"chapter"`
	Options        []string `json:"options"`
	SelectedOption *int     `json:"selected_option"`
}

// SyncPayload is accepted by the server sync endpoint.
type SyncPayload struct {
	StudentID int              `json:"student_id" binding:"required,min=1"`
	ExamID    uuid.UUID        `json:"exam_id" binding:"required"`
	SessionID uuid.UUID        `json:"session_id" binding:"required"`
	Questions []QuestionAnswer `json:"questions" binding:"dive"`
}

// AnsweredCount counts the questions with a selection.
func (p SyncPayload) AnsweredCount() int {
	n := 0
	for _, q := range p.Questions {
		if q.SelectedOption != nil {
			n++
		}
	}
	return n
}

// SyncAck acknowledges a sync. Any non-2xx Status is a failure.
type SyncAck struct {
	Status         int  `json:"status"`
	AnsweredCount  *int `json:"answered_count,omitempty"`
	TotalQuestions *int `json:"total_questions,omitempty"`
}

// SubmitRequest carries the final answers and, for engine-initiated submits,
// the auto-submit reason.
type SubmitRequest struct {
	SyncPayload
	Reason string `json:"reason,omitempty"`
}

// SubmitResult is the server's final word on an attempt.
type SubmitResult struct {
	Score          float64 `json:"score"`
	AnsweredCount  int     `json:"answered_count"`
	TotalQuestions int     `json:"total_questions"`
	Late           bool    `json:"late"`
	Message        string  `json:"message"`
}

// HeartbeatAck answers a session projection push. TimeoutReason is set when a
// proctor has ended the attempt administratively.
type HeartbeatAck struct {
	Accepted      bool      `json:"accepted"`
	ServerTime    time.Time `json:"server_time"`
	TimeoutReason string    `json:"timeout_reason,omitempty"`
}
