package engine

import (
	"github.com/google/uuid"

	"github.com/stemsi/exstem-guard/internal/model"
	"github.com/stemsi/exstem-guard/internal/violation"
)

// EventKind names an engine notification.
type EventKind string

const (
	EventState         EventKind = "state"
	EventVerdict       EventKind = "verdict"
	EventWarning       EventKind = "warning"
	EventSubmitted     EventKind = "submitted"
	EventAutoSubmitted EventKind = "auto_submitted"
	EventError         EventKind = "error"
)

// Event is pushed to the single consumer of Engine.Events.
type Event struct {
	Kind       EventKind             `json:"kind"`
	Session    *model.ExamSession    `json:"session,omitempty"`
	Violations *model.ViolationState `json:"violations,omitempty"`
	Sync       *model.SyncState      `json:"sync,omitempty"`
	Verdict    *violation.Verdict    `json:"verdict,omitempty"`
	Result     *model.SubmitResult   `json:"result,omitempty"`
	Message    string                `json:"message,omitempty"`
}

// Paper is the exam content the candidate works on. The agent receives it
// from the exam browser at start.
type Paper struct {
	ExamID          uuid.UUID              `json:"exam_id" binding:"required"`
	Title           string                 `json:"title"`
	DurationSeconds int                    `json:"duration_seconds" binding:"min=1"`
	Questions       []model.QuestionAnswer `json:"questions" binding:"required,min=1,dive"`
}
