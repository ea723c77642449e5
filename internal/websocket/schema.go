package websocket

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-guard/internal/engine"
	"github.com/stemsi/exstem-guard/internal/model"
	"github.com/stemsi/exstem-guard/internal/violation"
)

// ─── Actions (Exam browser → Agent) ─────────────────────────────────

type Action string

const (
	ActionLogin    Action = "login"
	ActionStart    Action = "start"
	ActionSignal   Action = "signal"
	ActionReport   Action = "report"
	ActionAnswer   Action = "answer"
	ActionNavigate Action = "navigate"
	ActionFlag     Action = "flag"
	ActionSubmit   Action = "submit"
	ActionReset    Action = "reset"
	ActionPing     Action = "ping"
)

// RequestEnvelope is used to peek at the action before the payload is parsed.
// ID is echoed back on the reply so the browser can correlate it.
type RequestEnvelope struct {
	Action  Action          `json:"action"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type LoginRequest struct {
	ExamID uuid.UUID `json:"exam_id" binding:"required"`
}

type StartRequest struct {
	Paper engine.Paper `json:"paper"`
}

type SignalRequest struct {
	Signal violation.Signal `json:"signal"`
}

type ReportRequest struct {
	Kind    model.ViolationKind `json:"kind" binding:"required"`
	Message string              `json:"message" binding:"max=500"`
}

// AnswerRequest selects Option for QuestionID; a null option clears it.
type AnswerRequest struct {
	QuestionID int  `json:"question_id" binding:"required,min=1"`
	Option     *int `json:"option" binding:"omitempty,min=0"`
}

type NavigateRequest struct {
	Question int `json:"question" binding:"required,min=1"`
}

type FlagRequest struct {
	QuestionID int  `json:"question_id" binding:"required,min=1"`
	Flagged    bool `json:"flagged"`
}

// ResetRequest is issued from the proctor's unlock dialog.
type ResetRequest struct {
	PIN      string `json:"pin" binding:"required"`
	Operator string `json:"operator" binding:"required,max=100"`
}

// ─── Events (Agent → Exam browser) ──────────────────────────────────

type Event string

const (
	EventAck           Event = "ack"
	EventError         Event = "error"
	EventPong          Event = "pong"
	EventState         Event = "state"
	EventVerdict       Event = "verdict"
	EventWarning       Event = "warning"
	EventSubmitted     Event = "submitted"
	EventAutoSubmitted Event = "auto_submitted"
)

// Message is every frame the agent writes.
type Message struct {
	Event  Event             `json:"event"`
	ID     string            `json:"id,omitempty"`
	Data   any               `json:"data,omitempty"`
	Error  string            `json:"error,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// FromEngine maps an engine notification onto a frame.
func FromEngine(ev engine.Event) Message {
	switch ev.Kind {
	case engine.EventError:
		return Message{Event: EventError, Error: ev.Message}
	case engine.EventVerdict:
		return Message{Event: EventVerdict, Data: ev.Verdict}
	}
	return Message{Event: Event(ev.Kind), Data: ev}
}
