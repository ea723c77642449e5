package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates exam session lifecycle states.
type SessionStatus string

const (
	SessionStatusNotStarted    SessionStatus = "not_started"
	SessionStatusLoggedIn      SessionStatus = "logged_in"
	SessionStatusInProgress    SessionStatus = "in_progress"
	SessionStatusDisconnected  SessionStatus = "disconnected"
	SessionStatusSubmitted     SessionStatus = "submitted"
	SessionStatusAutoSubmitted SessionStatus = "auto_submitted"
	SessionStatusTimedOut      SessionStatus = "timed_out"
)

// IsTerminal reports whether no further mutation is accepted in this state.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusSubmitted, SessionStatusAutoSubmitted, SessionStatusTimedOut:
		return true
	}
	return false
}

// ConnectionStatus is the candidate's link to the central server.
type ConnectionStatus string

const (
	ConnectionOnline  ConnectionStatus = "online"
	ConnectionOffline ConnectionStatus = "offline"
)

// Severity grades an activity log entry.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ActivityType classifies activity log entries.
type ActivityType string

const (
	ActivityLogin           ActivityType = "login"
	ActivityExamStart       ActivityType = "exam_start"
	ActivityAnswer          ActivityType = "answer"
	ActivityNavigate        ActivityType = "navigate"
	ActivityFlag            ActivityType = "flag"
	ActivityViolation       ActivityType = "violation"
	ActivityWarning         ActivityType = "warning"
	ActivityDisconnect      ActivityType = "disconnect"
	ActivityReconnect       ActivityType = "reconnect"
	ActivitySubmit          ActivityType = "submit"
	ActivityAutoSubmit      ActivityType = "auto_submit"
	ActivityTimeout         ActivityType = "timeout"
	ActivityViolationsReset ActivityType = "violations_reset"
	ActivityRestore         ActivityType = "restore"
)

// ActivityLogEntry is one append-only line in a session's activity log.
type ActivityLogEntry struct {
	ID string `json:"id"`
	// Seq is the session revision that appended the entry. It gives the
	// creation order regardless of clock skew.
	Seq         int64             `json:"seq"`
	Timestamp   time.Time         `json:"timestamp"`
	Type        ActivityType      `json:"type"`
	Description string            `json:"description"`
	Severity    Severity          `json:"severity"`
	Details     map[string]string `json:"details,omitempty"`
}

// ExamSession is one student's attempt at one exam, shared by the candidate
// agent (which owns and mutates it) and the proctor monitor (read-only projection).
type ExamSession struct {
	SessionID            uuid.UUID          `json:"session_id"`
	StudentID            int                `json:"student_id"`
	ExamID               uuid.UUID          `json:"exam_id"`
	Status               SessionStatus      `json:"status"`
	LoginTime            *time.Time         `json:"login_time,omitempty"`
	StartTime            *time.Time         `json:"start_time,omitempty"`
	SubmitTime           *time.Time         `json:"submit_time,omitempty"`
	CurrentQuestion      int                `json:"current_question"`
	AnsweredCount        int                `json:"answered_count"`
	TotalQuestions       int                `json:"total_questions"`
	TimeRemainingSeconds int                `json:"time_remaining_seconds"`
	ViolationCount       int                `json:"violation_count"`
	ConnectionStatus     ConnectionStatus   `json:"connection_status"`
	AutoSubmitReason     *string            `json:"auto_submit_reason,omitempty"`
	ActivityLog          []ActivityLogEntry `json:"activity_log"`
	// Seq increases on every mutation; readers keep the highest one they saw.
	Seq        int64     `json:"seq"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s ExamSession) Clone() ExamSession {
	out := s
	out.LoginTime = cloneTime(s.LoginTime)
	out.StartTime = cloneTime(s.StartTime)
	out.SubmitTime = cloneTime(s.SubmitTime)
	if s.AutoSubmitReason != nil {
		reason := *s.AutoSubmitReason
		out.AutoSubmitReason = &reason
	}
	out.ActivityLog = make([]ActivityLogEntry, len(s.ActivityLog))
	for i, e := range s.ActivityLog {
		if e.Details != nil {
			details := make(map[string]string, len(e.Details))
			for k, v := range e.Details {
				details[k] = v
			}
			e.Details = details
		}
		out.ActivityLog[i] = e
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
