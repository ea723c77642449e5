// Package session implements the lifecycle of one candidate's exam attempt.
//
//	not_started -> logged_in -> in_progress -> submitted | auto_submitted | timed_out
//	                            in_progress <-> disconnected
//
// A Session is not safe for concurrent use. The engine owns it and serializes
// every call through its event loop.
package session

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/stemsi/exstem-guard/internal/model"
)

// Auto-submit reasons reported to the candidate, the server and the monitor.
const (
	ReasonTimeExpired    = "Time expired"
	ReasonViolationLimit = "Violation limit exceeded"
)

// Session owns one ExamSession together with the answer sheet and the
// violation counter of that attempt.
type Session struct {
	s        model.ExamSession
	settings model.ProctorSettings

	answers map[int]int
	flagged map[int]struct{}

	limitReached bool
	warned       bool

	newID func() string
}

// New creates a session in the not_started state.
func New(studentID int, examID uuid.UUID, settings model.ProctorSettings) *Session {
	return &Session{
		s: model.ExamSession{
			SessionID:        uuid.New(),
			StudentID:        studentID,
			ExamID:           examID,
			Status:           model.SessionStatusNotStarted,
			ConnectionStatus: model.ConnectionOnline,
			ActivityLog:      []model.ActivityLogEntry{},
		},
		settings: settings,
		answers:  make(map[int]int),
		flagged:  make(map[int]struct{}),
		newID:    uuid.NewString,
	}
}

// View returns a deep copy of the current session state.
func (x *Session) View() model.ExamSession { return x.s.Clone() }

func (x *Session) Status() model.SessionStatus { return x.s.Status }

func (x *Session) ID() uuid.UUID { return x.s.SessionID }

func (x *Session) Settings() model.ProctorSettings { return x.settings }

// Active reports whether the candidate may still answer.
func (x *Session) Active() bool {
	return x.s.Status == model.SessionStatusInProgress || x.s.Status == model.SessionStatusDisconnected
}

// WarningIssued reports whether the warning threshold has been reached since
// the last reset.
func (x *Session) WarningIssued() bool { return x.warned }

// Answers returns a copy of the answer sheet.
func (x *Session) Answers() map[int]int {
	out := make(map[int]int, len(x.answers))
	for q, opt := range x.answers {
		out[q] = opt
	}
	return out
}

// Flagged returns the flagged question ids in ascending order.
func (x *Session) Flagged() []int {
	out := make([]int, 0, len(x.flagged))
	for q := range x.flagged {
		out = append(out, q)
	}
	sort.Ints(out)
	return out
}

// Login records successful authentication.
func (x *Session) Login(at time.Time) bool {
	if x.s.Status != model.SessionStatusNotStarted {
		return false
	}
	x.s.Status = model.SessionStatusLoggedIn
	x.s.LoginTime = &at
	x.log(at, model.ActivityLogin, model.SeverityInfo, "Logged in", nil)
	return true
}

// Start begins the attempt with the given question count and time budget.
func (x *Session) Start(at time.Time, totalQuestions, timeRemainingSeconds int) bool {
	if x.s.Status != model.SessionStatusLoggedIn || totalQuestions < 0 || timeRemainingSeconds < 0 {
		return false
	}
	x.s.Status = model.SessionStatusInProgress
	x.s.StartTime = &at
	x.s.CurrentQuestion = 1
	x.s.TotalQuestions = totalQuestions
	x.s.TimeRemainingSeconds = timeRemainingSeconds
	x.log(at, model.ActivityExamStart, model.SeverityInfo, "Exam started", map[string]string{
		"total_questions": fmt.Sprint(totalQuestions),
		"time_remaining":  fmt.Sprint(timeRemainingSeconds),
	})
	x.evaluate(at)
	return true
}

// Restore applies a cached snapshot of this exam to a freshly started attempt.
// The remaining time never increases.
func (x *Session) Restore(at time.Time, snap model.CacheSnapshot) bool {
	if !x.Active() || snap.ExamID != x.s.ExamID || snap.Validate() != nil {
		return false
	}
	snap = snap.Normalize()
	x.answers = make(map[int]int, len(snap.Answers))
	for q, opt := range snap.Answers {
		x.answers[q] = opt
	}
	x.flagged = make(map[int]struct{}, len(snap.FlaggedQuestionIDs))
	for _, q := range snap.FlaggedQuestionIDs {
		x.flagged[q] = struct{}{}
	}
	x.s.AnsweredCount = len(x.answers)
	if snap.CurrentQuestionIndex > 0 {
		x.s.CurrentQuestion = snap.CurrentQuestionIndex
	}
	if snap.TimeRemainingSeconds < x.s.TimeRemainingSeconds {
		x.s.TimeRemainingSeconds = snap.TimeRemainingSeconds
	}
	x.log(at, model.ActivityRestore, model.SeverityInfo, "Progress restored from local cache", map[string]string{
		"answered": fmt.Sprint(x.s.AnsweredCount),
	})
	x.evaluate(at)
	return true
}

// Answer selects option for question.
func (x *Session) Answer(at time.Time, questionID, option int) bool {
	if !x.Active() || questionID < 1 || option < 0 {
		return false
	}
	if prev, ok := x.answers[questionID]; ok && prev == option {
		return false
	}
	x.answers[questionID] = option
	x.s.AnsweredCount = len(x.answers)
	x.log(at, model.ActivityAnswer, model.SeverityInfo, fmt.Sprintf("Answered question %d", questionID), map[string]string{
		"question_id": fmt.Sprint(questionID),
		"option":      fmt.Sprint(option),
	})
	x.evaluate(at)
	return true
}

// ClearAnswer removes the selection for question.
func (x *Session) ClearAnswer(at time.Time, questionID int) bool {
	if !x.Active() {
		return false
	}
	if _, ok := x.answers[questionID]; !ok {
		return false
	}
	delete(x.answers, questionID)
	x.s.AnsweredCount = len(x.answers)
	x.log(at, model.ActivityAnswer, model.SeverityInfo, fmt.Sprintf("Cleared answer for question %d", questionID), map[string]string{
		"question_id": fmt.Sprint(questionID),
	})
	x.evaluate(at)
	return true
}

// Navigate moves to the 1-based question position.
func (x *Session) Navigate(at time.Time, question int) bool {
	if !x.Active() || question < 1 || (x.s.TotalQuestions > 0 && question > x.s.TotalQuestions) {
		return false
	}
	if question == x.s.CurrentQuestion {
		return false
	}
	x.s.CurrentQuestion = question
	x.log(at, model.ActivityNavigate, model.SeverityInfo, fmt.Sprintf("Moved to question %d", question), nil)
	x.evaluate(at)
	return true
}

// Flag marks a question for review.
func (x *Session) Flag(at time.Time, questionID int) bool {
	if !x.Active() || questionID < 1 {
		return false
	}
	if _, ok := x.flagged[questionID]; ok {
		return false
	}
	x.flagged[questionID] = struct{}{}
	x.log(at, model.ActivityFlag, model.SeverityInfo, fmt.Sprintf("Flagged question %d", questionID), nil)
	x.evaluate(at)
	return true
}

// Unflag removes the review mark.
func (x *Session) Unflag(at time.Time, questionID int) bool {
	if !x.Active() {
		return false
	}
	if _, ok := x.flagged[questionID]; !ok {
		return false
	}
	delete(x.flagged, questionID)
	x.log(at, model.ActivityFlag, model.SeverityInfo, fmt.Sprintf("Unflagged question %d", questionID), nil)
	x.evaluate(at)
	return true
}

// Countdown subtracts elapsed seconds from the remaining time. The clock keeps
// running while disconnected. Ticks bump Seq but are not written to the
// activity log.
func (x *Session) Countdown(at time.Time, elapsedSeconds int) bool {
	if !x.Active() || elapsedSeconds <= 0 {
		return false
	}
	x.s.TimeRemainingSeconds -= elapsedSeconds
	if x.s.TimeRemainingSeconds < 0 {
		x.s.TimeRemainingSeconds = 0
	}
	x.touch(at)
	x.evaluate(at)
	return true
}

// Disconnect records loss of connectivity to the server.
func (x *Session) Disconnect(at time.Time) bool {
	if x.s.Status != model.SessionStatusInProgress {
		return false
	}
	x.s.Status = model.SessionStatusDisconnected
	x.s.ConnectionStatus = model.ConnectionOffline
	x.log(at, model.ActivityDisconnect, model.SeverityWarning, "Connection to server lost", nil)
	x.evaluate(at)
	return true
}

// Reconnect records restored connectivity.
func (x *Session) Reconnect(at time.Time) bool {
	if x.s.Status != model.SessionStatusDisconnected {
		return false
	}
	x.s.Status = model.SessionStatusInProgress
	x.s.ConnectionStatus = model.ConnectionOnline
	x.log(at, model.ActivityReconnect, model.SeverityInfo, "Connection to server restored", nil)
	x.evaluate(at)
	return true
}

// Submit records a manual submission acknowledged by the server. Partial
// submissions are allowed.
func (x *Session) Submit(at time.Time) bool {
	if !x.Active() {
		return false
	}
	x.s.Status = model.SessionStatusSubmitted
	x.s.SubmitTime = &at
	x.log(at, model.ActivitySubmit, model.SeverityInfo, "Exam submitted", map[string]string{
		"answered": fmt.Sprint(x.s.AnsweredCount),
		"total":    fmt.Sprint(x.s.TotalQuestions),
	})
	return true
}

// RecordViolation mirrors the monitor's counter into the session and logs the
// violation.
func (x *Session) RecordViolation(at time.Time, v model.Violation, count int) bool {
	if !x.Active() || count < x.s.ViolationCount {
		return false
	}
	x.s.ViolationCount = count
	severity := model.SeverityWarning
	if model.RemainingChances(x.settings.MaxViolationsBeforeAutoSubmit, count) == 0 {
		severity = model.SeverityCritical
	}
	x.log(at, model.ActivityViolation, severity, v.Message, map[string]string{
		"kind":  string(v.Kind),
		"count": fmt.Sprint(count),
	})

	warnAt := x.settings.MaxViolationsBeforeWarning
	if !x.warned && warnAt > 0 && count >= warnAt {
		x.warned = true
		x.log(at, model.ActivityWarning, model.SeverityWarning, "Violation warning issued", map[string]string{
			"remaining_chances": fmt.Sprint(model.RemainingChances(x.settings.MaxViolationsBeforeAutoSubmit, count)),
		})
	}
	x.evaluate(at)
	return true
}

// ViolationLimitReached is the monitor's threshold callback.
func (x *Session) ViolationLimitReached(at time.Time) bool {
	if !x.Active() {
		return false
	}
	x.limitReached = true
	x.touch(at)
	x.evaluate(at)
	return true
}

// ResetViolations is the operator override that zeroes the counter.
func (x *Session) ResetViolations(at time.Time, operator string) bool {
	if !x.Active() {
		return false
	}
	prev := x.s.ViolationCount
	x.s.ViolationCount = 0
	x.limitReached = false
	x.warned = false
	x.log(at, model.ActivityViolationsReset, model.SeverityWarning, "Violation counter reset by proctor", map[string]string{
		"operator": operator,
		"previous": fmt.Sprint(prev),
	})
	return true
}

// Timeout closes a session administratively.
func (x *Session) Timeout(at time.Time, reason string) bool {
	if x.s.Status.IsTerminal() || x.s.Status == model.SessionStatusNotStarted {
		return false
	}
	x.s.Status = model.SessionStatusTimedOut
	x.s.SubmitTime = &at
	x.log(at, model.ActivityTimeout, model.SeverityCritical, "Session closed by proctor", map[string]string{
		"reason": reason,
	})
	return true
}

// Snapshot captures the in-progress state for the local cache.
func (x *Session) Snapshot(now time.Time) model.CacheSnapshot {
	return model.CacheSnapshot{
		ExamID:               x.s.ExamID,
		Answers:              x.Answers(),
		FlaggedQuestionIDs:   x.Flagged(),
		CurrentQuestionIndex: x.s.CurrentQuestion,
		TimeRemainingSeconds: x.s.TimeRemainingSeconds,
		SavedAtEpochMillis:   now.UnixMilli(),
	}
}

// evaluate runs after every mutating event. Time expiry wins over the
// violation limit when both hold.
func (x *Session) evaluate(at time.Time) {
	if !x.Active() {
		return
	}
	switch {
	case x.s.TimeRemainingSeconds <= 0:
		x.autoSubmit(at, ReasonTimeExpired)
	case x.limitReached || model.RemainingChances(x.settings.MaxViolationsBeforeAutoSubmit, x.s.ViolationCount) == 0:
		x.autoSubmit(at, ReasonViolationLimit)
	}
}

func (x *Session) autoSubmit(at time.Time, reason string) {
	x.s.Status = model.SessionStatusAutoSubmitted
	x.s.SubmitTime = &at
	x.s.AutoSubmitReason = &reason
	x.log(at, model.ActivityAutoSubmit, model.SeverityCritical, "Exam auto-submitted: "+reason, map[string]string{
		"reason":     reason,
		"violations": fmt.Sprint(x.s.ViolationCount),
	})
}

func (x *Session) log(at time.Time, typ model.ActivityType, sev model.Severity, desc string, details map[string]string) {
	x.s.ActivityLog = append(x.s.ActivityLog, model.ActivityLogEntry{
		ID:          x.newID(),
		Seq:         x.s.Seq + 1,
		Timestamp:   at,
		Type:        typ,
		Description: desc,
		Severity:    sev,
		Details:     details,
	})
	x.touch(at)
}

func (x *Session) touch(at time.Time) {
	x.s.Seq++
	x.s.LastSeenAt = at
}
