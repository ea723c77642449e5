// Package engine runs one candidate's exam attempt: it feeds environment
// signals through the violation monitor into the session, keeps the local
// snapshot current and talks to the central server.
//
// All session and monitor state is owned by a single reactor goroutine.
// Public methods post closures onto its queue and wait for them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-guard/internal/cache"
	"github.com/stemsi/exstem-guard/internal/model"
	"github.com/stemsi/exstem-guard/internal/session"
	"github.com/stemsi/exstem-guard/internal/violation"
)

var (
	ErrClosed        = errors.New("engine closed")
	ErrNotLoggedIn   = errors.New("candidate not logged in")
	ErrWrongExam     = errors.New("paper belongs to another exam")
	ErrNotActive     = errors.New("exam is not in progress")
	ErrSubmitPending = errors.New("a submission is already in flight")
	// ErrSubmitFailed wraps server and network failures of a manual submit.
	// The attempt stays open and the caller may retry.
	ErrSubmitFailed = errors.New("submission failed")
)

// Server is the part of the central server the engine talks to.
type Server interface {
	Sync(ctx context.Context, payload model.SyncPayload) (model.SyncAck, error)
	Submit(ctx context.Context, req model.SubmitRequest) (model.SubmitResult, error)
}

// Config tunes an Engine.
type Config struct {
	StudentID int
	Settings  model.ProctorSettings
	Monitor   violation.Options
	// SyncInterval spaces periodic server syncs.
	SyncInterval time.Duration
	// ClockInterval drives the countdown and debounce confirmation.
	ClockInterval time.Duration
	// SubmitRetry spaces redelivery of an engine-initiated final submission.
	SubmitRetry cache.RetryPolicy
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTicker replaces the tickers of the clock, sync and autosave loops.
func WithTicker(fn cache.TickerFunc) Option {
	return func(e *Engine) { e.newTicker = fn }
}

type Engine struct {
	cfg       Config
	server    Server
	cache     *cache.Cache
	log       zerolog.Logger
	now       func() time.Time
	newTicker cache.TickerFunc

	ctx       context.Context
	cancel    context.CancelFunc
	inbox     chan func()
	events    chan Event
	wg        sync.WaitGroup
	closeOnce sync.Once

	metaMu    sync.RWMutex
	paper     *Paper
	sessionID uuid.UUID

	// Owned by the reactor.
	sess       *session.Session
	mon        *violation.Monitor
	lastClock  time.Time
	carry      time.Duration
	submitting bool
	ended      bool
	terminal   chan struct{}
}

// New starts an engine for one candidate. store backs the local cache.
func New(parent context.Context, cfg Config, server Server, store cache.Store, log zerolog.Logger, opts ...Option) *Engine {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 15 * time.Second
	}
	if cfg.ClockInterval <= 0 {
		cfg.ClockInterval = 250 * time.Millisecond
	}
	if cfg.SubmitRetry.InitialDelay <= 0 {
		cfg.SubmitRetry = cache.DefaultRetryPolicy()
	}

	ctx, cancel := context.WithCancel(parent)
	e := &Engine{
		cfg:      cfg,
		server:   server,
		log:      log.With().Str("component", "engine").Int("student_id", cfg.StudentID).Logger(),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		inbox:    make(chan func(), 64),
		events:   make(chan Event, 64),
		terminal: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	cacheOpts := []cache.Option{cache.WithClock(e.now)}
	if e.newTicker != nil {
		cacheOpts = append(cacheOpts, cache.WithTicker(e.newTicker))
	} else {
		e.newTicker = func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		}
	}
	e.cache = cache.New(store, cache.SyncerFunc(e.syncSnapshot), log, cacheOpts...)

	e.wg.Add(1)
	go e.run()
	return e
}

// Events delivers notifications to exactly one consumer. The channel is
// closed by Close.
func (e *Engine) Events() <-chan Event { return e.events }

// Cache exposes the local cache for status reporting.
func (e *Engine) Cache() *cache.Cache { return e.cache }

// Close stops every loop of the engine. It is safe to call more than once.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.cancel()
		e.wg.Wait()
		close(e.events)
	})
}

// ─── Candidate actions ──────────────────────────────────────────────────────

// Login opens the session for examID after the agent authenticated the candidate.
func (e *Engine) Login(examID uuid.UUID) error {
	return e.call(func() error {
		if e.sess == nil {
			e.sess = session.New(e.cfg.StudentID, examID, e.cfg.Settings)
			e.mon = violation.New(e.log, e.cfg.Monitor)
			e.mon.Configure(e.cfg.Settings.MaxViolationsBeforeAutoSubmit, e.onViolation, e.onMaxViolations)

			e.metaMu.Lock()
			e.sessionID = e.sess.ID()
			e.metaMu.Unlock()
		}
		e.mutate(func(now time.Time) bool { return e.sess.Login(now) })
		return nil
	})
}

// Start begins the attempt and resumes from the local cache when a snapshot
// of the same exam exists.
func (e *Engine) Start(paper Paper) error {
	return e.call(func() error {
		if e.sess == nil {
			return ErrNotLoggedIn
		}
		if paper.ExamID != e.sess.View().ExamID {
			return ErrWrongExam
		}
		if e.sess.Status() != model.SessionStatusLoggedIn {
			return nil
		}

		e.metaMu.Lock()
		p := paper
		e.paper = &p
		e.metaMu.Unlock()

		now := e.now()
		e.lastClock = now
		e.mutate(func(now time.Time) bool {
			return e.sess.Start(now, len(paper.Questions), paper.DurationSeconds)
		})
		if snap, ok := e.cache.Load(e.ctx, paper.ExamID); ok {
			e.mutate(func(now time.Time) bool { return e.sess.Restore(now, snap) })
			e.log.Info().Int("answered", len(snap.Answers)).Msg("Resumed attempt from local cache")
		}
		e.cache.Restore(e.ctx, paper.ExamID)
		if e.cache.State().IsOffline {
			e.mutate(func(now time.Time) bool { return e.sess.Disconnect(now) })
		}

		if !e.ended {
			e.startLoops()
		}
		return nil
	})
}

// Signal feeds a raw environment signal to the violation monitor.
func (e *Engine) Signal(sig violation.Signal) (violation.Verdict, error) {
	var verdict violation.Verdict
	err := e.call(func() error {
		if e.sess == nil || !e.sess.Active() {
			return nil
		}
		// The station clock stamps every detection; the browser's time is ignored.
		sig.At = e.now()
		e.mutate(func(time.Time) bool {
			before := e.mon.Count()
			verdict = e.mon.Observe(sig)
			return e.mon.Count() != before
		})
		return nil
	})
	return verdict, err
}

// Report records a violation the exam browser detected by itself.
func (e *Engine) Report(kind model.ViolationKind, message string) error {
	return e.call(func() error {
		if e.sess == nil || !e.sess.Active() {
			return ErrNotActive
		}
		var err error
		e.mutate(func(now time.Time) bool {
			_, err = e.mon.Report(kind, message, now)
			return err == nil
		})
		return err
	})
}

// Answer selects an option; a negative option clears the answer.
func (e *Engine) Answer(questionID, option int) error {
	return e.active(func(now time.Time) bool {
		if option < 0 {
			return e.sess.ClearAnswer(now, questionID)
		}
		return e.sess.Answer(now, questionID, option)
	})
}

// Navigate moves to the 1-based question position.
func (e *Engine) Navigate(question int) error {
	return e.active(func(now time.Time) bool { return e.sess.Navigate(now, question) })
}

// Flag sets or clears the review mark of a question.
func (e *Engine) Flag(questionID int, flagged bool) error {
	return e.active(func(now time.Time) bool {
		if flagged {
			return e.sess.Flag(now, questionID)
		}
		return e.sess.Unflag(now, questionID)
	})
}

// ResetViolations zeroes the counter. The caller has verified the proctor.
func (e *Engine) ResetViolations(operator string) error {
	return e.active(func(now time.Time) bool {
		e.mon.Reset()
		return e.sess.ResetViolations(now, operator)
	})
}

// Timeout closes the attempt on the proctor's behalf.
func (e *Engine) Timeout(reason string) error {
	return e.call(func() error {
		if e.sess == nil {
			return ErrNotLoggedIn
		}
		e.mutate(func(now time.Time) bool { return e.sess.Timeout(now, reason) })
		return nil
	})
}

// SetOnline reports a connectivity change from the health probe.
func (e *Engine) SetOnline(online bool) error {
	err := e.call(func() error {
		if e.sess == nil {
			return nil
		}
		e.mutate(func(now time.Time) bool {
			if online {
				return e.sess.Reconnect(now)
			}
			return e.sess.Disconnect(now)
		})
		return nil
	})
	if err != nil {
		return err
	}
	e.cache.SetOnline(e.ctx, online)
	return e.call(func() error {
		e.publishState()
		return nil
	})
}

// Submit delivers the candidate's own submission. The session closes only
// after the server acknowledged it.
func (e *Engine) Submit(ctx context.Context) (model.SubmitResult, error) {
	var req model.SubmitRequest
	err := e.call(func() error {
		if e.sess == nil || !e.sess.Active() {
			return ErrNotActive
		}
		if e.submitting {
			return ErrSubmitPending
		}
		e.submitting = true
		req = e.submitRequest("")
		return nil
	})
	if err != nil {
		return model.SubmitResult{}, err
	}

	res, serr := e.server.Submit(ctx, req)

	err = e.call(func() error {
		e.submitting = false
		if serr != nil {
			e.emit(Event{Kind: EventError, Message: "Submission failed, please try again"})
			return nil
		}
		e.mutate(func(now time.Time) bool { return e.sess.Submit(now) })
		e.emit(Event{Kind: EventSubmitted, Result: &res})
		return nil
	})
	if serr != nil {
		e.log.Warn().Err(serr).Msg("Manual submission failed")
		return model.SubmitResult{}, fmt.Errorf("%w: %v", ErrSubmitFailed, serr)
	}
	e.cache.Clear(e.ctx, req.ExamID)
	return res, err
}

// ─── Views ──────────────────────────────────────────────────────────────────

// View returns the current session. Before login it is a zero session in
// the not_started state.
func (e *Engine) View() (model.ExamSession, error) {
	var out model.ExamSession
	err := e.call(func() error {
		out = e.view()
		return nil
	})
	return out, err
}

// ViolationState returns the counter view for the UI.
func (e *Engine) ViolationState() (model.ViolationState, error) {
	var out model.ViolationState
	err := e.call(func() error {
		out = e.violationState()
		return nil
	})
	return out, err
}

// SyncState returns the cache's sync status.
func (e *Engine) SyncState() model.SyncState { return e.cache.State() }

// ─── Reactor ────────────────────────────────────────────────────────────────

func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case fn := <-e.inbox:
			e.safely(fn)
		}
	}
}

func (e *Engine) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Msg("Recovered from panic in engine event")
		}
	}()
	fn()
}

// call runs fn on the reactor and waits for its result.
func (e *Engine) call(fn func() error) error {
	done := make(chan error, 1)
	select {
	case e.inbox <- func() {
		var err error
		defer func() { done <- err }()
		err = fn()
	}:
	case <-e.ctx.Done():
		return ErrClosed
	}
	select {
	case err := <-done:
		return err
	case <-e.ctx.Done():
		return ErrClosed
	}
}

// post queues fn without waiting.
func (e *Engine) post(fn func()) {
	select {
	case e.inbox <- fn:
	case <-e.ctx.Done():
	}
}

func (e *Engine) active(fn func(now time.Time) bool) error {
	return e.call(func() error {
		if e.sess == nil || !e.sess.Active() {
			return ErrNotActive
		}
		e.mutate(fn)
		return nil
	})
}

// mutate applies fn and publishes the result. Must run on the reactor.
func (e *Engine) mutate(fn func(now time.Time) bool) {
	if e.sess == nil {
		return
	}
	before := e.sess.Status()
	if !fn(e.now()) {
		return
	}
	after := e.sess.Status()
	if after != before && after.IsTerminal() {
		e.onTerminal()
	}
	e.publishState()
}

func (e *Engine) onViolation(v model.Violation, count int) {
	warned := e.sess.WarningIssued()
	e.sess.RecordViolation(v.Timestamp, v, count)
	if !warned && e.sess.WarningIssued() {
		left := model.RemainingChances(e.cfg.Settings.MaxViolationsBeforeAutoSubmit, count)
		e.emit(Event{
			Kind:    EventWarning,
			Message: fmt.Sprintf("Warning: %d more violation(s) will submit your exam automatically", left),
		})
	}
}

func (e *Engine) onMaxViolations() {
	e.sess.ViolationLimitReached(e.now())
}

func (e *Engine) onClock() {
	if e.sess == nil || !e.sess.Active() {
		return
	}
	now := e.now()
	elapsed := now.Sub(e.lastClock)
	e.lastClock = now
	if elapsed > 0 {
		e.carry += elapsed
	}
	secs := int(e.carry / time.Second)
	e.carry -= time.Duration(secs) * time.Second

	e.mutate(func(now time.Time) bool {
		// Countdown first: an expiry and a matured debounce in the same
		// tick resolve as time expired.
		before := e.mon.Count()
		ticked := e.sess.Countdown(now, secs)
		e.mon.Tick(now)
		return ticked || e.mon.Count() != before
	})
}

func (e *Engine) onTerminal() {
	if e.ended {
		return
	}
	e.ended = true
	close(e.terminal)

	view := e.sess.View()
	e.log.Info().Str("status", string(view.Status)).Msg("Session closed")
	if view.Status != model.SessionStatusAutoSubmitted {
		return
	}

	reason := ""
	if view.AutoSubmitReason != nil {
		reason = *view.AutoSubmitReason
	}
	e.emit(Event{Kind: EventAutoSubmitted, Session: &view, Message: reason})

	req := e.submitRequest(reason)
	snap := e.sess.Snapshot(e.now())
	e.wg.Add(1)
	go e.deliverFinal(req, snap)
}

// deliverFinal retries an engine-initiated submission until the server
// acknowledges it or the engine closes.
func (e *Engine) deliverFinal(req model.SubmitRequest, snap model.CacheSnapshot) {
	defer e.wg.Done()
	e.cache.Save(e.ctx, snap)

	for attempt := 1; ; attempt++ {
		res, err := e.server.Submit(e.ctx, req)
		if err == nil {
			e.log.Info().Int("attempt", attempt).Str("reason", req.Reason).Msg("Final submission acknowledged")
			e.cache.Clear(e.ctx, req.ExamID)
			e.post(func() { e.emit(Event{Kind: EventSubmitted, Result: &res}) })
			return
		}
		delay := e.cfg.SubmitRetry.NextDelay(attempt)
		e.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("Final submission failed")
		select {
		case <-e.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// ─── Loops ──────────────────────────────────────────────────────────────────

func (e *Engine) startLoops() {
	term := e.terminal
	interval := e.cfg.Settings.AutoSaveInterval()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	stopAutoSave := e.cache.AutoSave(e.ctx, e.currentSnapshot, interval)

	e.wg.Add(3)
	go e.tickLoop(term, e.cfg.ClockInterval, func() { e.post(e.onClock) })
	go e.tickLoop(term, e.cfg.SyncInterval, e.syncNow)
	go func() {
		defer e.wg.Done()
		select {
		case <-term:
		case <-e.ctx.Done():
		}
		stopAutoSave()
	}()
}

func (e *Engine) tickLoop(term <-chan struct{}, interval time.Duration, fn func()) {
	defer e.wg.Done()
	tick, stop := e.newTicker(interval)
	defer stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-term:
			return
		case <-tick:
			fn()
		}
	}
}

func (e *Engine) syncNow() {
	snap, ok := e.currentSnapshot()
	if !ok {
		return
	}
	st := e.cache.State()
	switch {
	case st.IsOffline:
		e.cache.Sync(e.ctx, snap)
	case st.HasPendingSync():
		e.cache.RetryPending(e.ctx)
	default:
		e.cache.Sync(e.ctx, snap)
	}
	e.post(e.publishState)
}

// currentSnapshot reads the latest state at call time.
func (e *Engine) currentSnapshot() (model.CacheSnapshot, bool) {
	var snap model.CacheSnapshot
	ok := false
	err := e.call(func() error {
		if e.sess != nil && e.sess.Active() {
			snap = e.sess.Snapshot(e.now())
			ok = true
		}
		return nil
	})
	return snap, ok && err == nil
}

// syncSnapshot is the cache's delivery function.
func (e *Engine) syncSnapshot(ctx context.Context, snap model.CacheSnapshot) error {
	e.metaMu.RLock()
	paper, sessionID := e.paper, e.sessionID
	e.metaMu.RUnlock()
	if paper == nil || paper.ExamID != snap.ExamID {
		return ErrNotActive
	}

	ack, err := e.server.Sync(ctx, buildPayload(e.cfg.StudentID, sessionID, paper, snap.Answers))
	if err != nil {
		return err
	}
	if ack.Status != 0 && (ack.Status < 200 || ack.Status > 299) {
		return fmt.Errorf("sync rejected with status %d", ack.Status)
	}
	return nil
}

// ─── Helpers (reactor) ──────────────────────────────────────────────────────

func (e *Engine) submitRequest(reason string) model.SubmitRequest {
	e.metaMu.RLock()
	paper := e.paper
	e.metaMu.RUnlock()
	return model.SubmitRequest{
		SyncPayload: buildPayload(e.cfg.StudentID, e.sess.ID(), paper, e.sess.Answers()),
		Reason:      reason,
	}
}

func (e *Engine) view() model.ExamSession {
	if e.sess == nil {
		return model.ExamSession{StudentID: e.cfg.StudentID, Status: model.SessionStatusNotStarted}
	}
	return e.sess.View()
}

func (e *Engine) violationState() model.ViolationState {
	if e.mon == nil {
		return model.ViolationState{MaxBeforeAutoSubmit: e.cfg.Settings.MaxViolationsBeforeAutoSubmit, IsSecure: true}
	}
	return e.mon.State(e.now())
}

func (e *Engine) publishState() {
	view := e.view()
	vs := e.violationState()
	ss := e.cache.State()
	e.emit(Event{Kind: EventState, Session: &view, Violations: &vs, Sync: &ss})
}

// emit drops state events when the consumer lags; the next one supersedes them.
func (e *Engine) emit(ev Event) {
	if ev.Kind == EventState {
		select {
		case e.events <- ev:
		default:
			e.log.Debug().Msg("Event consumer lagging, state update dropped")
		}
		return
	}
	select {
	case e.events <- ev:
	case <-e.ctx.Done():
	}
}

func buildPayload(studentID int, sessionID uuid.UUID, paper *Paper, answers map[int]int) model.SyncPayload {
	p := model.SyncPayload{StudentID: studentID, SessionID: sessionID}
	if paper == nil {
		return p
	}
	p.ExamID = paper.ExamID
	p.Questions = make([]model.QuestionAnswer, len(paper.Questions))
	for i, q := range paper.Questions {
		q.SelectedOption = nil
		if opt, ok := answers[q.ID]; ok {
			o := opt
			q.SelectedOption = &o
		}
		p.Questions[i] = q
	}
	return p
}
