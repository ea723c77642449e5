package agent

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/stemsi/exstem-guard/internal/cache"
	"github.com/stemsi/exstem-guard/internal/database"
	"github.com/stemsi/exstem-guard/internal/engine"
	"github.com/stemsi/exstem-guard/internal/model"
	"github.com/stemsi/exstem-guard/internal/validator"
	ws "github.com/stemsi/exstem-guard/internal/websocket"
)

var examID = uuid.MustParse("5d2c8b1a-3e4f-4a6b-9c0d-7e8f9a0b1c2d")

// ─── Connectivity ──────────────────────────────────────────────────────────

type scriptedHealth struct{ results []error }

func (h *scriptedHealth) Health(context.Context) error {
	err := h.results[0]
	if len(h.results) > 1 {
		h.results = h.results[1:]
	}
	return err
}

type recordingTarget struct{ calls []bool }

func (r *recordingTarget) SetOnline(online bool) error {
	r.calls = append(r.calls, online)
	return nil
}

func TestConnectivity_ReportsTransitionsOnly(t *testing.T) {
	down := errors.New("connection refused")
	health := &scriptedHealth{results: []error{nil, nil, down, nil, down, down, down, nil}}
	target := &recordingTarget{}
	c := NewConnectivity(health, target, time.Second, zerolog.Nop())

	for i := 0; i < 8; i++ {
		c.probe(context.Background())
	}
	// A single failed probe is tolerated; two in a row flip the station offline.
	assert.Equal(t, []bool{true, false, true}, target.calls)
}

// ─── Heartbeat ─────────────────────────────────────────────────────────────

type fakeSource struct {
	mu       sync.Mutex
	view     model.ExamSession
	timedOut string
	err      error
}

func (f *fakeSource) View() (model.ExamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view, f.err
}

func (f *fakeSource) Timeout(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timedOut = reason
	f.view.Status = model.SessionStatusTimedOut
	return nil
}

type fakeHeartbeatClient struct {
	sent []model.ExamSession
	ack  model.HeartbeatAck
	err  error
}

func (f *fakeHeartbeatClient) Heartbeat(_ context.Context, s model.ExamSession) (model.HeartbeatAck, error) {
	f.sent = append(f.sent, s)
	return f.ack, f.err
}

func TestHeartbeat_SkipsUntilLoggedInAndAppliesTimeout(t *testing.T) {
	src := &fakeSource{view: model.ExamSession{Status: model.SessionStatusNotStarted}}
	cl := &fakeHeartbeatClient{}
	h := NewHeartbeater(src, cl, time.Second, zerolog.Nop())
	ctx := context.Background()

	assert.False(t, h.beat(ctx))
	assert.Empty(t, cl.sent)

	src.view = model.ExamSession{SessionID: uuid.New(), ExamID: examID, StudentID: 7, Status: model.SessionStatusInProgress, Seq: 3}
	cl.ack = model.HeartbeatAck{Accepted: true, TimeoutReason: "Left the room"}
	assert.False(t, h.beat(ctx))
	assert.Equal(t, "Left the room", src.timedOut)

	cl.ack = model.HeartbeatAck{Accepted: true}
	assert.True(t, h.beat(ctx), "terminal projection delivered")
	require.Len(t, cl.sent, 2)
	assert.Equal(t, model.SessionStatusTimedOut, cl.sent[1].Status)
}

func TestHeartbeat_KeepsTryingTerminalUntilDelivered(t *testing.T) {
	src := &fakeSource{view: model.ExamSession{SessionID: uuid.New(), Status: model.SessionStatusSubmitted}}
	cl := &fakeHeartbeatClient{err: errors.New("timeout")}
	h := NewHeartbeater(src, cl, time.Second, zerolog.Nop())

	assert.False(t, h.beat(context.Background()))
	cl.err = nil
	assert.True(t, h.beat(context.Background()))

	src.err = engine.ErrClosed
	assert.True(t, h.beat(context.Background()))
}

// ─── Bridge ────────────────────────────────────────────────────────────────

type stubServer struct{}

func (stubServer) Sync(_ context.Context, p model.SyncPayload) (model.SyncAck, error) {
	n := p.AnsweredCount()
	return model.SyncAck{Status: 200, AnsweredCount: &n}, nil
}

func (stubServer) Submit(_ context.Context, r model.SubmitRequest) (model.SubmitResult, error) {
	return model.SubmitResult{Score: 50, AnsweredCount: r.AnsweredCount(), TotalQuestions: len(r.Questions), Message: "Exam submitted successfully"}, nil
}

func newBridge(t *testing.T) *websocket.Conn {
	t.Helper()
	gin.SetMode(gin.TestMode)
	validator.Setup()
	ctx := context.Background()

	db, err := database.NewSQLite(ctx, filepath.Join(t.TempDir(), "agent.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := cache.NewSQLiteStore(ctx, db)
	require.NoError(t, err)

	eng := engine.New(ctx, engine.Config{
		StudentID: 7,
		Settings: model.ProctorSettings{
			MaxViolationsBeforeWarning:    2,
			MaxViolationsBeforeAutoSubmit: 3,
			AutoSaveIntervalMillis:        10000,
			DisconnectGracePeriodSeconds:  60,
		},
	}, stubServer{}, store, zerolog.Nop())
	t.Cleanup(eng.Close)

	hash, err := bcrypt.GenerateFromPassword([]byte("2468"), bcrypt.MinCost)
	require.NoError(t, err)
	b := NewBridge(eng, string(hash), nil, zerolog.Nop())
	go b.Pump()

	srv := httptest.NewServer(b.Router(zerolog.Nop()))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type frame struct {
	Event  ws.Event          `json:"event"`
	ID     string            `json:"id"`
	Data   map[string]any    `json:"data"`
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields"`
}

// request sends one action and returns its correlated reply; the events
// seen while waiting are returned as well.
func request(t *testing.T, conn *websocket.Conn, id string, action ws.Action, payload any) (frame, []ws.Event) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"action": action, "id": id, "payload": payload}))

	var seen []ws.Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.ID == id {
			return f, seen
		}
		seen = append(seen, f.Event)
	}
}

func TestBridge_ExamFlow(t *testing.T) {
	conn := newBridge(t)

	var first frame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, ws.EventState, first.Event)

	pong, _ := request(t, conn, "0", ws.ActionPing, nil)
	assert.Equal(t, ws.EventPong, pong.Event)

	f, _ := request(t, conn, "1", ws.ActionLogin, ws.LoginRequest{ExamID: examID})
	require.Equal(t, ws.EventAck, f.Event, f.Error)
	assert.Equal(t, string(model.SessionStatusLoggedIn), f.Data["status"])

	paper := engine.Paper{ExamID: examID, Title: "Physics", DurationSeconds: 600, Questions: []model.QuestionAnswer{
		{ID: 1, Text: "Q1", Options: []string{"a", "b"}},
		{ID: 2, Text: "Q2", Options: []string{"a", "b"}},
	}}
	f, _ = request(t, conn, "2", ws.ActionStart, ws.StartRequest{Paper: paper})
	require.Equal(t, ws.EventAck, f.Event, f.Error)
	assert.Equal(t, string(model.SessionStatusInProgress), f.Data["status"])

	opt := 1
	f, _ = request(t, conn, "3", ws.ActionAnswer, ws.AnswerRequest{QuestionID: 1, Option: &opt})
	require.Equal(t, ws.EventAck, f.Event, f.Error)

	f, _ = request(t, conn, "4", ws.ActionAnswer, map[string]any{"question_id": 0})
	require.Equal(t, ws.EventError, f.Event)
	assert.Contains(t, f.Fields, "question_id")

	f, _ = request(t, conn, "5", ws.ActionSignal, map[string]any{"signal": map[string]any{"type": "copy"}})
	require.Equal(t, ws.EventAck, f.Event, f.Error)
	assert.Equal(t, true, f.Data["suppress"])

	f, _ = request(t, conn, "6", ws.ActionReset, ws.ResetRequest{PIN: "0000", Operator: "Bu Rina"})
	require.Equal(t, ws.EventError, f.Event)
	assert.Equal(t, ErrWrongPIN.Error(), f.Error)

	f, _ = request(t, conn, "7", ws.ActionReset, ws.ResetRequest{PIN: "2468", Operator: "Bu Rina"})
	require.Equal(t, ws.EventAck, f.Event, f.Error)
	assert.EqualValues(t, 0, f.Data["count"])

	f, _ = request(t, conn, "8", ws.Action("teleport"), nil)
	assert.Equal(t, ws.EventError, f.Event)

	f, _ = request(t, conn, "9", ws.ActionSubmit, nil)
	require.Equal(t, ws.EventAck, f.Event, f.Error)
	assert.EqualValues(t, 50, f.Data["score"])
	assert.EqualValues(t, 1, f.Data["answered_count"])

	f, _ = request(t, conn, "10", ws.ActionNavigate, ws.NavigateRequest{Question: 2})
	assert.Equal(t, ws.EventError, f.Event, "attempt closed after submit")
}

func TestBridge_ResetDisabledWithoutPIN(t *testing.T) {
	b := NewBridge(nil, "", nil, zerolog.Nop())
	msg := b.dispatch(context.Background(), ws.RequestEnvelope{
		Action:  ws.ActionReset,
		ID:      "r",
		Payload: []byte(`{"pin":"1","operator":"x"}`),
	})
	assert.Equal(t, ws.EventError, msg.Event)
	assert.Equal(t, ErrResetDisabled.Error(), msg.Error)
}
