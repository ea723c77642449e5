package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/stemsi/exstem-guard/internal/engine"
	"github.com/stemsi/exstem-guard/internal/model"
	"github.com/stemsi/exstem-guard/internal/response"
	"github.com/stemsi/exstem-guard/internal/validator"
	ws "github.com/stemsi/exstem-guard/internal/websocket"
)

const (
	clientBuffer  = 64
	submitTimeout = 30 * time.Second
)

var (
	ErrResetDisabled = errors.New("violation reset is not configured on this station")
	ErrWrongPIN      = errors.New("invalid proctor PIN")
	ErrNoPayload     = errors.New("payload is required")
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty allowedOrigins permits all origins.
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// Bridge connects the exam browser on this station to the engine.
type Bridge struct {
	eng      *engine.Engine
	pinHash  []byte
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu      sync.Mutex
	clients map[*peer]struct{}
}

type peer struct {
	conn *websocket.Conn
	send chan ws.Message
	done chan struct{}
}

// NewBridge creates a Bridge. pinHash is the bcrypt hash of the proctor
// PIN; empty disables violation resets.
func NewBridge(eng *engine.Engine, pinHash string, allowedOrigins []string, log zerolog.Logger) *Bridge {
	return &Bridge{
		eng:      eng,
		pinHash:  []byte(pinHash),
		upgrader: buildUpgrader(allowedOrigins),
		log:      log.With().Str("component", "bridge").Logger(),
		clients:  make(map[*peer]struct{}),
	}
}

// Router serves the bridge on the station's loopback address.
func (b *Bridge) Router(log zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(response.RequestIDMiddleware())
	r.Use(response.AccessLog(log))

	r.GET("/healthz", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/state", b.State)
	r.GET("/ws", b.Stream)
	return r
}

// Pump forwards engine events to every connected browser until the engine
// closes its event channel.
func (b *Bridge) Pump() {
	for ev := range b.eng.Events() {
		b.broadcast(ws.FromEngine(ev))
	}
}

type stateView struct {
	Session    model.ExamSession    `json:"session"`
	Violations model.ViolationState `json:"violations"`
	Sync       model.SyncState      `json:"sync"`
}

func (b *Bridge) snapshot() (stateView, error) {
	sess, err := b.eng.View()
	if err != nil {
		return stateView{}, err
	}
	vs, err := b.eng.ViolationState()
	if err != nil {
		return stateView{}, err
	}
	return stateView{Session: sess, Violations: vs, Sync: b.eng.SyncState()}, nil
}

// State godoc
// GET /state
func (b *Bridge) State(c *gin.Context) {
	st, err := b.snapshot()
	if err != nil {
		response.Fail(c, http.StatusServiceUnavailable, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, st)
}

// Stream godoc
// WS /ws
// The browser sends actions and receives replies plus every engine event.
func (b *Bridge) Stream(c *gin.Context) {
	conn, err := b.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		b.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	p := &peer{conn: conn, send: make(chan ws.Message, clientBuffer), done: make(chan struct{})}
	b.register(p)
	defer b.unregister(p)

	go b.writeLoop(p)

	if st, err := b.snapshot(); err == nil {
		b.deliver(p, ws.Message{Event: ws.EventState, Data: st})
	}

	b.log.Info().Str("remote", c.Request.RemoteAddr).Msg("Exam browser connected")
	ctx := c.Request.Context()

	for {
		var req ws.RequestEnvelope
		if err := ws.ReadJSON(conn, &req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.log.Warn().Err(err).Msg("Unexpected close")
			} else {
				b.log.Debug().Msg("Connection closed")
			}
			return
		}

		if req.Action == ws.ActionSubmit {
			// Submission waits on the network; keep reading signals meanwhile.
			go func(req ws.RequestEnvelope) {
				b.deliver(p, b.dispatch(ctx, req))
			}(req)
			continue
		}
		b.deliver(p, b.dispatch(ctx, req))
	}
}

func (b *Bridge) writeLoop(p *peer) {
	for {
		select {
		case <-p.done:
			return
		case msg := <-p.send:
			if err := ws.WriteTyped(p.conn, msg); err != nil {
				b.log.Debug().Err(err).Msg("Write failed")
				p.conn.Close()
				return
			}
		}
	}
}

func (b *Bridge) register(p *peer) {
	b.mu.Lock()
	b.clients[p] = struct{}{}
	b.mu.Unlock()
}

func (b *Bridge) unregister(p *peer) {
	b.mu.Lock()
	delete(b.clients, p)
	b.mu.Unlock()
	close(p.done)
}

// deliver queues a reply, giving up when the peer is gone.
func (b *Bridge) deliver(p *peer, msg ws.Message) {
	select {
	case p.send <- msg:
	case <-p.done:
	}
}

// broadcast never blocks the engine; a lagging browser misses events and
// catches up with the next state frame.
func (b *Bridge) broadcast(msg ws.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for p := range b.clients {
		select {
		case p.send <- msg:
		default:
			b.log.Warn().Str("event", string(msg.Event)).Msg("Browser lagging, event dropped")
		}
	}
}

// dispatch runs one action and builds the reply frame.
func (b *Bridge) dispatch(ctx context.Context, req ws.RequestEnvelope) ws.Message {
	data, fields, err := b.handle(ctx, req)
	switch {
	case fields != nil:
		return ws.Message{Event: ws.EventError, ID: req.ID, Error: "validation failed", Fields: fields}
	case err != nil:
		return ws.Message{Event: ws.EventError, ID: req.ID, Error: err.Error()}
	case req.Action == ws.ActionPing:
		return ws.Message{Event: ws.EventPong, ID: req.ID}
	}
	return ws.Message{Event: ws.EventAck, ID: req.ID, Data: data}
}

func (b *Bridge) handle(ctx context.Context, req ws.RequestEnvelope) (any, map[string]string, error) {
	switch req.Action {
	case ws.ActionPing:
		return nil, nil, nil

	case ws.ActionLogin:
		var p ws.LoginRequest
		if fields, err := decode(req.Payload, &p); fields != nil || err != nil {
			return nil, fields, err
		}
		if err := b.eng.Login(p.ExamID); err != nil {
			return nil, nil, err
		}
		view, err := b.eng.View()
		return view, nil, err

	case ws.ActionStart:
		var p ws.StartRequest
		if fields, err := decode(req.Payload, &p); fields != nil || err != nil {
			return nil, fields, err
		}
		if err := b.eng.Start(p.Paper); err != nil {
			return nil, nil, err
		}
		view, err := b.eng.View()
		return view, nil, err

	case ws.ActionSignal:
		var p ws.SignalRequest
		if fields, err := decode(req.Payload, &p); fields != nil || err != nil {
			return nil, fields, err
		}
		verdict, err := b.eng.Signal(p.Signal)
		return verdict, nil, err

	case ws.ActionReport:
		var p ws.ReportRequest
		if fields, err := decode(req.Payload, &p); fields != nil || err != nil {
			return nil, fields, err
		}
		return nil, nil, b.eng.Report(p.Kind, p.Message)

	case ws.ActionAnswer:
		var p ws.AnswerRequest
		if fields, err := decode(req.Payload, &p); fields != nil || err != nil {
			return nil, fields, err
		}
		option := -1
		if p.Option != nil {
			option = *p.Option
		}
		return nil, nil, b.eng.Answer(p.QuestionID, option)

	case ws.ActionNavigate:
		var p ws.NavigateRequest
		if fields, err := decode(req.Payload, &p); fields != nil || err != nil {
			return nil, fields, err
		}
		return nil, nil, b.eng.Navigate(p.Question)

	case ws.ActionFlag:
		var p ws.FlagRequest
		if fields, err := decode(req.Payload, &p); fields != nil || err != nil {
			return nil, fields, err
		}
		return nil, nil, b.eng.Flag(p.QuestionID, p.Flagged)

	case ws.ActionReset:
		var p ws.ResetRequest
		if fields, err := decode(req.Payload, &p); fields != nil || err != nil {
			return nil, fields, err
		}
		if len(b.pinHash) == 0 {
			return nil, nil, ErrResetDisabled
		}
		if err := bcrypt.CompareHashAndPassword(b.pinHash, []byte(p.PIN)); err != nil {
			b.log.Warn().Str("operator", p.Operator).Msg("Violation reset rejected: wrong PIN")
			return nil, nil, ErrWrongPIN
		}
		if err := b.eng.ResetViolations(p.Operator); err != nil {
			return nil, nil, err
		}
		vs, err := b.eng.ViolationState()
		return vs, nil, err

	case ws.ActionSubmit:
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), submitTimeout)
		defer cancel()
		res, err := b.eng.Submit(sctx)
		return res, nil, err
	}

	b.log.Warn().Str("action", string(req.Action)).Msg("Unknown action")
	return nil, nil, errors.New("unknown action: " + string(req.Action))
}

// decode parses and validates an action payload.
func decode(raw json.RawMessage, dst any) (map[string]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ErrNoPayload
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return map[string]string{"detail": err.Error()}, nil
	}
	return validator.Struct(dst), nil
}
