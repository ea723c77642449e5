package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-guard/internal/model"
	"github.com/stemsi/exstem-guard/internal/monitor"
	"github.com/stemsi/exstem-guard/internal/response"
	"github.com/stemsi/exstem-guard/internal/service"
	"github.com/stemsi/exstem-guard/internal/validator"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
)

type MonitorHandler struct {
	monitorService  *service.MonitorService
	feedService     *service.SessionFeedService
	settingService  *service.SettingService
	log             zerolog.Logger
	refreshInterval time.Duration
	keepAlive       time.Duration
	now             func() time.Time
}

func NewMonitorHandler(
	monitorService *service.MonitorService,
	feedService *service.SessionFeedService,
	settingService *service.SettingService,
	log zerolog.Logger,
) *MonitorHandler {
	return &MonitorHandler{
		monitorService:  monitorService,
		feedService:     feedService,
		settingService:  settingService,
		log:             log.With().Str("component", "monitor_handler").Logger(),
		refreshInterval: refreshInterval,
		keepAlive:       keepAliveInterval,
		now:             time.Now,
	}
}

type monitorSnapshot struct {
	Sessions []model.ExamSession `json:"sessions"`
	Stats    monitor.Stats       `json:"stats"`
}

// MonitorExamSSE godoc
// GET /api/v1/admin/exams/:id/monitor
//
// Events: "snapshot" once, "session" per changed projection, "stats" on every
// refresh, "ping" as keepalive.
func (h *MonitorHandler) MonitorExamSSE(c *gin.Context) {
	examID, ok := examParam(c, "id")
	if !ok {
		return
	}

	reqCtx := c.Request.Context()
	stream, err := h.monitorService.Open(reqCtx, examID)
	if err != nil {
		failFromError(c, h.log, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	send := func(event string, data any) {
		c.SSEvent(event, data)
		c.Writer.Flush()
	}

	stream.Board.Sweep(h.now())
	send("snapshot", monitorSnapshot{Sessions: stream.Board.List(), Stats: stream.Board.Stats()})

	keepAliveTicker := time.NewTicker(h.keepAlive)
	defer keepAliveTicker.Stop()
	refreshTicker := time.NewTicker(h.refreshInterval)
	defer refreshTicker.Stop()

	h.log.Info().Str("exam_id", examID.String()).Msg("Admin attached to live monitor SSE")

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("exam_id", examID.String()).Msg("Admin disconnected from live monitor SSE")
			return

		case sess, ok := <-stream.Changes:
			if !ok {
				return
			}
			send("session", sess)

		case <-refreshTicker.C:
			for _, id := range stream.Board.Sweep(h.now()) {
				if sess, found := stream.Board.Get(id); found {
					send("session", sess)
				}
			}
			send("stats", stream.Board.Stats())

		case <-keepAliveTicker.C:
			send("ping", gin.H{"type": "ping"})
		}
	}
}

// ListSessions godoc
// GET /api/v1/admin/exams/:id/sessions
func (h *MonitorHandler) ListSessions(c *gin.Context) {
	examID, ok := examParam(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	settings, err := h.settingService.GetProctorSettings(ctx)
	if err != nil {
		failFromError(c, h.log, err)
		return
	}
	sessions, err := h.feedService.ListSessions(ctx, examID)
	if err != nil {
		failFromError(c, h.log, err)
		return
	}

	board := monitor.NewBoard(settings)
	for _, s := range sessions {
		board.Apply(s)
	}
	board.Sweep(h.now())
	response.Success(c, http.StatusOK, monitorSnapshot{Sessions: board.List(), Stats: board.Stats()})
}

type timeoutRequest struct {
	Reason string `json:"reason" binding:"max=200"`
}

// TimeoutStudent godoc
// POST /api/v1/admin/exams/:id/students/:student_id/timeout
func (h *MonitorHandler) TimeoutStudent(c *gin.Context) {
	examID, ok := examParam(c, "id")
	if !ok {
		return
	}
	studentID, err := strconv.Atoi(c.Param("student_id"))
	if err != nil || studentID <= 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req timeoutRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.feedService.Timeout(c.Request.Context(), examID, studentID, req.Reason); err != nil {
		failFromError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusAccepted, gin.H{"message": "timeout requested"})
}
