package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-guard/internal/middleware"
	"github.com/stemsi/exstem-guard/internal/model"
	"github.com/stemsi/exstem-guard/internal/response"
	"github.com/stemsi/exstem-guard/internal/service"
	"github.com/stemsi/exstem-guard/internal/validator"
)

// ExamSessionHandler serves the endpoints exam-station agents call.
type ExamSessionHandler struct {
	syncService   *service.SyncService
	submitService *service.SubmitService
	feedService   *service.SessionFeedService
	log           zerolog.Logger
}

func NewExamSessionHandler(
	syncService *service.SyncService,
	submitService *service.SubmitService,
	feedService *service.SessionFeedService,
	log zerolog.Logger,
) *ExamSessionHandler {
	return &ExamSessionHandler{
		syncService:   syncService,
		submitService: submitService,
		feedService:   feedService,
		log:           log.With().Str("component", "exam_session_handler").Logger(),
	}
}

// Sync godoc
// POST /api/v1/student/exams/:exam_id/sync
func (h *ExamSessionHandler) Sync(c *gin.Context) {
	examID, ok := examParam(c, "exam_id")
	if !ok {
		return
	}

	var req model.SyncPayload
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	ack, err := h.syncService.Sync(c.Request.Context(), middleware.GetClaims(c).UserID, examID, req)
	if err != nil {
		failFromError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, ack)
}

// Submit godoc
// POST /api/v1/student/exams/:exam_id/submit
func (h *ExamSessionHandler) Submit(c *gin.Context) {
	examID, ok := examParam(c, "exam_id")
	if !ok {
		return
	}

	var req model.SubmitRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	result, err := h.submitService.Submit(c.Request.Context(), middleware.GetClaims(c).UserID, examID, req)
	if err != nil {
		failFromError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, result)
}

// Heartbeat godoc
// POST /api/v1/student/exams/:exam_id/heartbeat
func (h *ExamSessionHandler) Heartbeat(c *gin.Context) {
	examID, ok := examParam(c, "exam_id")
	if !ok {
		return
	}

	var sess model.ExamSession
	if err := c.ShouldBindJSON(&sess); err != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, validator.TranslateErrors(err))
		return
	}

	ack, err := h.feedService.Heartbeat(c.Request.Context(), middleware.GetClaims(c).UserID, examID, sess)
	if err != nil {
		failFromError(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, ack)
}

func examParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}
	return id, true
}
